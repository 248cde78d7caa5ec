package server

import (
	"encoding/json"
	"time"

	"github.com/Tvcz/raft/state-machine"
)

// handleGet serves a client read. Only the leader answers; everyone else
// redirects to whoever it believes leads. The leader itself must redirect
// when an uncommitted write to the key is still in flight, because the
// mapping does not yet reflect what the client was told succeeded.
func (s *Server) handleGet(m *Get, extra map[string]json.RawMessage) {
	if !s.isLeader() {
		s.redirect(m.Src, m.MID, extra)
		return
	}

	for i := s.volatile.commitIndex + 1; i <= s.lastLogIndex(); i++ {
		entry := s.entryAt(i)
		if entry == nil {
			break
		}
		if entry.Command.Op == state_machine.OpPut && entry.Command.Key == m.Key {
			s.logger.Printf("get %q blocked by uncommitted put at index %d, redirecting", m.Key, i)
			s.redirect(m.Src, m.MID, extra)
			return
		}
	}

	value := s.sm.Get(m.Key)
	s.sendWithExtra(OK{
		Envelope: s.envelope(m.Src, TypeOK),
		MID:      m.MID,
		Value:    &value,
	}, extra)
}

// handlePut admits a client write. The leader appends the entry, stages it
// for the next broadcast, acknowledges the client right away, and pushes a
// replication burst. The ack is optimistic: if leadership is lost before
// the entry commits, the write can be overwritten by a higher term even
// though the client saw an ok.
func (s *Server) handlePut(m *Put, extra map[string]json.RawMessage, now time.Time) {
	if !s.isLeader() {
		s.redirect(m.Src, m.MID, extra)
		return
	}

	if len(m.Key)+len(m.Value) > maxDatagram/2 {
		// key and value together may take at most half the datagram limit
		s.logger.Printf("rejecting oversized put from %s (%d bytes)", m.Src, len(m.Key)+len(m.Value))
		s.sendWithExtra(Fail{
			Envelope: s.envelope(m.Src, TypeFail),
			MID:      m.MID,
		}, extra)
		return
	}

	entry := LogEntry{
		Index:   s.lastLogIndex() + 1,
		Term:    s.raft.currentTerm,
		Command: state_machine.Put(m.Key, m.Value),
	}
	s.raft.log = append(s.raft.log, entry)
	s.lead.unsent = append(s.lead.unsent, entry)

	s.sendWithExtra(OK{
		Envelope: s.envelope(m.Src, TypeOK),
		MID:      m.MID,
	}, extra)

	s.broadcastAppendEntries(now)
}

// redirect points a client at the believed leader, or at the broadcast
// sentinel when we have no belief, and echoes the correlation id.
func (s *Server) redirect(dst, mid string, extra map[string]json.RawMessage) {
	s.sendWithExtra(Redirect{
		Envelope: s.envelope(dst, TypeRedirect),
		MID:      mid,
	}, extra)
}
