package server

import (
	"sort"
	"time"
)

// broadcastAppendEntries is the leader's single routine emission: one
// broadcast carrying whatever entries were staged since the last one. With
// nothing staged it is a heartbeat. prev_log_index names the entry just
// before the batch, or the leader's last index for a heartbeat, so every
// up-to-date follower passes the consistency check.
func (s *Server) broadcastAppendEntries(now time.Time) {
	entries := s.lead.unsent
	s.lead.unsent = nil
	if entries == nil {
		entries = []LogEntry{}
	}

	prevIndex := s.lastLogIndex()
	if len(entries) > 0 {
		prevIndex = entries[0].Index - 1
	}

	s.send(AppendEntries{
		Envelope:     s.envelope(Broadcast, TypeAppendEntries),
		Term:         s.raft.currentTerm,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  s.termAt(prevIndex),
		LeaderCommit: s.volatile.commitIndex,
		Entries:      entries,
	})
	s.lastHeartbeat = now
}

// sendAppendEntriesTo retransmits the log tail to one peer that refused a
// previous append, starting from its nextIndex.
func (s *Server) sendAppendEntriesTo(peer string) {
	next := s.lead.nextIndex[peer]
	if next == 0 {
		next = 1
	}

	entries := []LogEntry{}
	if next <= s.lastLogIndex() {
		entries = append(entries, s.raft.log[next-1:]...)
	}

	prevIndex := next - 1
	s.send(AppendEntries{
		Envelope:     s.envelope(peer, TypeAppendEntries),
		Term:         s.raft.currentTerm,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  s.termAt(prevIndex),
		LeaderCommit: s.volatile.commitIndex,
		Entries:      entries,
	})
}

// handleAppendEntries is the follower side of replication. The consistency
// check is what makes logs converge: we only take entries when we hold the
// entry just before them, with the term the leader says it has. A refusal
// makes the leader walk nextIndex back one step and try again, so a lagging
// or diverged follower is repaired entry by entry.
func (s *Server) handleAppendEntries(m *AppendEntries, now time.Time) {
	refuse := func() {
		s.send(AppendEntriesResponse{
			Envelope: s.envelope(m.Src, TypeAppendEntriesResponse),
			Term:     s.raft.currentTerm,
		})
	}

	// a deposed leader learns the current term from the refusal
	if m.Term < s.raft.currentTerm {
		refuse()
		return
	}

	if m.Term > s.raft.currentTerm {
		s.adoptTerm(m.Term)
	} else if s.isLeader() {
		// two leaders in one term cannot happen; drop rather than yield
		s.logger.Printf("ignoring append_entries from %s carrying our own term", m.Src)
		return
	} else {
		// the sender holds leader authority for our term: any candidacy of
		// ours is over, and our ballot frees up so the election timer can
		// re-arm once this leader goes quiet
		s.raft.votedFor = ""
		s.electionStart = time.Time{}
		s.receivedVotes = 0
	}

	if s.leaderID != m.Leader {
		s.logger.Printf("following leader %s in term %d", m.Leader, s.raft.currentTerm)
	}
	s.leaderID = m.Leader
	s.lastHeartbeat = now

	// consistency check: the entry just before the batch must exist here
	// with the term the leader remembers. prev_log_index 0 is the empty
	// prefix and always matches. This applies to heartbeats too, so a
	// rejoining follower refuses them and triggers repair.
	if m.PrevLogIndex > 0 {
		local := s.entryAt(m.PrevLogIndex)
		if local == nil || local.Term != m.PrevLogTerm {
			refuse()
			return
		}
	}

	if len(m.Entries) == 0 {
		// consistent heartbeat: nothing to store and no ack owed, but the
		// leader may have advanced the commit point
		s.advanceFollowerCommit(m.LeaderCommit, 0)
		return
	}

	// merge the batch: a conflicting entry (same index, different term)
	// condemns it and everything after it; entries we already hold are
	// left alone; the rest append in order
	for _, entry := range m.Entries {
		if existing := s.entryAt(entry.Index); existing != nil {
			if existing.Term != entry.Term {
				s.raft.log = s.raft.log[:entry.Index-1]
				s.raft.log = append(s.raft.log, entry)
			}
		} else {
			s.raft.log = append(s.raft.log, entry)
		}
	}

	lastNew := m.Entries[len(m.Entries)-1].Index
	s.advanceFollowerCommit(m.LeaderCommit, lastNew)

	s.send(AppendEntriesResponse{
		Envelope:     s.envelope(m.Src, TypeAppendEntriesResponse),
		Term:         s.raft.currentTerm,
		Success:      true,
		CurrentIndex: s.lastLogIndex(),
	})
}

// advanceFollowerCommit moves the commit point up to what the leader says is
// committed, clamped to what we actually hold, and applies the new prefix.
// lastNew is the highest index carried by the triggering append, or 0 for a
// heartbeat.
func (s *Server) advanceFollowerCommit(leaderCommit, lastNew uint64) {
	if leaderCommit <= s.volatile.commitIndex {
		return
	}

	commit := leaderCommit
	if lastNew > 0 && commit > lastNew {
		commit = lastNew
	}
	if last := s.lastLogIndex(); commit > last {
		commit = last
	}

	if commit > s.volatile.commitIndex {
		s.volatile.commitIndex = commit
		s.applyCommitted()
	}
}

// handleAppendEntriesResponse is the leader side of the ack path: a success
// moves the peer's match and next indices forward and may commit; a refusal
// walks nextIndex back one step (never below 1) and retransmits the tail.
func (s *Server) handleAppendEntriesResponse(m *AppendEntriesResponse) {
	if m.Term > s.raft.currentTerm {
		// the cluster has moved on; step down
		s.adoptTerm(m.Term)
		return
	}

	if !s.isLeader() || m.Term < s.raft.currentTerm {
		return
	}

	peer := m.Src
	if _, ok := s.lead.nextIndex[peer]; !ok {
		return
	}

	if m.Success {
		s.lead.matchIndex[peer] = m.CurrentIndex
		s.lead.nextIndex[peer] = m.CurrentIndex + 1
		s.advanceLeaderCommit()
		return
	}

	if s.lead.nextIndex[peer] > 1 {
		s.lead.nextIndex[peer]--
	}
	s.sendAppendEntriesTo(peer)
}

// advanceLeaderCommit finds the highest index stored on a strict majority of
// the cluster (the leader's own log included) and commits up to it, but only
// when that entry carries the current term. Entries from earlier terms are
// never committed directly; they commit as a side effect of a current-term
// entry above them.
func (s *Server) advanceLeaderCommit() {
	values := make([]uint64, 0, s.clusterSize())
	for _, p := range s.peers {
		values = append(values, s.lead.matchIndex[p])
	}
	values = append(values, s.lastLogIndex())

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	// in the ascending list, the element at ceil(n/2)-1 is the highest
	// index held by strictly more than half of the cluster
	candidate := values[(len(values)+1)/2-1]

	if candidate <= s.volatile.commitIndex {
		return
	}
	if s.termAt(candidate) != s.raft.currentTerm {
		return
	}

	s.volatile.commitIndex = candidate
	s.logger.Printf("advanced commit index to %d", candidate)
	s.applyCommitted()
}

// applyCommitted feeds every newly committed entry to the state machine in
// index order. Application is deterministic, so replicas that agree on the
// committed prefix agree on the mapping.
func (s *Server) applyCommitted() {
	for s.volatile.lastApplied < s.volatile.commitIndex {
		s.volatile.lastApplied++
		entry := s.entryAt(s.volatile.lastApplied)
		if entry == nil {
			return
		}
		s.sm.Apply(entry.Command)
	}
}
