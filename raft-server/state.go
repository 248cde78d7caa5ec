package server

// raftState is the Raft bookkeeping every replica carries. Canonical Raft
// persists the term, the vote and the log across restarts; in this system
// everything is volatile and a restarted replica rejoins empty.
type raftState struct {
	// currentTerm is the latest term this replica has seen
	// (initialized to 0, increases monotonically)
	currentTerm uint64

	// votedFor names the candidate this replica voted for in the current
	// term; the empty string means no vote has been cast. A replica whose
	// votedFor is its own id is running (or has just run) a candidacy.
	votedFor string

	// log is the ordered sequence of commands for the state machine,
	// indexed from 1 with no gaps
	log []LogEntry
}

// volatileState tracks how far the replica has committed and applied.
// lastApplied never exceeds commitIndex, which never exceeds the last log
// index.
type volatileState struct {
	// commitIndex is the highest log index known to be replicated on a
	// majority and therefore safe to apply
	commitIndex uint64

	// lastApplied is the highest log index already applied to the state
	// machine
	lastApplied uint64
}

// leaderState is only meaningful while this replica leads. It is rebuilt
// from scratch on every ascension.
type leaderState struct {
	// nextIndex: for each peer, the index of the next log entry to send.
	// Initialized to (last log index + 1) and walked back one step per
	// refused append, never below 1.
	nextIndex map[string]uint64

	// matchIndex: for each peer, the highest log index known to be
	// replicated there. Drives commit advancement via the majority rule.
	matchIndex map[string]uint64

	// unsent stages entries accepted from clients since the last broadcast,
	// so one append_entries can carry several coalesced writes
	unsent []LogEntry
}

// lastLogIndex returns the index of the newest log entry, or 0 for an empty
// log.
func (s *Server) lastLogIndex() uint64 {
	if len(s.raft.log) == 0 {
		return 0
	}
	return s.raft.log[len(s.raft.log)-1].Index
}

// lastLogTerm returns the term of the newest log entry, or 0 for an empty
// log.
func (s *Server) lastLogTerm() uint64 {
	if len(s.raft.log) == 0 {
		return 0
	}
	return s.raft.log[len(s.raft.log)-1].Term
}

// entryAt returns the log entry with the given index, or nil when the log
// does not reach that far. The log is dense and never truncated from the
// front, so the entry for index i always sits at position i-1.
func (s *Server) entryAt(index uint64) *LogEntry {
	if index == 0 || index > uint64(len(s.raft.log)) {
		return nil
	}
	return &s.raft.log[index-1]
}

// termAt returns the term of the entry at the given index, or 0 when there
// is no such entry. Index 0 is the empty prefix and always has term 0.
func (s *Server) termAt(index uint64) uint64 {
	e := s.entryAt(index)
	if e == nil {
		return 0
	}
	return e.Term
}
