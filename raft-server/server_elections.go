package server

import "time"

// startElection opens a candidacy in the current term (the caller has
// already advanced it): vote for ourselves, forget any leader, and ask the
// cluster for ballots.
func (s *Server) startElection(now time.Time) {
	s.leaderID = ""
	s.raft.votedFor = s.id
	s.receivedVotes = 1
	s.electionStart = now

	s.logger.Printf("election timeout, starting election for term %d", s.raft.currentTerm)
	s.broadcastVoteRequest()
}

// restartElection re-broadcasts the vote request after a candidacy stalled
// without a winner. The term does not advance; peers that already voted for
// us simply vote again.
func (s *Server) restartElection(now time.Time) {
	s.receivedVotes = 1
	s.electionStart = now

	s.logger.Printf("candidacy stalled, re-requesting votes for term %d", s.raft.currentTerm)
	s.broadcastVoteRequest()
}

func (s *Server) broadcastVoteRequest() {
	s.send(VoteRequest{
		Envelope:     s.envelope(Broadcast, TypeVoteRequest),
		Term:         s.raft.currentTerm,
		CandidateID:  s.id,
		LastLogIndex: s.lastLogIndex(),
		LastLogTerm:  s.lastLogTerm(),
	})
}

// handleVoteRequest decides whether to grant our ballot to a candidate.
func (s *Server) handleVoteRequest(m *VoteRequest, now time.Time) {
	steppedDown := false
	if m.Term > s.raft.currentTerm {
		s.adoptTerm(m.Term)
		steppedDown = true
	}

	refuse := func(reason string) {
		s.logger.Printf("refusing vote for %s in term %d: %s", m.CandidateID, m.Term, reason)
		s.send(VoteResponse{
			Envelope: s.envelope(m.Src, TypeVoteResponse),
			Term:     s.raft.currentTerm,
		})
	}

	// a stale candidate learns our term from the response and adopts it
	if m.Term < s.raft.currentTerm {
		refuse("stale term")
		return
	}

	// an undeposed leader never hands out ballots in its own term; granting
	// one could seat a second leader for the term
	if s.isLeader() && !steppedDown {
		refuse("still leading this term")
		return
	}

	if s.raft.votedFor != "" && s.raft.votedFor != m.CandidateID {
		// our ballot is taken. If the election it belongs to is still
		// fresh, honor it; if that election has gone stale without a
		// winner, abandon it and consider the new candidate, trading
		// one-vote-per-term strictness for convergence under split votes.
		if !s.electionStart.IsZero() && now.Sub(s.electionStart) < s.candidateDeadline {
			refuse("already voted for " + s.raft.votedFor)
			return
		}
		s.logger.Printf("abandoning stale election state (voted for %s)", s.raft.votedFor)
		s.raft.votedFor = ""
		s.electionStart = time.Time{}
		s.receivedVotes = 0
	}

	// the candidate's log must be at least as up to date as ours
	// (section 5.4.1 of the Raft paper: compare last terms, then lengths)
	upToDate := m.LastLogTerm > s.lastLogTerm() ||
		(m.LastLogTerm == s.lastLogTerm() && m.LastLogIndex >= s.lastLogIndex())
	if !upToDate {
		refuse("candidate log is behind ours")
		return
	}

	s.raft.votedFor = m.CandidateID
	s.lastHeartbeat = now
	s.electionStart = now

	s.logger.Printf("granting vote to %s for term %d", m.CandidateID, s.raft.currentTerm)
	s.send(VoteResponse{
		Envelope:    s.envelope(m.Src, TypeVoteResponse),
		Term:        s.raft.currentTerm,
		VoteGranted: true,
	})
}

// handleVoteResponse tallies a ballot. Winning takes strictly more than half
// of the cluster, self-vote included.
func (s *Server) handleVoteResponse(m *VoteResponse, now time.Time) {
	if m.Term > s.raft.currentTerm {
		// somebody is ahead of us; this candidacy is over
		s.adoptTerm(m.Term)
		return
	}

	if !s.isCandidate() || m.Term < s.raft.currentTerm || !m.VoteGranted {
		return
	}

	s.receivedVotes++
	if s.receivedVotes > uint32(s.clusterSize()/2) {
		s.becomeLeader(now)
	}
}

// becomeLeader seats this replica as leader for the current term: close the
// election, rebuild the per-peer replication state, and assert authority
// with an immediate heartbeat.
func (s *Server) becomeLeader(now time.Time) {
	s.logger.Printf("won election with %d votes, leading term %d", s.receivedVotes, s.raft.currentTerm)

	s.leaderID = s.id
	s.electionStart = time.Time{}
	s.receivedVotes = 0

	next := s.lastLogIndex() + 1
	for _, p := range s.peers {
		s.lead.nextIndex[p] = next
		s.lead.matchIndex[p] = 0
	}
	s.lead.unsent = nil

	s.broadcastAppendEntries(now)
}
