package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServer_HandleVoteRequest(t *testing.T) {
	now := time.Now()

	var tt = []struct {
		name            string
		term            uint64
		votedFor        string
		log             []LogEntry
		req             VoteRequest
		expectedGranted bool
		expectedTerm    uint64
	}{
		{
			name: "grant to up-to-date candidate",
			term: 0,
			req: VoteRequest{
				Term:        1,
				CandidateID: "0001",
			},
			expectedGranted: true,
			expectedTerm:    1,
		},
		{
			name:     "reject second candidate in same term",
			term:     1,
			votedFor: "0001",
			req: VoteRequest{
				Term:        1,
				CandidateID: "0002",
			},
			expectedGranted: false,
			expectedTerm:    1,
		},
		{
			name:     "re-grant to the same candidate",
			term:     1,
			votedFor: "0001",
			req: VoteRequest{
				Term:        1,
				CandidateID: "0001",
			},
			expectedGranted: true,
			expectedTerm:    1,
		},
		{
			name:     "grant to different candidate in a newer term",
			term:     1,
			votedFor: "0001",
			req: VoteRequest{
				Term:        2,
				CandidateID: "0002",
			},
			expectedGranted: true,
			expectedTerm:    2,
		},
		{
			name: "reject stale term",
			term: 3,
			req: VoteRequest{
				Term:        2,
				CandidateID: "0001",
			},
			expectedGranted: false,
			expectedTerm:    3,
		},
		{
			name: "reject candidate with older last log term",
			term: 2,
			log: []LogEntry{
				entry(1, 1, "a", "1"),
				entry(2, 2, "b", "2"),
			},
			req: VoteRequest{
				Term:         3,
				CandidateID:  "0001",
				LastLogIndex: 5,
				LastLogTerm:  1,
			},
			expectedGranted: false,
			expectedTerm:    3,
		},
		{
			name: "reject candidate with shorter log in same term",
			term: 2,
			log: []LogEntry{
				entry(1, 1, "a", "1"),
				entry(2, 2, "b", "2"),
			},
			req: VoteRequest{
				Term:         3,
				CandidateID:  "0001",
				LastLogIndex: 1,
				LastLogTerm:  2,
			},
			expectedGranted: false,
			expectedTerm:    3,
		},
		{
			name: "grant to candidate with longer log",
			term: 2,
			log: []LogEntry{
				entry(1, 1, "a", "1"),
			},
			req: VoteRequest{
				Term:         3,
				CandidateID:  "0001",
				LastLogIndex: 4,
				LastLogTerm:  2,
			},
			expectedGranted: true,
			expectedTerm:    3,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			server, conn := setupTestServer(t, "0000", []string{"0001", "0002"})
			server.raft.currentTerm = tc.term
			server.raft.votedFor = tc.votedFor
			server.raft.log = tc.log
			if tc.votedFor != "" {
				// a live ballot always has a fresh election window behind it
				server.electionStart = now
			}

			req := tc.req
			req.Envelope = Envelope{Src: req.CandidateID, Dst: "0000", Leader: "FFFF", Type: TypeVoteRequest}
			server.handleVoteRequest(&req, now)

			sent := conn.drain()
			require.Len(t, sent, 1)
			var resp VoteResponse
			env := decodeOne(t, sent[0], &resp)
			require.Equal(t, TypeVoteResponse, env.Type)
			require.Equal(t, req.CandidateID, env.Dst)
			require.Equal(t, tc.expectedGranted, resp.VoteGranted, "grant mismatch")
			require.Equal(t, tc.expectedTerm, resp.Term, "term mismatch")

			if tc.expectedGranted {
				require.Equal(t, req.CandidateID, server.raft.votedFor)
			}
		})
	}
}

func TestServer_HandleVoteRequest_StaleCandidacyOverride(t *testing.T) {
	now := time.Now()

	server, conn := setupTestServer(t, "0000", []string{"0001", "0002", "0003"})
	server.raft.currentTerm = 4
	server.raft.votedFor = "0001"
	// the election our ballot belongs to went quiet past the candidate
	// deadline, so a new candidate may claim the ballot
	server.electionStart = now.Add(-2 * server.candidateDeadline)

	req := VoteRequest{
		Envelope:    Envelope{Src: "0002", Dst: "0000", Leader: "FFFF", Type: TypeVoteRequest},
		Term:        4,
		CandidateID: "0002",
	}
	server.handleVoteRequest(&req, now)

	sent := conn.drain()
	require.Len(t, sent, 1)
	var resp VoteResponse
	decodeOne(t, sent[0], &resp)
	require.True(t, resp.VoteGranted)
	require.Equal(t, "0002", server.raft.votedFor)
}

func TestServer_HandleVoteRequest_FreshCandidacyKeepsBallot(t *testing.T) {
	now := time.Now()

	server, conn := setupTestServer(t, "0000", []string{"0001", "0002", "0003"})
	server.raft.currentTerm = 4
	server.raft.votedFor = "0001"
	server.electionStart = now.Add(-server.candidateDeadline / 2)

	req := VoteRequest{
		Envelope:    Envelope{Src: "0002", Dst: "0000", Leader: "FFFF", Type: TypeVoteRequest},
		Term:        4,
		CandidateID: "0002",
	}
	server.handleVoteRequest(&req, now)

	sent := conn.drain()
	require.Len(t, sent, 1)
	var resp VoteResponse
	decodeOne(t, sent[0], &resp)
	require.False(t, resp.VoteGranted)
	require.Equal(t, "0001", server.raft.votedFor)
}

func TestServer_LeaderRefusesVoteInOwnTerm(t *testing.T) {
	now := time.Now()

	server, conn := setupTestServer(t, "0000", []string{"0001", "0002"})
	makeLeader(server, 3)

	req := VoteRequest{
		Envelope:    Envelope{Src: "0001", Dst: "0000", Leader: "FFFF", Type: TypeVoteRequest},
		Term:        3,
		CandidateID: "0001",
	}
	server.handleVoteRequest(&req, now)

	sent := conn.drain()
	require.Len(t, sent, 1)
	var resp VoteResponse
	decodeOne(t, sent[0], &resp)
	require.False(t, resp.VoteGranted)
	require.True(t, server.isLeader())
}

func TestServer_Tick_StartsElection(t *testing.T) {
	server, conn := setupTestServer(t, "0000", []string{"0001", "0002"})

	start := time.Now()
	server.lastHeartbeat = start

	// quiet, but not past the deadline yet
	server.tick(start.Add(server.electionDeadline / 2))
	require.Empty(t, conn.drain())
	require.Equal(t, uint64(0), server.raft.currentTerm)

	// past the deadline the replica opens a candidacy in a fresh term
	now := start.Add(server.electionDeadline + time.Millisecond)
	server.tick(now)

	require.Equal(t, uint64(1), server.raft.currentTerm)
	require.Equal(t, "0000", server.raft.votedFor)
	require.Equal(t, uint32(1), server.receivedVotes)
	require.True(t, server.isCandidate())

	sent := conn.drain()
	require.Len(t, sent, 1)
	var req VoteRequest
	env := decodeOne(t, sent[0], &req)
	require.Equal(t, TypeVoteRequest, env.Type)
	require.Equal(t, Broadcast, env.Dst)
	require.Equal(t, uint64(1), req.Term)
	require.Equal(t, "0000", req.CandidateID)
}

func TestServer_Tick_RestartsStalledCandidacy(t *testing.T) {
	server, conn := setupTestServer(t, "0000", []string{"0001", "0002"})

	start := time.Now()
	server.lastHeartbeat = start
	server.tick(start.Add(server.electionDeadline + time.Millisecond))
	require.Equal(t, uint64(1), server.raft.currentTerm)
	conn.drain()

	// the candidacy stalls without a majority; the term must not advance
	now := server.electionStart.Add(server.candidateDeadline + time.Millisecond)
	server.tick(now)

	require.Equal(t, uint64(1), server.raft.currentTerm)
	require.Equal(t, uint32(1), server.receivedVotes)

	sent := conn.drain()
	require.Len(t, sent, 1)
	var req VoteRequest
	decodeOne(t, sent[0], &req)
	require.Equal(t, uint64(1), req.Term)
}

func TestServer_Tick_VoterTimesOutAfterCandidateDies(t *testing.T) {
	server, conn := setupTestServer(t, "0000", []string{"0001", "0002"})

	// we granted our ballot to 0001 and then heard nothing again
	grant := time.Now()
	server.raft.currentTerm = 1
	server.raft.votedFor = "0001"
	server.lastHeartbeat = grant
	server.electionStart = grant

	now := grant.Add(server.electionDeadline + time.Millisecond)
	server.tick(now)

	require.Equal(t, uint64(2), server.raft.currentTerm)
	require.Equal(t, "0000", server.raft.votedFor)
	require.True(t, server.isCandidate())
	require.NotEmpty(t, conn.drain())
}

func TestServer_VoteTally_Ascension(t *testing.T) {
	now := time.Now()

	server, conn := setupTestServer(t, "0000", []string{"0001", "0002", "0003", "0004"})
	server.raft.currentTerm = 1
	server.startElection(now)
	conn.drain()

	grant := func(from string) {
		server.handleVoteResponse(&VoteResponse{
			Envelope:    Envelope{Src: from, Dst: "0000", Leader: "FFFF", Type: TypeVoteResponse},
			Term:        1,
			VoteGranted: true,
		}, now)
	}

	// two of five votes (self included) is not a majority
	grant("0001")
	require.False(t, server.isLeader())
	require.Empty(t, conn.drain())

	// the third vote crosses the line
	grant("0002")
	require.True(t, server.isLeader())
	require.False(t, server.isCandidate())

	// ascension initializes the per-peer replication state
	for _, p := range server.peers {
		require.Equal(t, uint64(1), server.lead.nextIndex[p])
		require.Equal(t, uint64(0), server.lead.matchIndex[p])
	}

	// and asserts authority with an immediate heartbeat
	sent := conn.drain()
	require.Len(t, sent, 1)
	var hb AppendEntries
	env := decodeOne(t, sent[0], &hb)
	require.Equal(t, TypeAppendEntries, env.Type)
	require.Equal(t, Broadcast, env.Dst)
	require.Equal(t, "0000", env.Leader)
	require.Empty(t, hb.Entries)
}

func TestServer_VoteTally_IgnoresStaleTermsAndRefusals(t *testing.T) {
	now := time.Now()

	server, conn := setupTestServer(t, "0000", []string{"0001", "0002"})
	server.raft.currentTerm = 2
	server.startElection(now)
	conn.drain()

	// refusals and stale-term responses do not count
	server.handleVoteResponse(&VoteResponse{
		Envelope: Envelope{Src: "0001", Dst: "0000", Leader: "FFFF", Type: TypeVoteResponse},
		Term:     2,
	}, now)
	server.handleVoteResponse(&VoteResponse{
		Envelope:    Envelope{Src: "0002", Dst: "0000", Leader: "FFFF", Type: TypeVoteResponse},
		Term:        1,
		VoteGranted: true,
	}, now)

	require.False(t, server.isLeader())
	require.Equal(t, uint32(1), server.receivedVotes)
}

func TestServer_VoteResponse_HigherTermEndsCandidacy(t *testing.T) {
	now := time.Now()

	server, _ := setupTestServer(t, "0000", []string{"0001", "0002"})
	server.raft.currentTerm = 2
	server.startElection(now)

	server.handleVoteResponse(&VoteResponse{
		Envelope: Envelope{Src: "0001", Dst: "0000", Leader: "FFFF", Type: TypeVoteResponse},
		Term:     5,
	}, now)

	require.False(t, server.isCandidate())
	require.False(t, server.isLeader())
	require.Equal(t, uint64(5), server.raft.currentTerm)
	require.Equal(t, "", server.raft.votedFor)
}

func TestServer_CandidateYieldsToLeader(t *testing.T) {
	now := time.Now()

	server, conn := setupTestServer(t, "0000", []string{"0001", "0002"})
	server.raft.currentTerm = 2
	server.startElection(now)
	conn.drain()

	// a leader established itself for our term
	req := AppendEntries{
		Envelope: Envelope{Src: "0001", Dst: "0000", Leader: "0001", Type: TypeAppendEntries},
		Term:     2,
		Entries:  []LogEntry{},
	}
	server.handleAppendEntries(&req, now)

	require.False(t, server.isCandidate())
	require.Equal(t, "0001", server.leaderID)
	require.Empty(t, conn.drain())
}

func TestServer_ElectionSafety_SplitVote(t *testing.T) {
	// four replicas, two concurrent candidacies: each candidate takes its
	// own vote plus one ballot, nobody reaches three of four
	now := time.Now()

	ids := []string{"0000", "0001", "0002", "0003"}
	servers := make(map[string]*Server, len(ids))
	conns := make(map[string]*fakeConn, len(ids))
	for _, id := range ids {
		var peers []string
		for _, p := range ids {
			if p != id {
				peers = append(peers, p)
			}
		}
		s, c := setupTestServer(t, id, peers)
		servers[id], conns[id] = s, c
	}

	for _, id := range []string{"0000", "0001"} {
		servers[id].raft.currentTerm = 4
		servers[id].startElection(now)
		conns[id].drain()
	}

	// 0002 votes for 0000, 0003 votes for 0001
	voteReq := func(candidate string) *VoteRequest {
		return &VoteRequest{
			Envelope:    Envelope{Src: candidate, Dst: Broadcast, Leader: "FFFF", Type: TypeVoteRequest},
			Term:        4,
			CandidateID: candidate,
		}
	}
	servers["0002"].handleVoteRequest(voteReq("0000"), now)
	servers["0003"].handleVoteRequest(voteReq("0001"), now)

	deliver(t, conns["0002"], servers["0000"], now)
	deliver(t, conns["0003"], servers["0001"], now)

	// each candidate refuses the other
	servers["0000"].handleVoteRequest(voteReq("0001"), now)
	servers["0001"].handleVoteRequest(voteReq("0000"), now)
	deliver(t, conns["0000"], servers["0001"], now)
	deliver(t, conns["0001"], servers["0000"], now)

	leaders := 0
	for _, s := range servers {
		if s.isLeader() {
			leaders++
		}
	}
	require.Equal(t, 0, leaders, "a split vote must not seat a leader")

	// after the candidate deadline one of them restarts and, with the other
	// voters' ballots gone stale, collects a majority
	later := now.Add(servers["0000"].candidateDeadline + time.Millisecond)
	servers["0000"].tick(later)

	req := &VoteRequest{
		Envelope:    Envelope{Src: "0000", Dst: Broadcast, Leader: "FFFF", Type: TypeVoteRequest},
		Term:        4,
		CandidateID: "0000",
	}
	servers["0002"].handleVoteRequest(req, later)
	servers["0003"].handleVoteRequest(req, later)
	deliver(t, conns["0002"], servers["0000"], later)
	deliver(t, conns["0003"], servers["0000"], later)

	require.True(t, servers["0000"].isLeader())
}
