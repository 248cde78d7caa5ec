package server

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/Tvcz/raft/state-machine"
)

// Server is one replica of the replicated key-value store. A single event
// loop owns every field: it polls the transport with a short deadline,
// handles whatever arrived, then evaluates the timers. There are no locks
// and no concurrent handlers; peer-visible state is only what crosses the
// wire.
type Server struct {
	id    string
	peers []string // the other replica ids in the cluster

	raft     raftState
	volatile volatileState
	lead     leaderState

	// leaderID is this replica's current belief about who leads, or the
	// empty string when it has none
	leaderID string

	// lastHeartbeat is the last moment leader authority was observed, or
	// (as leader) the last moment a heartbeat went out
	lastHeartbeat time.Time

	// electionStart marks when the current candidacy (or the vote granted
	// to someone else's) began; zero when neither is in flight
	electionStart time.Time

	// receivedVotes tallies ballots during this candidacy, self included
	receivedVotes uint32

	// electionDeadline and candidateDeadline are this replica's draws from
	// the configured timing bands
	electionDeadline  time.Duration
	candidateDeadline time.Duration

	sm     *state_machine.StateMachine
	conn   Conn
	timing Timing
	logger *log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer builds a replica. conn is its endpoint on the datagram fabric;
// peers are the ids of the other replicas, fixed for the lifetime of the
// cluster.
func NewServer(id string, peers []string, conn Conn, timing Timing) (*Server, error) {
	if id == "" || id == Broadcast {
		return nil, fmt.Errorf("invalid replica id %q", id)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("peer list must not be empty")
	}
	seen := map[string]bool{id: true}
	for _, p := range peers {
		if p == "" || p == Broadcast {
			return nil, fmt.Errorf("invalid peer id %q", p)
		}
		if seen[p] {
			return nil, fmt.Errorf("duplicate id %q in cluster", p)
		}
		seen[p] = true
	}
	if err := timing.validate(); err != nil {
		return nil, err
	}

	// every replica draws its own deadlines; symmetric timers would have
	// the whole cluster time out in lockstep and elections would never
	// converge
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashID(id))))

	s := &Server{
		id:    id,
		peers: append([]string(nil), peers...),
		lead: leaderState{
			nextIndex:  make(map[string]uint64),
			matchIndex: make(map[string]uint64),
		},
		electionDeadline:  drawDeadline(rng, timing.ElectionDeadlineMin, timing.ElectionDeadlineMax),
		candidateDeadline: drawDeadline(rng, timing.CandidateDeadlineMin, timing.CandidateDeadlineMax),
		sm:                state_machine.New(),
		conn:              conn,
		timing:            timing,
		logger:            log.New(os.Stderr, "["+id+"] ", log.LstdFlags|log.Lmicroseconds),
		stopCh:            make(chan struct{}),
	}

	return s, nil
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// Run drives the replica until Shutdown is called or a fatal protocol error
// occurs. It announces itself to the fabric, then loops: receive with a
// bounded poll, dispatch, evaluate timers.
func (s *Server) Run() error {
	s.logger.Printf("starting, peers=%v election_deadline=%v candidate_deadline=%v",
		s.peers, s.electionDeadline, s.candidateDeadline)

	s.send(Hello{Envelope: Envelope{Src: s.id, Dst: Broadcast, Leader: s.leaderField(), Type: TypeHello}})
	s.lastHeartbeat = time.Now()

	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		data, ok, err := s.conn.Receive(s.timing.PollInterval)
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			return fmt.Errorf("transport receive: %w", err)
		}

		now := time.Now()
		if ok {
			if err := s.dispatch(data, now); err != nil {
				return err
			}
		}

		s.tick(now)
	}
}

// Shutdown stops the event loop. It is safe to call more than once; the
// transport is closed so a blocked receive wakes immediately.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.conn.Close()
	})
}

// ID returns the replica's id.
func (s *Server) ID() string {
	return s.id
}

func (s *Server) isLeader() bool {
	return s.leaderID == s.id
}

// isCandidate reports whether an election of our own is in flight. A leader
// keeps votedFor pointed at itself for the rest of its term, so candidacy
// additionally requires an open electionStart.
func (s *Server) isCandidate() bool {
	return s.raft.votedFor == s.id && !s.electionStart.IsZero() && !s.isLeader()
}

func (s *Server) clusterSize() int {
	return len(s.peers) + 1
}

// leaderField is the wire value of our leader belief.
func (s *Server) leaderField() string {
	if s.leaderID == "" {
		return Broadcast
	}
	return s.leaderID
}

// envelope stamps a new outbound message header.
func (s *Server) envelope(dst, msgType string) Envelope {
	return Envelope{Src: s.id, Dst: dst, Leader: s.leaderField(), Type: msgType}
}

// tick evaluates the timers, in order: leader heartbeat, follower election
// timeout, stalled candidacy. Timers are not preemptive; they only fire
// here, after the read path.
func (s *Server) tick(now time.Time) {
	if s.isLeader() && now.Sub(s.lastHeartbeat) > s.timing.HeartbeatPeriod {
		s.broadcastAppendEntries(now)
	}

	// granting a ballot refreshes lastHeartbeat, so a voter whose candidate
	// went quiet still times out here and runs its own election in a fresh
	// term
	if !s.isLeader() && !s.isCandidate() && now.Sub(s.lastHeartbeat) > s.electionDeadline {
		s.raft.currentTerm++
		s.startElection(now)
	}

	if s.isCandidate() && now.Sub(s.electionStart) > s.candidateDeadline {
		s.restartElection(now)
	}
}

// dispatch routes one raw datagram to its handler. Malformed datagrams are
// dropped; an unknown message type from a peer is fatal.
func (s *Server) dispatch(data []byte, now time.Time) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		s.logger.Printf("dropping malformed datagram: %v", err)
		return nil
	}

	// the fabric echoes broadcasts to everyone but the sender; be defensive
	// about loops anyway, and ignore traffic for somebody else
	if env.Src == s.id {
		return nil
	}
	if env.Dst != s.id && env.Dst != Broadcast {
		return nil
	}

	switch env.Type {
	case TypeHello:
		// a peer or client announcing itself to the fabric; nothing for us
		return nil

	case TypeGet:
		var m Get
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Printf("dropping malformed get from %s: %v", env.Src, err)
			return nil
		}
		extra := extraFields(data, "src", "dst", "leader", "type", "MID", "key")
		s.handleGet(&m, extra)

	case TypePut:
		var m Put
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Printf("dropping malformed put from %s: %v", env.Src, err)
			return nil
		}
		extra := extraFields(data, "src", "dst", "leader", "type", "MID", "key", "value")
		s.handlePut(&m, extra, now)

	case TypeVoteRequest:
		var m VoteRequest
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Printf("dropping malformed vote_request from %s: %v", env.Src, err)
			return nil
		}
		s.handleVoteRequest(&m, now)

	case TypeVoteResponse:
		var m VoteResponse
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Printf("dropping malformed vote_response from %s: %v", env.Src, err)
			return nil
		}
		s.handleVoteResponse(&m, now)

	case TypeAppendEntries:
		var m AppendEntries
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Printf("dropping malformed append_entries from %s: %v", env.Src, err)
			return nil
		}
		s.handleAppendEntries(&m, now)

	case TypeAppendEntriesResponse:
		var m AppendEntriesResponse
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Printf("dropping malformed append_entries_response from %s: %v", env.Src, err)
			return nil
		}
		s.handleAppendEntriesResponse(&m)

	case TypeOK, TypeFail, TypeRedirect:
		// client-bound responses; a replica can see these only through a
		// misrouted broadcast
		return nil

	default:
		return fmt.Errorf("unknown message type %q from %s", env.Type, env.Src)
	}

	return nil
}

// send marshals and transmits one message. Transport errors are logged and
// swallowed: datagrams are best-effort and the protocol heals itself.
func (s *Server) send(msg interface{}) {
	s.sendWithExtra(msg, nil)
}

func (s *Server) sendWithExtra(msg interface{}, extra map[string]json.RawMessage) {
	data, err := marshalMessage(msg, extra)
	if err != nil {
		s.logger.Printf("failed to encode outbound message: %v", err)
		return
	}
	if err := s.conn.Send(data); err != nil {
		s.logger.Printf("failed to send message: %v", err)
	}
}

// adoptTerm moves the replica to a newer term, dropping any vote, candidacy
// or leadership held under the old one.
func (s *Server) adoptTerm(term uint64) {
	if term > s.raft.currentTerm {
		s.logger.Printf("adopting term %d (was %d)", term, s.raft.currentTerm)
	}
	s.raft.currentTerm = term
	s.raft.votedFor = ""
	s.leaderID = ""
	s.electionStart = time.Time{}
	s.receivedVotes = 0
	s.lead.unsent = nil
}
