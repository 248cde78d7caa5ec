package server

import (
	"encoding/json"
	"fmt"
)

// Broadcast is the sentinel replica id meaning "any/all". It is the
// destination of fan-out messages and the wire value for an unknown leader.
const Broadcast = "FFFF"

// Message type tags.
const (
	TypeHello                 = "hello"
	TypeGet                   = "get"
	TypePut                   = "put"
	TypeOK                    = "ok"
	TypeFail                  = "fail"
	TypeRedirect              = "redirect"
	TypeVoteRequest           = "vote_request"
	TypeVoteResponse          = "vote_response"
	TypeAppendEntries         = "append_entries"
	TypeAppendEntriesResponse = "append_entries_response"
)

// Envelope carries the fields common to every message on the fabric.
// dst is a replica id or Broadcast; leader is the sender's current belief
// about who leads, or Broadcast when it has none.
type Envelope struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Leader string `json:"leader"`
	Type   string `json:"type"`
}

// Hello announces a replica or client to the fabric once at startup, so the
// fabric can learn the sender's socket address for demultiplexing.
type Hello struct {
	Envelope
}

// Get is a client read request.
type Get struct {
	Envelope
	MID string `json:"MID"`
	Key string `json:"key"`
}

// Put is a client write request.
type Put struct {
	Envelope
	MID   string `json:"MID"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// OK acknowledges a client request. Value is set only on GET responses, and
// then it is always present, even when the key was unset (empty string).
type OK struct {
	Envelope
	MID   string  `json:"MID"`
	Value *string `json:"value,omitempty"`
}

// Fail tells a client its request could not be handled and should be retried.
type Fail struct {
	Envelope
	MID string `json:"MID"`
}

// Redirect tells a client to re-send its request to the replica named in the
// envelope's leader field.
type Redirect struct {
	Envelope
	MID string `json:"MID"`
}

// VoteRequest is broadcast by a candidate to solicit ballots.
type VoteRequest struct {
	Envelope
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponse answers a VoteRequest. Term is always the responder's current
// term so a stale candidate can adopt it.
type VoteResponse struct {
	Envelope
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntries replicates log entries and asserts leadership. An empty
// Entries list is a heartbeat.
type AppendEntries struct {
	Envelope
	Term         uint64     `json:"term"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	LeaderCommit uint64     `json:"leader_commit"`
	Entries      []LogEntry `json:"entries"`
}

// AppendEntriesResponse answers an AppendEntries that carried entries, or
// refuses one that failed the consistency check. CurrentIndex is the
// follower's last log index and is only set on success.
type AppendEntriesResponse struct {
	Envelope
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	CurrentIndex uint64 `json:"current_index,omitempty"`
}

// DecodeEnvelope reads just the common header of a raw datagram, enough to
// route it and pick the full message type to decode into.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed message: %w", err)
	}
	if env.Src == "" || env.Dst == "" || env.Type == "" {
		return Envelope{}, fmt.Errorf("message missing src, dst or type")
	}
	return env, nil
}

// extraFields collects the fields of a client request beyond the documented
// schema, so a response can carry them back untouched next to the MID.
// Returns nil when there is nothing to preserve.
func extraFields(data []byte, known ...string) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	for _, k := range known {
		delete(m, k)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// marshalMessage encodes msg, splicing in any preserved extra fields that the
// message itself does not already set.
func marshalMessage(msg interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}
