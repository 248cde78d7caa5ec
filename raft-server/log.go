package server

import (
	"encoding/json"
	"fmt"

	"github.com/Tvcz/raft/state-machine"
)

// LogEntry is one slot of the replicated log: a dense index starting from 1,
// the term of the leader that created the entry, and the client command.
// On the wire it is the positional array [index, term, command].
type LogEntry struct {
	Index   uint64
	Term    uint64
	Command state_machine.Command
}

// MarshalJSON encodes the entry in its positional wire form.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Index, e.Term, e.Command})
}

// UnmarshalJSON decodes the positional wire form back into a LogEntry.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("log entry is not a JSON array: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("log entry needs index, term and command, got %d elements", len(parts))
	}

	if err := json.Unmarshal(parts[0], &e.Index); err != nil {
		return fmt.Errorf("log entry index: %w", err)
	}
	if err := json.Unmarshal(parts[1], &e.Term); err != nil {
		return fmt.Errorf("log entry term: %w", err)
	}
	if err := json.Unmarshal(parts[2], &e.Command); err != nil {
		return fmt.Errorf("log entry command: %w", err)
	}

	if e.Index == 0 {
		return fmt.Errorf("log entry index must be at least 1")
	}

	return nil
}
