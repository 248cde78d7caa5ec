package state_machine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommand_MarshalJSON(t *testing.T) {
	var tt = []struct {
		name        string
		cmd         Command
		expected    string
		expectedErr string
	}{
		{
			name:     "put command",
			cmd:      Put("key", "value"),
			expected: `["PUT","key","value"]`,
		},
		{
			name:     "get command",
			cmd:      Get("key"),
			expected: `["GET","key"]`,
		},
		{
			name:     "put with empty value",
			cmd:      Put("key", ""),
			expected: `["PUT","key",""]`,
		},
		{
			name:        "unknown op",
			cmd:         Command{Op: "DEL", Key: "key"},
			expectedErr: `unsupported command op: "DEL"`,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.cmd)
			if tc.expectedErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, string(data))
		})
	}
}

func TestCommand_UnmarshalJSON(t *testing.T) {
	var tt = []struct {
		name        string
		data        string
		expectedCmd Command
		expectedErr string
	}{
		{
			name:        "put command",
			data:        `["PUT","key","value"]`,
			expectedCmd: Put("key", "value"),
		},
		{
			name:        "get command",
			data:        `["GET","key"]`,
			expectedCmd: Get("key"),
		},
		{
			name:        "put missing value",
			data:        `["PUT","key"]`,
			expectedErr: "PUT command needs key and value",
		},
		{
			name:        "get with too many elements",
			data:        `["GET","key","extra"]`,
			expectedErr: "GET command needs a key",
		},
		{
			name:        "unknown op",
			data:        `["DEL","key"]`,
			expectedErr: `unsupported command op: "DEL"`,
		},
		{
			name:        "empty array",
			data:        `[]`,
			expectedErr: "empty command",
		},
		{
			name:        "not an array",
			data:        `{"op":"PUT"}`,
			expectedErr: "command is not a JSON array",
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var cmd Command
			err := json.Unmarshal([]byte(tc.data), &cmd)
			if tc.expectedErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectedCmd, cmd)
		})
	}
}

func TestCommand_RoundTrip(t *testing.T) {
	var tt = []struct {
		name string
		cmd  Command
	}{
		{name: "put command", cmd: Put("key", "value")},
		{name: "get command", cmd: Get("key")},
		{name: "put with empty strings", cmd: Put("", "")},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := json.Marshal(tc.cmd)
			require.NoError(t, err)

			var decoded Command
			require.NoError(t, json.Unmarshal(encoded, &decoded))
			require.Equal(t, tc.cmd, decoded)
		})
	}
}

func TestStateMachine_Apply(t *testing.T) {
	sm := New()

	require.Equal(t, "", sm.Get("missing"))

	sm.Apply(Put("a", "1"))
	require.Equal(t, "1", sm.Get("a"))

	// a later put overwrites
	sm.Apply(Put("a", "2"))
	require.Equal(t, "2", sm.Get("a"))

	// gets never mutate
	sm.Apply(Get("a"))
	sm.Apply(Get("missing"))
	require.Equal(t, "2", sm.Get("a"))
	require.Equal(t, "", sm.Get("missing"))
	require.Equal(t, 1, sm.Len())
}

func TestStateMachine_Convergence(t *testing.T) {
	// applying the same committed prefix to two empty machines yields the
	// same mapping
	commands := []Command{
		Put("x", "1"),
		Put("y", "2"),
		Put("x", "3"),
		Get("y"),
		Put("z", ""),
	}

	a, b := New(), New()
	for _, cmd := range commands {
		a.Apply(cmd)
		b.Apply(cmd)
	}

	require.Equal(t, a.Snapshot(), b.Snapshot())
	require.Equal(t, map[string]string{"x": "3", "y": "2", "z": ""}, a.Snapshot())
}
