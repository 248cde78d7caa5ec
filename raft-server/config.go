package server

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Timing collects the protocol's timer bands. Election and candidate
// deadlines are bands, not points: each replica draws its own deadline from
// the band so that simultaneous timeouts do not deadlock the cluster.
type Timing struct {
	// HeartbeatPeriod is how often the leader asserts itself with an
	// append_entries broadcast
	HeartbeatPeriod time.Duration

	// ElectionDeadlineMin/Max bound how long a follower waits without
	// hearing from a leader before starting an election
	ElectionDeadlineMin time.Duration
	ElectionDeadlineMax time.Duration

	// CandidateDeadlineMin/Max bound how long a candidate waits for a
	// majority before re-broadcasting its vote request
	CandidateDeadlineMin time.Duration
	CandidateDeadlineMax time.Duration

	// PollInterval bounds the transport receive poll; timers are evaluated
	// after every poll wake, so this also bounds timer latency
	PollInterval time.Duration
}

// DefaultTiming returns the nominal production bands: 150 ms heartbeats,
// elections at 1.0 s give or take 0.5 s, candidacies at 0.5 s give or take
// 0.1 s, and a 100 ms receive poll.
func DefaultTiming() Timing {
	return Timing{
		HeartbeatPeriod:      150 * time.Millisecond,
		ElectionDeadlineMin:  500 * time.Millisecond,
		ElectionDeadlineMax:  1500 * time.Millisecond,
		CandidateDeadlineMin: 400 * time.Millisecond,
		CandidateDeadlineMax: 600 * time.Millisecond,
		PollInterval:         100 * time.Millisecond,
	}
}

// validate rejects bands that would stall or deadlock the protocol.
func (t Timing) validate() error {
	if t.HeartbeatPeriod <= 0 || t.PollInterval <= 0 {
		return fmt.Errorf("heartbeat period and poll interval must be positive")
	}
	if t.ElectionDeadlineMin <= 0 || t.ElectionDeadlineMax < t.ElectionDeadlineMin {
		return fmt.Errorf("election deadline band [%v, %v] is invalid", t.ElectionDeadlineMin, t.ElectionDeadlineMax)
	}
	if t.CandidateDeadlineMin <= 0 || t.CandidateDeadlineMax < t.CandidateDeadlineMin {
		return fmt.Errorf("candidate deadline band [%v, %v] is invalid", t.CandidateDeadlineMin, t.CandidateDeadlineMax)
	}
	if t.ElectionDeadlineMax <= t.HeartbeatPeriod {
		return fmt.Errorf("election deadline %v must exceed heartbeat period %v", t.ElectionDeadlineMax, t.HeartbeatPeriod)
	}
	return nil
}

// drawDeadline picks a deadline uniformly from [min, max].
func drawDeadline(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

// Config is the optional YAML configuration file. The CLI always names the
// port, the replica id and the peer set; the file can only tune timing.
type Config struct {
	Timing TimingConfig `yaml:"timing"`
}

// TimingConfig mirrors Timing in milliseconds. Zero fields keep their
// defaults.
type TimingConfig struct {
	HeartbeatPeriodMS      int `yaml:"heartbeat_period_ms"`
	ElectionDeadlineMinMS  int `yaml:"election_deadline_min_ms"`
	ElectionDeadlineMaxMS  int `yaml:"election_deadline_max_ms"`
	CandidateDeadlineMinMS int `yaml:"candidate_deadline_min_ms"`
	CandidateDeadlineMaxMS int `yaml:"candidate_deadline_max_ms"`
	PollIntervalMS         int `yaml:"poll_interval_ms"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks the configured timing values for consistency. Only the
// final merged Timing can be fully validated; here we reject values that
// can never be right.
func (c *Config) Validate() error {
	tc := c.Timing
	for name, v := range map[string]int{
		"heartbeat_period_ms":       tc.HeartbeatPeriodMS,
		"election_deadline_min_ms":  tc.ElectionDeadlineMinMS,
		"election_deadline_max_ms":  tc.ElectionDeadlineMaxMS,
		"candidate_deadline_min_ms": tc.CandidateDeadlineMinMS,
		"candidate_deadline_max_ms": tc.CandidateDeadlineMaxMS,
		"poll_interval_ms":          tc.PollIntervalMS,
	} {
		if v < 0 {
			return fmt.Errorf("timing.%s must not be negative", name)
		}
	}

	if tc.ElectionDeadlineMinMS > 0 && tc.ElectionDeadlineMaxMS > 0 &&
		tc.ElectionDeadlineMaxMS < tc.ElectionDeadlineMinMS {
		return fmt.Errorf("timing.election_deadline_max_ms is below timing.election_deadline_min_ms")
	}
	if tc.CandidateDeadlineMinMS > 0 && tc.CandidateDeadlineMaxMS > 0 &&
		tc.CandidateDeadlineMaxMS < tc.CandidateDeadlineMinMS {
		return fmt.Errorf("timing.candidate_deadline_max_ms is below timing.candidate_deadline_min_ms")
	}

	return nil
}

// ApplyTiming overlays the configured values onto base, leaving zero fields
// untouched.
func (c *Config) ApplyTiming(base Timing) Timing {
	tc := c.Timing
	if tc.HeartbeatPeriodMS > 0 {
		base.HeartbeatPeriod = time.Duration(tc.HeartbeatPeriodMS) * time.Millisecond
	}
	if tc.ElectionDeadlineMinMS > 0 {
		base.ElectionDeadlineMin = time.Duration(tc.ElectionDeadlineMinMS) * time.Millisecond
	}
	if tc.ElectionDeadlineMaxMS > 0 {
		base.ElectionDeadlineMax = time.Duration(tc.ElectionDeadlineMaxMS) * time.Millisecond
	}
	if tc.CandidateDeadlineMinMS > 0 {
		base.CandidateDeadlineMin = time.Duration(tc.CandidateDeadlineMinMS) * time.Millisecond
	}
	if tc.CandidateDeadlineMaxMS > 0 {
		base.CandidateDeadlineMax = time.Duration(tc.CandidateDeadlineMaxMS) * time.Millisecond
	}
	if tc.PollIntervalMS > 0 {
		base.PollInterval = time.Duration(tc.PollIntervalMS) * time.Millisecond
	}
	return base
}
