package model

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultRetrySchedule is the backoff applied to a candidate after
// consecutive failures. Index N-1 is the delay after the Nth failure;
// counts beyond the table are clamped to the last entry.
var DefaultRetrySchedule = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// RetryPolicy maps a consecutive failure count to a quarantine duration.
// The schedule must be non-decreasing.
type RetryPolicy struct {
	schedule []time.Duration
}

// NewRetryPolicy builds a policy from the given schedule. An empty or nil
// schedule falls back to DefaultRetrySchedule.
func NewRetryPolicy(schedule []time.Duration) RetryPolicy {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return RetryPolicy{schedule: schedule}
}

// Backoff returns the quarantine duration after the given number of
// consecutive failures. A zero count (used when a failure is tracked but
// not penalized) maps to the first entry.
func (p RetryPolicy) Backoff(failures uint32) time.Duration {
	schedule := p.schedule
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	idx := int(failures) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// Candidate is one peer proxy endpoint tracked by the queue. Identity is
// the ID alone; two candidates refer to the same peer iff their IDs match.
// The health fields (FailureCount, TimeOfDeath, RetryDeadline) are owned by
// the queue and only mutated under its lock. The connected flag is set by
// the connection layer and may be read concurrently, hence the atomic.
type Candidate struct {
	ID       string
	Address  string
	Port     int
	Protocol string // "http" or "socks5", hint for the revalidation probe

	connected atomic.Bool

	FailureCount  uint32
	TimeOfDeath   time.Time // zero while the candidate has no failure streak
	RetryDeadline time.Time
}

// NewCandidate creates a candidate in its initial healthy state.
func NewCandidate(id, address string, port int, protocol string) *Candidate {
	return &Candidate{
		ID:       id,
		Address:  address,
		Port:     port,
		Protocol: protocol,
	}
}

// DialAddr returns the host:port string the revalidation probe dials.
func (c *Candidate) DialAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// SetConnected records whether a live connection through this candidate
// currently exists.
func (c *Candidate) SetConnected(v bool) {
	c.connected.Store(v)
}

// IsConnected reports whether a live connection through this candidate
// currently exists.
func (c *Candidate) IsConnected() bool {
	return c.connected.Load()
}

// ResetFailures zeroes the failure streak.
func (c *Candidate) ResetFailures() {
	c.FailureCount = 0
	c.TimeOfDeath = time.Time{}
}

// AddFailure records one more consecutive failure at the given time and
// recomputes the retry deadline from the policy.
func (c *Candidate) AddFailure(now time.Time, policy RetryPolicy) {
	c.FailureCount++
	c.TimeOfDeath = now
	c.RetryDeadline = now.Add(policy.Backoff(c.FailureCount))
}

// MarkDeath records a failure time and deadline without incrementing the
// failure count. Used when a failure is presumed to be caused by local
// connectivity loss rather than the peer itself.
func (c *Candidate) MarkDeath(now time.Time, policy RetryPolicy) {
	c.TimeOfDeath = now
	c.RetryDeadline = now.Add(policy.Backoff(c.FailureCount))
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s(%s, failures=%d)", c.ID, c.DialAddr(), c.FailureCount)
}
