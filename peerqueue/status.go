package peerqueue

import (
	"time"

	"driftproxy/peerqueue/model"
)

// CandidateStatus is a point-in-time view of one candidate, serialized by
// the web service.
type CandidateStatus struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	Protocol      string    `json:"protocol"`
	State         string    `json:"state"` // "active", "paused" or "checking"
	Connected     bool      `json:"connected"`
	FailureCount  uint32    `json:"failure_count"`
	TimeOfDeath   time.Time `json:"time_of_death,omitzero"`
	RetryDeadline time.Time `json:"retry_deadline,omitzero"`
}

// Stats summarizes the queue for dashboards.
type Stats struct {
	Timestamp time.Time `json:"timestamp"`
	Known     int       `json:"known"`
	Active    int       `json:"active"`
	Paused    int       `json:"paused"`
	Online    bool      `json:"online"`
}

// Snapshot returns the status of every known candidate. Candidates that are
// in neither collection are mid-rehabilitation, waiting on the tracker.
func (q *Queue) Snapshot() []CandidateStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]CandidateStatus, 0, len(q.known))
	for _, c := range q.known {
		state := "checking"
		if q.activeIndexLocked(c.ID) >= 0 {
			state = "active"
		} else if q.paused.index(c.ID) >= 0 {
			state = "paused"
		}
		out = append(out, CandidateStatus{
			ID:            c.ID,
			Address:       c.Address,
			Port:          c.Port,
			Protocol:      c.Protocol,
			State:         state,
			Connected:     c.IsConnected(),
			FailureCount:  c.FailureCount,
			TimeOfDeath:   c.TimeOfDeath,
			RetryDeadline: c.RetryDeadline,
		})
	}
	return out
}

// StatsNow returns current queue counters.
func (q *Queue) StatsNow() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Timestamp: q.clock.Now(),
		Known:     len(q.known),
		Active:    len(q.active),
		Paused:    q.paused.Len(),
		Online:    q.online,
	}
}

// Get returns the known candidate with the given ID, or nil.
func (q *Queue) Get(id string) *model.Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.known[id]
}
