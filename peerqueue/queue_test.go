package peerqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"driftproxy/peerqueue/model"
)

// stubGate is a ConnectivityGate the tests flip by hand.
type stubGate struct {
	online atomic.Bool
}

func newStubGate(online bool) *stubGate {
	g := &stubGate{}
	g.online.Store(online)
	return g
}

func (g *stubGate) IsOnline() bool { return g.online.Load() }
func (g *stubGate) Set(v bool)     { g.online.Store(v) }

// recordingTracker records every candidate handed over for revalidation.
// With readd set it simulates an immediately successful probe by calling
// back into the queue.
type recordingTracker struct {
	mu        sync.Mutex
	submitted []*model.Candidate
	readd     bool
}

func (t *recordingTracker) Submit(q *Queue, c *model.Candidate) {
	t.mu.Lock()
	t.submitted = append(t.submitted, c)
	readd := t.readd
	t.mu.Unlock()
	if readd {
		q.Add(c)
	}
}

func (t *recordingTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.submitted)
}

func (t *recordingTracker) ids() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.submitted))
	for _, c := range t.submitted {
		out = append(out, c.ID)
	}
	return out
}

func testPolicy() model.RetryPolicy {
	return model.NewRetryPolicy([]time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second})
}

func setupTestQueue(online bool) (*Queue, *stubGate, *recordingTracker, *clockwork.FakeClock) {
	gate := newStubGate(online)
	trk := &recordingTracker{}
	clock := clockwork.NewFakeClock()
	q := New(gate, trk, Options{
		RecentFailureWindow: 60 * time.Second,
		Policy:              testPolicy(),
		Clock:               clock,
	})
	return q, gate, trk, clock
}

func candidate(id string) *model.Candidate {
	return model.NewCandidate(id, "203.0.113.1", 8388, "http")
}

// waitUntil polls cond until it holds or the deadline passes. The tracker
// hand-off runs on its own goroutine, so tests observing it have to wait.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// --- Test Cases ---

func TestNext_RoundRobinOrder(t *testing.T) {
	q, _, _, _ := setupTestQueue(true)

	q.Add(candidate("a"))
	q.Add(candidate("b"))
	q.Add(candidate("c"))

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i, id := range want {
		c := q.Next()
		if c == nil {
			t.Fatalf("call %d: got nil, want %s", i, id)
		}
		if c.ID != id {
			t.Errorf("call %d: got %s, want %s", i, c.ID, id)
		}
	}
	if got := q.Len(); got != 3 {
		t.Errorf("Next must not shrink the rotation, got len %d", got)
	}
}

func TestNext_EmptyQueueReturnsNil(t *testing.T) {
	q, _, _, _ := setupTestQueue(true)

	if c := q.Next(); c != nil {
		t.Fatalf("expected nil from empty queue, got %v", c)
	}
	if !q.IsEmpty() {
		t.Error("IsEmpty should be true for a fresh queue")
	}
}

func TestNext_OnlyPausedCandidatesReturnsNil(t *testing.T) {
	q, _, trk, _ := setupTestQueue(true)

	a := candidate("a")
	q.Add(a)
	q.ReportFailure(a)

	if c := q.Next(); c != nil {
		t.Fatalf("expected nil while only candidate is paused, got %v", c)
	}
	if !q.IsEmpty() {
		t.Error("paused candidates must not count as available")
	}
	if trk.count() != 0 {
		t.Errorf("no hand-off expected before the deadline, got %d", trk.count())
	}
}

func TestReportFailure_QuarantinesUntilBackoffElapses(t *testing.T) {
	q, _, trk, clock := setupTestQueue(true)

	a := candidate("a")
	b := candidate("b")
	q.Add(a)
	q.Add(b)

	q.ReportFailure(a)
	if a.FailureCount != 1 {
		t.Fatalf("FailureCount = %d, want 1", a.FailureCount)
	}

	for i := 0; i < 4; i++ {
		c := q.Next()
		if c == nil || c.ID != "b" {
			t.Fatalf("call %d: quarantined candidate leaked into rotation: %v", i, c)
		}
	}
	if trk.count() != 0 {
		t.Fatalf("tracker called before deadline elapsed")
	}

	clock.Advance(31 * time.Second) // past backoff(1) of the test policy

	q.Next()
	waitUntil(t, time.Second, func() bool { return trk.count() == 1 })
	if ids := trk.ids(); ids[0] != "a" {
		t.Errorf("restored candidate = %s, want a", ids[0])
	}
	// The tracker did not re-add it, so it stays out of rotation.
	if c := q.Next(); c == nil || c.ID != "b" {
		t.Errorf("candidate must stay out of rotation until the tracker re-adds it")
	}
	if q.PausedLen() != 0 {
		t.Errorf("restored candidate must leave the paused heap")
	}
}

func TestReportFailure_SecondFailureGrowsBackoff(t *testing.T) {
	q, _, _, clock := setupTestQueue(true)

	a := candidate("a")
	q.Add(a)

	q.ReportFailure(a)
	first := a.RetryDeadline
	clock.Advance(time.Second)
	q.ReportFailure(a)

	if a.FailureCount != 2 {
		t.Fatalf("FailureCount = %d, want 2", a.FailureCount)
	}
	if q.PausedLen() != 1 {
		t.Fatalf("double failure must not duplicate paused entries, got %d", q.PausedLen())
	}
	if !a.RetryDeadline.After(first) {
		t.Errorf("backoff must grow with the failure count")
	}
}

func TestReportFailure_OfflineDoesNotPenalize(t *testing.T) {
	q, gate, trk, _ := setupTestQueue(false)

	// First-ever attempt fails before any Add, while the host is offline.
	a := candidate("a")
	q.ReportFailure(a)

	if !q.Contains(a) {
		t.Fatal("failed candidate must become known")
	}
	if a.FailureCount != 0 {
		t.Fatalf("offline failure must not increment FailureCount, got %d", a.FailureCount)
	}
	if q.PausedLen() != 1 {
		t.Fatalf("offline failure must still be tracked in the paused heap")
	}

	// Connectivity returns: the death is recent, so amnesty applies even
	// though the retry deadline has not elapsed.
	gate.Set(true)
	q.Next()
	waitUntil(t, time.Second, func() bool { return trk.count() == 1 })
	if ids := trk.ids(); ids[0] != "a" {
		t.Errorf("submitted = %v, want [a]", ids)
	}
	if a.FailureCount != 0 {
		t.Errorf("amnesty must reset failures, got %d", a.FailureCount)
	}
}

func TestReportFailure_OfflineLeavesActiveCandidateAlone(t *testing.T) {
	q, gate, _, _ := setupTestQueue(true)

	a := candidate("a")
	q.Add(a)
	gate.Set(false)
	q.ReportFailure(a)

	if a.FailureCount != 0 {
		t.Errorf("offline failure must not penalize, got %d", a.FailureCount)
	}
	if q.Len() != 1 || q.PausedLen() != 0 {
		t.Errorf("candidate already in rotation must stay there")
	}
}

func TestAmnesty_RecencyWinsOverBackoff(t *testing.T) {
	q, gate, trk, clock := setupTestQueue(true)

	a := candidate("a")
	b := candidate("b")
	q.Add(a)
	q.Add(b)

	// b dies well before the connectivity loss (but stays inside its grown
	// backoff), a right before it.
	q.ReportFailure(b)
	q.ReportFailure(b)
	q.ReportFailure(b) // three strikes: deadline two minutes out
	clock.Advance(90 * time.Second)
	q.ReportFailure(a)

	gate.Set(false)
	if c := q.Next(); c != nil {
		t.Fatalf("rotation should be empty, got %v", c)
	}
	gate.Set(true)
	clock.Advance(5 * time.Second)

	q.Next()
	waitUntil(t, time.Second, func() bool { return trk.count() >= 1 })
	// Give any stray hand-off a moment to land before asserting the set.
	time.Sleep(10 * time.Millisecond)

	ids := trk.ids()
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("amnesty must cover exactly the recent death, got %v", ids)
	}
	if a.FailureCount != 0 {
		t.Errorf("amnesty must reset failures, got %d", a.FailureCount)
	}
	if b.FailureCount != 3 {
		t.Errorf("old death must keep serving its backoff, got %d failures", b.FailureCount)
	}
}

func TestAdd_IdempotentReAdmission(t *testing.T) {
	q, _, _, _ := setupTestQueue(true)

	a := candidate("a")
	b := candidate("b")
	q.Add(a)
	q.Add(b)

	if !q.Add(a) {
		t.Fatal("re-adding a known, not connected candidate must return true")
	}
	want := []string{"a", "b", "a", "b"}
	for i, id := range want {
		if c := q.Next(); c == nil || c.ID != id {
			t.Fatalf("call %d: duplicate admission broke the rotation", i)
		}
	}
}

func TestAdd_ConnectedCandidateIsNoOp(t *testing.T) {
	q, _, _, _ := setupTestQueue(true)

	a := candidate("a")
	q.Add(a)
	a.SetConnected(true)

	if q.Add(a) {
		t.Error("adding a connected candidate must return false")
	}
}

func TestAdd_ResetsFailuresAfterRehabilitation(t *testing.T) {
	q, _, trk, clock := setupTestQueue(true)

	a := candidate("a")
	q.Add(a)
	q.ReportFailure(a)

	clock.Advance(31 * time.Second)
	q.Next()
	waitUntil(t, time.Second, func() bool { return trk.count() == 1 })

	// Simulate the tracker's successful probe.
	if !q.Add(a) {
		t.Fatal("re-admission after revalidation must return true")
	}
	if a.FailureCount != 0 {
		t.Errorf("re-admission must reset FailureCount, got %d", a.FailureCount)
	}
	if c := q.Next(); c == nil || c.ID != "a" {
		t.Error("re-admitted candidate must be selectable again")
	}
}

func TestAdd_SameIdentityResolvesToOneRecord(t *testing.T) {
	q, _, _, _ := setupTestQueue(true)

	q.Add(candidate("a"))
	// A re-discovered peer arrives as a fresh allocation with the same ID.
	q.Add(candidate("a"))

	if got := q.Len(); got != 1 {
		t.Fatalf("identity is the ID alone; rotation len = %d, want 1", got)
	}
}

func TestRemove_DropsFromAllCollections(t *testing.T) {
	q, _, _, _ := setupTestQueue(true)

	a := candidate("a")
	b := candidate("b")
	q.Add(a)
	q.Add(b)
	q.ReportFailure(b)

	q.Remove(a)
	q.Remove(b)
	q.Remove(candidate("never-seen")) // no-op

	if q.Contains(a) || q.Contains(b) {
		t.Error("removed candidates must not be known")
	}
	if q.Len() != 0 || q.PausedLen() != 0 {
		t.Error("removed candidates must leave both collections")
	}
}

func TestClear_EmptiesEverything(t *testing.T) {
	q, _, _, _ := setupTestQueue(true)

	a := candidate("a")
	b := candidate("b")
	q.Add(a)
	q.Add(b)
	q.ReportFailure(b)

	q.Clear()

	if q.Contains(a) || q.Contains(b) {
		t.Error("Contains must be false for every previously known candidate")
	}
	if !q.IsEmpty() {
		t.Error("IsEmpty must be true after Clear")
	}
	if q.PausedLen() != 0 {
		t.Error("paused heap must be empty after Clear")
	}
}

func TestEndToEnd_FailRestoreReadmit(t *testing.T) {
	q, _, trk, clock := setupTestQueue(true)

	a := candidate("a")
	b := candidate("b")
	c := candidate("c")
	q.Add(a)
	q.Add(b)
	q.Add(c)

	for i, id := range []string{"a", "b", "c", "a"} {
		if got := q.Next(); got == nil || got.ID != id {
			t.Fatalf("warm-up call %d: got %v, want %s", i, got, id)
		}
	}

	q.ReportFailure(b)

	for i, id := range []string{"c", "a", "c", "a"} {
		if got := q.Next(); got == nil || got.ID != id {
			t.Fatalf("cycle-of-2 call %d: got %v, want %s", i, got, id)
		}
	}

	clock.Advance(31 * time.Second)
	q.Next()
	waitUntil(t, time.Second, func() bool { return trk.count() == 1 })
	if ids := trk.ids(); ids[0] != "b" {
		t.Fatalf("expected b handed to the tracker, got %v", ids)
	}

	// Simulated successful revalidation.
	q.Add(b)
	if b.FailureCount != 0 {
		t.Fatalf("revalidated candidate must come back clean, got %d failures", b.FailureCount)
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		got := q.Next()
		if got == nil {
			t.Fatalf("call %d: unexpected empty rotation", i)
		}
		seen[got.ID] = true
	}
	if len(seen) != 3 || !seen["b"] {
		t.Errorf("rotation should cycle over all three again, saw %v", seen)
	}
}

func TestNilTracker_ReadmitsDirectly(t *testing.T) {
	gate := newStubGate(true)
	clock := clockwork.NewFakeClock()
	q := New(gate, nil, Options{Policy: testPolicy(), Clock: clock})

	a := candidate("a")
	q.Add(a)
	q.ReportFailure(a)
	clock.Advance(31 * time.Second)

	q.Next()
	if c := q.Next(); c == nil || c.ID != "a" {
		t.Errorf("without a tracker the candidate must go straight back, got %v", c)
	}
}

func TestConcurrentAccess_StaysConsistent(t *testing.T) {
	gate := newStubGate(true)
	trk := &recordingTracker{readd: true}
	q := New(gate, trk, Options{
		RecentFailureWindow: 50 * time.Millisecond,
		Policy:              model.NewRetryPolicy([]time.Duration{time.Millisecond}),
	})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c := model.NewCandidate(fmt.Sprintf("peer-%d", i%10), "203.0.113.2", 1080, "socks5")
				switch i % 5 {
				case 0:
					q.Add(c)
				case 1:
					q.Next()
				case 2:
					q.ReportFailure(c)
				case 3:
					q.Contains(c)
				case 4:
					if w == 0 && i%50 == 4 {
						q.Clear()
					} else {
						q.Remove(c)
					}
				}
				if i%40 == 0 {
					gate.Set(i%80 == 0)
				}
			}
		}(w)
	}
	wg.Wait()

	// Invariant: active and paused are disjoint and subsets of known.
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.active {
		if q.paused.index(c.ID) >= 0 {
			t.Errorf("candidate %s is both active and paused", c.ID)
		}
		if _, ok := q.known[c.ID]; !ok {
			t.Errorf("active candidate %s is not known", c.ID)
		}
	}
	for _, c := range q.paused {
		if _, ok := q.known[c.ID]; !ok {
			t.Errorf("paused candidate %s is not known", c.ID)
		}
	}
}
