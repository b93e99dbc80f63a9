package peerqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"driftproxy/internal/shared/logger"
	"driftproxy/peerqueue/model"
)

// Tracker revalidates a candidate pulled out of quarantine before it
// re-enters rotation. Submit must not block the caller for long; the queue
// invokes it on its own goroutine and never waits for the result. On a
// successful probe the implementation calls q.Add(c); on failure it drops
// the candidate, which then stays out of rotation until re-added.
type Tracker interface {
	Submit(q *Queue, c *model.Candidate)
}

// Options configures a Queue. Zero values select defaults.
type Options struct {
	// RecentFailureWindow is the amnesty window: when connectivity returns,
	// paused candidates whose failure happened within this window of now are
	// rehabilitated without serving their full backoff.
	RecentFailureWindow time.Duration

	Policy model.RetryPolicy

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clockwork.Clock
}

const defaultRecentFailureWindow = 60 * time.Second

// Queue hands out peer proxy candidates in round-robin order, quarantines
// failed ones, and re-admits them through the Tracker after a computed
// cool-down. It keeps three views over one candidate set: the membership
// map, the active FIFO rotation, and the paused min-heap ordered by retry
// deadline. A single mutex guards all three so no caller can observe a
// half-applied transition.
type Queue struct {
	mu     sync.Mutex
	known  map[string]*model.Candidate
	active []*model.Candidate
	paused pausedHeap

	// online remembers the last observed connectivity state, seeded from the
	// gate at construction. An offline-to-online flip triggers amnesty for
	// recently failed candidates.
	online bool

	gate    ConnectivityGate
	tracker Tracker
	window  time.Duration
	policy  model.RetryPolicy
	clock   clockwork.Clock
	log     zerolog.Logger
}

// New creates a queue consulting the given connectivity gate and handing
// rehabilitated candidates to the given tracker. A nil tracker re-admits
// candidates directly, skipping revalidation.
func New(gate ConnectivityGate, tracker Tracker, opts Options) *Queue {
	if opts.RecentFailureWindow <= 0 {
		opts.RecentFailureWindow = defaultRecentFailureWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Queue{
		known:   make(map[string]*model.Candidate),
		gate:    gate,
		tracker: tracker,
		window:  opts.RecentFailureWindow,
		policy:  opts.Policy,
		clock:   opts.Clock,
		online:  gate.IsOnline(),
		log:     logger.WithComponent("PeerQueue"),
	}
}

// Add inserts a candidate into the rotation. An unknown candidate becomes
// known and active. A known candidate that is not currently connected gets
// its failure streak reset and is re-admitted to the rotation; this is how
// the tracker re-admits a revalidated candidate. A known, connected
// candidate is left alone and Add returns false.
//
// Add never pulls a candidate out of the paused heap: a candidate still
// serving its quarantine keeps its slot there (with failures reset) and
// times back in through the tracker.
func (q *Queue) Add(c *model.Candidate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.known[c.ID]
	if !ok {
		q.known[c.ID] = c
		q.active = append(q.active, c)
		q.log.Debug().Str("peer", c.ID).Msg("New candidate added to rotation.")
		return true
	}
	if cur.IsConnected() {
		return false
	}
	cur.ResetFailures()
	if q.activeIndexLocked(cur.ID) < 0 && q.paused.index(cur.ID) < 0 {
		q.active = append(q.active, cur)
		q.log.Debug().Str("peer", cur.ID).Msg("Known candidate re-admitted to rotation.")
	}
	return true
}

// Next returns the next candidate to try, or nil when none is currently
// available. Nil is a normal state, not an error: the caller should back
// off and ask again later. Each call advances the round-robin rotation;
// the returned candidate stays in the rotation, so concurrent connection
// attempts against the same candidate are allowed.
func (q *Queue) Next() *model.Candidate {
	online := q.gate.IsOnline()

	q.mu.Lock()
	now := q.clock.Now()
	var restore []*model.Candidate
	if online && !q.online {
		q.log.Debug().Msg("Connectivity restored.")
		restore = q.rehabilitateRecentLocked(now)
	}
	q.online = online
	restore = append(restore, q.restoreTimedInLocked(now)...)

	var c *model.Candidate
	if len(q.active) > 0 {
		c = q.active[0]
		q.active = append(q.active[1:], c)
	} else {
		q.log.Debug().Int("paused", q.paused.Len()).Msg("No active candidates.")
	}
	q.mu.Unlock()

	q.submit(restore)
	return c
}

// ReportFailure records a failed connection attempt against the candidate.
// While the host is online the candidate is pulled from rotation, its
// failure streak grows, and it joins the paused heap until its deadline.
// While the host is offline the failure is presumed to be local, so no
// penalty is recorded; the candidate is merely tracked in the paused heap
// (if it is in neither collection) so it gets reconsidered later.
//
// A candidate never seen before becomes known as a side effect, covering a
// first-ever connection attempt that fails before any Add.
func (q *Queue) ReportFailure(c *model.Candidate) {
	online := q.gate.IsOnline()

	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.known[c.ID]
	if !ok {
		q.known[c.ID] = c
		cur = c
	}
	now := q.clock.Now()

	if online {
		if i := q.activeIndexLocked(cur.ID); i >= 0 {
			q.active = append(q.active[:i], q.active[i+1:]...)
		}
		// Remove before mutating the deadline: the heap ordering must never
		// see an element change under it.
		if i := q.paused.index(cur.ID); i >= 0 {
			heap.Remove(&q.paused, i)
		}
		cur.AddFailure(now, q.policy)
		heap.Push(&q.paused, cur)
		q.log.Debug().
			Str("peer", cur.ID).
			Uint32("failures", cur.FailureCount).
			Time("retry_at", cur.RetryDeadline).
			Msg("Candidate paused after failure.")
		return
	}

	q.log.Info().Str("peer", cur.ID).Msg("No connectivity, not penalizing candidate.")
	if q.activeIndexLocked(cur.ID) < 0 && q.paused.index(cur.ID) < 0 {
		cur.MarkDeath(now, q.policy)
		heap.Push(&q.paused, cur)
	}
}

// Remove drops the candidate from all collections. Removing an unknown
// candidate is a no-op.
func (q *Queue) Remove(c *model.Candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.known, c.ID)
	if i := q.activeIndexLocked(c.ID); i >= 0 {
		q.active = append(q.active[:i], q.active[i+1:]...)
	}
	if i := q.paused.index(c.ID); i >= 0 {
		heap.Remove(&q.paused, i)
	}
}

// Clear empties all collections in one step.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.known = make(map[string]*model.Candidate)
	q.active = nil
	q.paused = nil
}

// Contains reports whether the candidate is known, whether active or paused.
func (q *Queue) Contains(c *model.Candidate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.known[c.ID]
	return ok
}

// IsEmpty reports whether the active rotation is empty. Paused candidates
// do not count as available.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) == 0
}

// Len returns the number of candidates in the active rotation.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// PausedLen returns the number of quarantined candidates.
func (q *Queue) PausedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused.Len()
}

// SetPolicy swaps the retry policy. Deadlines already computed for paused
// candidates are left as they are.
func (q *Queue) SetPolicy(p model.RetryPolicy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policy = p
}

// SetRecentFailureWindow swaps the amnesty window.
func (q *Queue) SetRecentFailureWindow(d time.Duration) {
	if d <= 0 {
		d = defaultRecentFailureWindow
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.window = d
}

// rehabilitateRecentLocked pulls every paused candidate whose failure
// happened within the amnesty window out of quarantine, regardless of its
// retry deadline. A cluster of failures right before connectivity returned
// points at the local host, not the peers, so recency wins over backoff.
// The whole heap is scanned: deadline order need not match death order once
// failure counts diverge.
func (q *Queue) rehabilitateRecentLocked(now time.Time) []*model.Candidate {
	var restore []*model.Candidate
	for i := 0; i < q.paused.Len(); {
		c := q.paused[i]
		if !c.TimeOfDeath.IsZero() && now.Sub(c.TimeOfDeath) < q.window {
			heap.Remove(&q.paused, i)
			c.ResetFailures()
			q.log.Debug().Str("peer", c.ID).Msg("Rehabilitating recently failed candidate.")
			restore = append(restore, c)
			continue
		}
		i++
	}
	return restore
}

// restoreTimedInLocked pops paused candidates whose retry deadline has
// elapsed. The heap ordering guarantees that the first unelapsed deadline
// ends the scan.
func (q *Queue) restoreTimedInLocked(now time.Time) []*model.Candidate {
	var restore []*model.Candidate
	for q.paused.Len() > 0 && !q.paused[0].RetryDeadline.After(now) {
		c := heap.Pop(&q.paused).(*model.Candidate)
		q.log.Debug().Str("peer", c.ID).Msg("Restoring timed-in candidate.")
		restore = append(restore, c)
	}
	return restore
}

// submit hands candidates to the tracker outside the queue lock. The
// tracker runs on its own goroutine so a slow probe never stalls selection.
func (q *Queue) submit(cs []*model.Candidate) {
	for _, c := range cs {
		if q.tracker == nil {
			q.Add(c)
			continue
		}
		go q.tracker.Submit(q, c)
	}
}

func (q *Queue) activeIndexLocked(id string) int {
	for i, c := range q.active {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// pausedHeap is a min-heap of candidates ordered by retry deadline.
type pausedHeap []*model.Candidate

func (h pausedHeap) Len() int            { return len(h) }
func (h pausedHeap) Less(i, j int) bool  { return h[i].RetryDeadline.Before(h[j].RetryDeadline) }
func (h pausedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pausedHeap) Push(x interface{}) { *h = append(*h, x.(*model.Candidate)) }

func (h *pausedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

func (h pausedHeap) index(id string) int {
	for i, c := range h {
		if c.ID == id {
			return i
		}
	}
	return -1
}
