package tracker

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"driftproxy/internal/shared/logger"
	"driftproxy/peerqueue"
	"driftproxy/peerqueue/model"
)

const defaultProbeTarget = "www.gstatic.com:443"

// Tracker re-validates candidates the queue pulls out of quarantine. A
// candidate is probed with a bounded number of concurrent workers; on
// success it goes back into the queue via Add, on failure it is dropped and
// stays out of rotation until it is re-added or re-discovered.
type Tracker struct {
	timeout time.Duration
	target  string
	sem     chan struct{}
	log     zerolog.Logger
}

// New creates a tracker probing with the given timeout and worker bound.
// target is the host:port dialed through socks5 candidates; empty picks a
// default.
func New(timeout time.Duration, concurrency int, target string) *Tracker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	if target == "" {
		target = defaultProbeTarget
	}
	return &Tracker{
		timeout: timeout,
		target:  target,
		sem:     make(chan struct{}, concurrency),
		log:     logger.WithComponent("Tracker"),
	}
}

// Submit probes the candidate and re-admits it to the queue on success.
// The queue calls Submit on a fresh goroutine, so blocking on the worker
// semaphore here is fine.
func (t *Tracker) Submit(q *peerqueue.Queue, c *model.Candidate) {
	t.sem <- struct{}{}
	defer func() { <-t.sem }()

	jobID := uuid.NewString()
	start := time.Now()
	err := t.probe(c)
	elapsed := time.Since(start)

	if err != nil {
		t.log.Warn().
			Str("job", jobID).
			Str("peer", c.ID).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("Revalidation probe failed, dropping candidate.")
		return
	}

	t.log.Info().
		Str("job", jobID).
		Str("peer", c.ID).
		Dur("elapsed", elapsed).
		Msg("Revalidation probe succeeded, re-admitting candidate.")
	q.Add(c)
}

func (t *Tracker) probe(c *model.Candidate) error {
	switch c.Protocol {
	case "socks5":
		return t.probeSocks5(c)
	default:
		return t.probeConnect(c)
	}
}

// probeConnect checks plain reachability of the proxy endpoint.
func (t *Tracker) probeConnect(c *model.Candidate) error {
	conn, err := net.DialTimeout("tcp", c.DialAddr(), t.timeout)
	if err != nil {
		return fmt.Errorf("tcp probe to %s: %w", c.DialAddr(), err)
	}
	conn.Close()
	return nil
}

// probeSocks5 performs a full handshake by dialing the probe target through
// the candidate.
func (t *Tracker) probeSocks5(c *model.Candidate) error {
	forward := &net.Dialer{Timeout: t.timeout}
	dialer, err := proxy.SOCKS5("tcp", c.DialAddr(), nil, forward)
	if err != nil {
		return fmt.Errorf("socks5 dialer for %s: %w", c.DialAddr(), err)
	}
	conn, err := dialer.Dial("tcp", t.target)
	if err != nil {
		return fmt.Errorf("socks5 probe via %s: %w", c.DialAddr(), err)
	}
	conn.Close()
	return nil
}
