package peerqueue

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"driftproxy/internal/shared/logger"
)

// ConnectivityGate answers whether the local host currently has internet
// access. The queue consults it at the start of every Next and
// ReportFailure; implementations must be cheap and non-blocking.
type ConnectivityGate interface {
	IsOnline() bool
}

// Flag is a manually driven gate: an atomic boolean flipped by whatever
// layer actually observes connectivity.
type Flag struct {
	online atomic.Bool
}

// NewFlag returns a flag with the given initial state.
func NewFlag(online bool) *Flag {
	f := &Flag{}
	f.online.Store(online)
	return f
}

func (f *Flag) IsOnline() bool { return f.online.Load() }

// Set records the current connectivity state.
func (f *Flag) Set(online bool) { f.online.Store(online) }

// Monitor keeps a Flag current by periodically dialing a probe address.
// It is deliberately crude; real connectivity detection lives outside this
// library and anything implementing ConnectivityGate can replace it.
type Monitor struct {
	flag     *Flag
	addr     string
	interval time.Duration
	timeout  time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor probing addr every interval.
func NewMonitor(flag *Flag, addr string, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		flag:     flag,
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		stopChan: make(chan struct{}),
	}
}

// Start launches the probe loop. The first probe runs immediately so the
// flag is current before the queue starts handing out candidates.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	l := logger.WithComponent("Connectivity")

	m.probe()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			was := m.flag.IsOnline()
			now := m.probe()
			if was != now {
				l.Info().Bool("online", now).Msg("Connectivity state changed.")
			}
		case <-m.stopChan:
			l.Debug().Msg("Connectivity monitor stopped.")
			return
		}
	}
}

func (m *Monitor) probe() bool {
	conn, err := net.DialTimeout("tcp", m.addr, m.timeout)
	if err != nil {
		m.flag.Set(false)
		return false
	}
	conn.Close()
	m.flag.Set(true)
	return true
}
