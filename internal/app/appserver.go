package app

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"driftproxy/internal/service/web"
	"driftproxy/internal/shared/config"
	"driftproxy/internal/shared/logger"
	"driftproxy/internal/shared/settings"
	"driftproxy/internal/shared/types"
	"driftproxy/peerqueue"
	"driftproxy/peerqueue/model"
	"driftproxy/peerqueue/tracker"
)

// AppServer wires the selection queue together with its collaborators: the
// connectivity monitor, the revalidation tracker, runtime settings and the
// status API.
type AppServer struct {
	cfg             *types.Config
	peersPath       string
	queue           *peerqueue.Queue
	flag            *peerqueue.Flag
	monitor         *peerqueue.Monitor
	tracker         *tracker.Tracker
	settingsManager *settings.SettingsManager
	hub             *web.Hub
	wg              sync.WaitGroup
}

// New builds the application from the loaded configuration. peersPath and
// settingsPath point at the JSON data files next to the ini.
func New(cfg *types.Config, peersPath, settingsPath string) (*AppServer, error) {
	settingsManager, err := settings.NewSettingsManager(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("settings manager: %w", err)
	}

	flag := peerqueue.NewFlag(true)

	trk := tracker.New(
		time.Duration(cfg.CheckerConf.ProbeTimeout)*time.Second,
		cfg.CheckerConf.Concurrency,
		cfg.CheckerConf.ProbeTarget,
	)

	queue := peerqueue.New(flag, trk, peerqueue.Options{
		RecentFailureWindow: time.Duration(cfg.QueueConf.RecentFailureWindow) * time.Second,
		Policy:              model.NewRetryPolicy(scheduleFromSeconds(cfg.QueueConf.BackoffSchedule)),
	})

	s := &AppServer{
		cfg:             cfg,
		peersPath:       peersPath,
		queue:           queue,
		flag:            flag,
		tracker:         trk,
		settingsManager: settingsManager,
		hub:             web.NewHub(),
	}

	if cfg.ConnectivityConf.ProbeAddress != "" {
		interval := time.Duration(cfg.ConnectivityConf.ProbeInterval) * time.Second
		if interval <= 0 {
			interval = 10 * time.Second
		}
		s.monitor = peerqueue.NewMonitor(flag, cfg.ConnectivityConf.ProbeAddress, interval, 5*time.Second)
	}

	settingsManager.Register("queue", &queueSettingsModule{queue: queue})

	return s, nil
}

// Run loads the peer list, starts the background services and blocks until
// a termination signal arrives.
func (s *AppServer) Run() error {
	l := logger.WithComponent("App")

	profiles, err := config.LoadPeers(s.peersPath)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	added := 0
	for _, p := range profiles {
		if !p.Active {
			continue
		}
		if s.queue.Add(model.NewCandidate(p.ID, p.Address, p.Port, p.Protocol)) {
			added++
		}
	}
	l.Info().Int("total", len(profiles)).Int("added", added).Msg("Peer list loaded.")

	if qs := s.settingsManager.Get().Queue; qs != nil {
		s.applyQueueSettings(qs)
	}

	if s.monitor != nil {
		s.monitor.Start()
	}
	web.StartServer(&s.wg, s.cfg, s.queue, s.settingsManager, s.hub)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	l.Info().Str("signal", received.String()).Msg("Shutting down.")

	if s.monitor != nil {
		s.monitor.Stop()
	}
	return nil
}

// Queue exposes the selection queue, mostly for tests and embedding callers.
func (s *AppServer) Queue() *peerqueue.Queue {
	return s.queue
}

func (s *AppServer) applyQueueSettings(qs *settings.QueueSettings) {
	if qs.RecentFailureWindow > 0 {
		s.queue.SetRecentFailureWindow(time.Duration(qs.RecentFailureWindow) * time.Second)
	}
	if len(qs.BackoffSchedule) > 0 {
		s.queue.SetPolicy(model.NewRetryPolicy(scheduleFromSeconds(qs.BackoffSchedule)))
	}
}

// queueSettingsModule adapts the queue to the settings subscriber interface.
type queueSettingsModule struct {
	queue *peerqueue.Queue
}

func (m *queueSettingsModule) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	qs, ok := newSettings.(*settings.QueueSettings)
	if !ok {
		return fmt.Errorf("queue module: received incorrect settings type")
	}
	if qs.RecentFailureWindow > 0 {
		m.queue.SetRecentFailureWindow(time.Duration(qs.RecentFailureWindow) * time.Second)
	}
	m.queue.SetPolicy(model.NewRetryPolicy(scheduleFromSeconds(qs.BackoffSchedule)))
	return nil
}

func scheduleFromSeconds(seconds []int) []time.Duration {
	if len(seconds) == 0 {
		return nil
	}
	out := make([]time.Duration, 0, len(seconds))
	for _, s := range seconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
