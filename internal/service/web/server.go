package web

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"driftproxy/internal/shared/logger"
	"driftproxy/internal/shared/settings"
	"driftproxy/internal/shared/types"
	"driftproxy/peerqueue"
)

const statsInterval = 2 * time.Second

// basicAuthMiddleware enforces HTTP Basic Authentication when both user and
// password are configured; otherwise the handler is used as-is.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer runs the status API if a web port is configured. It also
// starts a loop broadcasting queue stats to websocket clients.
func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	queue *peerqueue.Queue,
	settingsManager *settings.SettingsManager,
	hub *Hub,
) {
	l := logger.WithComponent("Web")
	if cfg.WebConf.Port <= 0 {
		l.Info().Msg("Status API is disabled (web port is 0 or not set).")
		return
	}

	handler := NewHandler(queue, settingsManager)
	mux := http.NewServeMux()

	user := cfg.WebConf.User
	password := cfg.WebConf.Password

	mux.Handle("/api/peers", basicAuthMiddleware(http.HandlerFunc(handler.HandlePeers), user, password))
	mux.Handle("/api/peers/next", basicAuthMiddleware(http.HandlerFunc(handler.HandleNext), user, password))
	mux.Handle("/api/peers/add", basicAuthMiddleware(http.HandlerFunc(handler.HandleAdd), user, password))
	mux.Handle("/api/peers/report_failure", basicAuthMiddleware(http.HandlerFunc(handler.HandleReportFailure), user, password))
	mux.Handle("/api/peers/remove", basicAuthMiddleware(http.HandlerFunc(handler.HandleRemove), user, password))
	mux.Handle("/api/stats", basicAuthMiddleware(http.HandlerFunc(handler.HandleStats), user, password))
	mux.Handle("/api/settings", basicAuthMiddleware(http.HandlerFunc(handler.HandleSettings), user, password))

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	go hub.Run()

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for range ticker.C {
			hub.BroadcastStats(queue.StatsNow())
		}
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.WebConf.Port)
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Info().Str("addr", addr).Msg("Status API listening.")
		if err := http.ListenAndServe(addr, mux); err != nil {
			l.Error().Err(err).Msg("Status API server exited.")
		}
	}()
}
