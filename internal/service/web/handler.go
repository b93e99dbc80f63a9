package web

import (
	"encoding/json"
	"io"
	"net/http"

	"driftproxy/internal/shared/settings"
	"driftproxy/peerqueue"
	"driftproxy/peerqueue/model"
)

// Handler serves the JSON API over the selection queue. The tunnel layer of
// a client uses it as a local sidecar: pull the next candidate, attempt the
// connection itself, and report the outcome back.
type Handler struct {
	queue           *peerqueue.Queue
	settingsManager *settings.SettingsManager
}

func NewHandler(queue *peerqueue.Queue, settingsManager *settings.SettingsManager) *Handler {
	return &Handler{
		queue:           queue,
		settingsManager: settingsManager,
	}
}

// HandlePeers handles GET /api/peers: a snapshot of every known candidate.
func (h *Handler) HandlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.queue.Snapshot())
}

// HandleNext handles POST /api/peers/next: the next candidate to try, or
// 204 when none is available right now.
func (h *Handler) HandleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c := h.queue.Next()
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, map[string]interface{}{
		"id":       c.ID,
		"address":  c.Address,
		"port":     c.Port,
		"protocol": c.Protocol,
	})
}

type peerRequest struct {
	ID       string `json:"id"`
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// HandleReportFailure handles POST /api/peers/report_failure with {"id": ...}.
func (h *Handler) HandleReportFailure(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePeerRequest(w, r)
	if !ok {
		return
	}
	c := h.queue.Get(req.ID)
	if c == nil {
		// First-ever attempt may fail before any add; track it anyway.
		c = model.NewCandidate(req.ID, req.Address, req.Port, req.Protocol)
	}
	h.queue.ReportFailure(c)
	w.WriteHeader(http.StatusNoContent)
}

// HandleAdd handles POST /api/peers/add: (re)admit a candidate.
func (h *Handler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePeerRequest(w, r)
	if !ok {
		return
	}
	c := h.queue.Get(req.ID)
	if c == nil {
		c = model.NewCandidate(req.ID, req.Address, req.Port, req.Protocol)
	}
	added := h.queue.Add(c)
	writeJSON(w, map[string]bool{"added": added})
}

// HandleRemove handles POST /api/peers/remove with {"id": ...}.
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePeerRequest(w, r)
	if !ok {
		return
	}
	if c := h.queue.Get(req.ID); c != nil {
		h.queue.Remove(c)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.queue.StatsNow())
}

// HandleSettings handles GET /api/settings and POST /api/settings/queue.
func (h *Handler) HandleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.settingsManager.Get())
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		if err := h.settingsManager.Update("queue", body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) decodePeerRequest(w http.ResponseWriter, r *http.Request) (*peerRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req peerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return nil, false
	}
	if req.ID == "" {
		http.Error(w, "Missing peer id", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
