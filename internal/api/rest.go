package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/portmacros/internal/server"
	"github.com/devghori1264/aerophoenix/portmacros/internal/storage"
)

type Handler struct {
	srv    *server.Server
	logger *zap.Logger

	mu          sync.RWMutex
	partitioned map[string]bool
	latencyMs   map[string]int
}

// NewHTTPHandler returns the simulator's HTTP shim.
func NewHTTPHandler(srv *server.Server, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		srv:         srv,
		logger:      logger.Named("http"),
		partitioned: make(map[string]bool),
		latencyMs:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/create", h.handleCreate)
	mux.HandleFunc("/get", h.handleGet)
	mux.HandleFunc("/list", h.handleList)
	mux.HandleFunc("/start", h.handleAction(h.srv.StartMachine))
	mux.HandleFunc("/stop", h.handleAction(h.srv.StopMachine))
	mux.HandleFunc("/destroy", h.handleAction(h.srv.DestroyMachine))

	mux.HandleFunc("/chaos/partition", h.handlePartition)
	mux.HandleFunc("/chaos/heal", h.handleHeal)
	mux.HandleFunc("/chaos/latency", h.handleLatency)

	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from flyd-sim http"})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string   `json:"workspace_id"`
		Name        string   `json:"name"`
		Region      string   `json:"region"`
		Ports       []string `json:"ports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.WorkspaceID == "" || req.Name == "" || req.Region == "" {
		h.writeError(w, http.StatusBadRequest, "workspace_id, name and region required")
		return
	}

	if h.isPartitioned(req.Region) {
		h.writeError(w, http.StatusServiceUnavailable, "region partitioned")
		return
	}

	m, err := h.srv.CreateMachine(r.Context(), server.CreateRequest{
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Region:      req.Region,
		Ports:       req.Ports,
	})
	if err != nil {
		h.logger.Error("create failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to create machine")
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "id required")
		return
	}

	machine, err := h.srv.GetMachine(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "machine not found")
		return
	}

	region := machine.Region
	if h.isPartitioned(region) {
		h.writeError(w, http.StatusServiceUnavailable, "region partitioned")
		return
	}

	if delay := h.getLatencyMs(region); delay > 0 {
		time.Sleep(time.Duration(delay) * time.Millisecond)
	}

	writeJSON(w, http.StatusOK, machine)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	machines, err := h.srv.ListMachines(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list machines")
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (h *Handler) handleAction(action func(ctx context.Context, id string) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		var body struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ID == "" {
			h.writeError(w, http.StatusBadRequest, "id required")
			return
		}
		result, err := action(r.Context(), body.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "machine not found")
			return
		case err != nil:
			h.logger.Error("action failed", zap.String("id", body.ID), zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "action failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": body.ID, "result": result})
	}
}

func (h *Handler) handlePartition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Region string `json:"region"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Region == "" {
		h.writeError(w, http.StatusBadRequest, "region required")
		return
	}

	h.mu.Lock()
	h.partitioned[body.Region] = true
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "partitioned",
		"region": body.Region,
	})
}

func (h *Handler) handleHeal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Region string `json:"region"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Region == "" {
		h.writeError(w, http.StatusBadRequest, "region required")
		return
	}

	h.mu.Lock()
	delete(h.partitioned, body.Region)
	delete(h.latencyMs, body.Region)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healed",
		"region": body.Region,
	})
}

func (h *Handler) handleLatency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Region    string `json:"region"`
		LatencyMs int    `json:"latency_ms"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Region == "" {
		h.writeError(w, http.StatusBadRequest, "region required")
		return
	}
	if body.LatencyMs < 0 {
		h.writeError(w, http.StatusBadRequest, "latency_ms must be non-negative")
		return
	}

	h.mu.Lock()
	h.latencyMs[body.Region] = body.LatencyMs
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "latency_set",
		"region":     body.Region,
		"latency_ms": body.LatencyMs,
	})
}

func (h *Handler) isPartitioned(region string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.partitioned[region]
}

func (h *Handler) getLatencyMs(region string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latencyMs[region]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	h.logger.Debug("request rejected", zap.Int("status", status), zap.String("error", msg))
}
