package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/progress/sinks"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// StatusProvider exposes the latest run snapshots.
type StatusProvider interface {
	Snapshot() []sinks.RunStatus
	Lookup(id uuid.UUID) (sinks.RunStatus, bool)
}

// StatusHandler exposes read-only run status endpoints.
type StatusHandler struct {
	status StatusProvider
	logger *zap.Logger
}

// NewStatusHandler wires the snapshot provider and logger.
func NewStatusHandler(status StatusProvider, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{status: status, logger: logger}
}

// List handles GET /status?state=&kind=&limit=. It returns {"runs": [...]}
// ordered by start time, 400 for invalid filters, or 503 when no provider is
// configured.
func (h *StatusHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state := strings.ToLower(strings.TrimSpace(q.Get("state")))
	if state != "" && state != sinks.StateRunning && state != sinks.StateSuccess && state != sinks.StateError {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	kind := strings.TrimSpace(q.Get("kind"))

	runs := make([]sinks.RunStatus, 0)
	for _, run := range h.status.Snapshot() {
		if state != "" && run.State != state {
			continue
		}
		if kind != "" && run.Kind != kind {
			continue
		}
		runs = append(runs, run)
	}
	if len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// Get handles GET /status/{run_id}. It returns {"run": {...}}, 400 for a
// malformed id or 404 when the run is unknown.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, ok := h.status.Lookup(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultRunLimit, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxRunLimit), nil
}
