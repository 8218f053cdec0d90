package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-snapshot-pipeline/internal/capture"
	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// Orchestrator is the part of capture.Orchestrator the control API uses
type Orchestrator interface {
	Trigger(ctx context.Context) (pipeline.CycleReport, error)
	Status() pipeline.Status
}

// ControlHandler serves the local control API
type ControlHandler struct {
	orchestrator Orchestrator
	logger       *slog.Logger
}

// NewControlHandler creates a control handler
func NewControlHandler(orchestrator Orchestrator, logger *slog.Logger) *ControlHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlHandler{
		orchestrator: orchestrator,
		logger:       logger.With("component", "control-api"),
	}
}

// NewMux registers every endpoint. gatherer may be nil to omit /metrics.
func NewMux(h *ControlHandler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HandleHealth)
	mux.HandleFunc("/v1/status", h.HandleStatus)
	mux.HandleFunc("/v1/capture", h.HandleCapture)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// HandleCapture handles POST /v1/capture - runs one cycle through the same gate as the scheduler
func (h *ControlHandler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.logger.Info("manual capture requested", "remote", r.RemoteAddr)

	// the cycle outlives a disconnecting client
	report, err := h.orchestrator.Trigger(context.WithoutCancel(r.Context()))
	if errors.Is(err, capture.ErrCycleInProgress) {
		writeJSON(w, http.StatusConflict, report)
		return
	}
	if err != nil {
		h.logger.Error("manual capture failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// HandleStatus handles GET /v1/status
func (h *ControlHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.orchestrator.Status())
}

// HandleHealth returns health status
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
