// Package server exposes the telemetry snapshot and service state over HTTP.
package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/dcactivity/internal/daemon"
	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// StateSource renders the telemetry document.
type StateSource interface {
	BuildJSON() []byte
}

// DebugSource reports main loop and worker state.
type DebugSource interface {
	Debug() daemon.DebugInfo
}

// TitleLister lists the title history.
type TitleLister interface {
	List() ([]domain.TitleRecord, error)
}

// Sources are the read-only views served by the handler. Any may be nil;
// the matching endpoint then answers 503.
type Sources struct {
	State  StateSource
	Debug  DebugSource
	Titles TitleLister
}

// Handler serves the HTTP endpoints.
type Handler struct {
	sources Sources
	logger  *zap.Logger
}

// NewHandler creates a handler over sources.
func NewHandler(sources Sources, logger *zap.Logger) *Handler {
	return &Handler{sources: sources, logger: logger}
}

// Routes returns the endpoint mux. Other methods on known paths get 405,
// unknown paths get 404.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", h.HandleState)
	mux.HandleFunc("GET /debug", h.HandleDebug)
	mux.HandleFunc("GET /titles", h.HandleTitles)
	mux.HandleFunc("GET /health", h.HandleHealth)
	return mux
}

// HandleState returns the telemetry document.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	if h.sources.State == nil {
		h.sendError(w, http.StatusServiceUnavailable, "state not available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(h.sources.State.BuildJSON()); err != nil {
		h.logger.Debug("state write failed", zap.Error(err))
	}
}

// HandleDebug returns main loop and worker state.
func (h *Handler) HandleDebug(w http.ResponseWriter, r *http.Request) {
	if h.sources.Debug == nil {
		h.sendError(w, http.StatusServiceUnavailable, "debug not available")
		return
	}
	h.writeJSON(w, h.sources.Debug.Debug())
}

// titleView is a title record with its program id in telemetry notation.
type titleView struct {
	ProgramID string `json:"program_id"`
	domain.TitleRecord
}

// HandleTitles lists every title seen in the foreground.
func (h *Handler) HandleTitles(w http.ResponseWriter, r *http.Request) {
	if h.sources.Titles == nil {
		h.sendError(w, http.StatusServiceUnavailable, "title history not available")
		return
	}

	records, err := h.sources.Titles.List()
	if err != nil {
		h.logger.Warn("title history list failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "title history unreadable")
		return
	}

	views := make([]titleView, 0, len(records))
	for _, rec := range records {
		views = append(views, titleView{ProgramID: domain.FormatProgramID(rec.ProgramID), TitleRecord: rec})
	}
	h.writeJSON(w, views)
}

// HandleHealth answers liveness probes.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]bool{"ok": true})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("response encode failed", zap.Error(err))
	}
}

func (h *Handler) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
