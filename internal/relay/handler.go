package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"hls-livepipe/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	streamContentType = "video/mp2t"
	copyBufferSize    = 32 << 10
)

// Handler exposes relay HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the relay endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/streams/{stream}/live", h.Live)
	r.Get("/sessions", h.ListSessions)
	r.Delete("/sessions/{session_id}", h.StopSession)
}

// Live handles GET /streams/{stream}/live. It opens a pipeline and copies
// its output to the response until the client leaves or the pipeline ends.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	stream := chi.URLParam(r, "stream")
	if stream == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	live, err := h.svc.Open(r.Context(), stream)
	if err != nil {
		if errors.Is(err, ErrUnknownStream) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("open session failed", slog.String("stream", stream), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	id := live.Session.ID
	defer h.updateGauge()
	defer h.svc.Release(id)
	h.updateGauge()

	p := live.Pipeline
	select {
	case <-live.Available():
	case <-p.Done():
		if p.Output().Buffered() == 0 {
			h.log.Warn("pipeline ended before any data",
				slog.String("session_id", string(id)),
				slog.Any("error", p.Err()))
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	case <-r.Context().Done():
		return
	}

	w.Header().Set("Content-Type", streamContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Session-Id", string(id))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	out := p.Output()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.log.Debug("client write failed", slog.String("session_id", string(id)), slog.String("error", werr.Error()))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			h.svc.AddBytes(id, int64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.Warn("stream ended with error", slog.String("session_id", string(id)), slog.String("error", err.Error()))
			}
			return
		}
	}
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.svc.Sessions()); err != nil {
		h.log.Debug("encode sessions failed", slog.String("error", err.Error()))
	}
}

// StopSession handles DELETE /sessions/{session_id}.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.Stop(id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("stop session failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.updateGauge()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateGauge() {
	if h.metrics != nil {
		h.metrics.SetActiveSessions(h.svc.ActiveSessions())
	}
}
