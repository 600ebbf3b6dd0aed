package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/pipeline"
	"github.com/MikeSquared-Agency/aegis/internal/processor"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
	"github.com/MikeSquared-Agency/aegis/internal/segment"
)

const maxSegmentBody = 1 << 20

// Session is the annotator control surface. *processor.Processor implements it.
type Session interface {
	Ingest(seg model.Segment) error
	Boundary() error
	Reset(sessionID string) error
	Reload(ctx context.Context) error
	Status() processor.Status
}

// AlertLister serves alert history. *store.Store and *journal.Journal implement it.
type AlertLister interface {
	ListAlerts(ctx context.Context, sessionID string, limit int) ([]model.AlertRecord, error)
}

// DropCounter reports alerts a best-effort sink discarded. *Hub and
// *output.Async implement it.
type DropCounter interface {
	Dropped() uint64
}

type Server struct {
	router *chi.Mux
	port   int
	http   *http.Server

	session Session
	alerts  AlertLister
	hub     *Hub
	drops   map[string]DropCounter
	logger  *slog.Logger
}

// NewServer builds the router. alerts and hub may be nil; their routes then
// answer 503.
func NewServer(port int, apiToken string, session Session, alerts AlertLister, hub *Hub, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		port:    port,
		session: session,
		alerts:  alerts,
		hub:     hub,
		drops:   make(map[string]DropCounter),
		logger:  logger,
	}
	if hub != nil {
		s.drops["stream"] = hub
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/aegis/status", s.status)
		r.Get("/alerts", s.listAlerts)
		r.Get("/alerts/stream", s.streamAlerts)
		r.Post("/segments", s.ingestSegments)
		r.Post("/session/boundary", s.boundary)
		r.Post("/session/reset", s.reset)
		r.Post("/rules/reload", s.reload)
	})

	return s
}

// CountDrops adds a sink's dropped-alert count to the status report under
// name. Call it before Start.
func (s *Server) CountDrops(name string, c DropCounter) {
	s.drops[name] = c
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.Clients()
	}
	dropped := make(map[string]uint64, len(s.drops))
	for name, c := range s.drops {
		dropped[name] = c.Dropped()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":          "aegis",
		"session":        s.session.Status(),
		"stream_clients": clients,
		"dropped_alerts": dropped,
	})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alert history is not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	alerts, err := s.alerts.ListAlerts(r.Context(), r.URL.Query().Get("session_id"), limit)
	if err != nil {
		s.logger.Error("failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "list alerts failed")
		return
	}
	if alerts == nil {
		alerts = []model.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) streamAlerts(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "alert stream is not configured")
		return
	}
	s.hub.ServeHTTP(w, r)
}

type rejectedSegment struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type ingestResponse struct {
	Accepted     int               `json:"accepted"`
	Rejected     []rejectedSegment `json:"rejected,omitempty"`
	Backpressure bool              `json:"backpressure"`
}

// ingestSegments accepts a single segment or an array of segments.
func (s *Server) ingestSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := decodeSegments(http.MaxBytesReader(w, r.Body, maxSegmentBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var resp ingestResponse
	for _, seg := range segs {
		err := s.session.Ingest(seg)
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, pipeline.ErrBackpressure):
			resp.Accepted++
			resp.Backpressure = true
		case errors.Is(err, processor.ErrNotStarted), errors.Is(err, processor.ErrShutdown), errors.Is(err, pipeline.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case errors.Is(err, segment.ErrStaleSegment):
			resp.Rejected = append(resp.Rejected, rejectedSegment{ID: seg.ID, Error: "stale"})
		default:
			resp.Rejected = append(resp.Rejected, rejectedSegment{ID: seg.ID, Error: err.Error()})
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) boundary(w http.ResponseWriter, r *http.Request) {
	err := s.session.Boundary()
	if err != nil && !errors.Is(err, pipeline.ErrBackpressure) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "backpressure": err != nil})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if err := s.session.Reset(req.SessionID); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reload(r.Context()); err != nil {
		switch {
		case errors.Is(err, rules.ErrLoad):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		case errors.Is(err, processor.ErrShutdown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
