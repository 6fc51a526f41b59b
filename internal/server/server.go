// Package server exposes the running engine over HTTP: prometheus metrics,
// health, views of published snapshots and curves, a live update stream and
// the manual curve and market IV controls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	errs "options-mm/internal/errors"
	"options-mm/internal/models"
	"options-mm/internal/stream"
)

// Reader is the read-only view of the engine the server needs.
type Reader interface {
	Lookup(symbol string) (models.SecurityID, bool)
	Snapshot(id models.SecurityID) *models.ModelSnapshot
	LastActions(id models.SecurityID) []models.OrderAction
	CurveStatuses() []models.CurveSnapshot
}

// Controller is the set of manual interventions the server exposes.
type Controller interface {
	ResetMarketIV(option models.SecurityID) error
	ResetCurve(series models.SecurityID, keep bool) error
	SelectSeries(series models.SecurityID, selected bool) error
}

// Engine is what the server drives.
type Engine interface {
	Reader
	Controller
}

// Streamer hands out per-request subscriptions to published updates.
type Streamer interface {
	SubscribeWithID(option models.SecurityID, id string) <-chan stream.Update
	Unsubscribe(option models.SecurityID, ch <-chan stream.Update)
	GetSubscriberCount(option models.SecurityID) int
	IsStarted() bool
}

// Config holds the listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server routes requests to the engine, metrics and health handlers.
type Server struct {
	router *mux.Router
	srv    *http.Server
	engine Engine
	hub    Streamer
	logger zerolog.Logger
}

// New creates a server. hub, metrics and health may be nil to leave their
// routes out.
func New(cfg Config, engine Engine, hub Streamer, metrics, health http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		engine: engine,
		hub:    hub,
		logger: logger.With().Str("component", "http").Logger(),
	}

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	if health != nil {
		s.router.Handle("/healthz", health).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/options/{symbol}", s.option).Methods(http.MethodGet)
	s.router.HandleFunc("/options/{symbol}/reset-market-iv", s.resetMarketIV).Methods(http.MethodPost)
	s.router.HandleFunc("/curves", s.curves).Methods(http.MethodGet)
	s.router.HandleFunc("/series/{symbol}/reset", s.resetCurve).Methods(http.MethodPost)
	s.router.HandleFunc("/series/{symbol}/selected", s.selectSeries).Methods(http.MethodPut)
	if hub != nil {
		s.router.HandleFunc("/stream", s.streamAll).Methods(http.MethodGet)
		s.router.HandleFunc("/options/{symbol}/stream", s.streamOption).Methods(http.MethodGet)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

type optionView struct {
	Symbol      string                `json:"symbol"`
	Snapshot    *models.ModelSnapshot `json:"snapshot"`
	Actions     []models.OrderAction  `json:"actions"`
	Subscribers int                   `json:"subscribers"`
}

// lookup resolves the {symbol} route variable, writing a 404 when unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (models.SecurityID, string, bool) {
	symbol := mux.Vars(r)["symbol"]
	id, ok := s.engine.Lookup(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown security "+symbol)
	}
	return id, symbol, ok
}

func (s *Server) option(w http.ResponseWriter, r *http.Request) {
	id, symbol, ok := s.lookup(w, r)
	if !ok {
		return
	}
	snap := s.engine.Snapshot(id)
	if snap == nil {
		writeError(w, http.StatusNotFound, "no snapshot published for "+symbol)
		return
	}
	view := optionView{Symbol: symbol, Snapshot: snap, Actions: s.engine.LastActions(id)}
	if s.hub != nil {
		view.Subscribers = s.hub.GetSubscriberCount(id)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) resetMarketIV(w http.ResponseWriter, r *http.Request) {
	id, symbol, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.control(w, symbol, "reset_market_iv", s.engine.ResetMarketIV(id))
}

func (s *Server) resetCurve(w http.ResponseWriter, r *http.Request) {
	id, symbol, ok := s.lookup(w, r)
	if !ok {
		return
	}
	keep := r.URL.Query().Get("keep") == "true"
	s.control(w, symbol, "reset_curve", s.engine.ResetCurve(id, keep))
}

type selectRequest struct {
	Selected *bool `json:"selected"`
}

func (s *Server) selectSeries(w http.ResponseWriter, r *http.Request) {
	id, symbol, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Selected == nil {
		writeError(w, http.StatusBadRequest, `body must be {"selected": true|false}`)
		return
	}
	s.control(w, symbol, "select_series", s.engine.SelectSeries(id, *req.Selected))
}

// control reports the outcome of a queued manual intervention. Accepted
// means queued; the effect shows up in the next published snapshot or curve.
func (s *Server) control(w http.ResponseWriter, symbol, action string, err error) {
	switch {
	case err == nil:
		s.logger.Info().Str("symbol", symbol).Str("action", action).Msg("Manual control queued")
		writeJSON(w, http.StatusAccepted, map[string]string{"symbol": symbol, "action": action})
	case errors.Is(err, errs.ErrUnknownSecurity):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrEngineStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func (s *Server) streamAll(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, stream.AllOptions)
}

func (s *Server) streamOption(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.serveStream(w, r, id)
}

// serveStream writes published updates as newline-delimited JSON until the
// client goes away or the hub stops.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, option models.SecurityID) {
	if !s.hub.IsStarted() {
		writeError(w, http.StatusServiceUnavailable, "update stream not running")
		return
	}
	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	id, _ := r.Context().Value(ctxKey{}).(string)
	ch := s.hub.SubscribeWithID(option, id)
	defer s.hub.Unsubscribe(option, ch)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("Streaming unsupported by response writer")
		return
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(u); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) curves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CurveStatuses())
}

type ctxKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the flusher underneath.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		id, _ := r.Context().Value(ctxKey{}).(string)
		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
