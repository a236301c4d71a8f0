package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/perimeter/pkg/engine"
	"github.com/cuemby/perimeter/pkg/geofence"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies; geofence manifests are the largest
const maxBodyBytes = 4 << 20

// Engine is the part of the engine the HTTP API drives
type Engine interface {
	SubmitSample(ctx context.Context, sample *types.LocationSample) (*engine.SubmitResult, error)
	Stats(ctx context.Context, window time.Duration) (*types.Stats, error)
	GetEvent(ctx context.Context, id string) (*types.GeofenceEvent, error)
	ListEvents(ctx context.Context, filter types.EventFilter) ([]*types.GeofenceEvent, error)
	Redispatch(ctx context.Context, id string) (*types.DispatchResult, error)
	ListGeofences(ctx context.Context) ([]*types.GeofenceDefinition, error)
	ApplyGeofences(ctx context.Context, fences []*types.GeofenceDefinition, prune bool) (*engine.ApplyResult, error)
	InvalidateGeofences()
	Ping(ctx context.Context) error
}

// Config tunes the HTTP API
type Config struct {
	// RateLimit is the number of sample submissions allowed per client IP per
	// minute. Zero disables limiting.
	RateLimit int
	// StatsWindow is used when /v1/stats is called without a window
	StatsWindow time.Duration
}

// ApplyRequest is the JSON body of PUT /v1/geofences
type ApplyRequest struct {
	Prune     bool                        `json:"prune"`
	Geofences []*types.GeofenceDefinition `json:"geofences"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Server is the HTTP API in front of the engine
type Server struct {
	engine Engine
	cfg    Config
	router chi.Router
	logger zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates the API server and its routes
func NewServer(e Engine, cfg Config) *Server {
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 24 * time.Hour
	}
	s := &Server{
		engine: e,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Get("/ready", s.readyHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit > 0 {
				r.Use(httprate.Limit(
					s.cfg.RateLimit,
					time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
					httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
						writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
					}),
				))
			}
			r.Post("/samples", s.submitSample)
		})

		r.Get("/geofences", s.listGeofences)
		r.Put("/geofences", s.applyGeofences)
		r.Post("/geofences/invalidate", s.invalidateGeofences)

		r.Get("/stats", s.stats)

		r.Get("/events", s.listEvents)
		r.Get("/events/{id}", s.getEvent)
		r.Post("/events/{id}/redispatch", s.redispatch)
	})

	return r
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentAPI, false, err.Error())
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	metrics.RegisterComponent(metrics.ComponentAPI, true, lis.Addr().String())
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")

	err := server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	return server.Shutdown(ctx)
}

// instrument records request counts and latency per route pattern
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		if status >= http.StatusInternalServerError {
			s.logger.Warn().
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Msg("Request failed")
		}
	})
}

func (s *Server) submitSample(w http.ResponseWriter, r *http.Request) {
	var sample types.LocationSample
	if err := decodeJSON(w, r, &sample); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.engine.SubmitSample(r.Context(), &sample)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) listGeofences(w http.ResponseWriter, r *http.Request) {
	fences, err := s.engine.ListGeofences(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if fences == nil {
		fences = []*types.GeofenceDefinition{}
	}
	writeJSON(w, http.StatusOK, fences)
}

// applyGeofences accepts either an ApplyRequest or a YAML manifest
func (s *Server) applyGeofences(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		manifest, err := geofence.ParseManifest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, &types.ValidationError{Field: "manifest", Reason: err.Error()})
			return
		}
		req.Prune = manifest.Prune
		req.Geofences = manifest.Definitions()
	default:
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if p := r.URL.Query().Get("prune"); p != "" {
		prune, err := strconv.ParseBool(p)
		if err != nil {
			writeError(w, &types.ValidationError{Field: "prune", Reason: "must be a boolean"})
			return
		}
		req.Prune = prune
	}

	res, err := s.engine.ApplyGeofences(r.Context(), req.Geofences, req.Prune)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) invalidateGeofences(w http.ResponseWriter, r *http.Request) {
	s.engine.InvalidateGeofences()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	window := s.cfg.StatsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, &types.ValidationError{Field: "window", Reason: "must be a duration such as 24h"})
			return
		}
		window = d
	}

	stats, err := s.engine.Stats(r.Context(), window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.EventFilter{
		UserID:       q.Get("user_id"),
		GeofenceCode: q.Get("geofence_code"),
		Status:       types.DeliveryStatus(q.Get("status")),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, &types.ValidationError{Field: "since", Reason: "must be an RFC 3339 timestamp"})
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, &types.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	events, err := s.engine.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*types.GeofenceEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.engine.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) redispatch(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Redispatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &types.ValidationError{Field: "body", Reason: "invalid JSON: " + strings.TrimPrefix(err.Error(), "json: ")}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to status codes
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *types.ValidationError
		notFound   *types.NotFoundError
		conflict   *types.ConcurrencyConflict
		transient  *types.TransientStoreError
	)

	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		resp.Field = validation.Field
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &transient), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
