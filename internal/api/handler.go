// Package api exposes the converter over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/convert"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/observability"
	"github.com/lvonguyen/stixforge/internal/service"
)

// EventFetcher loads events from a MISP instance.
type EventFetcher interface {
	FetchEvent(ctx context.Context, id string) (*misp.Event, error)
}

// Options configures the router.
type Options struct {
	Version      string
	MaxBodyBytes int64
	Timeout      time.Duration
	// Events is optional; without it the fetch-and-convert route is absent.
	Events  EventFetcher
	Limiter *RateLimiter
	Metrics *observability.Metrics
	// MetricsHandler is served on /metrics when set.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// Handler serves conversion requests.
type Handler struct {
	svc     *service.Service
	events  EventFetcher
	maxBody int64
	version string
	logger  *zap.Logger
}

// ConvertResponse is the JSON envelope of a conversion. Output holds the
// STIX 2 document, or the STIX 1 XML document as a JSON string.
type ConvertResponse struct {
	Target        string          `json:"target"`
	Output        json.RawMessage `json:"output"`
	Warnings      []string        `json:"warnings"`
	Errors        []string        `json:"errors"`
	NewIdentities []string        `json:"new_identities"`
}

// NewRouter builds the HTTP router.
func NewRouter(svc *service.Service, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 32 << 20
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	h := &Handler{
		svc:     svc,
		events:  opts.Events,
		maxBody: opts.MaxBodyBytes,
		version: opts.Version,
		logger:  opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))

	r.Get("/health", h.handleHealth)
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if opts.Metrics != nil {
			r.Use(requestMetrics(opts.Metrics))
		}
		if opts.Limiter != nil {
			r = r.With(opts.Limiter.Middleware)
		}
		r.Post("/convert", h.handleConvert)
		if h.events != nil {
			r.Get("/events/{id}/convert", h.handleFetchAndConvert)
		}
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
		"target":  h.svc.TargetName(),
	})
}

// handleConvert converts a MISP event posted in the body, bare or wrapped in
// {"Event": ...}.
func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	ev, err := misp.Decode(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid MISP event: "+err.Error())
		return
	}
	h.convert(w, r, ev)
}

// handleFetchAndConvert fetches an event from MISP by id and converts it.
func (h *Handler) handleFetchAndConvert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ev, err := h.events.FetchEvent(r.Context(), id)
	switch {
	case errors.Is(err, misp.ErrEventNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger.Warn("MISP fetch failed", zap.String("event", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch event from MISP")
		return
	}
	h.convert(w, r, ev)
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request, ev *misp.Event) {
	req, err := parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Convert(r.Context(), ev, req)
	switch {
	case errors.Is(err, convert.ErrMissingUUID), errors.Is(err, convert.ErrMissingInfo):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		h.logger.Error("Conversion failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "conversion failed")
		return
	}

	contentType, data, err := service.Encode(res.Output)
	if err != nil {
		h.logger.Error("Encoding failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "encoding failed")
		return
	}

	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("X-Stixforge-Warnings", strconv.Itoa(len(res.Warnings)))
		w.Header().Set("X-Stixforge-Errors", strconv.Itoa(len(res.Errors)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	output := json.RawMessage(data)
	if contentType != "application/json" {
		if output, err = json.Marshal(string(data)); err != nil {
			writeError(w, http.StatusInternalServerError, "encoding failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, ConvertResponse{
		Target:        h.svc.TargetName(),
		Output:        output,
		Warnings:      nonNil(res.Warnings),
		Errors:        nonNil(res.Errors),
		NewIdentities: nonNil(res.NewIdentities),
	})
}

func parseRequest(r *http.Request) (service.Request, error) {
	q := r.URL.Query()
	req := service.Request{Collection: q.Get("collection")}
	if raw := q.Get("bundle"); raw != "" {
		container, err := strconv.ParseBool(raw)
		if err != nil {
			return service.Request{}, errors.New("bundle must be true or false")
		}
		req.Container = &container
	}
	return req, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLogger logs each request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// requestMetrics records request counts and durations by route pattern.
func requestMetrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
