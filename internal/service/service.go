// Package service wires the conversion engine to the identity store,
// metrics and tracing. It is shared by the HTTP API and the CLI.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/config"
	"github.com/lvonguyen/stixforge/internal/convert"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/observability"
	"github.com/lvonguyen/stixforge/internal/stix1"
	"github.com/lvonguyen/stixforge/internal/stix2"
	"github.com/lvonguyen/stixforge/internal/store"
)

// DefaultCollection is used when a request names no collection.
const DefaultCollection = "default"

// NewTarget builds the target selected by cfg.
func NewTarget(cfg config.ConverterConfig) (convert.Target, error) {
	switch cfg.Format {
	case config.FormatSTIX1:
		v, err := stix1.ParseVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		target, err := stix1.NewTarget(stix1.Options{Version: v, Namespace: cfg.Namespace, OrgName: cfg.OrgName})
		if err != nil {
			return nil, err
		}
		return target, nil
	case config.FormatSTIX2:
		v, err := stix2.ParseVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		target, err := stix2.NewTarget(v)
		if err != nil {
			return nil, err
		}
		return target, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnsupportedFormat, cfg.Format)
	}
}

// Request carries per-call options.
type Request struct {
	// Collection scopes the identities already delivered to a consumer.
	Collection string
	// Container overrides the configured bundle setting when set.
	Container *bool
}

// Service converts events and tracks delivered identities. Each collection
// gets its own engine, so identities and descriptors delivered to one
// consumer are never withheld from another.
type Service struct {
	target     convert.Target
	engineOpts []convert.Option

	mu      sync.Mutex
	engines map[string]*convert.Engine

	store     store.Store
	container bool
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records conversion metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for conversion spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithEngineOptions sets the options applied to every collection engine.
func WithEngineOptions(opts ...convert.Option) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a service converting for target. container is the default
// output form.
func New(target convert.Target, st store.Store, container bool, opts ...Option) *Service {
	s := &Service{
		target:    target,
		engines:   make(map[string]*convert.Engine),
		store:     st,
		container: container,
		tracer:    otel.Tracer("stixforge"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = store.NewMemoryStore()
	}
	return s
}

// TargetName returns the target name.
func (s *Service) TargetName() string {
	return s.target.Name()
}

// engineFor returns the engine of collection, creating it on first use.
func (s *Service) engineFor(collection string) *convert.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engines[collection]
	if !ok {
		e = convert.NewEngine(s.target, s.engineOpts...)
		s.engines[collection] = e
		s.logger.Debug("Created collection engine", zap.String("collection", collection))
	}
	return e
}

// Convert converts ev for the request's collection. Identities emitted for
// the first time are recorded in the store once the conversion succeeds.
func (s *Service) Convert(ctx context.Context, ev *misp.Event, req Request) (*convert.Result, error) {
	collection := req.Collection
	if collection == "" {
		collection = DefaultCollection
	}
	container := s.container
	if req.Container != nil {
		container = *req.Container
	}

	ctx, span := s.tracer.Start(ctx, "service.Convert", trace.WithAttributes(
		attribute.String("stixforge.target", s.TargetName()),
		attribute.String("stixforge.collection", collection),
	))
	defer span.End()
	if ev != nil {
		span.SetAttributes(attribute.String("misp.event.uuid", ev.UUID))
	}

	seen, err := s.store.Seen(ctx, collection)
	s.observeStore("seen", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "identity store unavailable")
		return nil, err
	}

	start := time.Now()
	res, err := s.engineFor(collection).Convert(ev, seen, container)
	s.observeConversion(time.Since(start), res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("stixforge.warnings", len(res.Warnings)),
		attribute.Int("stixforge.errors", len(res.Errors)),
	)

	if len(res.NewIdentities) > 0 {
		err := s.store.Add(ctx, collection, res.NewIdentities...)
		s.observeStore("add", err)
		if err != nil {
			// The output is still valid; the identity is re-emitted next time.
			s.logger.Warn("Failed to record identities",
				zap.String("collection", collection),
				zap.Error(err),
			)
		}
	}

	return res, nil
}

func (s *Service) observeConversion(d time.Duration, res *convert.Result, err error) {
	if s.metrics == nil {
		return
	}
	target := s.TargetName()
	if err != nil {
		s.metrics.EventsConverted.WithLabelValues(target, "rejected").Inc()
		return
	}

	status := "success"
	if len(res.Errors) > 0 {
		status = "partial"
	}
	s.metrics.EventsConverted.WithLabelValues(target, status).Inc()
	s.metrics.ConversionDuration.WithLabelValues(target).Observe(d.Seconds())
	s.metrics.ConversionWarnings.WithLabelValues(target).Add(float64(len(res.Warnings)))
	s.metrics.ItemErrors.WithLabelValues(target).Add(float64(len(res.Errors)))
	s.metrics.IdentitiesEmitted.WithLabelValues(target).Add(float64(len(res.NewIdentities)))
}

func (s *Service) observeStore(operation string, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.StoreOperations.WithLabelValues(operation, status).Inc()
}

// Encode serializes a conversion output: XML for the incident form, JSON
// otherwise. It returns the content type alongside the bytes.
func Encode(output any) (string, []byte, error) {
	if pkg, ok := output.(*stix1.Package); ok {
		var buf bytes.Buffer
		buf.WriteString(xml.Header)
		enc := xml.NewEncoder(&buf)
		enc.Indent("", "  ")
		if err := enc.Encode(pkg); err != nil {
			return "", nil, fmt.Errorf("failed to encode package: %w", err)
		}
		buf.WriteByte('\n')
		return "application/xml", buf.Bytes(), nil
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return "application/json", append(data, '\n'), nil
}
