// Package convert is the conversion orchestration engine. It walks a MISP
// event, deduplicates shared entities through the registry, isolates
// per-item failures and hands everything to a Target for assembly.
package convert

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/galaxy"
	"github.com/lvonguyen/stixforge/internal/mapping"
	"github.com/lvonguyen/stixforge/internal/marking"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/registry"
)

var (
	// ErrMissingUUID is returned for events without a uuid.
	ErrMissingUUID = errors.New("event has no uuid")
	// ErrMissingInfo is returned for events without an info field.
	ErrMissingInfo = errors.New("event has no info")
)

// Result is the outcome of one conversion.
type Result struct {
	Output any
	// Warnings are sorted and deduplicated.
	Warnings []string
	// Errors are per-item failures in processing order.
	Errors []string
	// NewIdentities are identity ids emitted by this conversion.
	NewIdentities []string
}

// Engine converts events for one target. Identities and descriptors are
// remembered across calls, so an engine should be reused for every event of
// one export. Convert is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	target   Target
	table    *mapping.Table
	registry *registry.Registry
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTable replaces the default mapping table.
func WithTable(t *mapping.Table) Option {
	return func(e *Engine) {
		e.table = t
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine for target.
func NewEngine(target Target, opts ...Option) *Engine {
	e := &Engine{
		target:   target,
		table:    mapping.Default(),
		registry: registry.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TargetName returns the name of the engine's target.
func (e *Engine) TargetName() string {
	return e.target.Name()
}

// Convert converts one event. seenIdentifiers lists identity ids the caller
// already holds; those identities are never emitted. emitAsContainer selects
// the container form where the target has a choice.
//
// The only errors are a missing event uuid or info and a failure to
// assemble the root. Per-item failures are reported in Result.Errors.
func (e *Engine) Convert(ev *misp.Event, seenIdentifiers []string, emitAsContainer bool) (*Result, error) {
	if ev == nil || ev.UUID == "" {
		return nil, ErrMissingUUID
	}
	if ev.Info == "" {
		return nil, ErrMissingInfo
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.registry.ResetEvent()
	r := e.newRun(ev, seenIdentifiers)

	r.resolveIdentity()
	r.resolveEvent()
	for _, a := range ev.Attributes {
		r.convertAttribute(a)
	}
	for _, o := range ev.Objects {
		r.convertObject(o)
	}

	output, err := e.target.Assemble(r.ctx, Package{
		Identity:    r.identity,
		Definitions: r.definitions,
		Descriptors: r.descriptors,
		Items:       r.items,
		Markings:    r.eventMarkings,
		Links:       r.eventLinks,
		Container:   emitAsContainer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble event %s: %w", ev.UUID, err)
	}

	res := &Result{
		Output:        output,
		Warnings:      r.sortedWarnings(),
		Errors:        r.errors,
		NewIdentities: r.newIdentities,
	}

	e.logger.Info("Converted event",
		zap.String("event", ev.UUID),
		zap.String("target", e.target.Name()),
		zap.Int("items", len(r.items)),
		zap.Int("descriptors", len(r.descriptors)),
		zap.Int("warnings", len(res.Warnings)),
		zap.Int("errors", len(res.Errors)),
	)

	return res, nil
}

// run holds the state of one Convert call.
type run struct {
	engine   *Engine
	ctx      Context
	seen     map[string]struct{}
	markings *marking.Resolver
	clusters *galaxy.Resolver

	identity      any
	newIdentities []string
	definitions   []any
	descriptors   []any
	items         []Built
	eventMarkings marking.Set
	eventLinks    []galaxy.Link

	warnings map[string]struct{}
	errors   []string
}

func (e *Engine) newRun(ev *misp.Event, seenIdentifiers []string) *run {
	r := &run{
		engine:   e,
		ctx:      Context{Event: ev, Timestamp: ev.Timestamp.Time()},
		seen:     make(map[string]struct{}, len(seenIdentifiers)),
		warnings: make(map[string]struct{}),
	}
	for _, id := range seenIdentifiers {
		r.seen[id] = struct{}{}
	}
	return r
}

// creator returns the organisation credited as author.
func creator(ev *misp.Event) misp.Org {
	if ev.Orgc.UUID != "" || ev.Orgc.Name != "" {
		return ev.Orgc
	}
	return ev.Org
}

// identityKey is the registry key of an organisation. Organisations without
// a uuid are told apart by name.
func identityKey(org misp.Org) string {
	if org.UUID != "" {
		return org.UUID
	}
	return "name:" + org.Name
}

// resolveIdentity emits the creator identity at most once per engine, and
// never when the caller already holds it.
func (r *run) resolveIdentity() {
	org := creator(r.ctx.Event)
	key := identityKey(org)

	if id, ok := r.engine.registry.Resolve(registry.KindIdentity, key); ok {
		r.ctx.CreatorID = id
		r.initResolvers()
		return
	}

	id, entity, err := r.engine.target.Identity(r.ctx, org)
	if err != nil {
		r.fail(fmt.Sprintf("Error with the creator organisation: %s.", org.Name), err)
		r.initResolvers()
		return
	}
	r.ctx.CreatorID = id
	r.initResolvers()

	if _, held := r.seen[id]; held {
		return
	}
	r.engine.registry.Register(registry.KindIdentity, key, id, entity)
	if entity != nil {
		r.identity = entity
		r.newIdentities = append(r.newIdentities, id)
	}
}

// initResolvers binds the resolvers to the run context. It runs once the
// creator is known.
func (r *run) initResolvers() {
	r.markings = marking.NewResolver(markingBuilder{target: r.engine.target, ctx: r.ctx}, r.engine.logger)
	r.clusters = galaxy.NewResolver(r.engine.table.Galaxies, descriptorBuilder{target: r.engine.target, ctx: r.ctx}, r.engine.logger)
}

// resolveEvent handles event-level galaxies and tags.
func (r *run) resolveEvent() {
	txn := r.engine.registry.Begin()

	res, err := r.clusters.Resolve(txn, "event", r.ctx.Event.Galaxies)
	if err != nil {
		txn.Rollback()
		r.fail(fmt.Sprintf("Error with the event galaxies: %s.", r.ctx.Event.UUID), err)
		txn = r.engine.registry.Begin()
		res = galaxy.Result{}
	}
	r.warn(res.Warnings...)
	r.eventLinks = res.Links

	tags := marking.Subtract(misp.TagNames(r.ctx.Event.Tags), res.Consumed)
	r.eventMarkings = r.markings.Resolve(txn, tags)
	r.collect(txn.Commit())
}

// collect records entities first registered by a committed transaction.
func (r *run) collect(entries []registry.Entry) {
	for _, e := range entries {
		if e.Entity == nil {
			continue
		}
		switch e.Kind {
		case registry.KindMarking:
			r.definitions = append(r.definitions, e.Entity)
		case registry.KindBehavior, registry.KindMitigation, registry.KindActor:
			r.descriptors = append(r.descriptors, e.Entity)
		}
	}
}

func (r *run) warn(warnings ...string) {
	for _, w := range warnings {
		if _, ok := r.warnings[w]; ok {
			continue
		}
		r.warnings[w] = struct{}{}
		r.engine.logger.Debug("Conversion warning",
			zap.String("event", r.ctx.Event.UUID),
			zap.String("warning", w),
		)
	}
}

func (r *run) fail(message string, err error) {
	r.errors = append(r.errors, message)
	r.engine.logger.Warn("Item conversion failed",
		zap.String("event", r.ctx.Event.UUID),
		zap.String("item", message),
		zap.Error(err),
	)
}

func (r *run) sortedWarnings() []string {
	out := make([]string, 0, len(r.warnings))
	for w := range r.warnings {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

type markingBuilder struct {
	target Target
	ctx    Context
}

func (b markingBuilder) TLP(level marking.Level) (string, any) {
	return b.target.TLP(b.ctx, level)
}

func (b markingBuilder) Statement(tag, definitionType, definition string) (string, any, error) {
	return b.target.Statement(b.ctx, tag, definitionType, definition)
}

type descriptorBuilder struct {
	target Target
	ctx    Context
}

func (b descriptorBuilder) Descriptor(d galaxy.Descriptor) (string, any, error) {
	return b.target.Descriptor(b.ctx, d)
}
