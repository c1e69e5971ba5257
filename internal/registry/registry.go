// Package registry tracks which source identifiers already produced an
// output entity, and under which output identifier.
package registry

import "fmt"

// Kind is a deduplicated entity category.
type Kind int

const (
	KindIdentity Kind = iota
	KindBehavior
	KindMitigation
	KindActor
	KindMarking
)

var kindNames = map[Kind]string{
	KindIdentity:   "identity",
	KindBehavior:   "behavior",
	KindMitigation: "mitigation",
	KindActor:      "actor",
	KindMarking:    "marking",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Entry is one registered entity.
type Entry struct {
	Kind   Kind
	Key    string
	ID     string
	Entity any
}

// Resolver is the lookup/registration contract shared by Registry and Txn.
type Resolver interface {
	Resolve(kind Kind, key string) (string, bool)
	Lookup(kind Kind, key string) (Entry, bool)
	Register(kind Kind, key, id string, entity any) bool
}

// Registry holds registered entities. Identity and descriptor kinds live as
// long as the registry; markings are cleared by ResetEvent.
// It is not safe for concurrent use; the owning engine serialises access.
type Registry struct {
	entries map[Kind]map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[Kind]map[string]Entry)}
}

// Resolve returns the output identifier registered for (kind, key).
func (r *Registry) Resolve(kind Kind, key string) (string, bool) {
	e, ok := r.Lookup(kind, key)
	return e.ID, ok
}

// Lookup returns the full entry registered for (kind, key).
func (r *Registry) Lookup(kind Kind, key string) (Entry, bool) {
	e, ok := r.entries[kind][key]
	return e, ok
}

// Register records an entity. It is a no-op returning false when (kind, key)
// is already registered.
func (r *Registry) Register(kind Kind, key, id string, entity any) bool {
	byKey, ok := r.entries[kind]
	if !ok {
		byKey = make(map[string]Entry)
		r.entries[kind] = byKey
	}
	if _, exists := byKey[key]; exists {
		return false
	}
	byKey[key] = Entry{Kind: kind, Key: key, ID: id, Entity: entity}
	return true
}

// Len returns the number of entries of a kind.
func (r *Registry) Len(kind Kind) int {
	return len(r.entries[kind])
}

// ResetEvent drops the per-event kinds.
func (r *Registry) ResetEvent() {
	delete(r.entries, KindMarking)
}

// Begin opens a transaction. Registrations made through it are visible to it
// immediately and reach the registry only on Commit.
func (r *Registry) Begin() *Txn {
	return &Txn{parent: r, pending: make(map[Kind]map[string]Entry)}
}

// Txn is a pending layer over a Registry.
type Txn struct {
	parent  *Registry
	pending map[Kind]map[string]Entry
	order   []Entry
}

// Resolve checks the pending layer, then the registry.
func (t *Txn) Resolve(kind Kind, key string) (string, bool) {
	e, ok := t.Lookup(kind, key)
	return e.ID, ok
}

// Lookup checks the pending layer, then the registry.
func (t *Txn) Lookup(kind Kind, key string) (Entry, bool) {
	if e, ok := t.pending[kind][key]; ok {
		return e, true
	}
	return t.parent.Lookup(kind, key)
}

// Register stages an entity unless (kind, key) is already known.
func (t *Txn) Register(kind Kind, key, id string, entity any) bool {
	if _, ok := t.Lookup(kind, key); ok {
		return false
	}
	byKey, ok := t.pending[kind]
	if !ok {
		byKey = make(map[string]Entry)
		t.pending[kind] = byKey
	}
	e := Entry{Kind: kind, Key: key, ID: id, Entity: entity}
	byKey[key] = e
	t.order = append(t.order, e)
	return true
}

// Commit applies staged registrations and returns them in registration order.
func (t *Txn) Commit() []Entry {
	for _, e := range t.order {
		t.parent.Register(e.Kind, e.Key, e.ID, e.Entity)
	}
	committed := t.order
	t.pending = make(map[Kind]map[string]Entry)
	t.order = nil
	return committed
}

// Rollback discards staged registrations.
func (t *Txn) Rollback() {
	t.pending = make(map[Kind]map[string]Entry)
	t.order = nil
}
