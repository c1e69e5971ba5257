package convert

import (
	"time"

	"github.com/lvonguyen/stixforge/internal/galaxy"
	"github.com/lvonguyen/stixforge/internal/mapping"
	"github.com/lvonguyen/stixforge/internal/marking"
	"github.com/lvonguyen/stixforge/internal/misp"
)

// Target is the capability set one schema family provides to the engine.
// Implementations must be deterministic: identical inputs yield identical
// identifiers and entities.
type Target interface {
	// Name identifies the target and version, e.g. "stix2.1".
	Name() string

	// Identity builds the creator organisation entity.
	Identity(ctx Context, org misp.Org) (id string, entity any, err error)

	// TLP and Statement build marking definitions.
	TLP(ctx Context, level marking.Level) (id string, entity any)
	Statement(ctx Context, tag, definitionType, definition string) (id string, entity any, err error)

	// Descriptor builds a behavior, mitigation or actor entity.
	Descriptor(ctx Context, d galaxy.Descriptor) (id string, entity any, err error)

	// Item builds the entities for one attribute or object, including the
	// relationships from the item to its links.
	Item(ctx Context, item Item) (Built, error)

	// Assemble builds the output root (bundle, flat list or package).
	Assemble(ctx Context, pkg Package) (any, error)
}

// Context is the per-event state handed to every target call.
type Context struct {
	Event     *misp.Event
	CreatorID string
	// Timestamp is the event modification time.
	Timestamp time.Time
}

// ItemKind distinguishes attributes from objects.
type ItemKind int

const (
	ItemAttribute ItemKind = iota
	ItemObject
)

func (k ItemKind) String() string {
	if k == ItemObject {
		return "object"
	}
	return "attribute"
}

// Item is one attribute or object after producer, cluster and marking
// resolution.
type Item struct {
	Kind ItemKind
	UUID string
	// Name is the attribute type or the object name.
	Name string
	// Category is the attribute category or the object meta-category.
	Category  string
	Value     string
	Comment   string
	Timestamp time.Time

	// Indicator is true when the item is flagged for detection.
	Indicator     bool
	IndicatorType string

	Payload  mapping.Payload
	Markings marking.Set
	Links    []galaxy.Link
}

// Built is the target output for one item.
type Built struct {
	// ID is the identifier of the item's primary entity.
	ID string
	// Entities are emitted in order, primary entity first.
	Entities []any
	// RootLinks are links the target could not attach to the item and
	// wants attached to the root instead.
	RootLinks []galaxy.Link
	Item      Item
}

// Package is everything the assembler needs to build one event's root.
type Package struct {
	// Identity is the creator entity when emitted by this conversion.
	Identity any
	// Definitions are the marking definitions registered during the event.
	Definitions []any
	// Descriptors are behavior, mitigation and actor entities first built
	// during this event.
	Descriptors []any
	Items       []Built
	Markings    marking.Set
	Links       []galaxy.Link
	Container   bool
}
