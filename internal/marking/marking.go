// Package marking resolves event, attribute and object tags into marking
// definitions: canonical TLP levels reused by value, and statement markings
// minted once per distinct tag.
package marking

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/registry"
)

// ErrInvalidMarking is returned by builders for tags that cannot become a
// marking definition. The resolver drops such tags.
var ErrInvalidMarking = errors.New("invalid marking definition")

// Level is a TLP level. The zero value means no TLP tag was seen.
type Level int

const (
	LevelNone Level = iota
	LevelWhite
	LevelGreen
	LevelAmber
	LevelRed
)

var levelColors = map[Level]string{
	LevelWhite: "WHITE",
	LevelGreen: "GREEN",
	LevelAmber: "AMBER",
	LevelRed:   "RED",
}

// Levels lists the vocabulary in ascending severity.
var Levels = []Level{LevelWhite, LevelGreen, LevelAmber, LevelRed}

// Color returns the upper-case TLP color.
func (l Level) Color() string {
	return levelColors[l]
}

// Tag returns the canonical tag name, e.g. "tlp:amber".
func (l Level) Tag() string {
	if l == LevelNone {
		return ""
	}
	return "tlp:" + strings.ToLower(l.Color())
}

// ParseTLP matches a tag against the TLP vocabulary, case-insensitively.
func ParseTLP(tag string) (Level, bool) {
	prefix, color, ok := strings.Cut(strings.TrimSpace(tag), ":")
	if !ok || !strings.EqualFold(prefix, "tlp") {
		return LevelNone, false
	}
	for _, l := range Levels {
		if strings.EqualFold(color, l.Color()) {
			return l, true
		}
	}
	return LevelNone, false
}

// Builder creates target-specific marking definitions.
type Builder interface {
	// TLP returns the canonical definition for a level.
	TLP(level Level) (id string, entity any)
	// Statement mints a definition for a non-TLP tag, split on its first
	// colon. definitionType is empty when the tag has no colon.
	Statement(tag, definitionType, definition string) (id string, entity any, err error)
}

// Set is the resolved marking state of one scope.
type Set struct {
	// Refs are definition identifiers in tag order, without duplicates.
	Refs []string
	// TLP is the highest-severity TLP level seen.
	TLP Level
	// Statements are the non-TLP tags that produced a definition.
	Statements []string
}

// Empty reports whether nothing resolved.
func (s Set) Empty() bool {
	return len(s.Refs) == 0 && s.TLP == LevelNone && len(s.Statements) == 0
}

// Resolver turns tags into a Set, caching definitions in the registry under
// registry.KindMarking.
type Resolver struct {
	builder Builder
	logger  *zap.Logger
}

// NewResolver creates a resolver for one target.
func NewResolver(builder Builder, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{builder: builder, logger: logger}
}

// Resolve processes tags in order. Tags that fail to build are dropped.
func (r *Resolver) Resolve(reg registry.Resolver, tags []string) Set {
	var set Set
	seenRefs := make(map[string]struct{})
	seenTags := make(map[string]struct{})

	addRef := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seenRefs[id]; ok {
			return
		}
		seenRefs[id] = struct{}{}
		set.Refs = append(set.Refs, id)
	}

	for _, tag := range tags {
		if _, ok := seenTags[tag]; ok {
			continue
		}
		seenTags[tag] = struct{}{}

		if level, ok := ParseTLP(tag); ok {
			if level > set.TLP {
				set.TLP = level
			}
			id, found := reg.Resolve(registry.KindMarking, level.Tag())
			if !found {
				var entity any
				id, entity = r.builder.TLP(level)
				reg.Register(registry.KindMarking, level.Tag(), id, entity)
			}
			addRef(id)
			continue
		}

		id, found := reg.Resolve(registry.KindMarking, tag)
		if !found {
			definitionType, definition, hasColon := strings.Cut(tag, ":")
			if !hasColon {
				definitionType, definition = "", tag
			}
			var entity any
			var err error
			id, entity, err = r.builder.Statement(tag, definitionType, definition)
			if err != nil {
				r.logger.Debug("Dropping marking tag",
					zap.String("tag", tag),
					zap.Error(err),
				)
				continue
			}
			reg.Register(registry.KindMarking, tag, id, entity)
		}
		addRef(id)
		set.Statements = append(set.Statements, tag)
	}

	return set
}

// Subtract returns tags not present in consumed, preserving order.
func Subtract(tags, consumed []string) []string {
	if len(consumed) == 0 {
		return tags
	}
	skip := make(map[string]struct{}, len(consumed))
	for _, c := range consumed {
		skip[c] = struct{}{}
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := skip[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
