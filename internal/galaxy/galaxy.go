// Package galaxy converts MISP galaxy clusters into reusable descriptors
// (attack patterns, malware, tools, vulnerabilities, courses of action,
// threat actors) and returns relationship links to them.
package galaxy

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/registry"
)

// Handler names a cluster handler.
type Handler string

const (
	HandlerAttackPattern  Handler = "attack-pattern"
	HandlerMalware        Handler = "malware"
	HandlerTool           Handler = "tool"
	HandlerVulnerability  Handler = "vulnerability"
	HandlerCourseOfAction Handler = "course-of-action"
	HandlerThreatActor    Handler = "threat-actor"
)

// Kind returns the registry kind descriptors of this handler live under.
func (h Handler) Kind() registry.Kind {
	switch h {
	case HandlerCourseOfAction:
		return registry.KindMitigation
	case HandlerThreatActor:
		return registry.KindActor
	default:
		return registry.KindBehavior
	}
}

var (
	capecPattern = regexp.MustCompile(`^CAPEC-\d+$`)
	cvePattern   = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)
)

// Descriptor is a cluster normalised for the target builders.
type Descriptor struct {
	Handler         Handler
	GalaxyName      string
	GalaxyType      string
	ClusterUUID     string
	Name            string
	Description     string
	CAPECID         string
	CVEID           string
	Synonyms        []string
	Aliases         []string
	References      []string
	IntendedEffects []string
}

// NewDescriptor normalises a cluster for handler h.
func NewDescriptor(h Handler, g misp.Galaxy, c misp.Cluster) Descriptor {
	d := Descriptor{
		Handler:         h,
		GalaxyName:      g.Name,
		GalaxyType:      g.Type,
		ClusterUUID:     c.UUID,
		Name:            c.Value,
		Description:     c.Description,
		Synonyms:        c.Meta["synonyms"],
		Aliases:         c.Meta["aliases"],
		References:      c.Meta["refs"],
		IntendedEffects: c.Meta["cfr-type-of-incident"],
	}
	for _, id := range c.Meta["external_id"] {
		if capecPattern.MatchString(id) {
			d.CAPECID = id
			break
		}
	}
	if h == HandlerVulnerability {
		for _, alias := range d.Aliases {
			if cvePattern.MatchString(alias) {
				d.CVEID = alias
				break
			}
		}
		if d.CVEID == "" && len(d.Aliases) > 0 {
			d.CVEID = d.Aliases[0]
		}
	}
	return d
}

// Builder creates target-specific descriptor entities.
type Builder interface {
	Descriptor(d Descriptor) (id string, entity any, err error)
}

// Link is a relationship handle from a converted item (or the root) to a
// descriptor.
type Link struct {
	Kind         registry.Kind
	Handler      Handler
	TargetID     string
	Relationship string
	ClusterUUID  string
}

// Result is the outcome of resolving one scope.
type Result struct {
	Links []Link
	// Consumed are the tag names accounted for by handled galaxies.
	Consumed []string
	Warnings []string
}

// Resolver dispatches galaxies to handlers by galaxy type.
type Resolver struct {
	handlers map[string]Handler
	builder  Builder
	logger   *zap.Logger
}

// NewResolver creates a resolver over a galaxy type → handler table.
func NewResolver(handlers map[string]Handler, builder Builder, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{handlers: handlers, builder: builder, logger: logger}
}

// Resolve handles the galaxies of one scope. scope reads like "event",
// "ip-dst attribute" or "file object" and only appears in warnings.
// An error means a descriptor failed to build; nothing is left registered in
// reg by the caller's transaction in that case.
func (r *Resolver) Resolve(reg registry.Resolver, scope string, galaxies []misp.Galaxy) (Result, error) {
	var res Result
	linked := make(map[string]struct{})

	for _, g := range galaxies {
		h, ok := r.handlers[g.Type]
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s galaxy in %s not mapped.", g.Type, scope))
			continue
		}

		for _, c := range g.Clusters {
			id, found := reg.Resolve(h.Kind(), c.UUID)
			if !found {
				d := NewDescriptor(h, g, c)
				var entity any
				var err error
				id, entity, err = r.builder.Descriptor(d)
				if err != nil {
					return Result{}, fmt.Errorf("failed to build %s from cluster %s: %w", h, c.UUID, err)
				}
				reg.Register(h.Kind(), c.UUID, id, entity)
				r.logger.Debug("Built descriptor",
					zap.String("handler", string(h)),
					zap.String("cluster", c.UUID),
					zap.String("id", id),
				)
			}

			key := h.Kind().String() + "|" + id
			if _, dup := linked[key]; !dup {
				linked[key] = struct{}{}
				res.Links = append(res.Links, Link{
					Kind:         h.Kind(),
					Handler:      h,
					TargetID:     id,
					Relationship: g.Name,
					ClusterUUID:  c.UUID,
				})
			}
			res.Consumed = append(res.Consumed, TagNames(g.Type, c)...)
		}
	}

	return res, nil
}

// TagNames returns the tag names MISP uses for a cluster.
func TagNames(galaxyType string, c misp.Cluster) []string {
	synthesized := fmt.Sprintf(`misp-galaxy:%s="%s"`, galaxyType, c.Value)
	if c.TagName != "" && c.TagName != synthesized {
		return []string{synthesized, c.TagName}
	}
	return []string{synthesized}
}
