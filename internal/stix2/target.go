package stix2

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lvonguyen/stixforge/internal/convert"
	"github.com/lvonguyen/stixforge/internal/galaxy"
	"github.com/lvonguyen/stixforge/internal/mapping"
	"github.com/lvonguyen/stixforge/internal/marking"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/registry"
)

// namespace seeds the name-based identifiers of objects without a source uuid.
var namespace = uuid.MustParse("76beed5f-7251-457e-8c2a-b45f7b589d3d")

func deterministicID(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "|"))).String()
}

var reportLabels = []string{"Threat-Report", `misp:tool="MISP-STIX-Converter"`}

// Target produces STIX 2 bundles.
type Target struct {
	version Version
}

var _ convert.Target = (*Target)(nil)

// NewTarget creates a target for version 2.0 or 2.1.
func NewTarget(version Version) (*Target, error) {
	if _, err := ParseVersion(string(version)); err != nil {
		return nil, err
	}
	return &Target{version: version}, nil
}

// Name implements convert.Target.
func (t *Target) Name() string {
	return "stix" + string(t.version)
}

// Identity implements convert.Target.
func (t *Target) Identity(ctx convert.Context, org misp.Org) (string, any, error) {
	if org.UUID == "" {
		return "", nil, errors.New("creator organisation has no uuid")
	}
	identity, err := NewIdentity(t.version, "identity--"+org.UUID, org.Name, ctx.Timestamp)
	if err != nil {
		return "", nil, err
	}
	return identity.ID, identity, nil
}

// TLP implements convert.Target.
func (t *Target) TLP(_ convert.Context, level marking.Level) (string, any) {
	m := TLPMarking(t.version, level)
	return m.ID, m
}

// Statement implements convert.Target. Tags without a colon are rejected.
// The id is scoped to the event, whose timestamp becomes the created time.
func (t *Target) Statement(ctx convert.Context, tag, definitionType, definition string) (string, any, error) {
	id := "marking-definition--" + deterministicID("marking", ctx.Event.UUID, tag)
	m, err := NewMarkingDefinition(t.version, id, definitionType, definition, ctx.Timestamp)
	if err != nil {
		return "", nil, err
	}
	return m.ID, m, nil
}

// Descriptor implements convert.Target.
func (t *Target) Descriptor(ctx convert.Context, d galaxy.Descriptor) (string, any, error) {
	if d.Name == "" {
		return "", nil, fmt.Errorf("%s cluster %s has no value", d.Handler, d.ClusterUUID)
	}
	if d.ClusterUUID == "" {
		return "", nil, fmt.Errorf("%s cluster %q has no uuid", d.Handler, d.Name)
	}

	c, err := newCommon(t.version, string(d.Handler), string(d.Handler)+"--"+d.ClusterUUID, ctx.CreatorID, ctx.Timestamp)
	if err != nil {
		return "", nil, err
	}
	c.Labels = []string{
		fmt.Sprintf(`misp:galaxy-name="%s"`, d.GalaxyName),
		fmt.Sprintf(`misp:galaxy-type="%s"`, d.GalaxyType),
	}

	var entity Object
	switch d.Handler {
	case galaxy.HandlerAttackPattern:
		ap := &AttackPattern{Common: c, Name: d.Name, Description: d.Description}
		if d.CAPECID != "" {
			ap.ExternalReferences = append(ap.ExternalReferences, ExternalReference{SourceName: "capec", ExternalID: d.CAPECID})
		}
		entity = ap
	case galaxy.HandlerMalware:
		m := &Malware{Common: c, Name: d.Name, Description: d.Description}
		if t.version == Version21 {
			family := true
			m.IsFamily = &family
			m.Aliases = d.Synonyms
		}
		entity = m
	case galaxy.HandlerTool:
		tool := &Tool{Common: c, Name: d.Name, Description: d.Description}
		if t.version == Version21 {
			tool.Aliases = d.Synonyms
		}
		entity = tool
	case galaxy.HandlerVulnerability:
		v := &Vulnerability{Common: c, Name: d.Name, Description: d.Description}
		if d.CVEID != "" {
			v.ExternalReferences = append(v.ExternalReferences, ExternalReference{SourceName: "cve", ExternalID: d.CVEID})
		}
		for _, ref := range d.References {
			v.ExternalReferences = append(v.ExternalReferences, ExternalReference{SourceName: "url", URL: ref})
		}
		entity = v
	case galaxy.HandlerCourseOfAction:
		entity = &CourseOfAction{Common: c, Name: d.Name, Description: d.Description}
	case galaxy.HandlerThreatActor:
		aliases := d.Synonyms
		if len(aliases) == 0 {
			aliases = d.Aliases
		}
		entity = &ThreatActor{Common: c, Name: d.Name, Description: d.Description, Aliases: aliases, Goals: d.IntendedEffects}
	default:
		return "", nil, fmt.Errorf("unknown cluster handler %q", d.Handler)
	}
	return entity.GetID(), entity, nil
}

// Item implements convert.Target.
func (t *Target) Item(ctx convert.Context, item convert.Item) (convert.Built, error) {
	var (
		primary Object
		extra   []Object
		err     error
	)
	switch {
	case item.Payload.Role == mapping.RoleVulnerability:
		primary, err = t.vulnerability(ctx, item)
	case item.Payload.Role == mapping.RoleRule && item.Indicator && t.version == Version21:
		primary, err = t.ruleIndicator(ctx, item)
	case item.Payload.Custom:
		primary, err = t.customObject(ctx, item)
	case item.Indicator:
		primary, err = t.indicator(ctx, item)
	default:
		primary, extra, err = t.observedData(ctx, item)
	}
	if err != nil {
		return convert.Built{}, err
	}

	entities := []any{primary}
	for _, o := range extra {
		entities = append(entities, o)
	}
	_, isIndicator := primary.(*Indicator)
	for _, link := range item.Links {
		rel, err := t.relationship(ctx, item, primary.GetID(), isIndicator, link)
		if err != nil {
			return convert.Built{}, err
		}
		entities = append(entities, rel)
	}
	return convert.Built{ID: primary.GetID(), Entities: entities}, nil
}

func labels(item convert.Item) []string {
	if item.Kind == convert.ItemObject {
		return []string{
			fmt.Sprintf(`misp:name="%s"`, item.Name),
			fmt.Sprintf(`misp:meta-category="%s"`, item.Category),
			fmt.Sprintf(`misp:to_ids="%t"`, item.Indicator),
		}
	}
	return []string{
		fmt.Sprintf(`misp:type="%s"`, item.Name),
		fmt.Sprintf(`misp:category="%s"`, item.Category),
		fmt.Sprintf(`misp:to_ids="%t"`, item.Indicator),
	}
}

func (t *Target) indicator(ctx convert.Context, item convert.Item) (Object, error) {
	pattern, err := Pattern(item.Payload)
	if err != nil {
		return nil, err
	}
	ind, err := NewIndicator(t.version, "indicator--"+item.UUID, ctx.CreatorID, pattern, item.Timestamp)
	if err != nil {
		return nil, err
	}
	ind.Labels = labels(item)
	ind.Description = item.Comment
	ind.ObjectMarkingRefs = item.Markings.Refs
	ind.KillChainPhases = []KillChainPhase{{KillChainName: "misp-category", PhaseName: item.Category}}
	return ind, nil
}

func (t *Target) ruleIndicator(ctx convert.Context, item convert.Item) (Object, error) {
	ind, err := NewRuleIndicator(t.version, "indicator--"+item.UUID, ctx.CreatorID, item.Name, item.Value, item.Timestamp)
	if err != nil {
		return nil, err
	}
	ind.Labels = labels(item)
	ind.Description = item.Comment
	ind.ObjectMarkingRefs = item.Markings.Refs
	ind.KillChainPhases = []KillChainPhase{{KillChainName: "misp-category", PhaseName: item.Category}}
	return ind, nil
}

func (t *Target) vulnerability(ctx convert.Context, item convert.Item) (Object, error) {
	c, err := newCommon(t.version, "vulnerability", "vulnerability--"+item.UUID, ctx.CreatorID, item.Timestamp)
	if err != nil {
		return nil, err
	}
	c.Labels = labels(item)
	c.ObjectMarkingRefs = item.Markings.Refs
	v := &Vulnerability{Common: c, Name: item.Value, Description: item.Comment}
	if strings.HasPrefix(strings.ToUpper(item.Value), "CVE-") {
		v.ExternalReferences = []ExternalReference{{SourceName: "cve", ExternalID: item.Value}}
	}
	return v, nil
}

func (t *Target) observedData(ctx convert.Context, item convert.Item) (Object, []Object, error) {
	od, err := NewObservedData(t.version, "observed-data--"+item.UUID, ctx.CreatorID, item.Timestamp)
	if err != nil {
		return nil, nil, err
	}
	od.Labels = labels(item)
	od.ObjectMarkingRefs = item.Markings.Refs

	if len(item.Payload.Observables) == 0 {
		return nil, nil, errors.New("payload has no observable")
	}

	if t.version == Version20 {
		if od.Objects, err = embeddedObjects(item.Payload); err != nil {
			return nil, nil, err
		}
		return od, nil, nil
	}

	observables, err := topLevelObservables(item.UUID, item.Payload)
	if err != nil {
		return nil, nil, err
	}
	extra := make([]Object, 0, len(observables))
	seen := make(map[string]struct{}, len(observables))
	for _, o := range observables {
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		od.ObjectRefs = append(od.ObjectRefs, o.ID)
		extra = append(extra, o)
	}
	return od, extra, nil
}

func (t *Target) customObject(ctx convert.Context, item convert.Item) (Object, error) {
	objectType := "x-misp-attribute"
	if item.Kind == convert.ItemObject {
		objectType = "x-misp-object"
	}
	c, err := newCommon(t.version, objectType, objectType+"--"+item.UUID, ctx.CreatorID, item.Timestamp)
	if err != nil {
		return nil, err
	}
	c.Labels = labels(item)
	c.ObjectMarkingRefs = item.Markings.Refs
	if item.Kind == convert.ItemAttribute {
		return &CustomObject{Common: c, Properties: attributeProperties(item)}, nil
	}
	return &CustomObject{Common: c, Properties: customProperties(item.Payload)}, nil
}

// attributeProperties keeps the attribute fields of a custom attribute.
func attributeProperties(item convert.Item) map[string]any {
	props := map[string]any{
		"x_misp_type":     item.Name,
		"x_misp_category": item.Category,
		"x_misp_value":    item.Value,
	}
	if item.Comment != "" {
		props["x_misp_comment"] = item.Comment
	}
	return props
}

func (t *Target) relationship(ctx convert.Context, item convert.Item, source string, isIndicator bool, link galaxy.Link) (*Relationship, error) {
	relationshipType := "related-to"
	if isIndicator && (link.Kind == registry.KindBehavior || link.Kind == registry.KindActor) {
		relationshipType = "indicates"
	}
	id := "relationship--" + deterministicID(source, relationshipType, link.TargetID)
	return NewRelationship(t.version, id, ctx.CreatorID, relationshipType, source, link.TargetID, item.Timestamp)
}

// Assemble implements convert.Target. The flat form starts with the new
// identity, if any, and ends with the report.
func (t *Target) Assemble(ctx convert.Context, pkg convert.Package) (any, error) {
	ev := ctx.Event

	report, err := NewReport(t.version, "report--"+ev.UUID, ctx.CreatorID, ev.Info, ctx.Timestamp)
	if err != nil {
		return nil, err
	}
	report.Labels = reportLabels
	report.ObjectMarkingRefs = pkg.Markings.Refs
	if ev.IsPublished() {
		published := Timestamp(ev.PublishTimestamp.Time())
		report.Published = &published
	}

	var objects []Object
	if pkg.Identity != nil {
		identity, ok := pkg.Identity.(Object)
		if !ok {
			return nil, fmt.Errorf("unexpected identity entity %T", pkg.Identity)
		}
		objects = append(objects, identity)
	}

	refs := make(map[string]struct{})
	emitted := make(map[string]struct{})
	add := func(entity any) error {
		o, ok := entity.(Object)
		if !ok {
			return fmt.Errorf("unexpected entity %T", entity)
		}
		// Equal observables of different items share an id.
		if _, dup := emitted[o.GetID()]; dup {
			return nil
		}
		emitted[o.GetID()] = struct{}{}
		objects = append(objects, o)
		addRef(report, refs, o.GetID())
		return nil
	}

	for _, group := range [][]any{pkg.Definitions, pkg.Descriptors} {
		for _, entity := range group {
			if err := add(entity); err != nil {
				return nil, err
			}
		}
	}
	for _, built := range pkg.Items {
		for _, entity := range built.Entities {
			if err := add(entity); err != nil {
				return nil, err
			}
		}
	}
	for _, link := range pkg.Links {
		addRef(report, refs, link.TargetID)
	}
	objects = append(objects, report)

	if pkg.Container {
		return NewBundle(t.version, "bundle--"+ev.UUID, objects), nil
	}
	return objects, nil
}

func addRef(report *Report, seen map[string]struct{}, id string) {
	if _, ok := seen[id]; ok {
		return
	}
	seen[id] = struct{}{}
	report.ObjectRefs = append(report.ObjectRefs, id)
}
