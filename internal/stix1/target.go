package stix1

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/stixforge/internal/convert"
	"github.com/lvonguyen/stixforge/internal/galaxy"
	"github.com/lvonguyen/stixforge/internal/mapping"
	"github.com/lvonguyen/stixforge/internal/marking"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/registry"
)

// HeaderDescriptionComment marks attributes holding a package description.
const HeaderDescriptionComment = "Imported from STIX header description"

// freetextComment is the comment MISP sets on attributes of a freetext import.
const freetextComment = "Imported via the freetext import."

// headerNote is a note item that describes the package rather than the
// incident.
type headerNote string

var threatLevels = map[string]string{
	"1": "High",
	"2": "Medium",
	"3": "Low",
	"4": "Undefined",
}

var incidentStatus = map[string]string{
	"0": "New",
	"1": "Open",
	"2": "Closed",
}

var namespaces = []struct{ prefix, uri string }{
	{"stix", "http://stix.mitre.org/stix-1"},
	{"stixCommon", "http://stix.mitre.org/common-1"},
	{"stixVocabs", "http://stix.mitre.org/default_vocabularies-1"},
	{"incident", "http://stix.mitre.org/Incident-1"},
	{"indicator", "http://stix.mitre.org/Indicator-2"},
	{"ttp", "http://stix.mitre.org/TTP-1"},
	{"coa", "http://stix.mitre.org/CourseOfAction-1"},
	{"ta", "http://stix.mitre.org/ThreatActor-1"},
	{"et", "http://stix.mitre.org/ExploitTarget-1"},
	{"marking", "http://data-marking.mitre.org/Marking-1"},
	{"tlpMarking", "http://data-marking.mitre.org/extensions/MarkingStructure#TLP-1"},
	{"simpleMarking", "http://data-marking.mitre.org/extensions/MarkingStructure#Simple-1"},
	{"cybox", "http://cybox.mitre.org/cybox-2"},
	{"cyboxCommon", "http://cybox.mitre.org/common-2"},
	{"AddressObj", "http://cybox.mitre.org/objects#AddressObject-2"},
	{"DomainNameObj", "http://cybox.mitre.org/objects#DomainNameObject-1"},
	{"URIObj", "http://cybox.mitre.org/objects#URIObject-2"},
	{"FileObj", "http://cybox.mitre.org/objects#FileObject-2"},
	{"MutexObj", "http://cybox.mitre.org/objects#MutexObject-2"},
	{"WinRegistryKeyObj", "http://cybox.mitre.org/objects#WinRegistryKeyObject-2"},
	{"ASObj", "http://cybox.mitre.org/objects#ASObject-1"},
	{"NetworkConnectionObj", "http://cybox.mitre.org/objects#NetworkConnectionObject-2"},
	{"EmailMessageObj", "http://cybox.mitre.org/objects#EmailMessageObject-2"},
	{"X509CertificateObj", "http://cybox.mitre.org/objects#X509CertificateObject-2"},
	{"ArtifactObj", "http://cybox.mitre.org/objects#ArtifactObject-2"},
	{"CustomObj", "http://cybox.mitre.org/objects#CustomObject-1"},
	{"PipeObj", "http://cybox.mitre.org/objects#PipeObject-2"},
	{"WinServiceObj", "http://cybox.mitre.org/objects#WinServiceObject-2"},
	{"HTTPSessionObj", "http://cybox.mitre.org/objects#HTTPSessionObject-2"},
	{"snortTM", "http://stix.mitre.org/extensions/TestMechanism#Snort-1"},
	{"yaraTM", "http://stix.mitre.org/extensions/TestMechanism#YARA-1"},
	{"stix-ciqidentity", "http://stix.mitre.org/extensions/Identity#CIQIdentity3.0-1"},
	{"xpil", "urn:oasis:names:tc:ciq:xpil:3"},
	{"xnl", "urn:oasis:names:tc:ciq:xnl:3"},
	{"xal", "urn:oasis:names:tc:ciq:xal:3"},
	{"xsi", "http://www.w3.org/2001/XMLSchema-instance"},
}

// Options configures the incident form.
type Options struct {
	Version Version
	// Namespace is the URI bound to OrgName.
	Namespace string
	// OrgName prefixes every generated id.
	OrgName string
}

// Target produces STIX 1 packages.
type Target struct {
	version   Version
	namespace string
	prefix    string
}

var _ convert.Target = (*Target)(nil)

// NewTarget creates an incident-form target.
func NewTarget(opts Options) (*Target, error) {
	if _, err := ParseVersion(string(opts.Version)); err != nil {
		return nil, err
	}
	if opts.Namespace == "" {
		return nil, errors.New("stix1 namespace is required")
	}
	prefix := strings.Join(strings.Fields(opts.OrgName), "_")
	if prefix == "" {
		return nil, errors.New("stix1 org name is required")
	}
	return &Target{version: opts.Version, namespace: opts.Namespace, prefix: prefix}, nil
}

// Name implements convert.Target.
func (t *Target) Name() string {
	return "stix" + string(t.version)
}

func (t *Target) id(kind, uuid string) string {
	return fmt.Sprintf("%s:%s-%s", t.prefix, kind, uuid)
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

// Identity implements convert.Target. The creator is credited by name in the
// incident's information source, so there is no identity entity.
func (t *Target) Identity(_ convert.Context, org misp.Org) (string, any, error) {
	if org.Name == "" {
		return "", nil, errors.New("creator organisation has no name")
	}
	return org.Name, nil, nil
}

// TLP implements convert.Target.
func (t *Target) TLP(_ convert.Context, level marking.Level) (string, any) {
	return level.Tag(), nil
}

// Statement implements convert.Target. Every non-empty tag becomes a simple
// marking statement.
func (t *Target) Statement(_ convert.Context, tag, _, _ string) (string, any, error) {
	if strings.TrimSpace(tag) == "" {
		return "", nil, marking.ErrInvalidMarking
	}
	return tag, nil, nil
}

// Descriptor implements convert.Target.
func (t *Target) Descriptor(ctx convert.Context, d galaxy.Descriptor) (string, any, error) {
	if d.Name == "" || d.ClusterUUID == "" {
		return "", nil, fmt.Errorf("%s cluster %q has no value or uuid", d.Handler, d.ClusterUUID)
	}
	title := fmt.Sprintf("%s: %s", d.GalaxyName, d.Name)
	timestamp := formatTime(ctx.Timestamp)

	switch d.Handler {
	case galaxy.HandlerCourseOfAction:
		coa := &CourseOfAction{
			XSIType:     "coa:CourseOfActionType",
			ID:          t.id("CourseOfAction", d.ClusterUUID),
			Timestamp:   timestamp,
			Title:       title,
			Description: d.Description,
		}
		return coa.ID, coa, nil
	case galaxy.HandlerThreatActor:
		ta := &ThreatActor{
			XSIType:     "ta:ThreatActorType",
			ID:          t.id("ThreatActor", d.ClusterUUID),
			Timestamp:   timestamp,
			Title:       title,
			Description: d.Description,
			Identity:    &Identity{Name: d.Name},
		}
		for _, effect := range d.IntendedEffects {
			ta.IntendedEffects = append(ta.IntendedEffects, IntendedEffect{Value: VocabString{Value: effect}})
		}
		return ta.ID, ta, nil
	}

	ttp := &TTP{
		XSIType:   "ttp:TTPType",
		ID:        t.id("TTP", d.ClusterUUID),
		Timestamp: timestamp,
		Title:     title,
	}
	switch d.Handler {
	case galaxy.HandlerAttackPattern:
		ttp.Behavior = &Behavior{AttackPatterns: []AttackPattern{{
			CAPECID:     d.CAPECID,
			Title:       d.Name,
			Description: d.Description,
		}}}
	case galaxy.HandlerMalware:
		ttp.Behavior = &Behavior{Malware: []MalwareInstance{{
			Names:       append([]string{d.Name}, d.Synonyms...),
			Title:       d.Name,
			Description: d.Description,
		}}}
	case galaxy.HandlerTool:
		ttp.Resources = &Resources{Tools: []Tool{{Name: d.Name, Description: d.Description}}}
	case galaxy.HandlerVulnerability:
		ttp.ExploitTargets = &ExploitTargets{Targets: []RelatedExploitTarget{{
			ExploitTarget: ExploitTarget{
				XSIType: "et:ExploitTargetType",
				ID:      t.id("ExploitTarget", d.ClusterUUID),
				Title:   title,
				Vulnerabilities: []Vulnerability{{
					Title:       d.Name,
					Description: d.Description,
					CVEID:       d.CVEID,
					References:  d.References,
				}},
			},
		}}}
	default:
		return "", nil, fmt.Errorf("unknown cluster handler %q", d.Handler)
	}
	return ttp.ID, ttp, nil
}

// Item implements convert.Target. Indicators carry their TTP and course of
// action links; everything else is attached to the incident.
func (t *Target) Item(_ convert.Context, item convert.Item) (convert.Built, error) {
	switch item.Payload.Role {
	case mapping.RoleNote:
		return t.note(item), nil
	case mapping.RoleVictim:
		return t.victim(item)
	case mapping.RoleVulnerability:
		return t.vulnerability(item), nil
	case mapping.RoleRule:
		if item.Indicator {
			return t.ruleIndicator(item)
		}
	}

	if !item.Indicator {
		obs, err := observable(t.id("Observable", item.UUID), item.Payload, "")
		if err != nil {
			return convert.Built{}, err
		}
		return convert.Built{
			ID:        obs.ID,
			Entities:  []any{&RelatedObservable{Relationship: item.Category, Observable: obs}},
			RootLinks: item.Links,
		}, nil
	}

	obs, err := observable(t.id("Observable", item.UUID), item.Payload, "Equals")
	if err != nil {
		return convert.Built{}, err
	}
	ind, rootLinks := t.indicator(item)
	ind.Observable = obs
	return convert.Built{
		ID:        ind.ID,
		Entities:  []any{&RelatedIndicator{Relationship: item.Category, Indicator: ind}},
		RootLinks: rootLinks,
	}, nil
}

// indicator builds the indicator shell of item and sorts its links into
// the ones it carries and the ones left to the incident.
func (t *Target) indicator(item convert.Item) (*Indicator, []galaxy.Link) {
	ind := &Indicator{
		XSIType:     "indicator:IndicatorType",
		ID:          t.id("Indicator", item.UUID),
		Timestamp:   formatTime(item.Timestamp),
		Title:       indicatorTitle(item),
		Type:        &VocabString{XSIType: "stixVocabs:IndicatorTypeVocab-1.1", Value: item.IndicatorType},
		Description: item.Comment,
		Handling:    NewHandling(item.Markings),
	}

	var rootLinks []galaxy.Link
	for _, link := range item.Links {
		switch link.Kind {
		case registry.KindBehavior:
			ind.IndicatedTTPs = append(ind.IndicatedTTPs, RelatedTTP{TTP: IDRef{IDRef: link.TargetID}})
		case registry.KindMitigation:
			ind.SuggestedCOAs = append(ind.SuggestedCOAs, RelatedCOA{CourseOfAction: IDRef{IDRef: link.TargetID}})
		default:
			rootLinks = append(rootLinks, link)
		}
	}
	return ind, rootLinks
}

// ruleIndicator carries a snort or yara rule as a test mechanism.
func (t *Target) ruleIndicator(item convert.Item) (convert.Built, error) {
	var tm TestMechanism
	switch item.Name {
	case "snort":
		tm = TestMechanism{XSIType: "snortTM:SnortTestMechanismType", SnortRules: []string{item.Value}}
	case "yara":
		tm = TestMechanism{XSIType: "yaraTM:YaraTestMechanismType", YaraRule: item.Value}
	default:
		return convert.Built{}, fmt.Errorf("no test mechanism for %s rules", item.Name)
	}

	ind, rootLinks := t.indicator(item)
	ind.TestMechanisms = []TestMechanism{tm}
	return convert.Built{
		ID:        ind.ID,
		Entities:  []any{&RelatedIndicator{Relationship: item.Category, Indicator: ind}},
		RootLinks: rootLinks,
	}, nil
}

// note keeps free text as a journal entry, or as the package description
// when the comment says so.
func (t *Target) note(item convert.Item) convert.Built {
	if item.Comment == HeaderDescriptionComment {
		return convert.Built{Entities: []any{headerNote(item.Value)}, RootLinks: item.Links}
	}
	entry := &HistoryItem{
		JournalEntry: fmt.Sprintf("Attribute (%s - %s): %s", item.Category, item.Name, item.Value),
	}
	return convert.Built{Entities: []any{entry}, RootLinks: item.Links}
}

// victimSpecs describes each targeted party kind.
var victimSpecs = map[string]func(value string) *CIQSpecification{
	"target-email": func(v string) *CIQSpecification {
		return &CIQSpecification{ElectronicAddresses: []string{v}}
	},
	"target-external": func(v string) *CIQSpecification {
		return &CIQSpecification{PartyName: &PartyName{NameLines: []string{"External target: " + v}}}
	},
	"target-location": func(v string) *CIQSpecification {
		return &CIQSpecification{Addresses: []string{v}}
	},
	"target-org": func(v string) *CIQSpecification {
		return &CIQSpecification{PartyName: &PartyName{OrganisationNames: []string{v}}}
	},
	"target-user": func(v string) *CIQSpecification {
		return &CIQSpecification{PartyName: &PartyName{PersonNames: []string{v}}}
	},
}

// victim turns a targeted machine into an affected asset and any other
// target into a victim identity.
func (t *Target) victim(item convert.Item) (convert.Built, error) {
	if item.Name == "target-machine" {
		description := item.Value
		if item.Comment != "" {
			description = fmt.Sprintf("%s (%s)", item.Value, item.Comment)
		}
		return convert.Built{Entities: []any{&AffectedAsset{Description: description}}, RootLinks: item.Links}, nil
	}

	spec, ok := victimSpecs[item.Name]
	if !ok {
		return convert.Built{}, fmt.Errorf("unknown victim type %s", item.Name)
	}
	v := &Victim{
		XSIType:       "stix-ciqidentity:CIQIdentity3.0InstanceType",
		ID:            t.id("Identity", item.UUID),
		Name:          indicatorTitle(item),
		Specification: spec(item.Value),
	}
	return convert.Built{ID: v.ID, Entities: []any{v}, RootLinks: item.Links}, nil
}

// vulnerability builds a TTP exploiting the referenced vulnerability. The
// incident leverages it with the attribute type as relationship.
func (t *Target) vulnerability(item convert.Item) convert.Built {
	title := item.Comment
	if title == "" || title == freetextComment {
		title = "Vulnerability " + item.Value
	}
	timestamp := formatTime(item.Timestamp)

	ttp := &TTP{
		XSIType:   "ttp:TTPType",
		ID:        t.id("TTP", item.UUID),
		Timestamp: timestamp,
		Title:     indicatorTitle(item),
		ExploitTargets: &ExploitTargets{Targets: []RelatedExploitTarget{{
			ExploitTarget: ExploitTarget{
				XSIType:         "et:ExploitTargetType",
				ID:              t.id("ExploitTarget", item.UUID),
				Timestamp:       timestamp,
				Title:           title,
				Vulnerabilities: []Vulnerability{{CVEID: item.Value}},
			},
		}}},
		Handling: NewHandling(item.Markings),
	}
	leveraged := &RelatedTTP{Relationship: item.Name, TTP: IDRef{IDRef: ttp.ID}}
	return convert.Built{ID: ttp.ID, Entities: []any{ttp, leveraged}, RootLinks: item.Links}
}

func indicatorTitle(item convert.Item) string {
	if item.Kind == convert.ItemObject {
		return fmt.Sprintf("%s: %s (MISP Object)", item.Category, item.Name)
	}
	return fmt.Sprintf("%s: %s (MISP Attribute)", item.Category, item.Value)
}

// Assemble implements convert.Target. The package always wraps the incident.
func (t *Target) Assemble(ctx convert.Context, pkg convert.Package) (any, error) {
	ev := ctx.Event
	timestamp := formatTime(ctx.Timestamp)

	incident := &Incident{
		XSIType:   "incident:IncidentType",
		ID:        t.id("Incident", ev.UUID),
		Timestamp: timestamp,
		Title:     ev.Info,
		Handling:  NewHandling(pkg.Markings),
	}
	if ev.ID != "" {
		incident.ExternalIDs = []ExternalID{{Source: "MISP Event", Value: ev.ID}}
	}
	incident.Time = incidentTime(ev)
	if status, ok := incidentStatus[ev.Analysis]; ok {
		incident.Status = &VocabString{XSIType: "stixVocabs:IncidentStatusVocab-1.0", Value: status}
	}
	if level, ok := threatLevels[ev.ThreatLevelID]; ok {
		incident.History = append(incident.History, HistoryItem{JournalEntry: "Event Threat Level: " + level})
	}
	if ctx.CreatorID != "" {
		incident.InformationSource = &InformationSource{Identity: Identity{Name: ctx.CreatorID}}
	}
	if ev.Org.Name != "" {
		incident.Reporter = &InformationSource{Identity: Identity{Name: ev.Org.Name}}
	}

	out := &Package{
		Namespaces: t.namespaceAttrs(),
		ID:         t.id("STIXPackage", ev.UUID),
		Version:    string(t.version),
		Timestamp:  timestamp,
		Header: &Header{
			Title: fmt.Sprintf("Export from %s MISP", t.namespace),
		},
	}

	for _, entity := range pkg.Descriptors {
		switch d := entity.(type) {
		case *TTP:
			out.TTPs = append(out.TTPs, d)
		case *CourseOfAction:
			out.CoursesOfAction = append(out.CoursesOfAction, d)
		case *ThreatActor:
			out.ThreatActors = append(out.ThreatActors, d)
		default:
			return nil, fmt.Errorf("unexpected descriptor %T", entity)
		}
	}

	var descriptions []string
	links := append([]galaxy.Link(nil), pkg.Links...)
	for _, built := range pkg.Items {
		for _, entity := range built.Entities {
			switch e := entity.(type) {
			case *RelatedIndicator:
				incident.RelatedIndicators = append(incident.RelatedIndicators, *e)
			case *RelatedObservable:
				incident.RelatedObservables = append(incident.RelatedObservables, *e)
			case *Victim:
				incident.Victims = append(incident.Victims, *e)
			case *AffectedAsset:
				incident.AffectedAssets = append(incident.AffectedAssets, *e)
			case *HistoryItem:
				incident.History = append(incident.History, *e)
			case *TTP:
				out.TTPs = append(out.TTPs, e)
			case *RelatedTTP:
				incident.LeveragedTTPs = append(incident.LeveragedTTPs, *e)
			case headerNote:
				descriptions = append(descriptions, string(e))
			default:
				return nil, fmt.Errorf("unexpected item entity %T", entity)
			}
		}
		links = append(links, built.RootLinks...)
	}
	attachLinks(incident, links)

	// Several candidates leave the description ambiguous.
	if len(descriptions) == 1 {
		out.Header.Description = descriptions[0]
	}

	out.Incidents = []*Incident{incident}
	return out, nil
}

// attachLinks adds each linked descriptor to the incident once.
func attachLinks(incident *Incident, links []galaxy.Link) {
	seen := make(map[string]struct{})
	for _, link := range links {
		if _, ok := seen[link.TargetID]; ok {
			continue
		}
		seen[link.TargetID] = struct{}{}

		ref := IDRef{IDRef: link.TargetID}
		switch link.Kind {
		case registry.KindBehavior:
			incident.LeveragedTTPs = append(incident.LeveragedTTPs, RelatedTTP{TTP: ref})
		case registry.KindMitigation:
			incident.COATaken = append(incident.COATaken, COATaken{CourseOfAction: ref})
		case registry.KindActor:
			incident.AttributedThreatActors = append(incident.AttributedThreatActors, RelatedThreatActor{ThreatActor: ref})
		}
	}
}

func incidentTime(ev *misp.Event) *IncidentTime {
	var it IncidentTime
	if ev.Date != "" {
		it.Discovery = &TimeValue{Precision: "day", Value: ev.Date}
	}
	if ev.IsPublished() {
		it.Reported = &TimeValue{Precision: "second", Value: formatTime(ev.PublishTimestamp.Time())}
	}
	if it.Discovery == nil && it.Reported == nil {
		return nil
	}
	return &it
}

func (t *Target) namespaceAttrs() []xml.Attr {
	attrs := make([]xml.Attr, 0, len(namespaces)+1)
	attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "xmlns:" + t.prefix}, Value: t.namespace})
	for _, ns := range namespaces {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "xmlns:" + ns.prefix}, Value: ns.uri})
	}
	return attrs
}
