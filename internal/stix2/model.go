// Package stix2 is the bundle-form target: STIX 2.0 and 2.1 objects with
// validating constructors, and the convert.Target that assembles them into
// a report and bundle.
package stix2

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/stixforge/internal/marking"
)

// Version is a STIX 2 specification version.
type Version string

const (
	Version20 Version = "2.0"
	Version21 Version = "2.1"
)

// ErrUnsupportedVersion is returned for versions other than 2.0 and 2.1.
var ErrUnsupportedVersion = errors.New("unsupported STIX 2 version")

// ParseVersion validates a version string.
func ParseVersion(s string) (Version, error) {
	switch v := Version(s); v {
	case Version20, Version21:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// Timestamp serialises with millisecond precision in UTC.
type Timestamp time.Time

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(timeLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = Timestamp(parsed)
	return nil
}

// Object is any top-level STIX 2 object.
type Object interface {
	GetID() string
}

// Common holds the properties shared by domain and relationship objects.
type Common struct {
	Type              string    `json:"type"`
	SpecVersion       string    `json:"spec_version,omitempty"`
	ID                string    `json:"id"`
	CreatedByRef      string    `json:"created_by_ref,omitempty"`
	Created           Timestamp `json:"created"`
	Modified          Timestamp `json:"modified"`
	Labels            []string  `json:"labels,omitempty"`
	ObjectMarkingRefs []string  `json:"object_marking_refs,omitempty"`
}

// GetID returns the object identifier.
func (c Common) GetID() string {
	return c.ID
}

func newCommon(v Version, objectType, id, createdBy string, created time.Time) (Common, error) {
	if !strings.HasPrefix(id, objectType+"--") || len(id) == len(objectType)+2 {
		return Common{}, fmt.Errorf("invalid %s id %q", objectType, id)
	}
	c := Common{
		Type:         objectType,
		ID:           id,
		CreatedByRef: createdBy,
		Created:      Timestamp(created),
		Modified:     Timestamp(created),
	}
	if v == Version21 {
		c.SpecVersion = string(v)
	}
	return c, nil
}

// ExternalReference points outside the bundle.
type ExternalReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

// KillChainPhase names a phase in a kill chain.
type KillChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

// Identity is an organisation.
type Identity struct {
	Common
	Name          string `json:"name"`
	IdentityClass string `json:"identity_class"`
}

// NewIdentity creates an organisation identity.
func NewIdentity(v Version, id, name string, created time.Time) (*Identity, error) {
	if name == "" {
		return nil, errors.New("identity name is required")
	}
	c, err := newCommon(v, "identity", id, "", created)
	if err != nil {
		return nil, err
	}
	return &Identity{Common: c, Name: name, IdentityClass: "organization"}, nil
}

// MarkingDefinition is a TLP or statement marking.
type MarkingDefinition struct {
	Type           string            `json:"type"`
	SpecVersion    string            `json:"spec_version,omitempty"`
	ID             string            `json:"id"`
	Created        Timestamp         `json:"created"`
	Name           string            `json:"name,omitempty"`
	DefinitionType string            `json:"definition_type"`
	Definition     map[string]string `json:"definition"`
}

// GetID returns the object identifier.
func (m *MarkingDefinition) GetID() string {
	return m.ID
}

// NewMarkingDefinition creates a marking whose definition maps
// definitionType to definition. Empty parts and unknown TLP colors fail with
// marking.ErrInvalidMarking.
func NewMarkingDefinition(v Version, id, definitionType, definition string, created time.Time) (*MarkingDefinition, error) {
	if definitionType == "" || definition == "" {
		return nil, fmt.Errorf("%w: empty definition type or value", marking.ErrInvalidMarking)
	}
	if definitionType == "tlp" {
		if _, ok := marking.ParseTLP("tlp:" + definition); !ok {
			return nil, fmt.Errorf("%w: unknown tlp color %q", marking.ErrInvalidMarking, definition)
		}
	}
	if !strings.HasPrefix(id, "marking-definition--") {
		return nil, fmt.Errorf("%w: invalid id %q", marking.ErrInvalidMarking, id)
	}
	m := &MarkingDefinition{
		Type:           "marking-definition",
		ID:             id,
		Created:        Timestamp(created),
		DefinitionType: definitionType,
		Definition:     map[string]string{definitionType: definition},
	}
	if v == Version21 {
		m.SpecVersion = string(v)
	}
	return m, nil
}

// tlpCreated is the creation time of the canonical TLP definitions.
var tlpCreated = time.Date(2017, time.January, 20, 0, 0, 0, 0, time.UTC)

var tlpIDs = map[marking.Level]string{
	marking.LevelWhite: "marking-definition--613f2e26-407d-48c7-9eca-b8e91df99dc9",
	marking.LevelGreen: "marking-definition--34098fce-860f-48ae-8e50-ebd3cc5e41da",
	marking.LevelAmber: "marking-definition--f88d31f6-486f-44da-b317-01333bde0b82",
	marking.LevelRed:   "marking-definition--5e57c739-391a-4eb3-b6be-7d15ca92d5ed",
}

// TLPMarking returns the canonical definition for a TLP level.
func TLPMarking(v Version, level marking.Level) *MarkingDefinition {
	color := strings.ToLower(level.Color())
	m := &MarkingDefinition{
		Type:           "marking-definition",
		ID:             tlpIDs[level],
		Created:        Timestamp(tlpCreated),
		DefinitionType: "tlp",
		Definition:     map[string]string{"tlp": color},
	}
	if v == Version21 {
		m.SpecVersion = string(v)
		m.Name = "TLP:" + level.Color()
	}
	return m
}

// AttackPattern is a behavior descriptor.
type AttackPattern struct {
	Common
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
}

// Malware is a behavior descriptor.
type Malware struct {
	Common
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	IsFamily    *bool    `json:"is_family,omitempty"`
}

// Tool is a behavior descriptor.
type Tool struct {
	Common
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// Vulnerability is a behavior descriptor.
type Vulnerability struct {
	Common
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
}

// CourseOfAction is a mitigation descriptor.
type CourseOfAction struct {
	Common
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ThreatActor is an actor descriptor.
type ThreatActor struct {
	Common
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	Goals       []string `json:"goals,omitempty"`
}

// Indicator carries a detection pattern.
type Indicator struct {
	Common
	Description     string           `json:"description,omitempty"`
	Pattern         string           `json:"pattern"`
	PatternType     string           `json:"pattern_type,omitempty"`
	PatternVersion  string           `json:"pattern_version,omitempty"`
	ValidFrom       Timestamp        `json:"valid_from"`
	KillChainPhases []KillChainPhase `json:"kill_chain_phases,omitempty"`
}

// NewIndicator validates the pattern and fills version specific fields.
func NewIndicator(v Version, id, createdBy, pattern string, created time.Time) (*Indicator, error) {
	if !strings.HasPrefix(pattern, "[") || !strings.HasSuffix(pattern, "]") {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	c, err := newCommon(v, "indicator", id, createdBy, created)
	if err != nil {
		return nil, err
	}
	ind := &Indicator{Common: c, Pattern: pattern, ValidFrom: Timestamp(created)}
	if v == Version21 {
		ind.PatternType = "stix"
		ind.PatternVersion = string(Version21)
	}
	return ind, nil
}

// NewRuleIndicator creates a STIX 2.1 indicator over a rule in a foreign
// pattern language such as snort or yara.
func NewRuleIndicator(v Version, id, createdBy, patternType, rule string, created time.Time) (*Indicator, error) {
	if v != Version21 {
		return nil, fmt.Errorf("%s patterns need STIX 2.1", patternType)
	}
	if patternType == "" || strings.TrimSpace(rule) == "" {
		return nil, errors.New("rule indicator needs a pattern type and a rule")
	}
	c, err := newCommon(v, "indicator", id, createdBy, created)
	if err != nil {
		return nil, err
	}
	return &Indicator{Common: c, Pattern: rule, PatternType: patternType, ValidFrom: Timestamp(created)}, nil
}

// ObservedData records observables seen. STIX 2.0 embeds them in Objects;
// STIX 2.1 references top-level cyber observables through ObjectRefs.
type ObservedData struct {
	Common
	FirstObserved  Timestamp                 `json:"first_observed"`
	LastObserved   Timestamp                 `json:"last_observed"`
	NumberObserved int                       `json:"number_observed"`
	Objects        map[string]map[string]any `json:"objects,omitempty"`
	ObjectRefs     []string                  `json:"object_refs,omitempty"`
}

// NewObservedData creates an observed-data object seen once at observed.
func NewObservedData(v Version, id, createdBy string, observed time.Time) (*ObservedData, error) {
	c, err := newCommon(v, "observed-data", id, createdBy, observed)
	if err != nil {
		return nil, err
	}
	return &ObservedData{
		Common:         c,
		FirstObserved:  Timestamp(observed),
		LastObserved:   Timestamp(observed),
		NumberObserved: 1,
	}, nil
}

// Observable is a STIX 2.1 top-level cyber observable.
type Observable struct {
	Type        string
	ID          string
	SpecVersion string
	Properties  map[string]any
}

// GetID returns the object identifier.
func (o *Observable) GetID() string {
	return o.ID
}

// MarshalJSON flattens Properties next to the identifying fields.
func (o *Observable) MarshalJSON() ([]byte, error) {
	return flatten(map[string]any{
		"type":         o.Type,
		"id":           o.ID,
		"spec_version": o.SpecVersion,
	}, o.Properties)
}

// CustomObject is an x-misp-attribute or x-misp-object carrying values no
// standard object can hold.
type CustomObject struct {
	Common
	Properties map[string]any
}

// MarshalJSON flattens Properties next to the common properties.
func (c *CustomObject) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(c.Common)
	if err != nil {
		return nil, err
	}
	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, err
	}
	return flatten(base, c.Properties)
}

func flatten(base, extra map[string]any) ([]byte, error) {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range base {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// Relationship links two objects.
type Relationship struct {
	Common
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}

// NewRelationship validates both ends and the type.
func NewRelationship(v Version, id, createdBy, relationshipType, source, target string, created time.Time) (*Relationship, error) {
	if relationshipType == "" || source == "" || target == "" {
		return nil, errors.New("relationship type, source and target are required")
	}
	c, err := newCommon(v, "relationship", id, createdBy, created)
	if err != nil {
		return nil, err
	}
	return &Relationship{Common: c, RelationshipType: relationshipType, SourceRef: source, TargetRef: target}, nil
}

// Report is the root of one converted event.
type Report struct {
	Common
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Published   *Timestamp `json:"published,omitempty"`
	ObjectRefs  []string   `json:"object_refs"`
}

// NewReport creates a report. Published is left unset.
func NewReport(v Version, id, createdBy, name string, modified time.Time) (*Report, error) {
	if name == "" {
		return nil, errors.New("report name is required")
	}
	c, err := newCommon(v, "report", id, createdBy, modified)
	if err != nil {
		return nil, err
	}
	return &Report{Common: c, Name: name, ObjectRefs: []string{}}, nil
}

// Bundle is the container form.
type Bundle struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	SpecVersion string   `json:"spec_version,omitempty"`
	Objects     []Object `json:"objects"`
}

// GetID returns the bundle identifier.
func (b *Bundle) GetID() string {
	return b.ID
}

// NewBundle wraps objects. STIX 2.0 bundles carry spec_version; 2.1 objects
// carry their own.
func NewBundle(v Version, id string, objects []Object) *Bundle {
	b := &Bundle{Type: "bundle", ID: id, Objects: objects}
	if v == Version20 {
		b.SpecVersion = string(v)
	}
	return b
}
