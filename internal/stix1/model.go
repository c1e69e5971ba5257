// Package stix1 is the incident-form target: a STIX 1.x package holding one
// incident, with TTPs, courses of action and threat actors referenced by
// idref.
package stix1

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/lvonguyen/stixforge/internal/marking"
)

// Version is a STIX 1 specification version.
type Version string

const (
	Version111 Version = "1.1.1"
	Version12  Version = "1.2"
)

// ErrUnsupportedVersion is returned for versions other than 1.1.1 and 1.2.
var ErrUnsupportedVersion = errors.New("unsupported STIX 1 version")

// ParseVersion validates a version string.
func ParseVersion(s string) (Version, error) {
	switch v := Version(s); v {
	case Version111, Version12:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
}

// Package is the root of the incident form.
type Package struct {
	XMLName         xml.Name          `xml:"stix:STIX_Package"`
	Namespaces      []xml.Attr        `xml:",any,attr"`
	ID              string            `xml:"id,attr"`
	Version         string            `xml:"version,attr"`
	Timestamp       string            `xml:"timestamp,attr,omitempty"`
	Header          *Header           `xml:"stix:STIX_Header,omitempty"`
	TTPs            []*TTP            `xml:"stix:TTPs>stix:TTP,omitempty"`
	CoursesOfAction []*CourseOfAction `xml:"stix:Courses_Of_Action>stix:Course_Of_Action,omitempty"`
	ThreatActors    []*ThreatActor    `xml:"stix:Threat_Actors>stix:Threat_Actor,omitempty"`
	Incidents       []*Incident       `xml:"stix:Incidents>stix:Incident,omitempty"`
}

// Header describes the package.
type Header struct {
	Title       string    `xml:"stix:Title,omitempty"`
	Description string    `xml:"stix:Description,omitempty"`
	Handling    *Handling `xml:"stix:Handling,omitempty"`
}

// Handling carries data markings.
type Handling struct {
	Markings []Marking `xml:"marking:Marking"`
}

// Marking applies structures to the enclosing element and its descendants.
type Marking struct {
	ControlledStructure string             `xml:"marking:Controlled_Structure"`
	Structures          []MarkingStructure `xml:"marking:Marking_Structure"`
}

// MarkingStructure is a TLP color or a simple statement.
type MarkingStructure struct {
	XSIType   string `xml:"xsi:type,attr"`
	Color     string `xml:"color,attr,omitempty"`
	Statement string `xml:"simpleMarking:Statement,omitempty"`
}

// NewHandling builds one marking with the highest TLP level and one simple
// statement per statement tag. It returns nil for an empty set.
func NewHandling(set marking.Set) *Handling {
	var structures []MarkingStructure
	if set.TLP != marking.LevelNone {
		structures = append(structures, MarkingStructure{
			XSIType: "tlpMarking:TLPMarkingStructureType",
			Color:   set.TLP.Color(),
		})
	}
	for _, s := range set.Statements {
		structures = append(structures, MarkingStructure{
			XSIType:   "simpleMarking:SimpleMarkingStructureType",
			Statement: s,
		})
	}
	if len(structures) == 0 {
		return nil
	}
	return &Handling{Markings: []Marking{{
		ControlledStructure: "../../../descendant-or-self::node()",
		Structures:          structures,
	}}}
}

// IDRef references an entity defined elsewhere in the package.
type IDRef struct {
	IDRef string `xml:"idref,attr"`
}

// VocabString is a controlled vocabulary value.
type VocabString struct {
	XSIType string `xml:"xsi:type,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// Identity names an organisation.
type Identity struct {
	Name string `xml:"stixCommon:Name"`
}

// InformationSource credits an organisation.
type InformationSource struct {
	Identity Identity `xml:"stixCommon:Identity"`
}

// TTP is a behavior descriptor.
type TTP struct {
	XSIType        string          `xml:"xsi:type,attr"`
	ID             string          `xml:"id,attr"`
	Timestamp      string          `xml:"timestamp,attr,omitempty"`
	Title          string          `xml:"ttp:Title"`
	Description    string          `xml:"ttp:Description,omitempty"`
	Behavior       *Behavior       `xml:"ttp:Behavior,omitempty"`
	Resources      *Resources      `xml:"ttp:Resources,omitempty"`
	ExploitTargets *ExploitTargets `xml:"ttp:Exploit_Targets,omitempty"`
	Handling       *Handling       `xml:"ttp:Handling,omitempty"`
}

// Behavior holds attack patterns and malware.
type Behavior struct {
	AttackPatterns []AttackPattern   `xml:"ttp:Attack_Patterns>ttp:Attack_Pattern,omitempty"`
	Malware        []MalwareInstance `xml:"ttp:Malware>ttp:Malware_Instance,omitempty"`
}

// AttackPattern is a CAPEC-style attack pattern.
type AttackPattern struct {
	CAPECID     string `xml:"capec_id,attr,omitempty"`
	Title       string `xml:"ttp:Title"`
	Description string `xml:"ttp:Description,omitempty"`
}

// MalwareInstance names a malware family.
type MalwareInstance struct {
	Names       []string `xml:"ttp:Name"`
	Title       string   `xml:"ttp:Title"`
	Description string   `xml:"ttp:Description,omitempty"`
}

// Resources holds tools.
type Resources struct {
	Tools []Tool `xml:"ttp:Tools>ttp:Tool"`
}

// Tool is an attacker tool.
type Tool struct {
	Name        string `xml:"cyboxCommon:Name"`
	Description string `xml:"cyboxCommon:Description,omitempty"`
}

// ExploitTargets wraps vulnerabilities a TTP exploits.
type ExploitTargets struct {
	Targets []RelatedExploitTarget `xml:"ttp:Exploit_Target"`
}

// RelatedExploitTarget wraps one exploit target.
type RelatedExploitTarget struct {
	ExploitTarget ExploitTarget `xml:"stixCommon:Exploit_Target"`
}

// ExploitTarget describes vulnerable assets.
type ExploitTarget struct {
	XSIType         string          `xml:"xsi:type,attr"`
	ID              string          `xml:"id,attr"`
	Timestamp       string          `xml:"timestamp,attr,omitempty"`
	Title           string          `xml:"et:Title"`
	Vulnerabilities []Vulnerability `xml:"et:Vulnerability"`
}

// Vulnerability is a known vulnerability.
type Vulnerability struct {
	Title       string   `xml:"et:Title,omitempty"`
	Description string   `xml:"et:Description,omitempty"`
	CVEID       string   `xml:"et:CVE_ID,omitempty"`
	References  []string `xml:"et:References>stixCommon:Reference,omitempty"`
}

// CourseOfAction is a mitigation descriptor.
type CourseOfAction struct {
	XSIType     string `xml:"xsi:type,attr"`
	ID          string `xml:"id,attr"`
	Timestamp   string `xml:"timestamp,attr,omitempty"`
	Title       string `xml:"coa:Title"`
	Description string `xml:"coa:Description,omitempty"`
}

// ThreatActor is an actor descriptor.
type ThreatActor struct {
	XSIType         string           `xml:"xsi:type,attr"`
	ID              string           `xml:"id,attr"`
	Timestamp       string           `xml:"timestamp,attr,omitempty"`
	Title           string           `xml:"ta:Title"`
	Description     string           `xml:"ta:Description,omitempty"`
	Identity        *Identity        `xml:"ta:Identity,omitempty"`
	IntendedEffects []IntendedEffect `xml:"ta:Intended_Effect,omitempty"`
}

// IntendedEffect is a statement of a goal.
type IntendedEffect struct {
	Value VocabString `xml:"stixCommon:Value"`
}

// Indicator is a detection rule over an observable.
type Indicator struct {
	XSIType        string          `xml:"xsi:type,attr"`
	ID             string          `xml:"id,attr"`
	Timestamp      string          `xml:"timestamp,attr,omitempty"`
	Title          string          `xml:"indicator:Title"`
	Type           *VocabString    `xml:"indicator:Type,omitempty"`
	Description    string          `xml:"indicator:Description,omitempty"`
	Observable     *Observable     `xml:"indicator:Observable,omitempty"`
	IndicatedTTPs  []RelatedTTP    `xml:"indicator:Indicated_TTP,omitempty"`
	TestMechanisms []TestMechanism `xml:"indicator:Test_Mechanisms>indicator:Test_Mechanism,omitempty"`
	SuggestedCOAs  []RelatedCOA    `xml:"indicator:Suggested_COAs>indicator:Suggested_COA,omitempty"`
	Handling       *Handling       `xml:"indicator:Handling,omitempty"`
}

// TestMechanism carries a snort or yara rule.
type TestMechanism struct {
	XSIType    string   `xml:"xsi:type,attr"`
	SnortRules []string `xml:"snortTM:Rule,omitempty"`
	YaraRule   string   `xml:"yaraTM:Rule,omitempty"`
}

// RelatedTTP references a TTP.
type RelatedTTP struct {
	Relationship string `xml:"stixCommon:Relationship,omitempty"`
	TTP          IDRef  `xml:"stixCommon:TTP"`
}

// RelatedCOA references a course of action.
type RelatedCOA struct {
	CourseOfAction IDRef `xml:"stixCommon:Course_Of_Action"`
}

// RelatedThreatActor references a threat actor.
type RelatedThreatActor struct {
	ThreatActor IDRef `xml:"stixCommon:Threat_Actor"`
}

// RelatedIndicator wraps an indicator inside the incident.
type RelatedIndicator struct {
	Relationship string     `xml:"stixCommon:Relationship,omitempty"`
	Indicator    *Indicator `xml:"stixCommon:Indicator"`
}

// RelatedObservable wraps an observable inside the incident.
type RelatedObservable struct {
	Relationship string      `xml:"stixCommon:Relationship,omitempty"`
	Observable   *Observable `xml:"stixCommon:Observable"`
}

// COATaken references a course of action applied to the incident.
type COATaken struct {
	CourseOfAction IDRef `xml:"incident:Course_Of_Action"`
}

// ExternalID identifies the incident in another system.
type ExternalID struct {
	Source string `xml:"source,attr"`
	Value  string `xml:",chardata"`
}

// TimeValue is a timestamp with precision.
type TimeValue struct {
	Precision string `xml:"precision,attr,omitempty"`
	Value     string `xml:",chardata"`
}

// IncidentTime holds the incident timeline.
type IncidentTime struct {
	Discovery *TimeValue `xml:"incident:Incident_Discovery,omitempty"`
	Reported  *TimeValue `xml:"incident:Incident_Reported,omitempty"`
}

// HistoryItem is one journal entry.
type HistoryItem struct {
	JournalEntry string `xml:"incident:Journal_Entry"`
}

// Incident is the root of one converted event.
type Incident struct {
	XSIType                string               `xml:"xsi:type,attr"`
	ID                     string               `xml:"id,attr"`
	Timestamp              string               `xml:"timestamp,attr,omitempty"`
	Title                  string               `xml:"incident:Title"`
	ExternalIDs            []ExternalID         `xml:"incident:External_ID,omitempty"`
	Time                   *IncidentTime        `xml:"incident:Time,omitempty"`
	Reporter               *InformationSource   `xml:"incident:Reporter,omitempty"`
	Victims                []Victim             `xml:"incident:Victim,omitempty"`
	AffectedAssets         []AffectedAsset      `xml:"incident:Affected_Assets>incident:Affected_Asset,omitempty"`
	RelatedIndicators      []RelatedIndicator   `xml:"incident:Related_Indicators>incident:Related_Indicator,omitempty"`
	RelatedObservables     []RelatedObservable  `xml:"incident:Related_Observables>incident:Related_Observable,omitempty"`
	LeveragedTTPs          []RelatedTTP         `xml:"incident:Leveraged_TTPs>incident:Leveraged_TTP,omitempty"`
	AttributedThreatActors []RelatedThreatActor `xml:"incident:Attributed_Threat_Actors>incident:Threat_Actor,omitempty"`
	Status                 *VocabString         `xml:"incident:Status,omitempty"`
	Handling               *Handling            `xml:"incident:Handling,omitempty"`
	InformationSource      *InformationSource   `xml:"incident:Information_Source,omitempty"`
	COATaken               []COATaken           `xml:"incident:COA_Taken,omitempty"`
	History                []HistoryItem        `xml:"incident:History>incident:History_Item,omitempty"`
}

// Victim is a targeted party described as a CIQ identity.
type Victim struct {
	XSIType       string            `xml:"xsi:type,attr"`
	ID            string            `xml:"id,attr"`
	Name          string            `xml:"stixCommon:Name"`
	Specification *CIQSpecification `xml:"stix-ciqidentity:Specification,omitempty"`
}

// CIQSpecification holds the party details of a victim.
type CIQSpecification struct {
	PartyName           *PartyName `xml:"xpil:PartyName,omitempty"`
	Addresses           []string   `xml:"xpil:Addresses>xpil:Address>xal:FreeTextAddress>xal:AddressLine,omitempty"`
	ElectronicAddresses []string   `xml:"xpil:ElectronicAddressIdentifiers>xpil:ElectronicAddressIdentifier,omitempty"`
}

// PartyName names a victim.
type PartyName struct {
	NameLines         []string `xml:"xnl:NameLine,omitempty"`
	OrganisationNames []string `xml:"xnl:OrganisationName>xnl:NameElement,omitempty"`
	PersonNames       []string `xml:"xnl:PersonName>xnl:NameElement,omitempty"`
}

// AffectedAsset is a targeted machine.
type AffectedAsset struct {
	Description string `xml:"incident:Description"`
}

// Observable is a CybOX observable: a single object or an AND composition.
type Observable struct {
	ID          string       `xml:"id,attr,omitempty"`
	Title       string       `xml:"cybox:Title,omitempty"`
	Object      *CyboxObject `xml:"cybox:Object,omitempty"`
	Composition *Composition `xml:"cybox:Observable_Composition,omitempty"`
}

// Composition combines observables.
type Composition struct {
	Operator    string       `xml:"operator,attr"`
	Observables []Observable `xml:"cybox:Observable"`
}

// CyboxObject holds typed properties.
type CyboxObject struct {
	Properties Properties `xml:"cybox:Properties"`
}

// Properties are the typed fields of a CybOX object. Fields carry their own
// element names.
type Properties struct {
	XSIType  string           `xml:"xsi:type,attr"`
	Category string           `xml:"category,attr,omitempty"`
	Fields   []Field          `xml:",any"`
	Custom   []CustomProperty `xml:"cyboxCommon:Custom_Properties>cyboxCommon:Property,omitempty"`
}

// Field is one typed property. Container fields hold children instead of a
// value.
type Field struct {
	XMLName   xml.Name
	Type      string  `xml:"type,attr,omitempty"`
	Condition string  `xml:"condition,attr,omitempty"`
	Value     string  `xml:",chardata"`
	Children  []Field `xml:",any"`
}

// CustomProperty is a named property with no CybOX field.
type CustomProperty struct {
	Name      string `xml:"name,attr"`
	Condition string `xml:"condition,attr,omitempty"`
	Value     string `xml:",chardata"`
}
