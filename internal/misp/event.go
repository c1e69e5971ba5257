// Package misp provides the MISP (Malware Information Sharing Platform) event
// model consumed by the converter, and a small REST client to fetch events.
package misp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is a MISP event as exported by the MISP REST API.
type Event struct {
	ID               string      `json:"id,omitempty"`
	UUID             string      `json:"uuid"`
	Info             string      `json:"info"`
	Date             string      `json:"date,omitempty"`
	Timestamp        Timestamp   `json:"timestamp,omitempty"`
	PublishTimestamp Timestamp   `json:"publish_timestamp,omitempty"`
	Published        bool        `json:"published"`
	ThreatLevelID    string      `json:"threat_level_id,omitempty"`
	Analysis         string      `json:"analysis,omitempty"`
	Org              Org         `json:"Org"`
	Orgc             Org         `json:"Orgc"`
	Attributes       []Attribute `json:"Attribute,omitempty"`
	Objects          []Object    `json:"Object,omitempty"`
	Galaxies         []Galaxy    `json:"Galaxy,omitempty"`
	Tags             []Tag       `json:"Tag,omitempty"`
}

// Org is a MISP organisation reference.
type Org struct {
	ID   string `json:"id,omitempty"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Attribute is a single typed piece of evidence.
type Attribute struct {
	ID             string    `json:"id,omitempty"`
	UUID           string    `json:"uuid"`
	Type           string    `json:"type"`
	Category       string    `json:"category"`
	Value          string    `json:"value"`
	Comment        string    `json:"comment,omitempty"`
	ToIDS          bool      `json:"to_ids"`
	Timestamp      Timestamp `json:"timestamp,omitempty"`
	ObjectRelation string    `json:"object_relation,omitempty"`
	Data           string    `json:"data,omitempty"` // base64 payload for attachment / malware-sample
	Tags           []Tag     `json:"Tag,omitempty"`
	Galaxies       []Galaxy  `json:"Galaxy,omitempty"`
}

// Object is a named group of attributes describing a structured entity.
type Object struct {
	ID           string      `json:"id,omitempty"`
	UUID         string      `json:"uuid"`
	Name         string      `json:"name"`
	MetaCategory string      `json:"meta-category"`
	Description  string      `json:"description,omitempty"`
	Comment      string      `json:"comment,omitempty"`
	Timestamp    Timestamp   `json:"timestamp,omitempty"`
	Attributes   []Attribute `json:"Attribute,omitempty"`
}

// Galaxy groups clusters of one galaxy type.
type Galaxy struct {
	UUID        string    `json:"uuid,omitempty"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Clusters    []Cluster `json:"GalaxyCluster"`
}

// Cluster is a reusable semantic descriptor inside a galaxy.
type Cluster struct {
	UUID        string `json:"uuid"`
	Type        string `json:"type,omitempty"`
	Value       string `json:"value"`
	TagName     string `json:"tag_name,omitempty"`
	Description string `json:"description,omitempty"`
	Meta        Meta   `json:"meta,omitempty"`
}

// Meta is the free-form metadata of a cluster. MISP exports either a string or
// a list of strings for each key; both decode to a list.
type Meta map[string]StringList

// First returns the first value stored under key.
func (m Meta) First(key string) string {
	if values := m[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// StringList decodes from a JSON string or array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '[' {
		var values []string
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		*s = values
		return nil
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*s = StringList{value}
	return nil
}

// Tag is a MISP tag.
type Tag struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Colour string `json:"colour,omitempty"`
}

// Timestamp is a Unix timestamp that MISP serialises as a quoted string.
type Timestamp int64

// UnmarshalJSON accepts "1603642920", 1603642920 and "".
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	*t = Timestamp(v)
	return nil
}

// MarshalJSON writes the quoted form used by MISP.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(t), 10))), nil
}

// Time returns the UTC time for the timestamp.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// TagNames returns tag names in order.
func TagNames(tags []Tag) []string {
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	return names
}

// IsPublished reports whether the event carries a usable publish timestamp.
func (e *Event) IsPublished() bool {
	return e.Published && e.PublishTimestamp > 0
}

// DetectionFlag reports whether any member attribute of the object is
// flagged for detection.
func (o *Object) DetectionFlag() bool {
	for _, a := range o.Attributes {
		if a.ToIDS {
			return true
		}
	}
	return false
}

// Tags returns the union of member attribute tags, in first-seen order.
func (o *Object) Tags() []Tag {
	seen := make(map[string]struct{})
	var tags []Tag
	for _, a := range o.Attributes {
		for _, t := range a.Tags {
			if _, ok := seen[t.Name]; ok {
				continue
			}
			seen[t.Name] = struct{}{}
			tags = append(tags, t)
		}
	}
	return tags
}

// Galaxies returns the galaxies attached to member attributes, merging
// clusters of galaxies that share a type.
func (o *Object) Galaxies() []Galaxy {
	index := make(map[string]int)
	var galaxies []Galaxy
	for _, a := range o.Attributes {
		for _, g := range a.Galaxies {
			i, ok := index[g.Type]
			if !ok {
				index[g.Type] = len(galaxies)
				g.Clusters = append([]Cluster(nil), g.Clusters...)
				galaxies = append(galaxies, g)
				continue
			}
			galaxies[i].Clusters = append(galaxies[i].Clusters, g.Clusters...)
		}
	}
	return galaxies
}

// Document is the {"Event": {...}} envelope returned by MISP.
type Document struct {
	Event Event `json:"Event"`
}

// Decode reads one event, accepting both the bare event and the envelope.
func Decode(r io.Reader) (*Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	var ev Event
	if raw, ok := envelope["Event"]; ok {
		data = raw
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &ev, nil
}
