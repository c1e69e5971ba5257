// Package mapping holds the type-mapping table: MISP attribute types and
// object names to observable producers, galaxy types to cluster handlers,
// and attribute/object names to indicator types.
package mapping

import "strings"

// Property is one observable property. Name may be a dotted path such as
// "hashes.SHA-256".
type Property struct {
	Name   string
	Value  string
	Number bool
}

// Ref points from one observable to another observable of the same payload.
type Ref struct {
	Name  string // e.g. "dst_ref", "resolves_to_refs"
	Index int
	List  bool
}

// Observable is a cyber observable in target-neutral form. Type uses the
// STIX 2 cyber observable vocabulary.
type Observable struct {
	Type       string
	Properties []Property
	Refs       []Ref
}

// Get returns the first value of the named property.
func (o Observable) Get(name string) string {
	for _, p := range o.Properties {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// Role tells a target what an item stands for when it is more than a plain
// observable.
type Role int

const (
	// RoleObservable is a cyber observable, or an indicator over one.
	RoleObservable Role = iota
	// RoleNote is free text.
	RoleNote
	// RoleVictim names a targeted organisation, person or asset.
	RoleVictim
	// RoleVulnerability references a known vulnerability by id.
	RoleVulnerability
	// RoleRule is a detection rule in a foreign language (snort, yara).
	RoleRule
)

// Payload is what a producer yields for one attribute or object.
type Payload struct {
	Observables []Observable
	// Title labels the observable in the incident form (e.g. a sample's
	// file name).
	Title string
	// Custom marks payloads without a STIX 2 cyber observable form,
	// including the lossless fallback for unmapped types.
	Custom bool
	Role   Role
}

// Roots returns the indexes of observables not referenced by another one.
func (p Payload) Roots() []int {
	referenced := make(map[int]bool)
	for _, o := range p.Observables {
		for _, r := range o.Refs {
			referenced[r.Index] = true
		}
	}
	var roots []int
	for i := range p.Observables {
		if !referenced[i] {
			roots = append(roots, i)
		}
	}
	return roots
}

func prop(name, value string) Property {
	return Property{Name: name, Value: value}
}

func number(name, value string) Property {
	return Property{Name: name, Value: value, Number: true}
}

// splitComposite splits "a|b" values used by composite attribute types.
func splitComposite(value string) (string, string, bool) {
	left, right, ok := strings.Cut(value, "|")
	if !ok || left == "" || right == "" {
		return "", "", false
	}
	return left, right, true
}
