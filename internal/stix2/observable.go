package stix2

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lvonguyen/stixforge/internal/mapping"
)

// scoNamespace is the namespace STIX 2.1 reserves for cyber observable ids.
var scoNamespace = uuid.MustParse("00abedb4-aa42-466c-9c01-fed23315a9b7")

// idContributing lists the properties hashed into a STIX 2.1 observable id.
var idContributing = map[string][]string{
	"artifact":             {"hashes", "payload_bin"},
	"autonomous-system":    {"number"},
	"directory":            {"path"},
	"domain-name":          {"value"},
	"email-addr":           {"value"},
	"email-message":        {"from_ref", "subject", "body"},
	"file":                 {"hashes", "name", "extensions", "parent_directory_ref"},
	"ipv4-addr":            {"value"},
	"ipv6-addr":            {"value"},
	"mac-addr":             {"value"},
	"mutex":                {"name"},
	"network-traffic":      {"start", "end", "src_ref", "dst_ref", "src_port", "dst_port", "protocols", "extensions"},
	"software":             {"name", "cpe", "swid", "vendor", "version"},
	"url":                  {"value"},
	"user-account":         {"account_type", "user_id", "account_login"},
	"windows-registry-key": {"key", "values"},
	"x509-certificate":     {"hashes", "serial_number"},
}

// hashPreference orders the hash picked when an id covers several.
var hashPreference = []string{"MD5", "SHA-1", "SHA-256", "SHA-512"}

// requiredProperties names the property an observable type cannot omit.
var requiredProperties = map[string]string{
	"autonomous-system": "number",
	"domain-name":       "value",
	"email-addr":        "value",
	"ipv4-addr":         "value",
	"ipv6-addr":         "value",
	"mac-addr":          "value",
	"mutex":             "name",
	"network-traffic":   "protocols",
	"url":               "value",
}

// observableProperties converts an observable's properties into the nested
// JSON form, e.g. "hashes.MD5" becomes {"hashes": {"MD5": ...}}. Defaults are
// filled in and required properties checked.
func observableProperties(o mapping.Observable, p mapping.Payload) (map[string]any, error) {
	out := make(map[string]any, len(o.Properties)+1)
	for _, prop := range o.Properties {
		var value any = prop.Value
		if prop.Number {
			n, err := strconv.ParseInt(prop.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s is not a number: %q", prop.Name, prop.Value)
			}
			value = n
		}
		if err := setNested(out, strings.Split(prop.Name, "."), value); err != nil {
			return nil, fmt.Errorf("%s property %s: %w", o.Type, prop.Name, err)
		}
	}

	switch o.Type {
	case "email-message":
		if _, ok := out["is_multipart"]; !ok {
			out["is_multipart"] = false
		}
	case "network-traffic":
		switch v := out["protocols"].(type) {
		case nil:
			out["protocols"] = trafficProtocols(o, p)
		case string:
			out["protocols"] = []string{strings.ToLower(v)}
		}
	}

	if name, ok := requiredProperties[o.Type]; ok {
		if _, present := out[name]; !present {
			return nil, fmt.Errorf("%s observable has no %s", o.Type, name)
		}
	}
	return out, nil
}

// trafficProtocols derives the protocol stack of a network-traffic
// observable from the address it references.
func trafficProtocols(o mapping.Observable, p mapping.Payload) []string {
	for _, r := range o.Refs {
		if (r.Name != "src_ref" && r.Name != "dst_ref") || r.Index < 0 || r.Index >= len(p.Observables) {
			continue
		}
		switch p.Observables[r.Index].Type {
		case "ipv4-addr":
			return []string{"ipv4", "tcp"}
		case "ipv6-addr":
			return []string{"ipv6", "tcp"}
		}
	}
	return []string{"tcp"}
}

// setNested stores value under path. A segment ending in "[*]" holds a
// list with one object, e.g. "values[*].data" of a registry key.
func setNested(m map[string]any, path []string, value any) error {
	if key, isList := strings.CutSuffix(path[0], "[*]"); isList && len(path) > 1 {
		list, _ := m[key].([]any)
		if len(list) == 0 {
			if _, exists := m[key]; exists {
				return fmt.Errorf("key %q is not a list", key)
			}
			list = []any{make(map[string]any)}
			m[key] = list
		}
		child, ok := list[0].(map[string]any)
		if !ok {
			return fmt.Errorf("key %q does not hold objects", key)
		}
		return setNested(child, path[1:], value)
	}
	if len(path) == 1 {
		if _, exists := m[path[0]]; exists {
			return fmt.Errorf("duplicate key %q", path[0])
		}
		m[path[0]] = value
		return nil
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		if _, exists := m[path[0]]; exists {
			return fmt.Errorf("key %q is not an object", path[0])
		}
		child = make(map[string]any)
		m[path[0]] = child
	}
	return setNested(child, path[1:], value)
}

// embeddedObjects builds the STIX 2.0 observed-data objects map, keyed by
// payload index.
func embeddedObjects(p mapping.Payload) (map[string]map[string]any, error) {
	objects := make(map[string]map[string]any, len(p.Observables))
	for i, o := range p.Observables {
		props, err := observableProperties(o, p)
		if err != nil {
			return nil, err
		}
		props["type"] = o.Type
		if err := applyRefs(props, o, p, func(index int) string { return strconv.Itoa(index) }); err != nil {
			return nil, err
		}
		objects[strconv.Itoa(i)] = props
	}
	return objects, nil
}

// topLevelObservables builds STIX 2.1 cyber observables. Identifiers are
// name-based over the id contributing properties, so equal observables of
// different items share one id. Observables with none of those properties
// fall back to an id derived from the item uuid and payload index.
func topLevelObservables(itemUUID string, p mapping.Payload) ([]*Observable, error) {
	n := len(p.Observables)
	props := make([]map[string]any, n)
	for i, o := range p.Observables {
		var err error
		if props[i], err = observableProperties(o, p); err != nil {
			return nil, err
		}
	}

	ids := make([]string, n)
	visiting := make([]bool, n)
	var resolve func(i int) error
	resolve = func(i int) error {
		if ids[i] != "" {
			return nil
		}
		o := p.Observables[i]
		if visiting[i] {
			return fmt.Errorf("%s observable references itself", o.Type)
		}
		visiting[i] = true
		for _, r := range o.Refs {
			if r.Index < 0 || r.Index >= n {
				return fmt.Errorf("%s of %s points outside the payload", r.Name, o.Type)
			}
			if err := resolve(r.Index); err != nil {
				return err
			}
		}
		if err := applyRefs(props[i], o, p, func(index int) string { return ids[index] }); err != nil {
			return err
		}
		ids[i] = o.Type + "--" + observableID(itemUUID, i, o.Type, props[i])
		return nil
	}

	out := make([]*Observable, 0, n)
	for i, o := range p.Observables {
		if err := resolve(i); err != nil {
			return nil, err
		}
		out = append(out, &Observable{
			Type:        o.Type,
			ID:          ids[i],
			SpecVersion: string(Version21),
			Properties:  props[i],
		})
	}
	return out, nil
}

func observableID(itemUUID string, index int, objectType string, props map[string]any) string {
	contributing := make(map[string]any)
	for _, name := range idContributing[objectType] {
		v, ok := props[name]
		if !ok {
			continue
		}
		if name == "hashes" {
			v = preferredHash(v)
		}
		contributing[name] = v
	}
	if len(contributing) == 0 {
		return deterministicID(itemUUID, strconv.Itoa(index))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(contributing); err != nil {
		return deterministicID(itemUUID, strconv.Itoa(index))
	}
	return uuid.NewSHA1(scoNamespace, bytes.TrimSuffix(buf.Bytes(), []byte("\n"))).String()
}

// preferredHash keeps the single hash an observable id is computed over.
func preferredHash(v any) any {
	hashes, ok := v.(map[string]any)
	if !ok || len(hashes) == 0 {
		return v
	}
	for _, name := range hashPreference {
		if h, ok := hashes[name]; ok {
			return map[string]any{name: h}
		}
	}
	names := make([]string, 0, len(hashes))
	for name := range hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{names[0]: hashes[names[0]]}
}

func applyRefs(props map[string]any, o mapping.Observable, p mapping.Payload, ref func(int) string) error {
	for _, r := range o.Refs {
		if r.Index < 0 || r.Index >= len(p.Observables) {
			return fmt.Errorf("%s of %s points outside the payload", r.Name, o.Type)
		}
		if !r.List {
			props[r.Name] = ref(r.Index)
			continue
		}
		list, _ := props[r.Name].([]string)
		props[r.Name] = append(list, ref(r.Index))
	}
	return nil
}

// customProperties prefixes producer properties for custom objects.
// Repeated names collapse into a list.
func customProperties(p mapping.Payload) map[string]any {
	out := make(map[string]any)
	for _, o := range p.Observables {
		for _, prop := range o.Properties {
			key := "x_misp_" + strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(prop.Name)
			switch existing := out[key].(type) {
			case nil:
				out[key] = prop.Value
			case string:
				out[key] = []string{existing, prop.Value}
			case []string:
				out[key] = append(existing, prop.Value)
			}
		}
	}
	return out
}
