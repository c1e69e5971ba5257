package stix2

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lvonguyen/stixforge/internal/mapping"
)

var plainSegment = regexp.MustCompile(`^[a-z0-9_]+$`)

// Pattern builds a STIX pattern with one observation per root observable.
// Referenced observables contribute comparisons through the reference path.
func Pattern(p mapping.Payload) (string, error) {
	roots := p.Roots()
	if len(roots) == 0 {
		return "", errors.New("payload has no root observable")
	}

	observations := make([]string, 0, len(roots))
	for _, i := range roots {
		root := p.Observables[i]
		comparisons, err := patternComparisons(p, i, root.Type, "", 0)
		if err != nil {
			return "", err
		}
		if len(comparisons) == 0 {
			return "", fmt.Errorf("%s observable has no properties", root.Type)
		}
		observations = append(observations, "["+strings.Join(comparisons, " AND ")+"]")
	}
	return strings.Join(observations, " AND "), nil
}

func patternComparisons(p mapping.Payload, index int, objectType, prefix string, depth int) ([]string, error) {
	if depth > len(p.Observables) {
		return nil, errors.New("observable references form a cycle")
	}
	o := p.Observables[index]

	var out []string
	for _, prop := range o.Properties {
		value, err := patternValue(prop)
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("%s:%s = %s", objectType, joinPath(prefix, propertyPath(prop.Name)), value))
	}

	for _, ref := range o.Refs {
		if ref.Index < 0 || ref.Index >= len(p.Observables) {
			return nil, fmt.Errorf("%s of %s points outside the payload", ref.Name, o.Type)
		}
		refPath := ref.Name
		if ref.List {
			refPath += "[*]"
		}
		refPath = joinPath(prefix, refPath)
		target := p.Observables[ref.Index]

		out = append(out, fmt.Sprintf("%s:%s.type = '%s'", objectType, refPath, target.Type))
		nested, err := patternComparisons(p, ref.Index, objectType, refPath, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func joinPath(prefix, path string) string {
	if prefix == "" {
		return path
	}
	return prefix + "." + path
}

// propertyPath quotes dotted segments that are not plain identifiers, e.g.
// hashes.'SHA-256'. A trailing list index such as values[*] is kept.
func propertyPath(name string) string {
	segments := strings.Split(name, ".")
	for i, s := range segments {
		base, isList := strings.CutSuffix(s, "[*]")
		if !plainSegment.MatchString(base) {
			base = "'" + escapeValue(base) + "'"
		}
		if isList {
			base += "[*]"
		}
		segments[i] = base
	}
	return strings.Join(segments, ".")
}

func patternValue(p mapping.Property) (string, error) {
	if p.Number {
		n, err := strconv.ParseInt(p.Value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%s is not a number: %q", p.Name, p.Value)
		}
		return strconv.FormatInt(n, 10), nil
	}
	return "'" + escapeValue(p.Value) + "'", nil
}

func escapeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
