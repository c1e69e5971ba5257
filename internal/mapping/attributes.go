package mapping

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lvonguyen/stixforge/internal/misp"
)

// AttributeProducer converts one attribute into a payload.
type AttributeProducer func(a misp.Attribute) (Payload, error)

var hashNames = map[string]string{
	"md5":    "MD5",
	"sha1":   "SHA-1",
	"sha224": "SHA-224",
	"sha256": "SHA-256",
	"sha384": "SHA-384",
	"sha512": "SHA-512",
	"ssdeep": "SSDEEP",
}

func defaultAttributes() map[string]AttributeProducer {
	m := map[string]AttributeProducer{
		"AS":                          parseAutonomousSystem,
		"attachment":                  parseAttachment,
		"comment":                     parseNote,
		"domain":                      parseDomain,
		"domain|ip":                   parseDomainIP,
		"email-attachment":            parseFilename,
		"email-dst":                   parseEmailAddress,
		"email-reply-to":              parseEmailReplyTo,
		"email-src":                   parseEmailAddress,
		"email-subject":               parseEmailSubject,
		"filename":                    parseFilename,
		"hostname":                    parseDomain,
		"hostname|port":               parseHostnamePort,
		"ip-dst":                      parseIP,
		"ip-dst|port":                 parseIPPort,
		"ip-src":                      parseIP,
		"ip-src|port":                 parseIPPort,
		"link":                        parseURL,
		"mac-address":                 parseMACAddress,
		"malware-sample":              parseMalwareSample,
		"mutex":                       parseMutex,
		"named pipe":                  parseNamedPipe,
		"other":                       parseNote,
		"pattern-in-file":             parsePatternInFile,
		"port":                        parsePort,
		"regkey":                      parseRegistryKey,
		"regkey|value":                parseRegistryKeyValue,
		"snort":                       parseRule,
		"text":                        parseNote,
		"uri":                         parseURL,
		"url":                         parseURL,
		"user-agent":                  parseUserAgent,
		"vulnerability":               parseVulnerability,
		"windows-service-displayname": parseWindowsService,
		"windows-service-name":        parseWindowsService,
		"yara":                        parseRule,
	}
	for _, target := range []string{"email", "external", "location", "machine", "org", "user"} {
		m["target-"+target] = parseTarget
	}
	for hashType := range hashNames {
		m[hashType] = parseHash
		m["filename|"+hashType] = parseFilenameHash
	}
	for _, algorithm := range []string{"md5", "sha1", "sha256"} {
		m["x509-fingerprint-"+algorithm] = parseX509Fingerprint
	}
	return m
}

// CustomAttribute is the lossless fallback for unmapped attribute types.
func CustomAttribute(a misp.Attribute) Payload {
	props := []Property{
		prop("type", a.Type),
		prop("category", a.Category),
		prop("value", a.Value),
	}
	if a.Comment != "" {
		props = append(props, prop("comment", a.Comment))
	}
	return Payload{
		Observables: []Observable{{Type: "x-misp-attribute", Properties: props}},
		Custom:      true,
	}
}

// customAttributePayload keeps the attribute fields for targets without a
// dedicated form.
func customAttributePayload(a misp.Attribute, role Role) Payload {
	p := CustomAttribute(a)
	p.Role = role
	return p
}

func parseNote(a misp.Attribute) (Payload, error) {
	return customAttributePayload(a, RoleNote), nil
}

func parseTarget(a misp.Attribute) (Payload, error) {
	if strings.TrimSpace(a.Value) == "" {
		return Payload{}, fmt.Errorf("empty %s value", a.Type)
	}
	return customAttributePayload(a, RoleVictim), nil
}

func parseVulnerability(a misp.Attribute) (Payload, error) {
	if strings.TrimSpace(a.Value) == "" {
		return Payload{}, errors.New("empty vulnerability id")
	}
	return customAttributePayload(a, RoleVulnerability), nil
}

func parseRule(a misp.Attribute) (Payload, error) {
	if strings.TrimSpace(a.Value) == "" {
		return Payload{}, fmt.Errorf("empty %s rule", a.Type)
	}
	return customAttributePayload(a, RoleRule), nil
}

func ipObservable(value string) (Observable, error) {
	host := value
	if addr, _, ok := strings.Cut(value, "/"); ok {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Observable{}, fmt.Errorf("invalid IP address %q", value)
	}
	addrType := "ipv6-addr"
	if ip.To4() != nil {
		addrType = "ipv4-addr"
	}
	return Observable{Type: addrType, Properties: []Property{prop("value", value)}}, nil
}

func parseIP(a misp.Attribute) (Payload, error) {
	o, err := ipObservable(a.Value)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Observables: []Observable{o}}, nil
}

func parseDomain(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "domain-name", Properties: []Property{prop("value", a.Value)}},
	}}, nil
}

func parseDomainIP(a misp.Attribute) (Payload, error) {
	domain, ip, ok := splitComposite(a.Value)
	if !ok {
		return Payload{}, fmt.Errorf("invalid domain|ip value %q", a.Value)
	}
	address, err := ipObservable(ip)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Observables: []Observable{
		{
			Type:       "domain-name",
			Properties: []Property{prop("value", domain)},
			Refs:       []Ref{{Name: "resolves_to_refs", Index: 1, List: true}},
		},
		address,
	}}, nil
}

func parseIPPort(a misp.Attribute) (Payload, error) {
	ip, port, ok := splitComposite(a.Value)
	if !ok {
		return Payload{}, fmt.Errorf("invalid %s value %q", a.Type, a.Value)
	}
	address, err := ipObservable(ip)
	if err != nil {
		return Payload{}, err
	}
	side := "dst"
	if strings.HasPrefix(a.Type, "ip-src") {
		side = "src"
	}
	return Payload{Observables: []Observable{
		{
			Type:       "network-traffic",
			Properties: []Property{number(side+"_port", port)},
			Refs:       []Ref{{Name: side + "_ref", Index: 1}},
		},
		address,
	}}, nil
}

func parseHostnamePort(a misp.Attribute) (Payload, error) {
	hostname, port, ok := splitComposite(a.Value)
	if !ok {
		return Payload{}, fmt.Errorf("invalid hostname|port value %q", a.Value)
	}
	return Payload{Observables: []Observable{
		{
			Type:       "network-traffic",
			Properties: []Property{number("dst_port", port)},
			Refs:       []Ref{{Name: "dst_ref", Index: 1}},
		},
		{Type: "domain-name", Properties: []Property{prop("value", hostname)}},
	}}, nil
}

func parsePort(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "network-traffic", Properties: []Property{number("dst_port", a.Value)}},
	}}, nil
}

func parseURL(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "url", Properties: []Property{prop("value", a.Value)}},
	}}, nil
}

func parseAutonomousSystem(a misp.Attribute) (Payload, error) {
	value := strings.TrimPrefix(strings.ToUpper(a.Value), "AS")
	if value == "" {
		return Payload{}, fmt.Errorf("invalid AS value %q", a.Value)
	}
	return Payload{Observables: []Observable{
		{Type: "autonomous-system", Properties: []Property{number("number", value)}},
	}}, nil
}

func parseHash(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "file", Properties: []Property{prop("hashes."+hashNames[a.Type], a.Value)}},
	}}, nil
}

func parseFilename(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "file", Properties: []Property{prop("name", a.Value)}},
	}}, nil
}

func parseFilenameHash(a misp.Attribute) (Payload, error) {
	filename, hash, ok := splitComposite(a.Value)
	if !ok {
		return Payload{}, fmt.Errorf("invalid %s value %q", a.Type, a.Value)
	}
	_, hashType, _ := strings.Cut(a.Type, "|")
	return Payload{Observables: []Observable{
		{Type: "file", Properties: []Property{
			prop("name", filename),
			prop("hashes."+hashNames[hashType], hash),
		}},
	}}, nil
}

func parseMalwareSample(a misp.Attribute) (Payload, error) {
	filename, hash, ok := splitComposite(a.Value)
	if !ok {
		return Payload{}, fmt.Errorf("invalid malware-sample value %q", a.Value)
	}
	if a.Data == "" {
		return Payload{Observables: []Observable{
			{Type: "file", Properties: []Property{prop("name", filename), prop("hashes.MD5", hash)}},
		}}, nil
	}
	return Payload{
		Observables: []Observable{
			{Type: "artifact", Properties: []Property{prop("payload_bin", a.Data), prop("hashes.MD5", hash)}},
		},
		Title: filename,
	}, nil
}

func parseAttachment(a misp.Attribute) (Payload, error) {
	if a.Data == "" {
		return parseFilename(a)
	}
	return Payload{
		Observables: []Observable{{Type: "artifact", Properties: []Property{prop("payload_bin", a.Data)}}},
		Title:       a.Value,
	}, nil
}

func parseEmailAddress(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "email-addr", Properties: []Property{prop("value", a.Value)}},
	}}, nil
}

func parseEmailSubject(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "email-message", Properties: []Property{prop("subject", a.Value)}},
	}}, nil
}

func parseEmailReplyTo(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "email-message", Properties: []Property{prop("additional_header_fields.Reply-To", a.Value)}},
	}}, nil
}

func parseMACAddress(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "mac-addr", Properties: []Property{prop("value", strings.ToLower(a.Value))}},
	}}, nil
}

func parseMutex(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "mutex", Properties: []Property{prop("name", a.Value)}},
	}}, nil
}

func parseRegistryKey(a misp.Attribute) (Payload, error) {
	return Payload{Observables: []Observable{
		{Type: "windows-registry-key", Properties: []Property{prop("key", strings.TrimSpace(a.Value))}},
	}}, nil
}

func parseX509Fingerprint(a misp.Attribute) (Payload, error) {
	algorithm := a.Type[strings.LastIndex(a.Type, "-")+1:]
	return Payload{Observables: []Observable{
		{Type: "x509-certificate", Properties: []Property{prop("hashes."+hashNames[algorithm], a.Value)}},
	}}, nil
}

func parseRegistryKeyValue(a misp.Attribute) (Payload, error) {
	key, data, ok := splitComposite(a.Value)
	if !ok {
		return Payload{}, fmt.Errorf("invalid regkey|value value %q", a.Value)
	}
	return Payload{Observables: []Observable{
		{Type: "windows-registry-key", Properties: []Property{
			prop("key", strings.TrimSpace(key)),
			prop("values[*].data", strings.TrimSpace(data)),
		}},
	}}, nil
}

func parseWindowsService(a misp.Attribute) (Payload, error) {
	name := "service_name"
	if a.Type == "windows-service-displayname" {
		name = "display_name"
	}
	return Payload{Observables: []Observable{
		{Type: "process", Properties: []Property{prop("extensions.windows-service-ext."+name, a.Value)}},
	}}, nil
}

// The producers below have no STIX 2 observable form; their observables
// only serve the incident form.

func parseNamedPipe(a misp.Attribute) (Payload, error) {
	return Payload{
		Observables: []Observable{{Type: "pipe", Properties: []Property{prop("name", a.Value)}}},
		Custom:      true,
	}, nil
}

func parseUserAgent(a misp.Attribute) (Payload, error) {
	return Payload{
		Observables: []Observable{{Type: "http-session", Properties: []Property{prop("user_agent", a.Value)}}},
		Custom:      true,
	}, nil
}

func parsePatternInFile(a misp.Attribute) (Payload, error) {
	return Payload{
		Observables: []Observable{{Type: "file", Properties: []Property{prop("byte_run_data", a.Value)}}},
		Custom:      true,
	}, nil
}
