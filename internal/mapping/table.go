package mapping

import "github.com/lvonguyen/stixforge/internal/galaxy"

// Table is the type-mapping table consulted by the converter.
type Table struct {
	Attributes     map[string]AttributeProducer
	Objects        map[string]ObjectProducer
	Galaxies       map[string]galaxy.Handler
	IndicatorTypes map[string]string
	// Skipped object names are ignored entirely.
	Skipped map[string]bool
}

// DefaultIndicatorType is used for names missing from IndicatorTypes.
const DefaultIndicatorType = "Malware Artifacts"

// Default returns the built-in table.
func Default() *Table {
	return &Table{
		Attributes:     defaultAttributes(),
		Objects:        defaultObjects(),
		Galaxies:       defaultGalaxies(),
		IndicatorTypes: defaultIndicatorTypes(),
		Skipped:        map[string]bool{"original-imported-file": true},
	}
}

// IndicatorType returns the indicator type for an attribute type or object
// name.
func (t *Table) IndicatorType(name string) string {
	if v, ok := t.IndicatorTypes[name]; ok {
		return v
	}
	return DefaultIndicatorType
}

func defaultGalaxies() map[string]galaxy.Handler {
	m := make(map[string]galaxy.Handler)
	add := func(h galaxy.Handler, types ...string) {
		for _, t := range types {
			m[t] = h
		}
	}
	add(galaxy.HandlerAttackPattern,
		"attack-pattern",
		"mitre-attack-pattern",
		"mitre-enterprise-attack-attack-pattern",
		"mitre-mobile-attack-attack-pattern",
		"mitre-pre-attack-attack-pattern",
	)
	add(galaxy.HandlerCourseOfAction,
		"course-of-action",
		"mitre-course-of-action",
		"mitre-enterprise-attack-course-of-action",
		"mitre-mobile-attack-course-of-action",
		"preventive-measure",
	)
	add(galaxy.HandlerMalware,
		"android", "backdoor", "banker", "botnet", "cryptominers", "exploit-kit",
		"malpedia", "malware", "ransomware", "rat", "stealer", "tds",
		"mitre-malware",
		"mitre-enterprise-attack-malware",
		"mitre-mobile-attack-malware",
	)
	add(galaxy.HandlerTool,
		"tool",
		"mitre-tool",
		"mitre-enterprise-attack-tool",
		"mitre-mobile-attack-tool",
	)
	add(galaxy.HandlerVulnerability,
		"branded-vulnerability",
		"vulnerability",
	)
	add(galaxy.HandlerThreatActor,
		"threat-actor",
		"microsoft-activity-group",
		"mitre-intrusion-set",
		"mitre-enterprise-attack-intrusion-set",
		"mitre-mobile-attack-intrusion-set",
		"mitre-pre-attack-intrusion-set",
	)
	return m
}

func defaultIndicatorTypes() map[string]string {
	m := make(map[string]string)
	add := func(v string, names ...string) {
		for _, n := range names {
			m[n] = v
		}
	}
	add("Domain Watchlist", "domain", "hostname", "domain|ip", "hostname|port", "domain-ip")
	add("IP Watchlist", "ip-src", "ip-dst", "ip-src|port", "ip-dst|port", "ip-port", "AS", "asn")
	add("URL Watchlist", "url", "uri", "link")
	add("Malicious E-mail", "email-src", "email-dst", "email-subject", "email-reply-to", "email-attachment", "email")
	add("File Hash Watchlist", "filename", "file", "malware-sample", "attachment",
		"x509-fingerprint-md5", "x509-fingerprint-sha1", "x509-fingerprint-sha256")
	add("Host Characteristics", "mutex", "regkey", "mac-address", "port")
	for hashType := range hashNames {
		m[hashType] = "File Hash Watchlist"
		m["filename|"+hashType] = "File Hash Watchlist"
	}
	return m
}
