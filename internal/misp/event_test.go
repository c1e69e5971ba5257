package misp

import (
	"strings"
	"testing"
)

func TestDecode_BareAndEnvelope(t *testing.T) {
	bare := `{"uuid": "e1", "info": "bare", "published": true, "publish_timestamp": 1700000000}`
	wrapped := `{"Event": {"uuid": "e2", "info": "wrapped", "publish_timestamp": "1700000000"}}`

	ev, err := Decode(strings.NewReader(bare))
	if err != nil {
		t.Fatalf("Decode bare: %v", err)
	}
	if ev.UUID != "e1" || !ev.IsPublished() {
		t.Errorf("unexpected bare event: %+v", ev)
	}

	ev, err = Decode(strings.NewReader(wrapped))
	if err != nil {
		t.Fatalf("Decode wrapped: %v", err)
	}
	if ev.UUID != "e2" || ev.IsPublished() {
		t.Errorf("unexpected wrapped event: %+v", ev)
	}
}

func TestDecode_InvalidTimestamp(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"uuid": "e1", "timestamp": "yesterday"}`))
	if err == nil {
		t.Error("Decode should reject a non-numeric timestamp")
	}
}

func TestMeta_StringOrList(t *testing.T) {
	doc := `{"uuid": "e1", "Galaxy": [{"type": "threat-actor", "GalaxyCluster": [
		{"uuid": "c1", "value": "APT1", "meta": {"synonyms": ["Comment Crew", "Byzantine Candor"], "cfr-type-of-incident": "Espionage"}}]}]}`

	ev, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	meta := ev.Galaxies[0].Clusters[0].Meta
	if len(meta["synonyms"]) != 2 {
		t.Errorf("expected 2 synonyms, got %v", meta["synonyms"])
	}
	if meta.First("cfr-type-of-incident") != "Espionage" {
		t.Errorf("expected scalar meta to decode as list, got %v", meta["cfr-type-of-incident"])
	}
	if meta.First("missing") != "" {
		t.Error("missing key should return empty string")
	}
}

func TestObject_TagsAndGalaxiesUnion(t *testing.T) {
	obj := Object{
		Name: "file",
		Attributes: []Attribute{
			{Type: "md5", Tags: []Tag{{Name: "tlp:green"}}, Galaxies: []Galaxy{
				{Type: "malware", Clusters: []Cluster{{UUID: "m1", Value: "Emotet"}}},
			}},
			{Type: "filename", ToIDS: true, Tags: []Tag{{Name: "tlp:green"}, {Name: "tlp:amber"}}, Galaxies: []Galaxy{
				{Type: "malware", Clusters: []Cluster{{UUID: "m2", Value: "TrickBot"}}},
			}},
		},
	}

	if !obj.DetectionFlag() {
		t.Error("object with one to_ids attribute should be flagged")
	}
	tags := TagNames(obj.Tags())
	if len(tags) != 2 || tags[0] != "tlp:green" || tags[1] != "tlp:amber" {
		t.Errorf("unexpected tag union: %v", tags)
	}
	galaxies := obj.Galaxies()
	if len(galaxies) != 1 || len(galaxies[0].Clusters) != 2 {
		t.Errorf("expected galaxies merged by type, got %+v", galaxies)
	}
	if len(obj.Attributes[0].Galaxies[0].Clusters) != 1 {
		t.Error("merging must not mutate member attribute galaxies")
	}
}
