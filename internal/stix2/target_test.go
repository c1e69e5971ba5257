package stix2

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/stixforge/internal/convert"
	"github.com/lvonguyen/stixforge/internal/galaxy"
	"github.com/lvonguyen/stixforge/internal/mapping"
	"github.com/lvonguyen/stixforge/internal/marking"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/registry"
)

var eventTime = time.Date(2020, time.October, 25, 16, 22, 0, 0, time.UTC)

func testContext() convert.Context {
	return convert.Context{
		Event: &misp.Event{
			UUID:             "a6ef17d6-91cb-4a05-b10b-2f045daf877a",
			Info:             "Phishing campaign",
			Published:        true,
			PublishTimestamp: misp.Timestamp(eventTime.Add(time.Hour).Unix()),
		},
		CreatorID: "identity--55f6ea5e-2c60-40e5-964f-47a8950d210f",
		Timestamp: eventTime,
	}
}

func mustTarget(t *testing.T, v Version) *Target {
	t.Helper()
	target, err := NewTarget(v)
	require.NoError(t, err)
	return target
}

func ipItem(indicator bool) convert.Item {
	return convert.Item{
		Kind:      convert.ItemAttribute,
		UUID:      "91ae0a21-c7ae-4c7f-b84b-b84a7ce53494",
		Name:      "ip-dst",
		Category:  "Network activity",
		Value:     "198.51.100.7",
		Timestamp: eventTime,
		Indicator: indicator,
		Payload: mapping.Payload{Observables: []mapping.Observable{
			{Type: "ipv4-addr", Properties: []mapping.Property{{Name: "value", Value: "198.51.100.7"}}},
		}},
	}
}

func TestNewTarget_RejectsUnknownVersion(t *testing.T) {
	_, err := NewTarget("1.2")
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
}

func TestNewMarkingDefinition(t *testing.T) {
	_, err := NewMarkingDefinition(Version21, "marking-definition--x", "", "value", eventTime)
	assert.ErrorIs(t, err, marking.ErrInvalidMarking)

	_, err = NewMarkingDefinition(Version21, "marking-definition--x", "tlp", "purple", eventTime)
	assert.ErrorIs(t, err, marking.ErrInvalidMarking)

	m, err := NewMarkingDefinition(Version20, "marking-definition--x", "misp", "confidential", eventTime)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"misp": "confidential"}, m.Definition)
	assert.Empty(t, m.SpecVersion)
}

func TestTLPMarking(t *testing.T) {
	m := TLPMarking(Version21, marking.LevelAmber)
	assert.Equal(t, "marking-definition--f88d31f6-486f-44da-b317-01333bde0b82", m.ID)
	assert.Equal(t, "TLP:AMBER", m.Name)
	assert.Equal(t, "2.1", m.SpecVersion)

	m = TLPMarking(Version20, marking.LevelWhite)
	assert.Equal(t, "marking-definition--613f2e26-407d-48c7-9eca-b8e91df99dc9", m.ID)
	assert.Empty(t, m.Name)
}

func TestStatement_IsDeterministic(t *testing.T) {
	target := mustTarget(t, Version21)

	id1, _, err := target.Statement(testContext(), "misp:confidential", "misp", "confidential")
	require.NoError(t, err)
	id2, _, err := target.Statement(testContext(), "misp:confidential", "misp", "confidential")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	_, _, err = target.Statement(testContext(), "confidential", "", "confidential")
	assert.Error(t, err)
}

// TestStatement_ScopedToEvent verifies two events never share a statement id
// while carrying different created times.
func TestStatement_ScopedToEvent(t *testing.T) {
	target := mustTarget(t, Version21)

	first := testContext()
	second := testContext()
	second.Event = &misp.Event{UUID: "0b3a4f0e-5d8e-4c36-8f6e-3c5b9b1f2e77", Info: "Follow-up"}
	second.Timestamp = eventTime.Add(24 * time.Hour)

	id1, m1, err := target.Statement(first, "misp:confidential", "misp", "confidential")
	require.NoError(t, err)
	id2, m2, err := target.Statement(second, "misp:confidential", "misp", "confidential")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, m1.(*MarkingDefinition).Created, m2.(*MarkingDefinition).Created)
}

func TestItem_Indicator(t *testing.T) {
	target := mustTarget(t, Version21)
	item := ipItem(true)
	item.Markings = marking.Set{Refs: []string{tlpIDs[marking.LevelGreen]}}
	item.Links = []galaxy.Link{
		{Kind: registry.KindBehavior, TargetID: "malware--m1"},
		{Kind: registry.KindMitigation, TargetID: "course-of-action--c1"},
	}

	built, err := target.Item(testContext(), item)
	require.NoError(t, err)

	assert.Equal(t, "indicator--91ae0a21-c7ae-4c7f-b84b-b84a7ce53494", built.ID)
	require.Len(t, built.Entities, 3)

	ind := built.Entities[0].(*Indicator)
	assert.Equal(t, "[ipv4-addr:value = '198.51.100.7']", ind.Pattern)
	assert.Equal(t, "stix", ind.PatternType)
	assert.Equal(t, []string{`misp:type="ip-dst"`, `misp:category="Network activity"`, `misp:to_ids="true"`}, ind.Labels)
	assert.Equal(t, []KillChainPhase{{KillChainName: "misp-category", PhaseName: "Network activity"}}, ind.KillChainPhases)
	assert.Equal(t, item.Markings.Refs, ind.ObjectMarkingRefs)

	assert.Equal(t, "indicates", built.Entities[1].(*Relationship).RelationshipType)
	assert.Equal(t, "related-to", built.Entities[2].(*Relationship).RelationshipType)
}

func TestItem_ObservedData20EmbedsObjects(t *testing.T) {
	target := mustTarget(t, Version20)

	built, err := target.Item(testContext(), ipItem(false))
	require.NoError(t, err)
	require.Len(t, built.Entities, 1)

	od := built.Entities[0].(*ObservedData)
	assert.Equal(t, "observed-data--91ae0a21-c7ae-4c7f-b84b-b84a7ce53494", od.ID)
	assert.Equal(t, map[string]any{"type": "ipv4-addr", "value": "198.51.100.7"}, od.Objects["0"])
	assert.Empty(t, od.ObjectRefs)
}

func TestItem_ObservedData21ReferencesObservables(t *testing.T) {
	target := mustTarget(t, Version21)
	item := ipItem(false)
	item.Payload = mapping.Payload{Observables: []mapping.Observable{
		{
			Type:       "network-traffic",
			Properties: []mapping.Property{{Name: "dst_port", Value: "8080", Number: true}},
			Refs:       []mapping.Ref{{Name: "dst_ref", Index: 1}},
		},
		{Type: "ipv4-addr", Properties: []mapping.Property{{Name: "value", Value: "198.51.100.7"}}},
	}}

	built, err := target.Item(testContext(), item)
	require.NoError(t, err)
	require.Len(t, built.Entities, 3)

	od := built.Entities[0].(*ObservedData)
	traffic := built.Entities[1].(*Observable)
	address := built.Entities[2].(*Observable)
	assert.Equal(t, []string{traffic.ID, address.ID}, od.ObjectRefs)
	assert.Equal(t, address.ID, traffic.Properties["dst_ref"])
	assert.Equal(t, int64(8080), traffic.Properties["dst_port"])

	again, err := target.Item(testContext(), item)
	require.NoError(t, err)
	assert.Equal(t, traffic.ID, again.Entities[1].(*Observable).ID, "observable ids are stable")
}

func TestItem_CustomObjectFlattensProperties(t *testing.T) {
	target := mustTarget(t, Version21)
	a := misp.Attribute{UUID: "5e3d1f1a-2d2c-4b55-9b1c-0242ac110002", Type: "pattern-in-memory", Category: "Payload installation", Value: "deadbeef"}

	built, err := target.Item(testContext(), convert.Item{
		Kind:      convert.ItemAttribute,
		UUID:      a.UUID,
		Name:      a.Type,
		Category:  a.Category,
		Timestamp: eventTime,
		Payload:   mapping.CustomAttribute(a),
	})
	require.NoError(t, err)

	raw, err := json.Marshal(built.Entities[0])
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "x-misp-attribute", decoded["type"])
	assert.Equal(t, "x-misp-attribute--"+a.UUID, decoded["id"])
	assert.Equal(t, "deadbeef", decoded["x_misp_value"])
	assert.Equal(t, "pattern-in-memory", decoded["x_misp_type"])
	assert.Equal(t, "2020-10-25T16:22:00.000Z", decoded["created"])
}

func TestDescriptor(t *testing.T) {
	target := mustTarget(t, Version21)

	id, entity, err := target.Descriptor(testContext(), galaxy.Descriptor{
		Handler:     galaxy.HandlerAttackPattern,
		GalaxyName:  "Attack Pattern",
		GalaxyType:  "mitre-attack-pattern",
		ClusterUUID: "dfd7cc1d-e1d8-4394-a198-97c4cab8aa67",
		Name:        "Spearphishing Attachment - T1193",
		CAPECID:     "CAPEC-163",
	})
	require.NoError(t, err)
	assert.Equal(t, "attack-pattern--dfd7cc1d-e1d8-4394-a198-97c4cab8aa67", id)

	ap := entity.(*AttackPattern)
	assert.Equal(t, []ExternalReference{{SourceName: "capec", ExternalID: "CAPEC-163"}}, ap.ExternalReferences)
	assert.Equal(t, testContext().CreatorID, ap.CreatedByRef)

	_, _, err = target.Descriptor(testContext(), galaxy.Descriptor{Handler: galaxy.HandlerTool, ClusterUUID: "t1"})
	assert.Error(t, err, "clusters without a value are rejected")
}

func TestAssemble(t *testing.T) {
	target := mustTarget(t, Version21)
	ctx := testContext()

	_, identity, err := target.Identity(ctx, misp.Org{UUID: "55f6ea5e-2c60-40e5-964f-47a8950d210f", Name: "CIRCL"})
	require.NoError(t, err)
	built, err := target.Item(ctx, ipItem(true))
	require.NoError(t, err)

	pkg := convert.Package{
		Identity:    identity,
		Definitions: []any{TLPMarking(Version21, marking.LevelGreen)},
		Items:       []convert.Built{built},
		Markings:    marking.Set{Refs: []string{tlpIDs[marking.LevelGreen]}},
		Links:       []galaxy.Link{{Kind: registry.KindActor, TargetID: "threat-actor--ta1"}},
	}

	out, err := target.Assemble(ctx, pkg)
	require.NoError(t, err)

	objects := out.([]Object)
	require.Len(t, objects, 4)
	assert.Equal(t, "identity--55f6ea5e-2c60-40e5-964f-47a8950d210f", objects[0].GetID())

	report := objects[3].(*Report)
	assert.Equal(t, "report--a6ef17d6-91cb-4a05-b10b-2f045daf877a", report.ID)
	assert.Equal(t, []string{
		tlpIDs[marking.LevelGreen],
		built.ID,
		"threat-actor--ta1",
	}, report.ObjectRefs)
	assert.Equal(t, reportLabels, report.Labels)
	require.NotNil(t, report.Published)

	pkg.Container = true
	out, err = target.Assemble(ctx, pkg)
	require.NoError(t, err)
	bundle := out.(*Bundle)
	assert.Equal(t, "bundle--a6ef17d6-91cb-4a05-b10b-2f045daf877a", bundle.ID)
	assert.Empty(t, bundle.SpecVersion)
	assert.Len(t, bundle.Objects, 4)
}

func TestAssemble_UnpublishedReportHasNoPublished(t *testing.T) {
	target := mustTarget(t, Version20)
	ctx := testContext()
	ctx.Event.Published = false

	out, err := target.Assemble(ctx, convert.Package{Container: true})
	require.NoError(t, err)

	bundle := out.(*Bundle)
	assert.Equal(t, "2.0", bundle.SpecVersion)
	report := bundle.Objects[0].(*Report)
	assert.Nil(t, report.Published)
	assert.Empty(t, report.ObjectRefs)
}

func ipPortItem(indicator bool) convert.Item {
	item := ipItem(indicator)
	item.Name = "ip-dst|port"
	item.Value = "198.51.100.7|8080"
	item.Payload = mapping.Payload{Observables: []mapping.Observable{
		{
			Type:       "network-traffic",
			Properties: []mapping.Property{{Name: "dst_port", Value: "8080", Number: true}},
			Refs:       []mapping.Ref{{Name: "dst_ref", Index: 1}},
		},
		{Type: "ipv4-addr", Properties: []mapping.Property{{Name: "value", Value: "198.51.100.7"}}},
	}}
	return item
}

func TestItem_NetworkTrafficProtocols(t *testing.T) {
	built, err := mustTarget(t, Version21).Item(testContext(), ipPortItem(false))
	require.NoError(t, err)
	traffic := built.Entities[1].(*Observable)
	assert.Equal(t, []string{"ipv4", "tcp"}, traffic.Properties["protocols"])

	built, err = mustTarget(t, Version20).Item(testContext(), ipPortItem(false))
	require.NoError(t, err)
	od := built.Entities[0].(*ObservedData)
	assert.Equal(t, []string{"ipv4", "tcp"}, od.Objects["0"]["protocols"])
	assert.Equal(t, "1", od.Objects["0"]["dst_ref"])

	item := ipPortItem(false)
	item.Payload.Observables[0].Properties = append(item.Payload.Observables[0].Properties,
		mapping.Property{Name: "protocols", Value: "UDP"})
	built, err = mustTarget(t, Version21).Item(testContext(), item)
	require.NoError(t, err)
	assert.Equal(t, []string{"udp"}, built.Entities[1].(*Observable).Properties["protocols"])
}

func TestItem_RequiredObservableProperties(t *testing.T) {
	item := ipItem(false)
	item.Payload = mapping.Payload{Observables: []mapping.Observable{
		{Type: "ipv4-addr", Properties: []mapping.Property{{Name: "resolves_to", Value: "x"}}},
	}}

	for _, v := range []Version{Version20, Version21} {
		_, err := mustTarget(t, v).Item(testContext(), item)
		require.Error(t, err, v)
		assert.Contains(t, err.Error(), "ipv4-addr observable has no value")
	}
}

// TestItem_ObservableIDsAreContentBased checks 2.1 observable ids hash the id
// contributing properties, and that assembly emits a shared observable once.
func TestItem_ObservableIDsAreContentBased(t *testing.T) {
	target := mustTarget(t, Version21)
	ctx := testContext()

	first, err := target.Item(ctx, ipItem(false))
	require.NoError(t, err)
	other := ipItem(false)
	other.UUID = "e0b1a2c3-d4e5-4f60-8a71-b2c3d4e5f607"
	second, err := target.Item(ctx, other)
	require.NoError(t, err)

	address := first.Entities[1].(*Observable)
	assert.Equal(t, "ipv4-addr--12592121-be4c-5a93-a813-5a5af16e50db", address.ID)
	assert.Equal(t, address.ID, second.Entities[1].(*Observable).ID)

	file := mapping.Observable{Type: "file", Properties: []mapping.Property{
		{Name: "hashes.SHA-256", Value: "aa11"},
		{Name: "hashes.MD5", Value: "bb22"},
	}}
	withSize := file
	withSize.Properties = append(append([]mapping.Property(nil), file.Properties...), mapping.Property{Name: "size", Value: "12", Number: true})
	a, err := topLevelObservables("u1", mapping.Payload{Observables: []mapping.Observable{file}})
	require.NoError(t, err)
	b, err := topLevelObservables("u2", mapping.Payload{Observables: []mapping.Observable{withSize}})
	require.NoError(t, err)
	assert.Equal(t, a[0].ID, b[0].ID, "only the preferred hash contributes")

	out, err := target.Assemble(ctx, convert.Package{Items: []convert.Built{first, second}})
	require.NoError(t, err)
	objects := out.([]Object)
	count := 0
	for _, o := range objects {
		if o.GetID() == address.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)
	report := objects[len(objects)-1].(*Report)
	assert.Len(t, report.ObjectRefs, 3)
}

func TestItem_Vulnerability(t *testing.T) {
	target := mustTarget(t, Version21)
	item := convert.Item{
		Kind:      convert.ItemAttribute,
		UUID:      "0c2d5f3e-8a5b-4f1c-9d2e-7b6a5c4d3e2f",
		Name:      "vulnerability",
		Category:  "External analysis",
		Value:     "CVE-2021-44228",
		Comment:   "Log4Shell",
		Timestamp: eventTime,
		Indicator: true,
		Payload:   mapping.Payload{Role: mapping.RoleVulnerability, Custom: true},
		Links:     []galaxy.Link{{Kind: registry.KindBehavior, TargetID: "malware--m1"}},
	}

	built, err := target.Item(testContext(), item)
	require.NoError(t, err)
	v := built.Entities[0].(*Vulnerability)
	assert.Equal(t, "vulnerability--0c2d5f3e-8a5b-4f1c-9d2e-7b6a5c4d3e2f", v.ID)
	assert.Equal(t, "CVE-2021-44228", v.Name)
	assert.Equal(t, "Log4Shell", v.Description)
	assert.Equal(t, []ExternalReference{{SourceName: "cve", ExternalID: "CVE-2021-44228"}}, v.ExternalReferences)
	assert.Equal(t, "related-to", built.Entities[1].(*Relationship).RelationshipType)
}

func TestItem_RuleIndicator(t *testing.T) {
	a := misp.Attribute{UUID: "5e3d1f1a-2d2c-4b55-9b1c-0242ac110003", Type: "yara", Category: "Payload installation", Value: "rule x { condition: true }", ToIDS: true}
	payload := mapping.CustomAttribute(a)
	payload.Role = mapping.RoleRule
	item := convert.Item{
		Kind:      convert.ItemAttribute,
		UUID:      a.UUID,
		Name:      a.Type,
		Category:  a.Category,
		Value:     a.Value,
		Timestamp: eventTime,
		Indicator: true,
		Payload:   payload,
		Links:     []galaxy.Link{{Kind: registry.KindBehavior, TargetID: "malware--m1"}},
	}

	built, err := mustTarget(t, Version21).Item(testContext(), item)
	require.NoError(t, err)
	ind := built.Entities[0].(*Indicator)
	assert.Equal(t, "yara", ind.PatternType)
	assert.Equal(t, a.Value, ind.Pattern)
	assert.Empty(t, ind.PatternVersion)
	assert.Equal(t, "indicates", built.Entities[1].(*Relationship).RelationshipType)

	built, err = mustTarget(t, Version20).Item(testContext(), item)
	require.NoError(t, err)
	custom := built.Entities[0].(*CustomObject)
	assert.Equal(t, "x-misp-attribute--"+a.UUID, custom.ID)
	assert.Equal(t, a.Value, custom.Properties["x_misp_value"])
	assert.Equal(t, "related-to", built.Entities[1].(*Relationship).RelationshipType)
}

func TestItem_RegistryValuesNest(t *testing.T) {
	item := ipItem(false)
	item.Payload = mapping.Payload{Observables: []mapping.Observable{
		{Type: "windows-registry-key", Properties: []mapping.Property{
			{Name: "key", Value: "HKLM\\Run"},
			{Name: "values[*].data", Value: "evil.exe"},
			{Name: "values[*].name", Value: "updater"},
		}},
	}}

	built, err := mustTarget(t, Version21).Item(testContext(), item)
	require.NoError(t, err)
	key := built.Entities[1].(*Observable)
	assert.Equal(t, []any{map[string]any{"data": "evil.exe", "name": "updater"}}, key.Properties["values"])
}
