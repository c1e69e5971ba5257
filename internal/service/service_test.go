package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lvonguyen/stixforge/internal/config"
	"github.com/lvonguyen/stixforge/internal/convert"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/observability"
	"github.com/lvonguyen/stixforge/internal/stix1"
	"github.com/lvonguyen/stixforge/internal/stix2"
	"github.com/lvonguyen/stixforge/internal/store"
)

const identityID = "identity--55f6ea5e-2c60-40e5-964f-47a8950d210f"

func testEvent(uuid string) *misp.Event {
	return &misp.Event{
		ID:        "12",
		UUID:      uuid,
		Info:      "Phishing wave",
		Date:      "2020-10-25",
		Timestamp: 1603642920,
		Orgc:      misp.Org{UUID: "55f6ea5e-2c60-40e5-964f-47a8950d210f", Name: "CIRCL"},
		Attributes: []misp.Attribute{
			{UUID: "91ae0a21-c7ae-4c7f-b84b-b84a7ce53494", Type: "url", Category: "Network activity", Value: "https://evil.example/login", ToIDS: true},
			{UUID: "e0b1a2c3-d4e5-4f60-8a71-b2c3d4e5f607", Type: "ip-dst", Category: "Network activity", Value: "not-an-ip"},
		},
	}
}

func newService(t *testing.T, cfg config.ConverterConfig, st store.Store, opts ...Option) *Service {
	t.Helper()
	target, err := NewTarget(cfg)
	require.NoError(t, err)
	return New(target, st, cfg.Bundle, opts...)
}

type failingStore struct{ store.MemoryStore }

func (*failingStore) Seen(context.Context, string) ([]string, error) {
	return nil, errors.New("connection refused")
}

func TestNewTarget(t *testing.T) {
	target, err := NewTarget(config.ConverterConfig{Format: config.FormatSTIX2, Version: "2.0"})
	require.NoError(t, err)
	assert.Equal(t, "stix2.0", target.Name())

	target, err = NewTarget(config.ConverterConfig{Format: config.FormatSTIX1, Version: "1.1.1", Namespace: "https://x", OrgName: "MISP"})
	require.NoError(t, err)
	assert.Equal(t, "stix1.1.1", target.Name())

	_, err = NewTarget(config.ConverterConfig{Format: "stix3", Version: "3.0"})
	assert.ErrorIs(t, err, config.ErrUnsupportedFormat)

	_, err = NewTarget(config.ConverterConfig{Format: config.FormatSTIX2, Version: "1.2"})
	assert.ErrorIs(t, err, stix2.ErrUnsupportedVersion)
}

// TestConvert_IdentitiesSurviveRestart verifies a fresh engine sharing the
// store does not re-emit identities already delivered to a collection.
func TestConvert_IdentitiesSurviveRestart(t *testing.T) {
	cfg := config.DefaultConfig().Converter
	st := store.NewMemoryStore()
	ctx := context.Background()

	first, err := newService(t, cfg, st).Convert(ctx, testEvent("a6ef17d6-91cb-4a05-b10b-2f045daf877a"), Request{Collection: "feed"})
	require.NoError(t, err)
	assert.Equal(t, []string{identityID}, first.NewIdentities)

	seen, err := st.Seen(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, []string{identityID}, seen)

	restarted := newService(t, cfg, st)
	second, err := restarted.Convert(ctx, testEvent("0b3a4f0e-5d8e-4c36-8f6e-3c5b9b1f2e77"), Request{Collection: "feed"})
	require.NoError(t, err)
	assert.Empty(t, second.NewIdentities)

	other, err := restarted.Convert(ctx, testEvent("0b3a4f0e-5d8e-4c36-8f6e-3c5b9b1f2e77"), Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{identityID}, other.NewIdentities, "default collection has not seen it")
}

func TestConvert_ContainerOverride(t *testing.T) {
	cfg := config.DefaultConfig().Converter
	svc := newService(t, cfg, nil)

	flat := false
	res, err := svc.Convert(context.Background(), testEvent("a6ef17d6-91cb-4a05-b10b-2f045daf877a"), Request{Container: &flat})
	require.NoError(t, err)
	assert.IsType(t, []stix2.Object{}, res.Output)

	res, err = svc.Convert(context.Background(), testEvent("0b3a4f0e-5d8e-4c36-8f6e-3c5b9b1f2e77"), Request{})
	require.NoError(t, err)
	assert.IsType(t, &stix2.Bundle{}, res.Output)
}

func TestConvert_StoreFailure(t *testing.T) {
	svc := newService(t, config.DefaultConfig().Converter, &failingStore{})

	_, err := svc.Convert(context.Background(), testEvent("a6ef17d6-91cb-4a05-b10b-2f045daf877a"), Request{})
	assert.Error(t, err)
}

func TestConvert_MetricsAndSpans(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	svc := newService(t, config.DefaultConfig().Converter, nil,
		WithMetrics(metrics),
		WithTracer(tp.Tracer("test")),
	)

	_, err := svc.Convert(context.Background(), testEvent("a6ef17d6-91cb-4a05-b10b-2f045daf877a"), Request{})
	require.NoError(t, err)
	_, err = svc.Convert(context.Background(), &misp.Event{UUID: "x"}, Request{})
	require.ErrorIs(t, err, convert.ErrMissingInfo)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EventsConverted.WithLabelValues("stix2.1", "partial")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EventsConverted.WithLabelValues("stix2.1", "rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ItemErrors.WithLabelValues("stix2.1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.IdentitiesEmitted.WithLabelValues("stix2.1")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("seen", "ok")))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "service.Convert", spans[0].Name())
}

func TestEncode(t *testing.T) {
	svc := newService(t, config.DefaultConfig().Converter, nil)
	res, err := svc.Convert(context.Background(), testEvent("a6ef17d6-91cb-4a05-b10b-2f045daf877a"), Request{})
	require.NoError(t, err)

	contentType, data, err := Encode(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	var bundle map[string]any
	require.NoError(t, json.Unmarshal(data, &bundle))
	assert.Equal(t, "bundle", bundle["type"])

	cfg := config.ConverterConfig{Format: config.FormatSTIX1, Version: string(stix1.Version12), Namespace: "https://www.misp-project.org", OrgName: "MISP"}
	res, err = newService(t, cfg, nil).Convert(context.Background(), testEvent("a6ef17d6-91cb-4a05-b10b-2f045daf877a"), Request{})
	require.NoError(t, err)

	contentType, data, err = Encode(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "application/xml", contentType)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))
	assert.Contains(t, string(data), `<stix:STIX_Package`)
}

// TestConvert_CollectionsAreIndependent verifies a second consumer receives
// the identity and descriptors already delivered to the first one.
func TestConvert_CollectionsAreIndependent(t *testing.T) {
	svc := newService(t, config.DefaultConfig().Converter, store.NewMemoryStore())
	ctx := context.Background()

	ev := testEvent("a6ef17d6-91cb-4a05-b10b-2f045daf877a")
	ev.Galaxies = []misp.Galaxy{{
		Name: "Malpedia",
		Type: "malpedia",
		Clusters: []misp.Cluster{{
			UUID:  "32f6f8aa-3d8b-4a2c-9b2a-6f8f1d6a0a11",
			Value: "Emotet",
		}},
	}}

	for _, collection := range []string{"consumer-a", "consumer-b"} {
		res, err := svc.Convert(ctx, ev, Request{Collection: collection})
		require.NoError(t, err)
		assert.Equal(t, []string{identityID}, res.NewIdentities, collection)

		bundle, ok := res.Output.(*stix2.Bundle)
		require.True(t, ok)
		var got []string
		for _, o := range bundle.Objects {
			got = append(got, o.GetID())
		}
		assert.Contains(t, got, identityID, collection)
		assert.Contains(t, got, "malware--32f6f8aa-3d8b-4a2c-9b2a-6f8f1d6a0a11", collection)
	}

	again, err := svc.Convert(ctx, ev, Request{Collection: "consumer-a"})
	require.NoError(t, err)
	assert.Empty(t, again.NewIdentities)
}
