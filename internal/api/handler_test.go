package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/stixforge/internal/config"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/observability"
	"github.com/lvonguyen/stixforge/internal/service"
)

const eventJSON = `{"Event": {
	"id": "1207",
	"uuid": "a6ef17d6-91cb-4a05-b10b-2f045daf877a",
	"info": "Phishing wave",
	"date": "2020-10-25",
	"timestamp": "1603642920",
	"published": false,
	"Orgc": {"uuid": "55f6ea5e-2c60-40e5-964f-47a8950d210f", "name": "CIRCL"},
	"Tag": [{"name": "tlp:amber"}],
	"Attribute": [
		{"uuid": "91ae0a21-c7ae-4c7f-b84b-b84a7ce53494", "type": "url", "category": "Network activity",
		 "value": "https://evil.example/login", "to_ids": true, "timestamp": "1603642900"}
	]
}}`

type stubFetcher struct {
	events map[string]string
	err    error
}

func (f stubFetcher) FetchEvent(_ context.Context, id string) (*misp.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", misp.ErrEventNotFound, id)
	}
	return misp.Decode(strings.NewReader(raw))
}

func newTestRouter(t *testing.T, cfg config.ConverterConfig, opts Options) http.Handler {
	t.Helper()
	target, err := service.NewTarget(cfg)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	svc := service.New(target, nil, cfg.Bundle)
	opts.Version = "test"
	return NewRouter(svc, opts)
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) ConvertResponse {
	t.Helper()
	var resp ConvertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return resp
}

// =============================================================================
// Conversion endpoints
// =============================================================================

// TestHandleConvert_STIX2 verifies a posted event comes back as a bundle
// inside the response envelope.
func TestHandleConvert_STIX2(t *testing.T) {
	router := newTestRouter(t, config.DefaultConfig().Converter, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert?collection=feed", strings.NewReader(eventJSON))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Target != "stix2.1" {
		t.Errorf("unexpected target %q", resp.Target)
	}
	if len(resp.NewIdentities) != 1 {
		t.Errorf("expected one new identity, got %v", resp.NewIdentities)
	}

	var bundle struct {
		Type    string            `json:"type"`
		ID      string            `json:"id"`
		Objects []json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(resp.Output, &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if bundle.Type != "bundle" || bundle.ID != "bundle--a6ef17d6-91cb-4a05-b10b-2f045daf877a" {
		t.Errorf("unexpected bundle header %s %s", bundle.Type, bundle.ID)
	}
	// identity, tlp:amber, indicator, report
	if len(bundle.Objects) != 4 {
		t.Errorf("expected 4 objects, got %d", len(bundle.Objects))
	}

	// The same collection already holds the identity.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/convert?collection=feed&bundle=false", strings.NewReader(eventJSON)))
	if resp := decodeResponse(t, rec); len(resp.NewIdentities) != 0 {
		t.Errorf("identity re-emitted: %v", resp.NewIdentities)
	}
}

// TestHandleConvert_STIX1Raw verifies the raw mode returns the XML document.
func TestHandleConvert_STIX1Raw(t *testing.T) {
	cfg := config.ConverterConfig{Format: config.FormatSTIX1, Version: "1.1.1", Namespace: "https://www.misp-project.org", OrgName: "MISP"}
	router := newTestRouter(t, cfg, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/convert?raw=true", strings.NewReader(eventJSON)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("unexpected content type %q", ct)
	}
	if rec.Header().Get("X-Stixforge-Errors") != "0" {
		t.Errorf("unexpected error count %q", rec.Header().Get("X-Stixforge-Errors"))
	}
	if !strings.Contains(rec.Body.String(), "<stix:Incident ") {
		t.Errorf("missing incident in body:\n%s", rec.Body.String())
	}

	// Envelope mode carries the XML as a JSON string.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/convert", strings.NewReader(eventJSON)))
	var xmlDoc string
	if err := json.Unmarshal(decodeResponse(t, rec).Output, &xmlDoc); err != nil {
		t.Fatalf("output is not a string: %v", err)
	}
	if !strings.HasPrefix(xmlDoc, "<?xml") {
		t.Errorf("unexpected output %q", xmlDoc[:20])
	}
}

// TestHandleConvert_BadRequests verifies client errors map to 4xx codes.
func TestHandleConvert_BadRequests(t *testing.T) {
	router := newTestRouter(t, config.DefaultConfig().Converter, Options{MaxBodyBytes: 1 << 20})

	tests := []struct {
		name string
		url  string
		body string
		want int
	}{
		{"not json", "/api/v1/convert", "{", http.StatusBadRequest},
		{"bad bundle flag", "/api/v1/convert?bundle=maybe", eventJSON, http.StatusBadRequest},
		{"missing info", "/api/v1/convert", `{"uuid": "u1"}`, http.StatusUnprocessableEntity},
		{"missing uuid", "/api/v1/convert", `{"info": "x"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.url, strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

// TestHandleFetchAndConvert verifies events fetched from MISP are converted
// and fetch failures are mapped.
func TestHandleFetchAndConvert(t *testing.T) {
	cfg := config.DefaultConfig().Converter

	router := newTestRouter(t, cfg, Options{Events: stubFetcher{events: map[string]string{"1207": eventJSON}}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/1207/convert", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/9999/convert", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	broken := newTestRouter(t, cfg, Options{Events: stubFetcher{err: errors.New("dial tcp: connection refused")}})
	rec = httptest.NewRecorder()
	broken.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/1207/convert", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}

	noMISP := newTestRouter(t, cfg, Options{})
	rec = httptest.NewRecorder()
	noMISP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/1207/convert", nil))
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("route should be absent without MISP, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	router := newTestRouter(t, config.DefaultConfig().Converter, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["target"] != "stix2.1" {
		t.Errorf("unexpected health body %v", body)
	}
}

// =============================================================================
// Rate limiting and metrics
// =============================================================================

// TestRateLimiter_RejectsOverLimit verifies the third request in a minute is
// rejected when the limit is two.
func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	limiter := NewRateLimiter(client, config.RateLimitConfig{RequestsPerMinute: 2, IncludeHeaders: true}, "test", metrics, nil)
	router := newTestRouter(t, config.DefaultConfig().Converter, Options{Limiter: limiter, Metrics: metrics})

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/convert", strings.NewReader(eventJSON))
		req.RemoteAddr = "192.0.2.10:4711"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)

		if i == 2 {
			if rec.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
			if rec.Header().Get("X-RateLimit-Remaining") != "0" {
				t.Errorf("unexpected remaining %q", rec.Header().Get("X-RateLimit-Remaining"))
			}
		}
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, codes)
		}
	}

	if got := testutil.ToFloat64(metrics.RateLimited); got != 1 {
		t.Errorf("expected 1 rate limited request, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("POST", "/api/v1/convert", "429")); got != 1 {
		t.Errorf("expected one 429 recorded, got %v", got)
	}

	// Other clients have their own budget.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert", strings.NewReader(eventJSON))
	req.RemoteAddr = "192.0.2.11:4711"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for another client, got %d", rec.Code)
	}
}

// TestRateLimiter_EndpointCost verifies weighted endpoints consume more of the
// budget.
func TestRateLimiter_EndpointCost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRateLimiter(client, config.RateLimitConfig{
		RequestsPerMinute: 3,
		EndpointCost:      map[string]int{"GET:/api/v1/events/{id}/convert": 2},
	}, "test", nil, nil)

	first, err := limiter.Check(context.Background(), "c1", http.MethodGet, "/api/v1/events/{id}/convert")
	if err != nil || !first.Allowed || first.Remaining != 1 {
		t.Fatalf("unexpected first result %+v, %v", first, err)
	}
	second, _ := limiter.Check(context.Background(), "c1", http.MethodGet, "/api/v1/events/{id}/convert")
	if second.Allowed {
		t.Errorf("second weighted request should exceed the limit")
	}
}

// TestRateLimiter_FailsOpen verifies requests pass when Redis is down.
func TestRateLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	limiter := NewRateLimiter(client, config.RateLimitConfig{RequestsPerMinute: 1}, "test", nil, nil)
	result, err := limiter.Check(context.Background(), "c1", http.MethodPost, "/api/v1/convert")
	if err != nil || !result.Allowed {
		t.Errorf("expected fail-open, got %+v, %v", result, err)
	}
}
