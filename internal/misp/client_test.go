package misp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

// =============================================================================
// Client Creation Tests
// =============================================================================

// TestNewClient_MissingAPIKey verifies that creating a client without an API
// key in the environment returns an error.
func TestNewClient_MissingAPIKey(t *testing.T) {
	os.Unsetenv("TEST_MISP_KEY")

	config := DefaultClientConfig()
	config.APIKeyEnv = "TEST_MISP_KEY"
	config.BaseURL = "https://misp.example.org"

	_, err := NewClient(config)
	if err == nil {
		t.Fatal("NewClient should fail when API key env var is empty")
	}
	if !strings.Contains(err.Error(), "MISP API key not found") {
		t.Errorf("error should mention missing API key, got: %v", err)
	}
}

// TestNewClient_MissingBaseURL verifies the base URL is required.
func TestNewClient_MissingBaseURL(t *testing.T) {
	t.Setenv("TEST_MISP_KEY", "secret")

	config := DefaultClientConfig()
	config.APIKeyEnv = "TEST_MISP_KEY"

	if _, err := NewClient(config); err == nil {
		t.Error("NewClient should fail without a base URL")
	}
}

// =============================================================================
// FetchEvent Tests
// =============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Setenv("TEST_MISP_KEY", "secret")

	config := DefaultClientConfig()
	config.APIKeyEnv = "TEST_MISP_KEY"
	config.BaseURL = server.URL + "/"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

// TestFetchEvent_Success verifies the request shape and envelope decoding.
func TestFetchEvent_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/view/42" {
			t.Errorf("expected path /events/view/42, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "secret" {
			t.Errorf("expected Authorization header, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"Event": {"uuid": "5f9c2a4e-6a1c-4c4b-9f4e-0a0a0a0a0a0a", "info": "Phishing wave",
			"timestamp": "1603642920", "Attribute": [{"uuid": "a1", "type": "domain", "value": "evil.example", "to_ids": true}]}}`))
	})

	ev, err := client.FetchEvent(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchEvent should succeed: %v", err)
	}
	if ev.Info != "Phishing wave" {
		t.Errorf("expected info 'Phishing wave', got %q", ev.Info)
	}
	if ev.Timestamp != 1603642920 {
		t.Errorf("expected timestamp 1603642920, got %d", ev.Timestamp)
	}
	if len(ev.Attributes) != 1 || !ev.Attributes[0].ToIDS {
		t.Errorf("expected one to_ids attribute, got %+v", ev.Attributes)
	}
}

// TestFetchEvent_NotFound verifies 404 maps to ErrEventNotFound.
func TestFetchEvent_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.FetchEvent(context.Background(), "404")
	if !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}

// TestFetchEvent_ServerError verifies non-200 responses surface the status.
func TestFetchEvent_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	_, err := client.FetchEvent(context.Background(), "1")
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status code, got: %v", err)
	}
}

// TestHealthCheck verifies the version endpoint is queried.
func TestHealthCheck(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/servers/getVersion" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"version": "2.4.180"}`))
	})

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck should succeed: %v", err)
	}
}
