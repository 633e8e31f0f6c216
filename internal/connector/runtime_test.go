package connector

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk/gateway/internal/manifest"
)

// loopbackRuntime builds a runtime that may call 127.0.0.1 test servers.
func loopbackRuntime(cfg Config) *Runtime {
	if len(cfg.AllowedDomains) == 0 {
		cfg.AllowedDomains = []string{"127.0.0.1"}
	}
	guard := NewGuard(WithAllowPrivate(true))
	return NewRuntime(guard, StaticSecrets{"stripe_api_key": "sk_test_123"}, cfg, nil)
}

func TestInvoke_WebhookSuccess(t *testing.T) {
	var gotBody map[string]interface{}
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"delivered"}`))
	}))
	defer server.Close()

	runtime := loopbackRuntime(Config{})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{Type: manifest.ConnectorWebhook, URL: server.URL},
		map[string]interface{}{"amount": 42.0})

	require.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "delivered", result.Data["status"])
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, 42.0, gotBody["amount"])
	assert.NotEmpty(t, result.ResultHash)
}

func TestInvoke_HTTPRequestTemplating(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	runtime := loopbackRuntime(Config{})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{
			Type:   manifest.ConnectorHTTPRequest,
			URL:    server.URL + "/refunds/{charge_id}",
			Method: "GET",
		},
		map[string]interface{}{"charge_id": "ch_99", "reason": "duplicate"})

	require.True(t, result.Success)
	assert.Equal(t, "/refunds/ch_99", gotPath)
	values, err := url.ParseQuery(gotQuery)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", values.Get("reason"), "remaining params travel as query on GET")
}

func TestInvoke_SecretHeaderInjection(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	runtime := loopbackRuntime(Config{})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{
			Type:       manifest.ConnectorHTTPRequest,
			URL:        server.URL,
			Method:     "POST",
			SecretRefs: map[string]string{"Authorization": "stripe_api_key"},
		}, nil)

	require.True(t, result.Success)
	assert.Equal(t, "sk_test_123", gotAuth)
}

// Allowlist ["example.com"] must reject evilexample.com without any outbound
// traffic.
func TestInvoke_DomainNotAllowed(t *testing.T) {
	var resolved atomic.Bool
	guard := NewGuard(WithLookup(func(context.Context, string) ([]net.IP, error) {
		resolved.Store(true)
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}))
	runtime := NewRuntime(guard, StaticSecrets{}, Config{AllowedDomains: []string{"example.com"}}, nil)

	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{Type: manifest.ConnectorHTTPRequest, URL: "http://evilexample.com/foo"}, nil)

	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, "DOMAIN_NOT_ALLOWED", result.Error.Code)
	assert.Zero(t, result.StatusCode)
	assert.False(t, resolved.Load(), "rejected before DNS resolution")
}

// A DNS answer that changes between resolution and dispatch must abort the
// call before any outbound HTTP.
func TestInvoke_DNSDrift(t *testing.T) {
	var calls atomic.Int32
	guard := NewGuard(WithLookup(func(context.Context, string) ([]net.IP, error) {
		if calls.Add(1) == 1 {
			return []net.IP{net.ParseIP("93.184.216.34")}, nil
		}
		return []net.IP{net.ParseIP("93.184.216.99")}, nil
	}))
	runtime := NewRuntime(guard, StaticSecrets{}, Config{AllowedDomains: []string{"example.com"}}, nil)

	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{Type: manifest.ConnectorWebhook, URL: "http://hooks.example.com/notify"},
		map[string]interface{}{"event": "refund"})

	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, "SSRF_DNS_DRIFT", result.Error.Code)
	assert.Zero(t, result.StatusCode)
	assert.Equal(t, int32(2), calls.Load(), "resolved exactly twice, never dialed")
}

func TestInvoke_NonJSONBodyWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("refund queued"))
	}))
	defer server.Close()

	runtime := loopbackRuntime(Config{})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{Type: manifest.ConnectorWebhook, URL: server.URL}, nil)

	require.True(t, result.Success)
	assert.Equal(t, "refund queued", result.Data["raw_response"])
}

func TestInvoke_HTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such charge"}`))
	}))
	defer server.Close()

	runtime := loopbackRuntime(Config{})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{Type: manifest.ConnectorWebhook, URL: server.URL}, nil)

	require.False(t, result.Success)
	assert.Equal(t, "HTTP_404", result.Error.Code)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.Equal(t, "no such charge", result.Data["error"], "error bodies are still surfaced")
}

func TestInvoke_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	runtime := loopbackRuntime(Config{MaxResponseBytes: 1024})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{Type: manifest.ConnectorWebhook, URL: server.URL}, nil)

	require.False(t, result.Success)
	assert.Equal(t, "RESPONSE_TOO_LARGE", result.Error.Code)
}

func TestInvoke_PerToolSizeCapOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 512))
	}))
	defer server.Close()

	runtime := loopbackRuntime(Config{MaxResponseBytes: 1024})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{
			Type:  manifest.ConnectorWebhook,
			URL:   server.URL,
			Extra: map[string]interface{}{"max_response_bytes": 100.0},
		}, nil)

	require.False(t, result.Success)
	assert.Equal(t, "RESPONSE_TOO_LARGE", result.Error.Code)
}

func TestInvoke_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	runtime := loopbackRuntime(Config{DefaultTimeout: 50 * time.Millisecond})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{Type: manifest.ConnectorWebhook, URL: server.URL}, nil)

	require.False(t, result.Success)
	assert.Equal(t, "TIMEOUT", result.Error.Code)
}

func TestInvoke_Mock(t *testing.T) {
	runtime := loopbackRuntime(Config{})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{
			Type:  manifest.ConnectorMock,
			Extra: map[string]interface{}{"data": map[string]interface{}{"refund_id": "re_1"}},
		}, nil)

	require.True(t, result.Success)
	assert.Equal(t, "re_1", result.Data["refund_id"])
	assert.NotEmpty(t, result.ResultHash)
}

func TestInvoke_InvalidConnectorType(t *testing.T) {
	runtime := loopbackRuntime(Config{})
	result := runtime.Invoke(context.Background(), "acme",
		&manifest.ToolConfig{Type: "carrier_pigeon"}, nil)

	require.False(t, result.Success)
	assert.Equal(t, "INVALID_CONNECTOR_TYPE", result.Error.Code)
}
