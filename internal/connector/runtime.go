// Package connector executes manifest-registered tools over hardened
// outbound HTTP. Every invocation passes the SSRF guard, runs with redirects
// and environment proxies disabled, and returns a uniform result envelope
// with a stable error code on failure.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/uapk/gateway/internal/canonicaljson"
	"github.com/uapk/gateway/internal/core"
	"github.com/uapk/gateway/internal/manifest"
)

// Connector error codes. Stable and machine-readable; connector failures are
// delivered in the result envelope, never as transport errors.
const (
	CodeDomainNotAllowed     = "DOMAIN_NOT_ALLOWED"
	CodeSSRFBlocked          = "SSRF_BLOCKED"
	CodeSSRFDNSDrift         = "SSRF_DNS_DRIFT"
	CodeTimeout              = "TIMEOUT"
	CodeRequestError         = "REQUEST_ERROR"
	CodeResponseTooLarge     = "RESPONSE_TOO_LARGE"
	CodeUnknownError         = "UNKNOWN_ERROR"
	CodeToolNotConfigured    = "TOOL_NOT_CONFIGURED"
	CodeInvalidConnectorType = "INVALID_CONNECTOR_TYPE"
)

// HTTPStatusCode maps a non-2xx response to its error code.
func HTTPStatusCode(status int) string { return fmt.Sprintf("HTTP_%d", status) }

// DefaultMaxResponseBytes caps connector response bodies unless overridden.
const DefaultMaxResponseBytes = 1_000_000

// SecretResolver supplies values for a connector's secret_refs. Secrets are
// injected into outbound headers and never appear in manifests or audit rows.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, tenant, name string) (string, error)
}

// StaticSecrets is a fixed-map SecretResolver for dev and tests.
type StaticSecrets map[string]string

func (s StaticSecrets) ResolveSecret(_ context.Context, _ string, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("connector: unknown secret %q", name)
	}
	return v, nil
}

// EnvSecrets resolves secret_refs from the process environment: the ref
// "stripe_api_key" reads UAPK_SECRET_STRIPE_API_KEY.
type EnvSecrets struct{}

func (EnvSecrets) ResolveSecret(_ context.Context, _ string, name string) (string, error) {
	v := os.Getenv("UAPK_SECRET_" + strings.ToUpper(name))
	if v == "" {
		return "", fmt.Errorf("connector: unknown secret %q", name)
	}
	return v, nil
}

// Config carries the runtime-wide connector defaults.
type Config struct {
	// DefaultTimeout bounds each invocation when the tool config does not
	// set timeout_seconds.
	DefaultTimeout time.Duration
	// MaxResponseBytes is the global response size cap.
	MaxResponseBytes int64
	// AllowedDomains is the fallback domain allowlist applied when a tool
	// config does not carry extra.allowed_domains.
	AllowedDomains []string
}

// Runtime dispatches tool invocations to the configured connector type.
type Runtime struct {
	guard   *Guard
	secrets SecretResolver
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
}

// NewRuntime builds a runtime with a hardened shared HTTP client: no
// automatic redirects, no environment-derived proxy.
func NewRuntime(guard *Guard, secrets SecretResolver, cfg Config, logger *slog.Logger) *Runtime {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		guard:   guard,
		secrets: secrets,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				Proxy: nil,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Invoke runs one tool call and always returns a result envelope; transport
// and policy failures are reported in result.Error, never as a Go error.
func (r *Runtime) Invoke(ctx context.Context, tenant string, tool *manifest.ToolConfig, params map[string]interface{}) *core.ConnectorResult {
	start := time.Now()
	var result *core.ConnectorResult

	switch tool.Type {
	case manifest.ConnectorMock:
		result = r.invokeMock(tool)
	case manifest.ConnectorWebhook:
		result = r.invokeHTTP(ctx, tenant, tool, params, false)
	case manifest.ConnectorHTTPRequest:
		result = r.invokeHTTP(ctx, tenant, tool, params, true)
	default:
		result = failure(CodeInvalidConnectorType, fmt.Sprintf("unknown connector type %q", tool.Type))
	}

	result.DurationMS = time.Since(start).Milliseconds()
	if hash, err := canonicaljson.Hash(result); err == nil {
		result.ResultHash = hash
	}
	if !result.Success {
		r.logger.Warn("connector invocation failed",
			"tenant", tenant,
			"connector_type", tool.Type,
			"error_code", result.Error.Code)
	}
	return result
}

func (r *Runtime) invokeMock(tool *manifest.ToolConfig) *core.ConnectorResult {
	data := map[string]interface{}{"mock": true}
	if tool.Extra != nil {
		if configured, ok := tool.Extra["data"].(map[string]interface{}); ok {
			data = configured
		}
	}
	return &core.ConnectorResult{Success: true, Data: data, StatusCode: http.StatusOK}
}

func (r *Runtime) invokeHTTP(ctx context.Context, tenant string, tool *manifest.ToolConfig, params map[string]interface{}, templated bool) *core.ConnectorResult {
	rawURL := tool.URL
	method := http.MethodPost
	if templated {
		rawURL = substituteURL(rawURL, params)
		if tool.Method != "" {
			method = strings.ToUpper(tool.Method)
		}
	}

	allowlist := tool.AllowedDomains()
	if len(allowlist) == 0 {
		allowlist = r.cfg.AllowedDomains
	}
	ips, err := r.guard.CheckURL(ctx, rawURL, allowlist)
	if err != nil {
		return guardFailure(err)
	}

	timeout := r.cfg.DefaultTimeout
	if tool.TimeoutSeconds > 0 {
		timeout = time.Duration(tool.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		encoded, err := json.Marshal(params)
		if err != nil {
			return failure(CodeRequestError, fmt.Sprintf("encode params: %v", err))
		}
		body = bytes.NewReader(encoded)
	} else if templated && len(params) > 0 {
		rawURL = appendQuery(rawURL, params)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return failure(CodeRequestError, fmt.Sprintf("build request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range tool.Headers {
		req.Header.Set(name, value)
	}
	for header, secretName := range tool.SecretRefs {
		value, err := r.secrets.ResolveSecret(ctx, tenant, secretName)
		if err != nil {
			return failure(CodeRequestError, fmt.Sprintf("resolve secret for header %q: %v", header, err))
		}
		req.Header.Set(header, value)
	}

	// Re-resolve immediately before dispatch: a changed answer set means a
	// rebind attempt and the request is never issued.
	if err := r.guard.CheckDrift(ctx, req.URL.Hostname(), ips); err != nil {
		return guardFailure(err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return transportFailure(err)
	}
	defer resp.Body.Close()

	maxBytes := tool.MaxResponseBytes()
	if maxBytes <= 0 {
		maxBytes = r.cfg.MaxResponseBytes
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return transportFailure(err)
	}
	if int64(len(payload)) > maxBytes {
		result := failure(CodeResponseTooLarge, fmt.Sprintf("response exceeds %d bytes", maxBytes))
		result.StatusCode = resp.StatusCode
		return result
	}

	data := parseBody(resp.Header.Get("Content-Type"), payload)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result := failure(HTTPStatusCode(resp.StatusCode), fmt.Sprintf("upstream returned %s", resp.Status))
		result.StatusCode = resp.StatusCode
		result.Data = data
		return result
	}
	return &core.ConnectorResult{Success: true, Data: data, StatusCode: resp.StatusCode}
}

// parseBody decodes JSON when the content type says so or the body looks
// like JSON; anything else is wrapped as raw text.
func parseBody(contentType string, payload []byte) map[string]interface{} {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	looksJSON := strings.Contains(contentType, "json") || trimmed[0] == '{' || trimmed[0] == '['
	if looksJSON {
		var asMap map[string]interface{}
		if json.Unmarshal(trimmed, &asMap) == nil {
			return asMap
		}
		var asAny interface{}
		if json.Unmarshal(trimmed, &asAny) == nil {
			return map[string]interface{}{"raw_response": asAny}
		}
	}
	return map[string]interface{}{"raw_response": string(payload)}
}

// substituteURL replaces {param} placeholders with path-escaped values.
func substituteURL(rawURL string, params map[string]interface{}) string {
	for key, value := range params {
		placeholder := "{" + key + "}"
		if strings.Contains(rawURL, placeholder) {
			rawURL = strings.ReplaceAll(rawURL, placeholder, url.PathEscape(fmt.Sprintf("%v", value)))
		}
	}
	return rawURL
}

func appendQuery(rawURL string, params map[string]interface{}) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	for key, value := range params {
		query.Set(key, fmt.Sprintf("%v", value))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func failure(code, message string) *core.ConnectorResult {
	return &core.ConnectorResult{
		Success: false,
		Error:   &core.ConnectorError{Code: code, Message: message},
	}
}

func guardFailure(err error) *core.ConnectorResult {
	var guardErr *GuardError
	if errors.As(err, &guardErr) {
		return failure(guardErr.Code, guardErr.Message)
	}
	return failure(CodeUnknownError, err.Error())
}

func transportFailure(err error) *core.ConnectorResult {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return failure(CodeTimeout, "connector call timed out")
	}
	return failure(CodeRequestError, err.Error())
}
