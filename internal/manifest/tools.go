package manifest

// Connector types recognized by the runtime.
const (
	ConnectorWebhook     = "webhook"
	ConnectorHTTPRequest = "http_request"
	ConnectorMock        = "mock"
)

// ToolConfig is the connector configuration for one registered tool.
type ToolConfig struct {
	Type           string                 `json:"type"`
	URL            string                 `json:"url,omitempty"`
	Method         string                 `json:"method,omitempty"`
	Headers        map[string]string      `json:"headers,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	SecretRefs     map[string]string      `json:"secret_refs,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// AllowedDomains returns the per-connector domain allowlist override, if set.
func (t *ToolConfig) AllowedDomains() []string {
	if t.Extra == nil {
		return nil
	}
	return asStringSlice(t.Extra["allowed_domains"])
}

// MaxResponseBytes returns the per-connector response size cap, or 0 when
// the global default applies.
func (t *ToolConfig) MaxResponseBytes() int64 {
	if t.Extra == nil {
		return 0
	}
	if v, ok := asFloat(t.Extra["max_response_bytes"]); ok && v > 0 {
		return int64(v)
	}
	return 0
}

func parseTools(raw map[string]interface{}) map[string]*ToolConfig {
	out := make(map[string]*ToolConfig, len(raw))
	for name, v := range raw {
		if cfg := parseToolConfig(asMap(v)); cfg != nil {
			out[name] = cfg
		}
	}
	return out
}

func parseToolConfig(raw map[string]interface{}) *ToolConfig {
	if raw == nil {
		return nil
	}
	cfg := &ToolConfig{
		Headers:    map[string]string{},
		SecretRefs: map[string]string{},
		Extra:      asMap(raw["extra"]),
	}
	cfg.Type, _ = raw["type"].(string)
	cfg.URL, _ = raw["url"].(string)
	cfg.Method, _ = raw["method"].(string)
	if v, ok := asFloat(raw["timeout_seconds"]); ok {
		cfg.TimeoutSeconds = int(v)
	}
	for k, v := range asMap(raw["headers"]) {
		if s, ok := v.(string); ok {
			cfg.Headers[k] = s
		}
	}
	for k, v := range asMap(raw["secret_refs"]) {
		if s, ok := v.(string); ok {
			cfg.SecretRefs[k] = s
		}
	}
	return cfg
}
