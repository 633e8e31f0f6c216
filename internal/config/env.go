package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment override contract. Each variable, when set and well-formed,
// replaces the corresponding file value.
const (
	EnvPrivateKey          = "UAPK_GATEWAY_PRIVATE_KEY"
	EnvDefaultDailyBudget  = "UAPK_GATEWAY_DEFAULT_DAILY_BUDGET"
	EnvConnectorTimeout    = "UAPK_CONNECTOR_TIMEOUT_SECONDS"
	EnvMaxResponseBytes    = "UAPK_MAX_CONNECTOR_RESPONSE_BYTES"
	EnvAllowedDomains      = "UAPK_ALLOWED_WEBHOOK_DOMAINS"
	EnvApprovalExpiryHours = "UAPK_APPROVAL_EXPIRY_HOURS"
)

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if n, ok := envInt(EnvDefaultDailyBudget); ok {
		cfg.Gateway.DefaultDailyBudget = n
	}
	if n, ok := envInt(EnvApprovalExpiryHours); ok {
		cfg.Gateway.ApprovalExpiryHours = n
	}
	if n, ok := envInt(EnvConnectorTimeout); ok {
		cfg.Connector.TimeoutSeconds = n
	}
	if n, ok := envInt(EnvMaxResponseBytes); ok {
		cfg.Connector.MaxResponseBytes = int64(n)
	}
	if v := os.Getenv(EnvAllowedDomains); v != "" {
		var domains []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		cfg.Connector.AllowedDomains = domains
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
