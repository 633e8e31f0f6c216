package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
gateway:
  default_daily_budget: 500
connector:
  timeout_seconds: 10
  allowed_domains:
    - hooks.example.com
`), 0o600))

	t.Setenv(EnvDefaultDailyBudget, "250")
	t.Setenv(EnvAllowedDomains, "api.stripe.com, hooks.slack.com")
	t.Setenv(EnvMaxResponseBytes, "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 250, cfg.Gateway.DefaultDailyBudget, "env wins over file")
	assert.Equal(t, 10, cfg.Connector.TimeoutSeconds, "file wins over default")
	assert.Equal(t, []string{"api.stripe.com", "hooks.slack.com"}, cfg.Connector.AllowedDomains)
	assert.Equal(t, int64(1_000_000), cfg.Connector.MaxResponseBytes, "malformed env is ignored")
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Gateway.DefaultDailyBudget)
	assert.Equal(t, 24, cfg.Gateway.ApprovalExpiryHours)
}

func TestSigningKey_PEMRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBytes, err := EncodeSigningKey(priv)
	require.NoError(t, err)

	parsed, err := ParseSigningKey(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, priv, parsed)

	_, err = ParseSigningKey([]byte("garbage"))
	assert.Error(t, err)
}

func TestLoadSigningKey_EnvWinsOverFile(t *testing.T) {
	_, envKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	envPEM, err := EncodeSigningKey(envKey)
	require.NoError(t, err)

	_, fileKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	filePEM, err := EncodeSigningKey(fileKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, filePEM, 0o600))

	cfg := Default()
	cfg.Gateway.PrivateKeyPath = path

	t.Setenv(EnvPrivateKey, string(envPEM))
	loaded, err := cfg.LoadSigningKey()
	require.NoError(t, err)
	assert.Equal(t, envKey, loaded)

	t.Setenv(EnvPrivateKey, "")
	loaded, err = cfg.LoadSigningKey()
	require.NoError(t, err)
	assert.Equal(t, fileKey, loaded)
}
