package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ParseSigningKey decodes a PEM-encoded PKCS#8 Ed25519 private key. This is
// the gateway key: it signs capability tokens, override tokens, and audit
// record signatures.
func ParseSigningKey(pemBytes []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("config: no PEM block in signing key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: parse signing key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("config: signing key is %T, want Ed25519", parsed)
	}
	return priv, nil
}

// LoadSigningKey resolves the gateway key: the env var wins, then the
// configured file, then an ephemeral key for dev mode. An ephemeral key
// means previously issued tokens and audit signatures do not survive a
// restart, so production must configure a persistent key.
func (c *Config) LoadSigningKey() (ed25519.PrivateKey, error) {
	if v := os.Getenv(EnvPrivateKey); v != "" {
		return ParseSigningKey([]byte(v))
	}
	if c.Gateway.PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(c.Gateway.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("config: read signing key: %w", err)
		}
		return ParseSigningKey(pemBytes)
	}

	slog.Warn("no gateway signing key configured, generating ephemeral dev key")
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

// EncodeSigningKey renders a key as PKCS#8 PEM, for key generation tooling.
func EncodeSigningKey(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
