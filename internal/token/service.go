package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uapk/gateway/internal/canonicaljson"
)

// Verification failures, mapped to reason codes by the policy engine.
var (
	ErrMalformed      = errors.New("token: malformed")
	ErrUnsupportedAlg = errors.New("token: unsupported algorithm")
	ErrUnknownIssuer  = errors.New("token: unknown issuer")
	ErrBadSignature   = errors.New("token: signature verification failed")
	ErrExpired        = errors.New("token: expired")
)

// DefaultOverrideTTL is the validity window of a freshly issued override token.
const DefaultOverrideTTL = 300 * time.Second

var jwsHeader = mustSegment(map[string]string{"alg": "EdDSA", "typ": "JWT"})

// Resolver looks up a registered per-tenant issuer. The gateway's own key is
// resolved internally and never goes through the Resolver.
type Resolver interface {
	ResolveIssuer(ctx context.Context, tenant, issuerID string) (*Issuer, error)
}

// Service signs tokens with the gateway key and verifies tokens from any
// trusted issuer.
type Service struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	issuers Resolver
	clock   func() time.Time
}

// NewService creates a token service around the gateway signing key.
func NewService(priv ed25519.PrivateKey, issuers Resolver) *Service {
	return &Service{
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		issuers: issuers,
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// PublicKey returns the gateway's verifying key.
func (s *Service) PublicKey() ed25519.PublicKey {
	return s.pub
}

// IssueCapability signs a capability token for (tenant, manifest, agent).
func (s *Service) IssueCapability(tenant, manifestID, agentID string, ttl time.Duration, opts CapabilityOptions) (string, *Claims, error) {
	now := s.clock().UTC()
	claims := &Claims{
		Issuer:             GatewayIssuer,
		Subject:            agentID,
		OrgID:              tenant,
		ManifestID:         manifestID,
		IssuedAt:           now.Unix(),
		ExpiresAt:          now.Add(ttl).Unix(),
		JTI:                "cap-" + randomHex(16),
		TokenType:          TypeCapability,
		AllowedActionTypes: opts.AllowedActionTypes,
		AllowedTools:       opts.AllowedTools,
		Constraints:        opts.Constraints,
	}
	signed, err := s.sign(claims)
	return signed, claims, err
}

// CapabilityOptions narrows what an issued capability token permits.
type CapabilityOptions struct {
	AllowedActionTypes []string
	AllowedTools       []string
	Constraints        *Constraints
}

// IssueOverride signs a short-lived single-use token bound to one approved
// action. actionHash is the SHA-256 of the canonical JSON of the action.
func (s *Service) IssueOverride(tenant, manifestID, agentID, actionHash, approvalID string, ttl time.Duration) (string, *Claims, error) {
	if ttl <= 0 {
		ttl = DefaultOverrideTTL
	}
	now := s.clock().UTC()
	claims := &Claims{
		Issuer:     GatewayIssuer,
		Subject:    agentID,
		OrgID:      tenant,
		ManifestID: manifestID,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
		JTI:        "override-" + randomHex(16),
		TokenType:  TypeOverride,
		ActionHash: actionHash,
		ApprovalID: approvalID,
	}
	signed, err := s.sign(claims)
	return signed, claims, err
}

// Verify parses and cryptographically verifies a compact token for the given
// tenant. Key resolution order: explicit keyOverride, then a registered
// issuer matching the iss claim, then the gateway key when iss == "gateway".
//
// Semantic checks (identity bindings, issuer status, override binding) are
// the policy engine's job; Verify only establishes authenticity and expiry.
func (s *Service) Verify(ctx context.Context, tenant, compact string, keyOverride ed25519.PublicKey) (*Claims, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrMalformed
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, ErrMalformed
	}
	if header.Alg != "EdDSA" {
		return nil, ErrUnsupportedAlg
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrMalformed
	}

	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, ErrMalformed
	}

	pub, err := s.resolveKey(ctx, tenant, claims.Issuer, keyOverride)
	if err != nil {
		return nil, err
	}

	signingInput := []byte(parts[0] + "." + parts[1])
	if !ed25519.Verify(pub, signingInput, sig) {
		return nil, ErrBadSignature
	}

	if s.clock().Unix() > claims.ExpiresAt {
		return nil, ErrExpired
	}
	return &claims, nil
}

func (s *Service) resolveKey(ctx context.Context, tenant, issuerID string, keyOverride ed25519.PublicKey) (ed25519.PublicKey, error) {
	if keyOverride != nil {
		return keyOverride, nil
	}
	if issuerID != "" && issuerID != GatewayIssuer && s.issuers != nil {
		issuer, err := s.issuers.ResolveIssuer(ctx, tenant, issuerID)
		if err != nil {
			return nil, fmt.Errorf("token: issuer lookup: %w", err)
		}
		if issuer != nil {
			return issuer.PublicKey()
		}
	}
	if issuerID == GatewayIssuer {
		return s.pub, nil
	}
	return nil, ErrUnknownIssuer
}

func (s *Service) sign(claims *Claims) (string, error) {
	payload, err := canonicaljson.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: encode claims: %w", err)
	}
	signingInput := jwsHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig := ed25519.Sign(s.priv, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func mustSegment(v interface{}) string {
	data, err := canonicaljson.Marshal(v)
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(buf)
}
