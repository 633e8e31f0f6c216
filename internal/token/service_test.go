package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, issuers Resolver) *Service {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return NewService(priv, issuers)
}

func TestIssueCapability_RoundTrip(t *testing.T) {
	svc := newTestService(t, NewMemoryIssuerStore())

	compact, issued, err := svc.IssueCapability("acme", "refund-bot-v1", "agent-7", time.Hour, CapabilityOptions{
		AllowedActionTypes: []string{"payment"},
		Constraints:        &Constraints{AmountMax: f64(500)},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.JTI, "cap-"))
	assert.Len(t, strings.Split(compact, "."), 3)

	claims, err := svc.Verify(context.Background(), "acme", compact, nil)
	require.NoError(t, err)
	assert.Equal(t, GatewayIssuer, claims.Issuer)
	assert.Equal(t, "agent-7", claims.Subject)
	assert.Equal(t, "acme", claims.OrgID)
	assert.Equal(t, "refund-bot-v1", claims.ManifestID)
	assert.Equal(t, TypeCapability, claims.TokenType)
	require.NotNil(t, claims.Constraints)
	assert.Equal(t, 500.0, *claims.Constraints.AmountMax)
	require.NoError(t, claims.ValidateShape())
}

func TestIssueOverride_CarriesBindings(t *testing.T) {
	svc := newTestService(t, nil)

	compact, issued, err := svc.IssueOverride("acme", "refund-bot-v1", "agent-7", "deadbeef", "appr-1", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.JTI, "override-"))
	assert.Equal(t, int64(300), issued.ExpiresAt-issued.IssuedAt, "default TTL is 300s")

	claims, err := svc.Verify(context.Background(), "acme", compact, nil)
	require.NoError(t, err)
	assert.True(t, claims.IsOverride())
	assert.Equal(t, "deadbeef", claims.ActionHash)
	assert.Equal(t, "appr-1", claims.ApprovalID)
	require.NoError(t, claims.ValidateShape())
}

func TestValidateShape_RejectsMisboundClaims(t *testing.T) {
	// Bindings on a capability token are invalid.
	c := &Claims{TokenType: TypeCapability, ActionHash: "x", ApprovalID: "y"}
	assert.Error(t, c.ValidateShape())

	// Override without bindings is invalid.
	c = &Claims{TokenType: TypeOverride}
	assert.Error(t, c.ValidateShape())

	c = &Claims{TokenType: "session"}
	assert.Error(t, c.ValidateShape())
}

func TestVerify_MalformedTokens(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	for _, compact := range []string{
		"",
		"one.two",
		"a.b.c.d",
		"!!!.???.###",
		base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA"}`)) + ".x.y",
	} {
		_, err := svc.Verify(ctx, "acme", compact, nil)
		assert.ErrorIs(t, err, ErrMalformed, "token %q", compact)
	}
}

func TestVerify_RejectsNonEdDSAAlg(t *testing.T) {
	svc := newTestService(t, nil)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"iss":"gateway"}`))
	sig := base64.RawURLEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))

	_, err := svc.Verify(context.Background(), "acme", header+"."+payload+"."+sig, nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlg)
}

func TestVerify_Expired(t *testing.T) {
	svc := newTestService(t, nil)
	now := time.Now()
	svc.WithClock(func() time.Time { return now.Add(-2 * time.Hour) })
	compact, _, err := svc.IssueCapability("acme", "m1", "a1", time.Hour, CapabilityOptions{})
	require.NoError(t, err)

	svc.WithClock(time.Now)
	_, err = svc.Verify(context.Background(), "acme", compact, nil)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_TamperedPayload(t *testing.T) {
	svc := newTestService(t, nil)
	compact, _, err := svc.IssueCapability("acme", "m1", "a1", time.Hour, CapabilityOptions{})
	require.NoError(t, err)

	parts := strings.Split(compact, ".")
	forged := strings.Replace(parts[1], "a", "b", 1)
	if forged == parts[1] {
		forged = strings.Replace(parts[1], "b", "a", 1)
	}
	_, err = svc.Verify(context.Background(), "acme", parts[0]+"."+forged+"."+parts[2], nil)
	assert.Error(t, err)
}

func TestVerify_RegisteredIssuer(t *testing.T) {
	store := NewMemoryIssuerStore()
	svc := newTestService(t, store)

	// A partner platform signs with its own Ed25519 key.
	partnerPub, partnerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, store.Register(context.Background(), &Issuer{
		Tenant:       "acme",
		IssuerID:     "partner-1",
		PublicKeyB64: base64.StdEncoding.EncodeToString(partnerPub),
	}))

	compact := signWithIssuer(t, partnerPriv, "partner-1", "acme", "m1", "a1")

	claims, err := svc.Verify(context.Background(), "acme", compact, nil)
	require.NoError(t, err)
	assert.Equal(t, "partner-1", claims.Issuer)
}

func TestVerify_UnknownIssuer(t *testing.T) {
	svc := newTestService(t, NewMemoryIssuerStore())
	_, partnerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	compact := signWithIssuer(t, partnerPriv, "nobody", "acme", "m1", "a1")
	_, err = svc.Verify(context.Background(), "acme", compact, nil)
	assert.ErrorIs(t, err, ErrUnknownIssuer)
}

func TestVerify_KeyOverrideWins(t *testing.T) {
	svc := newTestService(t, nil)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	compact := signWithIssuer(t, priv, "external", "acme", "m1", "a1")
	claims, err := svc.Verify(context.Background(), "acme", compact, pub)
	require.NoError(t, err)
	assert.Equal(t, "external", claims.Issuer)
}

// signWithIssuer builds a minimal valid token signed by priv with a chosen
// iss claim, exercising the issuer-resolution path.
func signWithIssuer(t *testing.T, priv ed25519.PrivateKey, iss, org, manifestID, agentID string) string {
	t.Helper()
	s := NewService(priv, nil)
	compact, _, err := s.IssueCapability(org, manifestID, agentID, time.Hour, CapabilityOptions{})
	require.NoError(t, err)
	if iss == GatewayIssuer {
		return compact
	}
	// Re-sign with the requested issuer id.
	now := time.Now().UTC()
	claims := &Claims{
		Issuer: iss, Subject: agentID, OrgID: org, ManifestID: manifestID,
		IssuedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix(),
		JTI: "cap-test", TokenType: TypeCapability,
	}
	signed, err := s.sign(claims)
	require.NoError(t, err)
	return signed
}

func f64(v float64) *float64 { return &v }

func BenchmarkIssueCapability(b *testing.B) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	svc := NewService(priv, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		svc.IssueCapability("acme", "m1", "a1", time.Hour, CapabilityOptions{})
	}
}

func BenchmarkVerify(b *testing.B) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	svc := NewService(priv, nil)
	compact, _, _ := svc.IssueCapability("acme", "m1", "a1", time.Hour, CapabilityOptions{})
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		svc.Verify(ctx, "acme", compact, nil)
	}
}
