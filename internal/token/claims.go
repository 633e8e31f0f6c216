// Package token issues and verifies the Ed25519-signed capability and
// override tokens accepted by the policy engine. Tokens are compact
// EdDSA-JWS: base64url(header).base64url(payload).base64url(signature),
// with payloads serialized as canonical sorted-key JSON.
package token

import (
	"errors"
	"fmt"
)

// Token types.
const (
	TypeCapability = "capability"
	TypeOverride   = "override"
)

// GatewayIssuer is the reserved issuer id denoting the gateway's own key.
const GatewayIssuer = "gateway"

// Constraints bound what a capability token permits beyond the manifest.
type Constraints struct {
	AmountMax             *float64 `json:"amount_max,omitempty"`
	Jurisdictions         []string `json:"jurisdictions,omitempty"`
	CounterpartyAllowlist []string `json:"counterparty_allowlist,omitempty"`
	CounterpartyDenylist  []string `json:"counterparty_denylist,omitempty"`
	ExpiresAt             string   `json:"expires_at,omitempty"`
}

// Claims is the signed payload of a capability or override token.
type Claims struct {
	Issuer             string       `json:"iss"`
	Subject            string       `json:"sub"`
	OrgID              string       `json:"org_id"`
	ManifestID         string       `json:"manifest_id"`
	IssuedAt           int64        `json:"iat"`
	ExpiresAt          int64        `json:"exp"`
	JTI                string       `json:"jti"`
	TokenType          string       `json:"token_type"`
	AllowedActionTypes []string     `json:"allowed_action_types,omitempty"`
	AllowedTools       []string     `json:"allowed_tools,omitempty"`
	Constraints        *Constraints `json:"constraints,omitempty"`

	// Override-only bindings.
	ActionHash string `json:"action_hash,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// IsOverride reports whether the claims describe a one-shot override token.
func (c *Claims) IsOverride() bool {
	return c.TokenType == TypeOverride
}

// ValidateShape enforces the structural rules that are independent of the
// request being evaluated: an override token must carry both bindings, and a
// non-override token must carry neither.
func (c *Claims) ValidateShape() error {
	switch c.TokenType {
	case TypeOverride:
		if c.ActionHash == "" || c.ApprovalID == "" {
			return errors.New("override token missing action_hash or approval_id")
		}
	case TypeCapability:
		if c.ActionHash != "" || c.ApprovalID != "" {
			return errors.New("capability token must not carry override bindings")
		}
	default:
		return fmt.Errorf("unknown token_type %q", c.TokenType)
	}
	return nil
}
