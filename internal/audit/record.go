// Package audit builds, signs, and verifies the hash-chained interaction
// records the gateway persists for every decision. Each record embeds the
// previous record's hash for its (tenant, manifest_id) chain and carries an
// Ed25519 signature over its own record_hash, so any retroactive modification
// is detectable by an external verifier holding only the gateway public key.
package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uapk/gateway/internal/canonicaljson"
	"github.com/uapk/gateway/internal/core"
)

// ErrChainConflict signals that another record was appended to the same
// chain between the tail read and this insert. Callers re-read the tail and
// rebuild the record.
var ErrChainConflict = errors.New("audit: chain tail moved")

// Record is one persisted interaction record. Request and Result hold the
// canonical bodies the hashes were computed over, so an exported bundle is
// auditable without access to the original traffic.
type Record struct {
	RecordID           string          `json:"record_id"`
	Tenant             string          `json:"tenant"`
	ManifestID         string          `json:"manifest_id"`
	AgentID            string          `json:"agent_id"`
	ActionType         string          `json:"action_type"`
	Tool               string          `json:"tool"`
	Decision           string          `json:"decision"`
	Executed           bool            `json:"executed"`
	Request            json.RawMessage `json:"request,omitempty"`
	RequestHash        string          `json:"request_hash"`
	ReasonsJSON        string          `json:"reasons_json"`
	PolicyTraceJSON    string          `json:"policy_trace_json"`
	RiskSnapshotJSON   string          `json:"risk_snapshot_json"`
	Result             json.RawMessage `json:"result,omitempty"`
	ResultHash         *string         `json:"result_hash"`
	DurationMS         *int64          `json:"duration_ms,omitempty"`
	PreviousRecordHash *string         `json:"previous_record_hash"`
	RecordHash         string          `json:"record_hash"`
	GatewaySignature   string          `json:"gateway_signature"`
	CreatedAt          time.Time       `json:"created_at"`
}

// ComputeHash recomputes record_hash from the content-bearing fields. The
// result must reproduce the stored hash byte-for-byte for an untampered row.
// The raw request and result bodies are covered transitively: request_hash
// and result_hash are SHA-256 over their canonical bytes.
func (r *Record) ComputeHash() (string, error) {
	view := map[string]interface{}{
		"record_id":            r.RecordID,
		"tenant":               r.Tenant,
		"manifest_id":          r.ManifestID,
		"agent_id":             r.AgentID,
		"action_type":          r.ActionType,
		"tool":                 r.Tool,
		"request_hash":         r.RequestHash,
		"decision":             r.Decision,
		"reasons_json":         r.ReasonsJSON,
		"policy_trace_json":    r.PolicyTraceJSON,
		"result_hash":          r.ResultHash,
		"previous_record_hash": r.PreviousRecordHash,
		"created_at":           r.CreatedAt.UTC().Format(time.RFC3339),
	}
	return canonicaljson.Hash(view)
}

// Signer signs record hashes with the gateway key. The signature covers the
// ASCII bytes of the hex record_hash.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner wraps the gateway signing key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// PublicKey returns the verifying key shipped with exported bundles.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign returns the base64 gateway signature over recordHash.
func (s *Signer) Sign(recordHash string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, []byte(recordHash)))
}

// VerifySignature checks a stored gateway_signature against a record hash.
func VerifySignature(pub ed25519.PublicKey, recordHash, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(recordHash), sig)
}

// BuildInput collects everything a new record derives from.
type BuildInput struct {
	// RecordID is the caller-assigned interaction id; a fresh uuid is
	// generated when empty.
	RecordID           string
	Request            *core.ActionRequest
	Decision           core.Decision
	Reasons            interface{}
	Trace              interface{}
	RiskSnapshot       interface{}
	Executed           bool
	Result             *core.ConnectorResult
	PreviousRecordHash *string
	CreatedAt          time.Time
}

// Build assembles, hashes, and signs a record. The request hash covers the
// caller-controlled view of the request; token material itself never enters
// the audit trail, only the fact that a token was provided.
func Build(in BuildInput, signer *Signer) (*Record, error) {
	requestView := map[string]interface{}{
		"manifest_id":               in.Request.ManifestID,
		"agent_id":                  in.Request.AgentID,
		"action":                    in.Request.Action,
		"counterparty":              in.Request.Counterparty,
		"context":                   in.Request.Context,
		"capability_token_provided": in.Request.CapabilityToken != "",
	}
	requestJSON, err := canonicaljson.Marshal(requestView)
	if err != nil {
		return nil, fmt.Errorf("audit: encode request: %w", err)
	}
	requestHash, err := canonicaljson.Hash(requestView)
	if err != nil {
		return nil, fmt.Errorf("audit: hash request: %w", err)
	}

	reasonsJSON, err := canonicaljson.Marshal(in.Reasons)
	if err != nil {
		return nil, fmt.Errorf("audit: encode reasons: %w", err)
	}
	traceJSON, err := canonicaljson.Marshal(in.Trace)
	if err != nil {
		return nil, fmt.Errorf("audit: encode trace: %w", err)
	}
	riskJSON, err := canonicaljson.Marshal(in.RiskSnapshot)
	if err != nil {
		return nil, fmt.Errorf("audit: encode risk snapshot: %w", err)
	}

	var resultJSON json.RawMessage
	var resultHash *string
	var durationMS *int64
	if in.Executed && in.Result != nil {
		body, err := canonicaljson.Marshal(in.Result)
		if err != nil {
			return nil, fmt.Errorf("audit: encode result: %w", err)
		}
		resultJSON = body
		d := in.Result.DurationMS
		durationMS = &d
		// The connector runtime stamps its own envelope hash; reuse it so
		// the audit row and the envelope agree.
		if in.Result.ResultHash != "" {
			h := in.Result.ResultHash
			resultHash = &h
		} else {
			h, err := canonicaljson.Hash(in.Result)
			if err != nil {
				return nil, fmt.Errorf("audit: hash result: %w", err)
			}
			resultHash = &h
		}
	}

	recordID := in.RecordID
	if recordID == "" {
		recordID = uuid.NewString()
	}
	record := &Record{
		RecordID:           recordID,
		Tenant:             in.Request.Tenant,
		ManifestID:         in.Request.ManifestID,
		AgentID:            in.Request.AgentID,
		ActionType:         in.Request.Action.Type,
		Tool:               in.Request.Action.Tool,
		Decision:           string(in.Decision),
		Executed:           in.Executed,
		Request:            requestJSON,
		RequestHash:        requestHash,
		ReasonsJSON:        string(reasonsJSON),
		PolicyTraceJSON:    string(traceJSON),
		RiskSnapshotJSON:   string(riskJSON),
		Result:             resultJSON,
		ResultHash:         resultHash,
		DurationMS:         durationMS,
		PreviousRecordHash: in.PreviousRecordHash,
		CreatedAt:          in.CreatedAt.UTC().Truncate(time.Second),
	}
	record.RecordHash, err = record.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("audit: hash record: %w", err)
	}
	record.GatewaySignature = signer.Sign(record.RecordHash)
	return record, nil
}

// Store persists interaction records. Insert must fail with ErrChainConflict
// when the record's previous_record_hash no longer matches the chain tail.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	// Tail returns the newest record for (tenant, manifestID), nil if none.
	Tail(ctx context.Context, tenant, manifestID string) (*Record, error)
	// List returns records for (tenant, manifestID) in chain order, oldest
	// first. limit <= 0 means no limit.
	List(ctx context.Context, tenant, manifestID string, limit int) ([]*Record, error)
	// Get returns a record by id, nil if absent.
	Get(ctx context.Context, tenant, recordID string) (*Record, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// In-memory store
// ─────────────────────────────────────────────────────────────────────────────

// MemoryStore is a mutex-guarded Store for tests and dev mode.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string][]*Record // tenant + "/" + manifestID
	byID   map[string]*Record   // tenant + "/" + recordID
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*Record),
		byID:   make(map[string]*Record),
	}
}

func chainKey(tenant, manifestID string) string { return tenant + "/" + manifestID }

func (s *MemoryStore) Insert(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chainKey(r.Tenant, r.ManifestID)
	chain := s.chains[key]

	var tailHash *string
	if len(chain) > 0 {
		tailHash = &chain[len(chain)-1].RecordHash
	}
	if !hashPtrEqual(r.PreviousRecordHash, tailHash) {
		return ErrChainConflict
	}

	if r.RecordID == "" {
		r.RecordID = uuid.NewString()
	}
	cp := *r
	s.chains[key] = append(chain, &cp)
	s.byID[r.Tenant+"/"+r.RecordID] = &cp
	return nil
}

func (s *MemoryStore) Tail(_ context.Context, tenant, manifestID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[chainKey(tenant, manifestID)]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, tenant, manifestID string, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[chainKey(tenant, manifestID)]
	if limit > 0 && len(chain) > limit {
		chain = chain[len(chain)-limit:]
	}
	out := make([]*Record, 0, len(chain))
	for _, r := range chain {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, tenant, recordID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[tenant+"/"+recordID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
