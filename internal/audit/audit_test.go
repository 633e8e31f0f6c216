package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk/gateway/internal/core"
)

func newSigner(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return NewSigner(priv)
}

func sampleRequest(amount float64) *core.ActionRequest {
	return &core.ActionRequest{
		Tenant:     "acme",
		ManifestID: "refund-bot-v1",
		AgentID:    "agent-7",
		Action: core.Action{
			Type:   "payment",
			Tool:   "stripe_refund",
			Params: map[string]interface{}{"amount": amount, "currency": "USD"},
		},
	}
}

// appendRecord builds the next record in the chain and inserts it.
func appendRecord(t *testing.T, store Store, signer *Signer, amount float64, executed bool) *Record {
	t.Helper()
	ctx := context.Background()
	tail, err := store.Tail(ctx, "acme", "refund-bot-v1")
	require.NoError(t, err)
	var prev *string
	if tail != nil {
		prev = &tail.RecordHash
	}

	in := BuildInput{
		Request:            sampleRequest(amount),
		Decision:           core.DecisionAllow,
		Reasons:            []map[string]string{{"code": "all_checks_passed"}},
		Trace:              []map[string]string{{"stage": "manifest_status", "outcome": "pass"}},
		RiskSnapshot:       map[string]interface{}{"amount": amount},
		Executed:           executed,
		PreviousRecordHash: prev,
		CreatedAt:          time.Now(),
	}
	if executed {
		in.Result = &core.ConnectorResult{Success: true, DurationMS: 12}
	}
	record, err := Build(in, signer)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, record))
	return record
}

func TestBuild_HashReproducible(t *testing.T) {
	signer := newSigner(t)
	record, err := Build(BuildInput{
		Request:      sampleRequest(10),
		Decision:     core.DecisionDeny,
		Reasons:      []map[string]string{{"code": "amount_exceeds_cap"}},
		Trace:        []map[string]string{},
		RiskSnapshot: map[string]interface{}{},
		CreatedAt:    time.Now(),
	}, signer)
	require.NoError(t, err)

	recomputed, err := record.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, record.RecordHash, recomputed)
	assert.True(t, VerifySignature(signer.PublicKey(), record.RecordHash, record.GatewaySignature))
	assert.Nil(t, record.ResultHash, "no result hash without execution")
	assert.Nil(t, record.PreviousRecordHash)
}

func TestBuild_ResultHashOnlyWhenExecuted(t *testing.T) {
	signer := newSigner(t)
	result := &core.ConnectorResult{Success: true, DurationMS: 3}

	executed, err := Build(BuildInput{
		Request: sampleRequest(10), Decision: core.DecisionAllow,
		Executed: true, Result: result, CreatedAt: time.Now(),
	}, signer)
	require.NoError(t, err)
	require.NotNil(t, executed.ResultHash)

	evaluated, err := Build(BuildInput{
		Request: sampleRequest(10), Decision: core.DecisionAllow,
		Executed: false, Result: result, CreatedAt: time.Now(),
	}, signer)
	require.NoError(t, err)
	assert.Nil(t, evaluated.ResultHash)
}

// An exported record must carry the bodies its hashes were computed over, so
// an auditor holding only the export can reproduce request_hash and inspect
// the connector outcome.
func TestBuild_CarriesRequestAndResultBodies(t *testing.T) {
	signer := newSigner(t)
	record, err := Build(BuildInput{
		Request:   sampleRequest(10),
		Decision:  core.DecisionAllow,
		Executed:  true,
		Result:    &core.ConnectorResult{Success: true, StatusCode: 200, DurationMS: 42},
		CreatedAt: time.Now(),
	}, signer)
	require.NoError(t, err)

	require.NotEmpty(t, record.Request)
	sum := sha256.Sum256(record.Request)
	assert.Equal(t, record.RequestHash, hex.EncodeToString(sum[:]),
		"stored request body reproduces request_hash")

	var envelope core.ConnectorResult
	require.NoError(t, json.Unmarshal(record.Result, &envelope))
	assert.True(t, envelope.Success)
	require.NotNil(t, record.DurationMS)
	assert.EqualValues(t, 42, *record.DurationMS)

	evaluated, err := Build(BuildInput{
		Request: sampleRequest(10), Decision: core.DecisionDeny, CreatedAt: time.Now(),
	}, signer)
	require.NoError(t, err)
	assert.NotEmpty(t, evaluated.Request)
	assert.Empty(t, evaluated.Result, "no result body without execution")
	assert.Nil(t, evaluated.DurationMS)
}

func TestBuild_RequestHashExcludesTokenMaterial(t *testing.T) {
	signer := newSigner(t)

	withToken := sampleRequest(10)
	withToken.CapabilityToken = "aaa.bbb.ccc"
	otherToken := sampleRequest(10)
	otherToken.CapabilityToken = "xxx.yyy.zzz"
	noToken := sampleRequest(10)

	now := time.Now()
	r1, err := Build(BuildInput{Request: withToken, Decision: core.DecisionAllow, CreatedAt: now}, signer)
	require.NoError(t, err)
	r2, err := Build(BuildInput{Request: otherToken, Decision: core.DecisionAllow, CreatedAt: now}, signer)
	require.NoError(t, err)
	r3, err := Build(BuildInput{Request: noToken, Decision: core.DecisionAllow, CreatedAt: now}, signer)
	require.NoError(t, err)

	assert.Equal(t, r1.RequestHash, r2.RequestHash, "token bytes must not enter the request hash")
	assert.NotEqual(t, r1.RequestHash, r3.RequestHash, "token presence is covered")
}

func TestVerifyChain_Clean(t *testing.T) {
	signer := newSigner(t)
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		appendRecord(t, store, signer, float64(10+i), i == 2)
	}

	records, err := store.List(context.Background(), "acme", "refund-bot-v1", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Empty(t, VerifyChain(records, signer.PublicKey()))
}

// In-place mutation of record 2 must surface as a hash mismatch at its index
// and as a link mismatch on the following record.
func TestVerifyChain_TamperDetection(t *testing.T) {
	signer := newSigner(t)
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		appendRecord(t, store, signer, float64(10+i), false)
	}
	records, err := store.List(context.Background(), "acme", "refund-bot-v1", 0)
	require.NoError(t, err)

	records[1].ActionType = "wire_transfer"

	issues := VerifyChain(records, signer.PublicKey())
	require.Len(t, issues, 2)
	assert.Equal(t, 1, issues[0].Index)
	assert.Equal(t, IssueRecordHashMismatch, issues[0].Class)
	assert.Equal(t, records[1].RecordID, issues[0].RecordID)
	assert.Equal(t, 2, issues[1].Index)
	assert.Equal(t, IssuePreviousHashMismatch, issues[1].Class)
}

func TestVerifyChain_ForgedSignature(t *testing.T) {
	signer := newSigner(t)
	store := NewMemoryStore()
	appendRecord(t, store, signer, 10, false)
	records, err := store.List(context.Background(), "acme", "refund-bot-v1", 0)
	require.NoError(t, err)

	records[0].GatewaySignature = "bm90IGEgc2lnbmF0dXJl"

	issues := VerifyChain(records, signer.PublicKey())
	require.Len(t, issues, 1)
	assert.Equal(t, IssueSignatureInvalid, issues[0].Class)
}

func TestVerifyChain_FirstRecordMustBeGenesis(t *testing.T) {
	signer := newSigner(t)
	store := NewMemoryStore()
	appendRecord(t, store, signer, 10, false)
	appendRecord(t, store, signer, 11, false)
	records, err := store.List(context.Background(), "acme", "refund-bot-v1", 0)
	require.NoError(t, err)

	// A truncated export starting mid-chain is not a valid chain, but the
	// missing predecessor makes the first link unverifiable, not broken.
	issues := VerifyChain(records[1:], signer.PublicKey())
	require.Len(t, issues, 1)
	assert.Equal(t, IssueUnverifiable, issues[0].Class)
	assert.Equal(t, 0, issues[0].Index)
}

func TestMemoryStore_ChainConflict(t *testing.T) {
	signer := newSigner(t)
	store := NewMemoryStore()
	ctx := context.Background()
	first := appendRecord(t, store, signer, 10, false)

	// A second record built against the pre-insert tail (nil) loses the race.
	stale, err := Build(BuildInput{
		Request: sampleRequest(11), Decision: core.DecisionAllow, CreatedAt: time.Now(),
	}, signer)
	require.NoError(t, err)
	assert.ErrorIs(t, store.Insert(ctx, stale), ErrChainConflict)

	// Rebuilt against the current tail it inserts cleanly.
	rebuilt, err := Build(BuildInput{
		Request:            sampleRequest(11),
		Decision:           core.DecisionAllow,
		PreviousRecordHash: &first.RecordHash,
		CreatedAt:          time.Now(),
	}, signer)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, rebuilt))

	tail, err := store.Tail(ctx, "acme", "refund-bot-v1")
	require.NoError(t, err)
	assert.Equal(t, rebuilt.RecordID, tail.RecordID)
}

func TestMemoryStore_GetAndList(t *testing.T) {
	signer := newSigner(t)
	store := NewMemoryStore()
	ctx := context.Background()
	record := appendRecord(t, store, signer, 10, false)

	got, err := store.Get(ctx, "acme", record.RecordID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.RecordHash, got.RecordHash)

	missing, err := store.Get(ctx, "acme", "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	appendRecord(t, store, signer, 11, false)
	appendRecord(t, store, signer, 12, false)
	limited, err := store.List(ctx, "acme", "refund-bot-v1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
