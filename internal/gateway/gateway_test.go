package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk/gateway/internal/approval"
	"github.com/uapk/gateway/internal/audit"
	"github.com/uapk/gateway/internal/budget"
	"github.com/uapk/gateway/internal/connector"
	"github.com/uapk/gateway/internal/core"
	"github.com/uapk/gateway/internal/manifest"
	"github.com/uapk/gateway/internal/policy"
	"github.com/uapk/gateway/internal/token"
)

type harness struct {
	gateway   *Gateway
	manifests *manifest.MemoryStore
	approvals approval.Store
	budgets   budget.Store
	audits    audit.Store
	tokens    *token.Service
	signer    *audit.Signer
}

func newHarness(t *testing.T, body map[string]interface{}) *harness {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	h := &harness{
		manifests: manifest.NewMemoryStore(),
		approvals: approval.NewMemoryStore(),
		budgets:   budget.NewMemoryStore(),
		audits:    audit.NewMemoryStore(),
		signer:    audit.NewSigner(priv),
	}
	issuers := token.NewMemoryIssuerStore()
	h.tokens = token.NewService(priv, issuers)

	require.NoError(t, h.manifests.Create(context.Background(), &manifest.Manifest{
		Tenant:     "acme",
		ManifestID: "refund-bot-v1",
		Status:     manifest.StatusActive,
		Body:       body,
	}))

	engine := policy.NewEngine(h.manifests, h.tokens, issuers, h.approvals, h.budgets)
	runtime := connector.NewRuntime(connector.NewGuard(connector.WithAllowPrivate(true)),
		connector.StaticSecrets{}, connector.Config{}, nil)
	h.gateway = New(engine, h.approvals, h.budgets, h.audits, h.signer, runtime)
	return h
}

func refundBody(policySection map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"policy": policySection,
		"tools": map[string]interface{}{
			"stripe_refund": map[string]interface{}{"type": "mock"},
		},
	}
}

func refundRequest(amount float64) *core.ActionRequest {
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

func hasReason(reasons []policy.Reason, code string) bool {
	for _, r := range reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

func TestEvaluate_DenyWritesRecordWithoutExecution(t *testing.T) {
	h := newHarness(t, refundBody(map[string]interface{}{
		"amount_caps":         map[string]interface{}{"USD": 100.0},
		"approval_thresholds": map[string]interface{}{"amount": 50.0, "currency": "USD"},
	}))
	ctx := context.Background()

	resp, err := h.gateway.Evaluate(ctx, refundRequest(150))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, resp.Decision)
	assert.True(t, hasReason(resp.Reasons, policy.ReasonAmountExceedsCap))
	assert.False(t, resp.Executed)
	assert.NotEmpty(t, resp.InteractionID)

	record, err := h.audits.Get(ctx, "acme", resp.InteractionID)
	require.NoError(t, err)
	require.NotNil(t, record, "every decision persists a record")
	assert.Equal(t, "deny", record.Decision)
	assert.False(t, record.Executed)
	assert.Nil(t, record.ResultHash)

	// A denial never touches the counter.
	count, err := h.budgets.Get(ctx, "acme", "refund-bot-v1", budget.Day(time.Now()))
	require.NoError(t, err)
	assert.Zero(t, count)
}

// Full escalate -> approve -> override -> execute -> replay lifecycle.
func TestExecute_OverrideLifecycle(t *testing.T) {
	h := newHarness(t, refundBody(map[string]interface{}{
		"amount_caps":         map[string]interface{}{"USD": 100.0},
		"approval_thresholds": map[string]interface{}{"amount": 50.0, "currency": "USD"},
	}))
	ctx := context.Background()

	evalResp, err := h.gateway.Evaluate(ctx, refundRequest(75))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionEscalate, evalResp.Decision)
	assert.True(t, hasReason(evalResp.Reasons, policy.ReasonAmountRequiresApproval))
	require.NotEmpty(t, evalResp.ApprovalID)

	appr, err := h.approvals.Get(ctx, "acme", evalResp.ApprovalID)
	require.NoError(t, err)
	require.NotNil(t, appr)
	assert.Equal(t, approval.StatusPending, appr.Status)

	// Operator approves; the platform mints an override bound to the frozen
	// action hash.
	require.NoError(t, h.approvals.SetStatus(ctx, "acme", appr.ApprovalID, approval.StatusApproved, "ops@acme"))
	overrideToken, _, err := h.tokens.IssueOverride("acme", "refund-bot-v1", "agent-7",
		appr.ActionHash, appr.ApprovalID, 0)
	require.NoError(t, err)

	req := refundRequest(75)
	req.OverrideToken = overrideToken
	execResp, err := h.gateway.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, execResp.Decision)
	assert.True(t, hasReason(execResp.Reasons, policy.ReasonOverrideTokenAccepted))
	assert.True(t, execResp.Executed)
	require.NotNil(t, execResp.Result)
	assert.True(t, execResp.Result.Success)

	appr, err = h.approvals.Get(ctx, "acme", appr.ApprovalID)
	require.NoError(t, err)
	require.NotNil(t, appr.ConsumedAt)
	assert.Equal(t, execResp.InteractionID, appr.ConsumedInteractionID)

	// Replaying the same token is denied without running the tool again.
	replayResp, err := h.gateway.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, replayResp.Decision)
	assert.True(t, hasReason(replayResp.Reasons, policy.ReasonOverrideTokenAlreadyUsed))
	assert.False(t, replayResp.Executed)
}

func TestExecute_AllowRunsConnectorAndChains(t *testing.T) {
	h := newHarness(t, refundBody(map[string]interface{}{
		"amount_caps": map[string]interface{}{"USD": 100.0},
	}))
	ctx := context.Background()

	first, err := h.gateway.Execute(ctx, refundRequest(10))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, first.Decision)
	assert.True(t, first.Executed)

	second, err := h.gateway.Execute(ctx, refundRequest(20))
	require.NoError(t, err)
	assert.True(t, second.Executed)

	records, err := h.audits.List(ctx, "acme", "refund-bot-v1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, audit.VerifyChain(records, h.signer.PublicKey()))
	require.NotNil(t, records[1].ResultHash)
	assert.Equal(t, *records[1].ResultHash, second.Result.ResultHash)
}

// An unusable connector config is a tool failure, not a policy denial: the
// decision stays allow, executed is true, and the result carries the error.
func TestExecute_BrokenConnectorIsNotADenial(t *testing.T) {
	h := newHarness(t, map[string]interface{}{
		"policy":            map[string]interface{}{},
		"default_connector": map[string]interface{}{"type": "carrier_pigeon"},
	})
	ctx := context.Background()

	resp, err := h.gateway.Execute(ctx, refundRequest(10))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, resp.Decision)
	assert.True(t, resp.Executed)
	require.NotNil(t, resp.Result)
	assert.False(t, resp.Result.Success)
	assert.Equal(t, connector.CodeInvalidConnectorType, resp.Result.Error.Code)

	record, err := h.audits.Get(ctx, "acme", resp.InteractionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Executed)
	require.NotNil(t, record.ResultHash, "failed results are still hashed into the record")
}

// Fifty concurrent executes against a cap of ten: exactly ten run.
func TestExecute_ConcurrentBudgetHardCap(t *testing.T) {
	body := refundBody(map[string]interface{}{})
	body["constraints"] = map[string]interface{}{
		"daily_action_budget": 10.0,
		// Disable the escalation band so every over-cap request is a clean
		// deny regardless of interleaving.
		"budget_escalate_at_percent": 100.0,
	}
	h := newHarness(t, body)
	ctx := context.Background()

	const racers = 50
	var wg sync.WaitGroup
	responses := make(chan *Response, racers)
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.gateway.Execute(ctx, refundRequest(5))
			if err != nil {
				errs <- err
				return
			}
			responses <- resp
		}()
	}
	wg.Wait()
	close(responses)
	close(errs)
	for err := range errs {
		t.Fatalf("execute failed: %v", err)
	}

	var executed, denied int
	for resp := range responses {
		switch {
		case resp.Decision == core.DecisionAllow && resp.Executed:
			executed++
		case resp.Decision == core.DecisionDeny:
			assert.True(t, hasReason(resp.Reasons, policy.ReasonBudgetExceeded))
			denied++
		default:
			t.Fatalf("unexpected outcome: %s executed=%v", resp.Decision, resp.Executed)
		}
	}
	assert.Equal(t, 10, executed)
	assert.Equal(t, 40, denied)

	count, err := h.budgets.Get(ctx, "acme", "refund-bot-v1", budget.Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 10, count, "counter never exceeds the cap")
}

// Approval store that validates cleanly but loses every consume race.
type replayRacedApprovals struct {
	approval.Store
}

func (s *replayRacedApprovals) Consume(context.Context, string, string, string) error {
	return approval.ErrAlreadyConsumed
}

func TestExecute_OverrideConsumeRaceDenies(t *testing.T) {
	h := newHarness(t, refundBody(map[string]interface{}{
		"approval_thresholds": map[string]interface{}{"tools": []interface{}{"stripe_refund"}},
	}))
	ctx := context.Background()

	evalResp, err := h.gateway.Evaluate(ctx, refundRequest(10))
	require.NoError(t, err)
	require.NotEmpty(t, evalResp.ApprovalID)
	require.NoError(t, h.approvals.SetStatus(ctx, "acme", evalResp.ApprovalID, approval.StatusApproved, "ops@acme"))

	appr, err := h.approvals.Get(ctx, "acme", evalResp.ApprovalID)
	require.NoError(t, err)
	overrideToken, _, err := h.tokens.IssueOverride("acme", "refund-bot-v1", "agent-7",
		appr.ActionHash, appr.ApprovalID, 0)
	require.NoError(t, err)

	// Swap in a store where the conditional update always affects zero rows.
	h.gateway.approvals = &replayRacedApprovals{Store: h.approvals}

	req := refundRequest(10)
	req.OverrideToken = overrideToken
	resp, err := h.gateway.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, resp.Decision)
	assert.True(t, hasReason(resp.Reasons, policy.ReasonOverrideTokenAlreadyUsed))
	assert.False(t, resp.Executed, "losing the consume race must not run the connector")
}

// Audit store whose inserts always fail with an infrastructure error.
type brokenAudits struct {
	audit.Store
}

func (s *brokenAudits) Insert(context.Context, *audit.Record) error {
	return errors.New("disk on fire")
}

func TestExecute_AuditFailureAfterExecutionWarns(t *testing.T) {
	h := newHarness(t, refundBody(map[string]interface{}{}))
	h.gateway.audits = &brokenAudits{Store: h.audits}
	ctx := context.Background()

	resp, err := h.gateway.Execute(ctx, refundRequest(10))
	require.NoError(t, err, "a successful execution is reported even when auditing fails")
	assert.True(t, resp.Executed)
	assert.Contains(t, resp.Warnings, WarningAuditWriteFailed)

	// Evaluate has no tool side effect to protect, so the failure surfaces.
	_, err = h.gateway.Evaluate(ctx, refundRequest(10))
	assert.Error(t, err)
}

// Audit store that moves the chain tail under the first insert attempt.
type racingAudits struct {
	audit.Store
	signer *audit.Signer
	raced  bool
}

func (s *racingAudits) Insert(ctx context.Context, r *audit.Record) error {
	if !s.raced {
		s.raced = true
		tail, _ := s.Store.Tail(ctx, r.Tenant, r.ManifestID)
		var prev *string
		if tail != nil {
			prev = &tail.RecordHash
		}
		interloper, err := audit.Build(audit.BuildInput{
			Request:            refundRequest(1),
			Decision:           core.DecisionDeny,
			PreviousRecordHash: prev,
			CreatedAt:          time.Now(),
		}, s.signer)
		if err != nil {
			return err
		}
		if err := s.Store.Insert(ctx, interloper); err != nil {
			return err
		}
	}
	return s.Store.Insert(ctx, r)
}

func TestExecute_ChainConflictRetries(t *testing.T) {
	h := newHarness(t, refundBody(map[string]interface{}{}))
	h.gateway.audits = &racingAudits{Store: h.audits, signer: h.signer}
	ctx := context.Background()

	resp, err := h.gateway.Execute(ctx, refundRequest(10))
	require.NoError(t, err)
	assert.True(t, resp.Executed)

	records, err := h.audits.List(ctx, "acme", "refund-bot-v1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2, "interloper plus the retried record")
	assert.Empty(t, audit.VerifyChain(records, h.signer.PublicKey()))
}
