// Package gateway orchestrates the two public operations, Evaluate and
// Execute: it runs the policy engine, reserves budget, consumes overrides,
// invokes connectors, and persists the chained audit record before the
// response is returned.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uapk/gateway/internal/approval"
	"github.com/uapk/gateway/internal/audit"
	"github.com/uapk/gateway/internal/budget"
	"github.com/uapk/gateway/internal/canonicaljson"
	"github.com/uapk/gateway/internal/connector"
	"github.com/uapk/gateway/internal/core"
	"github.com/uapk/gateway/internal/manifest"
	"github.com/uapk/gateway/internal/monitoring"
	"github.com/uapk/gateway/internal/policy"
)

// WarningAuditWriteFailed flags a response whose connector call succeeded
// but whose audit record could not be persisted. Operators must monitor it.
const WarningAuditWriteFailed = "audit_write_failed"

// chainInsertAttempts bounds retries after losing a chain-tail race.
const chainInsertAttempts = 3

// Response is the envelope returned by both Evaluate and Execute.
type Response struct {
	InteractionID string                `json:"interaction_id"`
	Decision      core.Decision         `json:"decision"`
	Reasons       []policy.Reason       `json:"reasons"`
	ApprovalID    string                `json:"approval_id,omitempty"`
	Executed      bool                  `json:"executed"`
	Result        *core.ConnectorResult `json:"result,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
	PolicyVersion string                `json:"policy_version"`
	Warnings      []string              `json:"warnings,omitempty"`
}

// Gateway wires the policy engine to the stores and the connector runtime.
type Gateway struct {
	engine    *policy.Engine
	approvals approval.Store
	budgets   budget.Store
	audits    audit.Store
	signer    *audit.Signer
	runtime   *connector.Runtime

	approvalTTL   time.Duration
	policyVersion string
	clock         func() time.Time
	logger        *slog.Logger
	metrics       *monitoring.Metrics
	onApproval    func(*approval.Approval)

	// chainLocks serializes audit appends per (tenant, manifest_id) within
	// this process; the store's conflict detection still covers appends
	// from other gateway instances.
	chainLocks sync.Map
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithApprovalTTL sets the redemption window of created approvals.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(g *Gateway) { g.approvalTTL = ttl }
}

// WithPolicyVersion stamps responses with the deployed policy version.
func WithPolicyVersion(version string) Option {
	return func(g *Gateway) { g.policyVersion = version }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithApprovalListener registers a callback invoked after an escalation
// persists a new pending approval. Used to push live events to reviewers.
func WithApprovalListener(fn func(*approval.Approval)) Option {
	return func(g *Gateway) { g.onApproval = fn }
}

// New builds the orchestrator.
func New(engine *policy.Engine, approvals approval.Store, budgets budget.Store,
	audits audit.Store, signer *audit.Signer, runtime *connector.Runtime, opts ...Option) *Gateway {
	g := &Gateway{
		engine:        engine,
		approvals:     approvals,
		budgets:       budgets,
		audits:        audits,
		signer:        signer,
		runtime:       runtime,
		approvalTTL:   24 * time.Hour,
		policyVersion: "v1",
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the policy engine without executing anything. Escalations
// create an approval; every call persists an interaction record.
func (g *Gateway) Evaluate(ctx context.Context, req *core.ActionRequest) (*Response, error) {
	start := g.clock()
	result, err := g.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	g.observeDecision(req.Tenant, "evaluate", result.Decision, start)

	resp := &Response{
		InteractionID: uuid.NewString(),
		Decision:      result.Decision,
		Reasons:       result.Reasons,
		Timestamp:     g.clock().UTC(),
		PolicyVersion: g.policyVersion,
	}

	if result.Decision == core.DecisionEscalate {
		approvalID, err := g.createApproval(ctx, req, result, resp.InteractionID)
		if err != nil {
			return nil, err
		}
		resp.ApprovalID = approvalID
	}

	record, err := g.writeRecord(ctx, resp.InteractionID, req, result, false, nil)
	if err != nil {
		return nil, err
	}
	resp.InteractionID = record.RecordID
	return resp, nil
}

// Execute evaluates and, on allow, reserves a budget slot, consumes the
// override (if one authorized the action), and invokes the tool. The audit
// record is written in every case.
func (g *Gateway) Execute(ctx context.Context, req *core.ActionRequest) (*Response, error) {
	start := g.clock()
	result, err := g.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		InteractionID: uuid.NewString(),
		Decision:      result.Decision,
		Reasons:       result.Reasons,
		Timestamp:     g.clock().UTC(),
		PolicyVersion: g.policyVersion,
	}

	var connectorResult *core.ConnectorResult
	switch result.Decision {
	case core.DecisionAllow:
		connectorResult, err = g.executeAllowed(ctx, req, result, resp)
		if err != nil {
			return nil, err
		}
	case core.DecisionEscalate:
		approvalID, err := g.createApproval(ctx, req, result, resp.InteractionID)
		if err != nil {
			return nil, err
		}
		resp.ApprovalID = approvalID
	}
	resp.Decision = result.Decision
	resp.Reasons = result.Reasons
	g.observeDecision(req.Tenant, "execute", result.Decision, start)

	record, err := g.writeRecord(ctx, resp.InteractionID, req, result, resp.Executed, connectorResult)
	if err != nil {
		// The tool may already have run; the caller gets the successful
		// result plus a warning rather than a rollback the gateway cannot
		// perform.
		if resp.Executed {
			g.logger.Error("audit write failed after execution",
				"tenant", req.Tenant, "interaction_id", resp.InteractionID, "error", err)
			if g.metrics != nil {
				g.metrics.AuditWriteFailures.Inc()
			}
			resp.Warnings = append(resp.Warnings, WarningAuditWriteFailed)
			return resp, nil
		}
		return nil, err
	}
	resp.InteractionID = record.RecordID
	return resp, nil
}

// executeAllowed runs steps 2a-2e of the execute path. It mutates result
// when a budget race or an override replay downgrades the decision to deny.
func (g *Gateway) executeAllowed(ctx context.Context, req *core.ActionRequest,
	result *policy.Result, resp *Response) (*core.ConnectorResult, error) {

	// 2a. Budget reservation is the authoritative cap gate; the engine's
	// earlier read may have been stale.
	if result.BudgetLimit > 0 {
		_, err := g.budgets.Reserve(ctx, req.Tenant, req.ManifestID, budget.Day(g.clock()), result.BudgetLimit)
		if errors.Is(err, budget.ErrCapReached) {
			g.denyLate(result, policy.ReasonBudgetExceeded, "daily action budget exhausted")
			g.countReservation(req.Tenant, "denied")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gateway: budget reservation: %w", err)
		}
		g.countReservation(req.Tenant, "granted")
	}

	// 2e ordering: the override is consumed before the connector runs so a
	// racing replayer can never execute the action twice.
	if result.OverrideValid {
		err := g.approvals.Consume(ctx, req.Tenant, result.ApprovalID, resp.InteractionID)
		if errors.Is(err, approval.ErrAlreadyConsumed) {
			g.denyLate(result, policy.ReasonOverrideTokenAlreadyUsed, "override token was already redeemed")
			g.countOverride(req.Tenant, "replayed")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gateway: consume approval: %w", err)
		}
		g.countOverride(req.Tenant, "consumed")
	}

	// 2b-2d. Tool resolution failures are connector failures, not policy
	// denials: the decision stands, the tool just did not run usefully.
	tool := g.resolveTool(result.Manifest, req.Action.Tool)
	var connectorResult *core.ConnectorResult
	if tool == nil {
		connectorResult = &core.ConnectorResult{
			Success: false,
			Error: &core.ConnectorError{
				Code:    connector.CodeToolNotConfigured,
				Message: fmt.Sprintf("tool %q has no connector configuration", req.Action.Tool),
			},
		}
	} else {
		connectorResult = g.runtime.Invoke(ctx, req.Tenant, tool, req.Action.Params)
	}
	g.observeConnector(tool, connectorResult)

	resp.Executed = true
	resp.Result = connectorResult
	return connectorResult, nil
}

func (g *Gateway) resolveTool(m *manifest.Manifest, tool string) *manifest.ToolConfig {
	if m == nil {
		return nil
	}
	if cfg, ok := m.Tools()[tool]; ok {
		return cfg
	}
	return m.DefaultConnector()
}

// denyLate downgrades an allow after the engine ran (budget race, override
// replay). The trace keeps the engine's stages; the added reason explains
// the downgrade.
func (g *Gateway) denyLate(result *policy.Result, code, message string) {
	result.Decision = core.DecisionDeny
	result.Reasons = append(result.Reasons, policy.Reason{Code: code, Message: message})
}

func (g *Gateway) createApproval(ctx context.Context, req *core.ActionRequest,
	result *policy.Result, interactionID string) (string, error) {
	actionHash, err := canonicaljson.Hash(req.Action)
	if err != nil {
		return "", fmt.Errorf("gateway: hash action: %w", err)
	}
	codes := make([]string, 0, len(result.Reasons))
	for _, r := range result.Reasons {
		codes = append(codes, r.Code)
	}

	appr := &approval.Approval{
		ApprovalID:    "ap-" + uuid.NewString(),
		Tenant:        req.Tenant,
		InteractionID: interactionID,
		ManifestID:    req.ManifestID,
		AgentID:       req.AgentID,
		Action:        req.Action,
		Counterparty:  req.Counterparty,
		Context:       req.Context,
		ReasonCodes:   codes,
		ActionHash:    actionHash,
		Status:        approval.StatusPending,
		ExpiresAt:     g.clock().UTC().Add(g.approvalTTL),
	}
	if err := g.approvals.Create(ctx, appr); err != nil {
		return "", fmt.Errorf("gateway: create approval: %w", err)
	}
	if g.metrics != nil {
		g.metrics.ApprovalsCreated.WithLabelValues(req.Tenant).Inc()
	}
	g.logger.Info("approval created",
		"tenant", req.Tenant,
		"approval_id", appr.ApprovalID,
		"manifest_id", req.ManifestID,
		"reasons", codes)
	if g.onApproval != nil {
		g.onApproval(appr)
	}
	return appr.ApprovalID, nil
}

// writeRecord persists the interaction record, retrying when another request
// appended to the same chain between the tail read and the insert.
func (g *Gateway) writeRecord(ctx context.Context, recordID string, req *core.ActionRequest,
	result *policy.Result, executed bool, connectorResult *core.ConnectorResult) (*audit.Record, error) {

	lockAny, _ := g.chainLocks.LoadOrStore(req.Tenant+"/"+req.ManifestID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < chainInsertAttempts; attempt++ {
		tail, err := g.audits.Tail(ctx, req.Tenant, req.ManifestID)
		if err != nil {
			return nil, fmt.Errorf("gateway: read chain tail: %w", err)
		}
		var prev *string
		if tail != nil {
			prev = &tail.RecordHash
		}

		record, err := audit.Build(audit.BuildInput{
			RecordID:           recordID,
			Request:            req,
			Decision:           result.Decision,
			Reasons:            result.Reasons,
			Trace:              result.Trace,
			RiskSnapshot:       result.RiskSnapshot,
			Executed:           executed,
			Result:             connectorResult,
			PreviousRecordHash: prev,
			CreatedAt:          g.clock(),
		}, g.signer)
		if err != nil {
			return nil, err
		}

		err = g.audits.Insert(ctx, record)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, audit.ErrChainConflict) {
			return nil, fmt.Errorf("gateway: insert record: %w", err)
		}
		lastErr = err
		if g.metrics != nil {
			g.metrics.AuditChainRetries.Inc()
		}
	}
	return nil, fmt.Errorf("gateway: chain tail kept moving: %w", lastErr)
}

// ─────────────────────────────────────────────────────────────────────────────
// Instrumentation helpers (nil-safe: metrics are optional in tests)
// ─────────────────────────────────────────────────────────────────────────────

func (g *Gateway) observeDecision(tenant, operation string, decision core.Decision, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.Decisions.WithLabelValues(tenant, operation, string(decision)).Inc()
	g.metrics.EvaluateDuration.WithLabelValues(tenant).Observe(g.clock().Sub(start).Seconds())
}

func (g *Gateway) countReservation(tenant, result string) {
	if g.metrics != nil {
		g.metrics.BudgetReservations.WithLabelValues(tenant, result).Inc()
	}
}

func (g *Gateway) countOverride(tenant, result string) {
	if g.metrics != nil {
		g.metrics.OverridesRedeemed.WithLabelValues(tenant, result).Inc()
	}
}

func (g *Gateway) observeConnector(tool *manifest.ToolConfig, result *core.ConnectorResult) {
	if g.metrics == nil {
		return
	}
	connectorType := "none"
	if tool != nil {
		connectorType = tool.Type
	}
	outcome := "success"
	if !result.Success {
		outcome = "failure"
		if result.Error != nil {
			g.metrics.ConnectorErrors.WithLabelValues(result.Error.Code).Inc()
		}
	}
	g.metrics.ConnectorInvocations.WithLabelValues(connectorType, outcome).Inc()
	g.metrics.ConnectorDuration.WithLabelValues(connectorType).
		Observe(float64(result.DurationMS) / 1000)
}
