// Package policy implements the deterministic multi-stage evaluator that
// intersects manifest rules, capability-token claims, and override tokens
// into a single allow/deny/escalate decision with a full stage trace.
package policy

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uapk/gateway/internal/approval"
	"github.com/uapk/gateway/internal/budget"
	"github.com/uapk/gateway/internal/canonicaljson"
	"github.com/uapk/gateway/internal/core"
	"github.com/uapk/gateway/internal/manifest"
	"github.com/uapk/gateway/internal/token"
)

// Verifier establishes token authenticity and expiry. Satisfied by
// *token.Service; semantic binding checks stay in the engine.
type Verifier interface {
	Verify(ctx context.Context, tenant, compact string, keyOverride ed25519.PublicKey) (*token.Claims, error)
}

// Result is the full outcome of one evaluation.
type Result struct {
	Decision     core.Decision          `json:"decision"`
	Reasons      []Reason               `json:"reasons"`
	Trace        []TraceEntry           `json:"policy_trace"`
	TokenClaims  *token.Claims          `json:"token_claims,omitempty"`
	RiskSnapshot map[string]interface{} `json:"risk_snapshot"`
	BudgetCount  int                    `json:"budget_count"`
	BudgetLimit  int                    `json:"budget_limit"`

	// OverrideValid reports that the request carried a fully bound, approved,
	// unconsumed override token. The execute path consumes ApprovalID; the
	// engine itself never mutates approvals.
	OverrideValid bool   `json:"-"`
	ApprovalID    string `json:"-"`

	// Manifest is the selected active manifest, nil on manifest_not_found.
	Manifest *manifest.Manifest `json:"-"`
}

// HasReason reports whether the result carries the given reason code.
func (r *Result) HasReason(code string) bool {
	for _, reason := range r.Reasons {
		if reason.Code == code {
			return true
		}
	}
	return false
}

// Engine evaluates action requests. Evaluation is a pure function of the
// request plus the row-level state of manifests, issuers, approvals, and
// counters; the engine performs no writes.
type Engine struct {
	manifests manifest.Store
	tokens    Verifier
	issuers   token.Resolver
	approvals approval.Store
	budgets   budget.Store

	defaultDailyBudget int
	clock              func() time.Time
	logger             *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultDailyBudget sets the cap applied when a manifest does not
// declare constraints.daily_action_budget. Zero means unlimited.
func WithDefaultDailyBudget(cap int) Option {
	return func(e *Engine) { e.defaultDailyBudget = cap }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine wires the evaluator over its stores.
func NewEngine(manifests manifest.Store, tokens Verifier, issuers token.Resolver,
	approvals approval.Store, budgets budget.Store, opts ...Option) *Engine {
	e := &Engine{
		manifests: manifests,
		tokens:    tokens,
		issuers:   issuers,
		approvals: approvals,
		budgets:   budgets,
		clock:     time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evaluation carries the mutable state threaded through the stages.
type evaluation struct {
	req      *core.ActionRequest
	manifest *manifest.Manifest
	policy   *manifest.Policy

	decision  core.Decision
	reasons   []Reason
	trace     []TraceEntry
	capClaims *token.Claims

	overrideValid bool
	approvalID    string

	amount      float64
	currency    string
	hasAmount   bool
	budgetCount int
	budgetLimit int
}

func (e *evaluation) record(stage, outcome, detail string) {
	e.trace = append(e.trace, TraceEntry{Stage: stage, Outcome: outcome, Detail: detail})
}

func (e *evaluation) pass(stage string) { e.record(stage, OutcomePass, "") }
func (e *evaluation) skip(stage string) { e.record(stage, OutcomeSkip, "") }

func (e *evaluation) deny(stage, code, message string, details map[string]interface{}) {
	e.record(stage, OutcomeFail, code)
	e.reasons = append(e.reasons, reason(code, message, details))
	e.decision = core.DecisionDeny
}

func (e *evaluation) escalate(stage, code, message string, details map[string]interface{}) {
	e.record(stage, OutcomeEscalate, code)
	e.reasons = append(e.reasons, reason(code, message, details))
	if e.decision != core.DecisionDeny {
		e.decision = core.DecisionEscalate
	}
}

func (e *evaluation) denied() bool { return e.decision == core.DecisionDeny }

// Evaluate runs the full stage pipeline. A deny is terminal; a provisional
// escalate continues through the remaining stages so a later hard denial is
// not hidden. Returned errors are infrastructure failures, never policy
// outcomes.
func (eng *Engine) Evaluate(ctx context.Context, req *core.ActionRequest) (*Result, error) {
	ev := &evaluation{req: req, decision: core.DecisionAllow}

	if err := eng.stageManifestStatus(ctx, ev); err != nil {
		return nil, err
	}
	if !ev.denied() {
		if err := eng.stageCapabilityToken(ctx, ev); err != nil {
			return nil, err
		}
	}
	if !ev.denied() {
		if err := eng.stageOverrideBinding(ctx, ev); err != nil {
			return nil, err
		}
	}
	if !ev.denied() {
		eng.stageRequireCapabilityToken(ev)
	}
	if !ev.denied() {
		eng.stageActionTypeManifest(ev)
	}
	if !ev.denied() {
		eng.stageActionTypeToken(ev)
	}
	if !ev.denied() {
		eng.stageToolManifest(ev)
	}
	if !ev.denied() {
		eng.stageToolToken(ev)
	}
	if !ev.denied() {
		eng.extractAmount(ev)
		eng.stageApprovalThresholds(ev)
	}
	if !ev.denied() {
		eng.stageAmountCapsManifest(ev)
	}
	if !ev.denied() {
		eng.stageAmountCapToken(ev)
	}
	if !ev.denied() {
		eng.stageJurisdiction(ev)
	}
	if !ev.denied() {
		eng.stageCounterparty(ev)
	}
	if !ev.denied() {
		if err := eng.stageDailyBudget(ctx, ev); err != nil {
			return nil, err
		}
	}
	eng.stageOverrideAcceptance(ev)

	if ev.decision == core.DecisionAllow && len(ev.reasons) == 0 {
		ev.reasons = append(ev.reasons, reason(ReasonAllChecksPassed, "all policy checks passed", nil))
	}

	result := &Result{
		Decision:      ev.decision,
		Reasons:       ev.reasons,
		Trace:         ev.trace,
		TokenClaims:   ev.capClaims,
		RiskSnapshot:  eng.riskSnapshot(ev),
		BudgetCount:   ev.budgetCount,
		BudgetLimit:   ev.budgetLimit,
		OverrideValid: ev.overrideValid,
		ApprovalID:    ev.approvalID,
		Manifest:      ev.manifest,
	}
	eng.logger.Debug("policy evaluation complete",
		"tenant", req.Tenant,
		"manifest_id", req.ManifestID,
		"decision", result.Decision,
		"stages", len(result.Trace))
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Stages
// ─────────────────────────────────────────────────────────────────────────────

func (eng *Engine) stageManifestStatus(ctx context.Context, ev *evaluation) error {
	const stage = "manifest_status"
	m, err := eng.manifests.GetActive(ctx, ev.req.Tenant, ev.req.ManifestID)
	if err != nil {
		return fmt.Errorf("policy: manifest lookup: %w", err)
	}
	if m == nil {
		newest, err := eng.manifests.GetNewest(ctx, ev.req.Tenant, ev.req.ManifestID)
		if err != nil {
			return fmt.Errorf("policy: manifest lookup: %w", err)
		}
		if newest == nil {
			ev.deny(stage, ReasonManifestNotFound, "no manifest registered for this id",
				map[string]interface{}{"manifest_id": ev.req.ManifestID})
		} else {
			ev.deny(stage, ReasonManifestNotActive, "manifest exists but is not active",
				map[string]interface{}{"manifest_id": ev.req.ManifestID, "status": newest.Status})
		}
		return nil
	}
	ev.manifest = m
	ev.policy = m.Policy()
	ev.pass(stage)
	return nil
}

func (eng *Engine) stageCapabilityToken(ctx context.Context, ev *evaluation) error {
	const stage = "capability_token"
	if ev.req.CapabilityToken == "" {
		ev.skip(stage)
		return nil
	}

	claims, err := eng.tokens.Verify(ctx, ev.req.Tenant, ev.req.CapabilityToken, nil)
	if err != nil {
		ev.deny(stage, ReasonCapabilityTokenInvalid, "capability token failed verification",
			map[string]interface{}{"error": err.Error()})
		return nil
	}
	if err := claims.ValidateShape(); err != nil || claims.IsOverride() {
		ev.deny(stage, ReasonCapabilityTokenInvalid, "capability token has invalid shape", nil)
		return nil
	}

	if claims.OrgID != ev.req.Tenant {
		ev.deny(stage, ReasonTokenOrgMismatch, "token org_id does not match the tenant", nil)
		return nil
	}
	if claims.ManifestID != ev.req.ManifestID {
		ev.deny(stage, ReasonTokenManifestMismatch, "token is bound to a different manifest",
			map[string]interface{}{"token_manifest_id": claims.ManifestID})
		return nil
	}
	if claims.Subject != ev.req.AgentID {
		ev.deny(stage, ReasonTokenAgentMismatch, "token subject does not match the agent", nil)
		return nil
	}

	if claims.Issuer != token.GatewayIssuer {
		issuer, err := eng.issuers.ResolveIssuer(ctx, ev.req.Tenant, claims.Issuer)
		if err != nil {
			return fmt.Errorf("policy: issuer lookup: %w", err)
		}
		if issuer == nil {
			ev.deny(stage, ReasonCapabilityTokenInvalid, "token issuer is not registered",
				map[string]interface{}{"issuer": claims.Issuer})
			return nil
		}
		if issuer.Status != token.IssuerActive {
			ev.deny(stage, ReasonTokenIssuerRevoked, "token issuer is not active",
				map[string]interface{}{"issuer": claims.Issuer, "status": issuer.Status})
			return nil
		}
	}

	ev.capClaims = claims
	ev.pass(stage)
	return nil
}

func (eng *Engine) stageOverrideBinding(ctx context.Context, ev *evaluation) error {
	const stage = "override_binding"
	if ev.req.OverrideToken == "" {
		ev.skip(stage)
		return nil
	}

	invalid := func(detail string) {
		ev.deny(stage, ReasonOverrideTokenInvalid, "override token failed validation",
			map[string]interface{}{"detail": detail})
	}

	claims, err := eng.tokens.Verify(ctx, ev.req.Tenant, ev.req.OverrideToken, nil)
	if err != nil {
		invalid(err.Error())
		return nil
	}
	if err := claims.ValidateShape(); err != nil || !claims.IsOverride() {
		invalid("not an override token")
		return nil
	}
	if claims.OrgID != ev.req.Tenant || claims.ManifestID != ev.req.ManifestID || claims.Subject != ev.req.AgentID {
		invalid("identity binding mismatch")
		return nil
	}

	// Bind to the exact action being requested now, not the one the token
	// was minted for.
	actionHash, err := canonicaljson.Hash(ev.req.Action)
	if err != nil {
		return fmt.Errorf("policy: hash action: %w", err)
	}
	if actionHash != claims.ActionHash {
		invalid("action hash mismatch")
		return nil
	}

	appr, err := eng.approvals.Get(ctx, ev.req.Tenant, claims.ApprovalID)
	if err != nil {
		return fmt.Errorf("policy: approval lookup: %w", err)
	}
	switch {
	case appr == nil:
		invalid("approval not found")
	case appr.ConsumedAt != nil:
		ev.deny(stage, ReasonOverrideTokenAlreadyUsed, "override token was already redeemed",
			map[string]interface{}{"approval_id": appr.ApprovalID})
	case appr.Status != approval.StatusApproved:
		invalid("approval is not approved")
	case appr.Expired(eng.clock()):
		invalid("approval expired")
	case appr.ManifestID != ev.req.ManifestID || appr.AgentID != ev.req.AgentID:
		invalid("approval identity mismatch")
	case appr.ActionHash != claims.ActionHash:
		invalid("approval action hash mismatch")
	default:
		// Validation only: consumption happens in the execute path so that
		// evaluate calls never burn approvals.
		ev.overrideValid = true
		ev.approvalID = appr.ApprovalID
		ev.pass(stage)
	}
	return nil
}

func (eng *Engine) stageRequireCapabilityToken(ev *evaluation) {
	const stage = "require_capability_token"
	if !ev.policy.RequireCapabilityToken {
		ev.skip(stage)
		return
	}
	if ev.req.CapabilityToken == "" {
		ev.deny(stage, ReasonCapabilityTokenRequired, "manifest policy requires a capability token", nil)
		return
	}
	ev.pass(stage)
}

func (eng *Engine) stageActionTypeManifest(ev *evaluation) {
	const stage = "action_type_manifest"
	allowed := ev.policy.AllowedActionTypes
	if len(allowed) == 0 {
		ev.skip(stage)
		return
	}
	if !contains(allowed, ev.req.Action.Type) {
		ev.deny(stage, ReasonActionTypeNotAllowed, "action type is not allowed by the manifest",
			map[string]interface{}{"action_type": ev.req.Action.Type, "allowed": allowed})
		return
	}
	ev.pass(stage)
}

func (eng *Engine) stageActionTypeToken(ev *evaluation) {
	const stage = "action_type_token"
	if ev.capClaims == nil || len(ev.capClaims.AllowedActionTypes) == 0 {
		ev.skip(stage)
		return
	}
	if !contains(ev.capClaims.AllowedActionTypes, ev.req.Action.Type) {
		ev.deny(stage, ReasonTokenActionTypeDenied, "action type is not allowed by the token",
			map[string]interface{}{"action_type": ev.req.Action.Type})
		return
	}
	ev.pass(stage)
}

func (eng *Engine) stageToolManifest(ev *evaluation) {
	const stage = "tool_manifest"
	tool := ev.req.Action.Tool
	if contains(ev.policy.DeniedTools, tool) {
		ev.deny(stage, ReasonToolNotAllowed, "tool is denylisted by the manifest",
			map[string]interface{}{"tool": tool})
		return
	}
	if len(ev.policy.AllowedTools) > 0 && !contains(ev.policy.AllowedTools, tool) {
		ev.deny(stage, ReasonToolNotAllowed, "tool is not in the manifest allowlist",
			map[string]interface{}{"tool": tool, "allowed": ev.policy.AllowedTools})
		return
	}
	if _, registered := ev.manifest.Tools()[tool]; !registered && ev.manifest.DefaultConnector() == nil {
		ev.deny(stage, ReasonToolNotAllowed, "tool is not configured in the manifest registry",
			map[string]interface{}{"tool": tool})
		return
	}
	ev.pass(stage)
}

func (eng *Engine) stageToolToken(ev *evaluation) {
	const stage = "tool_token"
	if ev.capClaims == nil || len(ev.capClaims.AllowedTools) == 0 {
		ev.skip(stage)
		return
	}
	if !contains(ev.capClaims.AllowedTools, ev.req.Action.Tool) {
		ev.deny(stage, ReasonTokenToolDenied, "tool is not allowed by the token",
			map[string]interface{}{"tool": ev.req.Action.Tool})
		return
	}
	ev.pass(stage)
}

// extractAmount resolves the request amount once, using the manifest's
// configured param paths or the defaults.
func (eng *Engine) extractAmount(ev *evaluation) {
	caps := ev.policy.AmountCaps
	if caps == nil {
		caps = &manifest.AmountCaps{}
	}
	ev.amount, ev.currency, ev.hasAmount = caps.ExtractAmount(ev.req.Action.Params)
}

func (eng *Engine) stageApprovalThresholds(ev *evaluation) {
	const stage = "approval_thresholds"
	th := ev.policy.ApprovalThresholds
	if th == nil {
		ev.skip(stage)
		return
	}

	if contains(th.ActionTypes, ev.req.Action.Type) || contains(th.Tools, ev.req.Action.Tool) {
		ev.escalate(stage, ReasonRequiresHumanApproval, "action requires human approval",
			map[string]interface{}{"action_type": ev.req.Action.Type, "tool": ev.req.Action.Tool})
		return
	}
	if th.Amount != nil && ev.hasAmount && ev.amount > *th.Amount &&
		(th.Currency == "" || strings.EqualFold(th.Currency, ev.currency)) {
		ev.escalate(stage, ReasonAmountRequiresApproval, "amount crosses the approval threshold",
			map[string]interface{}{"amount": ev.amount, "threshold": *th.Amount, "currency": ev.currency})
		return
	}
	ev.pass(stage)
}

func (eng *Engine) stageAmountCapsManifest(ev *evaluation) {
	const stage = "amount_caps_manifest"
	caps := ev.policy.AmountCaps
	if caps == nil || !ev.hasAmount {
		ev.skip(stage)
		return
	}

	// A matching per-currency cap beats the fallback max_amount.
	var cap *float64
	if perCap, ok := caps.PerCurrency[ev.currency]; ok && ev.currency != "" {
		cap = &perCap
	} else {
		cap = caps.MaxAmount
	}

	if cap != nil && ev.amount > *cap {
		ev.deny(stage, ReasonAmountExceedsCap, "amount exceeds the manifest cap",
			map[string]interface{}{"amount": ev.amount, "cap": *cap, "currency": ev.currency})
		return
	}
	if caps.EscalateAbove != nil && ev.amount > *caps.EscalateAbove {
		ev.escalate(stage, ReasonAmountRequiresApproval, "amount is above the escalation threshold",
			map[string]interface{}{"amount": ev.amount, "escalate_above": *caps.EscalateAbove})
		return
	}
	ev.pass(stage)
}

func (eng *Engine) stageAmountCapToken(ev *evaluation) {
	const stage = "amount_cap_token"
	if ev.capClaims == nil || ev.capClaims.Constraints == nil ||
		ev.capClaims.Constraints.AmountMax == nil || !ev.hasAmount {
		ev.skip(stage)
		return
	}
	max := *ev.capClaims.Constraints.AmountMax
	if ev.amount > max {
		ev.deny(stage, ReasonTokenAmountExceedsCap, "amount exceeds the token cap",
			map[string]interface{}{"amount": ev.amount, "cap": max})
		return
	}
	ev.pass(stage)
}

func (eng *Engine) stageJurisdiction(ev *evaluation) {
	const stage = "jurisdiction"
	// Missing counterparty jurisdiction is permissive.
	if ev.req.Counterparty == nil || ev.req.Counterparty.Jurisdiction == "" {
		ev.skip(stage)
		return
	}
	jurisdiction := ev.req.Counterparty.Jurisdiction

	if allowed := ev.policy.AllowedJurisdictions; len(allowed) > 0 && !containsFold(allowed, jurisdiction) {
		ev.deny(stage, ReasonJurisdictionNotAllowed, "counterparty jurisdiction is not allowed",
			map[string]interface{}{"jurisdiction": jurisdiction, "allowed": allowed})
		return
	}
	if ev.capClaims != nil && ev.capClaims.Constraints != nil {
		if allowed := ev.capClaims.Constraints.Jurisdictions; len(allowed) > 0 && !containsFold(allowed, jurisdiction) {
			ev.deny(stage, ReasonTokenJurisdictionDenied, "jurisdiction is not allowed by the token",
				map[string]interface{}{"jurisdiction": jurisdiction})
			return
		}
	}
	ev.pass(stage)
}

func (eng *Engine) stageCounterparty(ev *evaluation) {
	const stage = "counterparty"
	if ev.req.Counterparty == nil || ev.req.Counterparty.ID == "" {
		ev.skip(stage)
		return
	}
	id := ev.req.Counterparty.ID

	rules := ev.policy.Counterparty
	if contains(rules.Denylist, id) {
		ev.deny(stage, ReasonCounterpartyDenied, "counterparty is denylisted",
			map[string]interface{}{"counterparty_id": id})
		return
	}
	if len(rules.Allowlist) > 0 && !contains(rules.Allowlist, id) {
		ev.deny(stage, ReasonCounterpartyNotAllowed, "counterparty is not in the allowlist",
			map[string]interface{}{"counterparty_id": id})
		return
	}
	if ev.capClaims != nil && ev.capClaims.Constraints != nil {
		c := ev.capClaims.Constraints
		if contains(c.CounterpartyDenylist, id) ||
			(len(c.CounterpartyAllowlist) > 0 && !contains(c.CounterpartyAllowlist, id)) {
			ev.deny(stage, ReasonTokenCounterpartyDenied, "counterparty is not allowed by the token",
				map[string]interface{}{"counterparty_id": id})
			return
		}
	}
	ev.pass(stage)
}

func (eng *Engine) stageDailyBudget(ctx context.Context, ev *evaluation) error {
	const stage = "daily_budget"
	cap := eng.defaultDailyBudget
	if ev.policy.DailyActionBudget != nil {
		cap = *ev.policy.DailyActionBudget
	}
	if cap <= 0 {
		ev.skip(stage)
		return nil
	}

	// A stale read is fine here: Reserve in the execute path is the
	// authoritative gate.
	count, err := eng.budgets.Get(ctx, ev.req.Tenant, ev.req.ManifestID, budget.Day(eng.clock()))
	if err != nil {
		return fmt.Errorf("policy: budget read: %w", err)
	}
	ev.budgetCount = count
	ev.budgetLimit = cap

	if count >= cap {
		ev.deny(stage, ReasonBudgetExceeded, "daily action budget exhausted",
			map[string]interface{}{"count": count, "cap": cap})
		return nil
	}
	if float64(count)*100 >= ev.policy.BudgetEscalatePercent*float64(cap) {
		ev.escalate(stage, ReasonBudgetThresholdReached, "daily budget is nearly exhausted",
			map[string]interface{}{"count": count, "cap": cap, "threshold_percent": ev.policy.BudgetEscalatePercent})
		return nil
	}
	ev.pass(stage)
	return nil
}

func (eng *Engine) stageOverrideAcceptance(ev *evaluation) {
	const stage = "override_acceptance"
	if !ev.overrideValid {
		ev.skip(stage)
		return
	}
	// A human already approved this exact action: an escalation is upgraded
	// to allow. A deny is never upgraded.
	if ev.decision == core.DecisionEscalate {
		ev.decision = core.DecisionAllow
	}
	if ev.decision == core.DecisionAllow {
		ev.reasons = append(ev.reasons, reason(ReasonOverrideTokenAccepted,
			"approved override token accepted", map[string]interface{}{"approval_id": ev.approvalID}))
		ev.pass(stage)
		return
	}
	ev.skip(stage)
}

func (eng *Engine) riskSnapshot(ev *evaluation) map[string]interface{} {
	snapshot := map[string]interface{}{
		"capability_token_provided": ev.req.CapabilityToken != "",
		"override_used":             ev.overrideValid,
		"budget_count":              ev.budgetCount,
		"budget_limit":              ev.budgetLimit,
	}
	if ev.hasAmount {
		snapshot["amount"] = ev.amount
		if ev.currency != "" {
			snapshot["currency"] = ev.currency
		}
	}
	return snapshot
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
