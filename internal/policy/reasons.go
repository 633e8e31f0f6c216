package policy

// Stable machine-readable reason codes carried in evaluation results and
// audit records. Codes never change meaning; new codes may be added.
const (
	ReasonManifestNotFound         = "manifest_not_found"
	ReasonManifestNotActive        = "manifest_not_active"
	ReasonCapabilityTokenRequired  = "capability_token_required"
	ReasonCapabilityTokenInvalid   = "capability_token_invalid"
	ReasonTokenOrgMismatch         = "token_org_mismatch"
	ReasonTokenManifestMismatch    = "token_uapk_mismatch"
	ReasonTokenAgentMismatch       = "token_agent_mismatch"
	ReasonTokenIssuerRevoked       = "token_issuer_revoked"
	ReasonTokenActionTypeDenied    = "token_action_type_not_allowed"
	ReasonTokenToolDenied          = "token_tool_not_allowed"
	ReasonTokenAmountExceedsCap    = "token_amount_exceeds_cap"
	ReasonTokenJurisdictionDenied  = "token_jurisdiction_not_allowed"
	ReasonTokenCounterpartyDenied  = "token_counterparty_not_allowed"
	ReasonOverrideTokenInvalid     = "override_token_invalid"
	ReasonOverrideTokenAlreadyUsed = "override_token_already_used"
	ReasonOverrideTokenAccepted    = "override_token_accepted"
	ReasonActionTypeNotAllowed     = "action_type_not_allowed"
	ReasonToolNotAllowed           = "tool_not_allowed"
	ReasonAmountExceedsCap         = "amount_exceeds_cap"
	ReasonAmountRequiresApproval   = "amount_requires_approval"
	ReasonJurisdictionNotAllowed   = "jurisdiction_not_allowed"
	ReasonCounterpartyDenied       = "counterparty_denied"
	ReasonCounterpartyNotAllowed   = "counterparty_not_in_allowlist"
	ReasonBudgetExceeded           = "budget_exceeded"
	ReasonBudgetThresholdReached   = "budget_threshold_reached"
	ReasonRequiresHumanApproval    = "requires_human_approval"
	ReasonAllChecksPassed          = "all_checks_passed"
)

// Reason is one machine-readable evaluation finding with a human message and
// structured details for operators.
type Reason struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func reason(code, message string, details map[string]interface{}) Reason {
	return Reason{Code: code, Message: message, Details: details}
}

// Trace outcomes.
const (
	OutcomePass     = "pass"
	OutcomeFail     = "fail"
	OutcomeSkip     = "skip"
	OutcomeEscalate = "escalate"
)

// TraceEntry records one evaluation stage and its outcome, in stage order.
type TraceEntry struct {
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}
