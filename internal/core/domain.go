// Package core holds the shared domain types exchanged between the policy
// engine, the connector runtime, and the gateway orchestrator.
package core

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionEscalate Decision = "escalate"
)

// Action is the concrete operation an agent wants to perform.
type Action struct {
	Type   string                 `json:"type"`
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Counterparty identifies the other side of an action (payee, recipient).
type Counterparty struct {
	ID           string                 `json:"id,omitempty"`
	Jurisdiction string                 `json:"jurisdiction,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// ActionRequest is the evaluation input for both Evaluate and Execute.
type ActionRequest struct {
	Tenant          string                 `json:"tenant"`
	ManifestID      string                 `json:"manifest_id"`
	AgentID         string                 `json:"agent_id"`
	Action          Action                 `json:"action"`
	Counterparty    *Counterparty          `json:"counterparty,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	CapabilityToken string                 `json:"capability_token,omitempty"`
	OverrideToken   string                 `json:"override_token,omitempty"`
}

// ConnectorError is a stable machine-readable connector failure.
type ConnectorError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectorResult is the envelope returned by every connector invocation.
type ConnectorResult struct {
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      *ConnectorError        `json:"error,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
	ResultHash string                 `json:"result_hash,omitempty"`
}
