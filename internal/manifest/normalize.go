package manifest

import (
	"errors"
	"math"
)

// ErrNotFound is returned when a manifest row does not exist.
var ErrNotFound = errors.New("manifest: not found")

// Default dot-paths tried when extracting an amount from action params.
var DefaultParamPaths = []string{"amount", "value", "total"}

// DefaultCurrencyField is the params key consulted for the currency.
const DefaultCurrencyField = "currency"

// Policy is the normalized view of a manifest's policy section. Legacy
// spellings are mapped to canonical names here, once, so the engine never
// branches on key variants.
type Policy struct {
	RequireCapabilityToken bool
	AllowedActionTypes     []string
	AllowedTools           []string
	DeniedTools            []string
	AllowedJurisdictions   []string
	Counterparty           CounterpartyRules
	AmountCaps             *AmountCaps
	ApprovalThresholds     *ApprovalThresholds
	DailyActionBudget      *int
	BudgetEscalatePercent  float64
}

// CounterpartyRules allow/deny counterparties by id. Denylist wins; an empty
// allowlist means all are allowed.
type CounterpartyRules struct {
	Allowlist []string
	Denylist  []string
}

// AmountCaps is the structured amount-cap shape. A legacy flat map
// {"USD": 1000, "EUR": 500} normalizes to MaxAmount = min(values) as a
// conservative fallback when no currency can be extracted.
type AmountCaps struct {
	MaxAmount     *float64
	EscalateAbove *float64
	PerCurrency   map[string]float64
	ParamPaths    []string
	CurrencyField string
}

// ApprovalThresholds trigger a provisional escalation when crossed.
type ApprovalThresholds struct {
	ActionTypes []string
	Tools       []string
	Amount      *float64
	Currency    string
}

// normalizePolicy builds the canonical Policy view from an opaque manifest
// body without mutating it.
func normalizePolicy(body map[string]interface{}) *Policy {
	raw := asMap(body["policy"])
	p := &Policy{BudgetEscalatePercent: 90}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	p.RequireCapabilityToken = asBool(raw["require_capability_token"])
	p.AllowedActionTypes = asStringSlice(raw["allowed_action_types"])

	// Canonical names win over legacy spellings.
	p.AllowedTools = firstStringSlice(raw, "allowed_tools", "tool_allowlist")
	p.DeniedTools = firstStringSlice(raw, "denied_tools", "tool_denylist")
	p.AllowedJurisdictions = firstStringSlice(raw, "allowed_jurisdictions", "jurisdiction_allowlist")

	if cp := asMap(raw["counterparty"]); cp != nil {
		p.Counterparty.Allowlist = asStringSlice(cp["allowlist"])
		p.Counterparty.Denylist = asStringSlice(cp["denylist"])
	} else {
		p.Counterparty.Allowlist = asStringSlice(raw["counterparty_allowlist"])
		p.Counterparty.Denylist = asStringSlice(raw["counterparty_denylist"])
	}

	p.AmountCaps = normalizeAmountCaps(raw["amount_caps"])
	p.ApprovalThresholds = normalizeApprovalThresholds(raw["approval_thresholds"])

	if constraints := asMap(body["constraints"]); constraints != nil {
		if budget, ok := asFloat(constraints["daily_action_budget"]); ok {
			n := int(budget)
			p.DailyActionBudget = &n
		}
		if pct, ok := asFloat(constraints["budget_escalate_at_percent"]); ok {
			p.BudgetEscalatePercent = pct
		}
	}
	return p
}

func normalizeAmountCaps(raw interface{}) *AmountCaps {
	m := asMap(raw)
	if m == nil {
		return nil
	}

	caps := &AmountCaps{
		ParamPaths:    DefaultParamPaths,
		CurrencyField: DefaultCurrencyField,
	}

	// Structured shape is recognized by the presence of any canonical key.
	_, hasMax := m["max_amount"]
	_, hasPer := m["per_currency"]
	_, hasEsc := m["escalate_above"]
	if hasMax || hasPer || hasEsc {
		if v, ok := asFloat(m["max_amount"]); ok {
			caps.MaxAmount = &v
		}
		if v, ok := asFloat(m["escalate_above"]); ok {
			caps.EscalateAbove = &v
		}
		caps.PerCurrency = asFloatMap(m["per_currency"])
		if paths := asStringSlice(m["param_paths"]); len(paths) > 0 {
			caps.ParamPaths = paths
		}
		if field, ok := m["currency_field"].(string); ok && field != "" {
			caps.CurrencyField = field
		}
		return caps
	}

	// Legacy flat per-currency map: the conservative fallback is the minimum
	// across all configured currencies.
	per := asFloatMap(m)
	if len(per) == 0 {
		return nil
	}
	minVal := math.Inf(1)
	for _, v := range per {
		if v < minVal {
			minVal = v
		}
	}
	caps.PerCurrency = per
	caps.MaxAmount = &minVal
	return caps
}

func normalizeApprovalThresholds(raw interface{}) *ApprovalThresholds {
	m := asMap(raw)
	if m == nil {
		return nil
	}
	th := &ApprovalThresholds{
		ActionTypes: asStringSlice(m["action_types"]),
		Tools:       asStringSlice(m["tools"]),
	}
	if v, ok := asFloat(m["amount"]); ok {
		th.Amount = &v
	}
	if c, ok := m["currency"].(string); ok {
		th.Currency = c
	}
	if th.Amount == nil && len(th.ActionTypes) == 0 && len(th.Tools) == 0 {
		return nil
	}
	return th
}

// ─────────────────────────────────────────────────────────────────────────────
// Untyped-bag helpers
// ─────────────────────────────────────────────────────────────────────────────

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asStringSlice(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asFloatMap(v interface{}) map[string]float64 {
	m := asMap(v)
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, val := range m {
		if f, ok := asFloat(val); ok {
			out[k] = f
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstStringSlice(m map[string]interface{}, keys ...string) []string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if list := asStringSlice(v); list != nil {
				return list
			}
		}
	}
	return nil
}

// ExtractAmount walks the configured dot-paths over action params and
// returns the first numeric hit plus the request currency, if present.
func (c *AmountCaps) ExtractAmount(params map[string]interface{}) (float64, string, bool) {
	paths := c.ParamPaths
	if len(paths) == 0 {
		paths = DefaultParamPaths
	}
	currencyField := c.CurrencyField
	if currencyField == "" {
		currencyField = DefaultCurrencyField
	}

	currency := ""
	if cur, ok := lookupPath(params, currencyField).(string); ok {
		currency = cur
	}
	for _, path := range paths {
		if v, ok := asFloat(lookupPath(params, path)); ok {
			return v, currency, true
		}
	}
	return 0, currency, false
}

// lookupPath traverses nested maps using dot-separated segments.
func lookupPath(m map[string]interface{}, path string) interface{} {
	current := interface{}(m)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			node := asMap(current)
			if node == nil {
				return nil
			}
			current = node[seg]
			start = i + 1
		}
	}
	return current
}
