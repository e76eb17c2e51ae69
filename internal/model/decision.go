package model

import "time"

// RuleID identifies one rule in the evaluation chain.
type RuleID string

const (
	RulePolicyEnabled  RuleID = "policy_enabled"
	RuleToolDenylist   RuleID = "tool_denylist"
	RuleDomainDenylist RuleID = "domain_denylist"
	RuleToolAllowlist  RuleID = "tool_allowlist"
	RuleDomainAllowlist RuleID = "domain_allowlist"
	RulePerCallCap     RuleID = "per_call_cap"
	RuleDailyCap       RuleID = "daily_cap"
	RuleWeeklyCap      RuleID = "weekly_cap"

	// RuleAllPassed is reported as the decision's RuleID when no rule failed.
	RuleAllPassed RuleID = "all_passed"
)

// RuleTrace is one rule's verdict, appended to the decision trace in
// evaluation order.
type RuleTrace struct {
	RuleID   RuleID             `json:"rule_id"`
	RuleName string             `json:"rule_name"`
	Passed   bool               `json:"passed"`
	Reason   string             `json:"reason"`
	Observed map[string]float64 `json:"observed,omitempty"`
}

// PolicyDecision is the evaluator's output: the verdict plus the ordered
// record of every rule judgment. Persisted as an audit record.
type PolicyDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
	RuleID RuleID `json:"rule_id"`

	ProjectedSpendUSD     float64 `json:"projected_spend_usd"`
	CurrentDailySpendUSD  float64 `json:"current_daily_spend_usd"`
	CurrentWeeklySpendUSD float64 `json:"current_weekly_spend_usd"`
	RemainingDailyUSD     float64 `json:"remaining_daily_budget_usd"`
	RemainingWeeklyUSD    float64 `json:"remaining_weekly_budget_usd"`

	PolicyID  string      `json:"policy_id"`
	Timestamp time.Time   `json:"timestamp"`
	Trace     []RuleTrace `json:"trace"`
}

// DecisionRecord is the durable form of a PolicyDecision plus the request it
// judged. Insert-only from the core's perspective.
type DecisionRecord struct {
	ID        string         `json:"id"`
	CallerID  string         `json:"caller_id"`
	Endpoint  string         `json:"endpoint"`
	PriceUSD  float64        `json:"price_usd"`
	Decision  PolicyDecision `json:"decision"`
	CreatedAt time.Time      `json:"created_at"`
}

// PaymentRecord is one confirmed payment accrued against the caller's
// rolling spend windows.
type PaymentRecord struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	Endpoint  string    `json:"endpoint"`
	AmountUSD float64   `json:"amount_usd"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}
