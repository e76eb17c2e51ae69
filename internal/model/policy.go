package model

// Policy holds a caller's declarative spending limits and allow/deny lists.
// A Policy is immutable during evaluation; it is normalized once at ingestion
// (see policy.Parse) and never re-validated mid-pipeline.
type Policy struct {
	ID            string  `json:"id" yaml:"id"`
	Name          string  `json:"name" yaml:"name"`
	DailyCapUSD   float64 `json:"daily_cap_usd" yaml:"daily_cap_usd"`
	WeeklyCapUSD  float64 `json:"weekly_cap_usd,omitempty" yaml:"weekly_cap_usd"`
	PerCallCapUSD float64 `json:"per_call_cap_usd" yaml:"per_call_cap_usd"`

	AllowTools   []string `json:"allow_tools,omitempty" yaml:"allow_tools"`
	DenyTools    []string `json:"deny_tools,omitempty" yaml:"deny_tools"`
	AllowDomains []string `json:"allow_domains,omitempty" yaml:"allow_domains"`
	DenyDomains  []string `json:"deny_domains,omitempty" yaml:"deny_domains"`

	// PerEndpointCaps overrides PerCallCapUSD for specific endpoints.
	PerEndpointCaps map[string]float64 `json:"per_endpoint_caps,omitempty" yaml:"per_endpoint_caps"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// EffectivePerCallCap returns the per-call cap for an endpoint, preferring
// a per-endpoint override over the policy-wide cap.
func (p *Policy) EffectivePerCallCap(endpoint string) float64 {
	if cap, ok := p.PerEndpointCaps[endpoint]; ok {
		return cap
	}
	return p.PerCallCapUSD
}

// HasWeeklyCap reports whether a weekly cap is configured.
func (p *Policy) HasWeeklyCap() bool {
	return p.WeeklyCapUSD > 0
}
