package policy

import (
	"fmt"
	"strings"

	"github.com/sells-group/paygate/internal/model"
)

// Rule is one pure judgment over a proposed charge. Rules are independent;
// order matters only because the evaluator reports the first failure as the
// decision's primary reason.
type Rule struct {
	ID   model.RuleID
	Name string
	Eval func(p *model.Policy, req model.PaymentRequest, ctx model.SpendContext) model.RuleTrace
}

// rules is the fixed evaluation order. Denylists are evaluated before
// allowlists so a caller can never allowlist around an explicit deny.
var rules = []Rule{
	{model.RulePolicyEnabled, "policy enabled", rulePolicyEnabled},
	{model.RuleToolDenylist, "tool denylist", ruleToolDenylist},
	{model.RuleDomainDenylist, "domain denylist", ruleDomainDenylist},
	{model.RuleToolAllowlist, "tool allowlist", ruleToolAllowlist},
	{model.RuleDomainAllowlist, "domain allowlist", ruleDomainAllowlist},
	{model.RulePerCallCap, "per-call cap", rulePerCallCap},
	{model.RuleDailyCap, "daily cap", ruleDailyCap},
	{model.RuleWeeklyCap, "weekly cap", ruleWeeklyCap},
}

func trace(id model.RuleID, name string, passed bool, reason string, observed map[string]float64) model.RuleTrace {
	return model.RuleTrace{RuleID: id, RuleName: name, Passed: passed, Reason: reason, Observed: observed}
}

func rulePolicyEnabled(p *model.Policy, _ model.PaymentRequest, _ model.SpendContext) model.RuleTrace {
	if !p.Enabled {
		return trace(model.RulePolicyEnabled, "policy enabled", false,
			fmt.Sprintf("policy %q is disabled", p.ID), nil)
	}
	return trace(model.RulePolicyEnabled, "policy enabled", true,
		fmt.Sprintf("policy %q is enabled", p.ID), nil)
}

func ruleToolDenylist(p *model.Policy, req model.PaymentRequest, _ model.SpendContext) model.RuleTrace {
	for _, t := range p.DenyTools {
		if strings.EqualFold(t, req.Tool) {
			return trace(model.RuleToolDenylist, "tool denylist", false,
				fmt.Sprintf("tool %q is denied by policy", req.Tool), nil)
		}
	}
	return trace(model.RuleToolDenylist, "tool denylist", true,
		fmt.Sprintf("tool %q is not denied", req.Tool), nil)
}

func ruleDomainDenylist(p *model.Policy, req model.PaymentRequest, _ model.SpendContext) model.RuleTrace {
	for _, d := range p.DenyDomains {
		if domainMatches(req.Domain, d) {
			return trace(model.RuleDomainDenylist, "domain denylist", false,
				fmt.Sprintf("domain %q matches denied domain %q", req.Domain, d), nil)
		}
	}
	return trace(model.RuleDomainDenylist, "domain denylist", true,
		fmt.Sprintf("domain %q is not denied", req.Domain), nil)
}

func ruleToolAllowlist(p *model.Policy, req model.PaymentRequest, _ model.SpendContext) model.RuleTrace {
	if len(p.AllowTools) == 0 {
		return trace(model.RuleToolAllowlist, "tool allowlist", true,
			"tool allowlist is empty, all tools allowed", nil)
	}
	for _, t := range p.AllowTools {
		if strings.EqualFold(t, req.Tool) {
			return trace(model.RuleToolAllowlist, "tool allowlist", true,
				fmt.Sprintf("tool %q is allowlisted", req.Tool), nil)
		}
	}
	return trace(model.RuleToolAllowlist, "tool allowlist", false,
		fmt.Sprintf("tool %q is not in the allowlist", req.Tool), nil)
}

func ruleDomainAllowlist(p *model.Policy, req model.PaymentRequest, _ model.SpendContext) model.RuleTrace {
	if len(p.AllowDomains) == 0 {
		return trace(model.RuleDomainAllowlist, "domain allowlist", true,
			"domain allowlist is empty, all domains allowed", nil)
	}
	for _, d := range p.AllowDomains {
		if domainMatches(req.Domain, d) {
			return trace(model.RuleDomainAllowlist, "domain allowlist", true,
				fmt.Sprintf("domain %q is allowlisted", req.Domain), nil)
		}
	}
	return trace(model.RuleDomainAllowlist, "domain allowlist", false,
		fmt.Sprintf("domain %q is not in the allowlist", req.Domain), nil)
}

func rulePerCallCap(p *model.Policy, req model.PaymentRequest, _ model.SpendContext) model.RuleTrace {
	cap := p.EffectivePerCallCap(req.Endpoint)
	observed := map[string]float64{"price_usd": req.PriceUSD, "per_call_cap_usd": cap}
	if req.PriceUSD > cap {
		return trace(model.RulePerCallCap, "per-call cap", false,
			fmt.Sprintf("price %.4f USD exceeds per-call cap %.4f USD", req.PriceUSD, cap), observed)
	}
	return trace(model.RulePerCallCap, "per-call cap", true,
		fmt.Sprintf("price %.4f USD is within per-call cap %.4f USD", req.PriceUSD, cap), observed)
}

func ruleDailyCap(p *model.Policy, req model.PaymentRequest, ctx model.SpendContext) model.RuleTrace {
	projected := ctx.DailySpentUSD + req.PriceUSD
	observed := map[string]float64{
		"price_usd":           req.PriceUSD,
		"daily_spent_usd":     ctx.DailySpentUSD,
		"projected_spend_usd": projected,
		"daily_cap_usd":       p.DailyCapUSD,
	}
	if projected > p.DailyCapUSD {
		return trace(model.RuleDailyCap, "daily cap", false,
			fmt.Sprintf("projected daily spend %.4f USD (%.4f spent + %.4f price) exceeds daily cap %.4f USD",
				projected, ctx.DailySpentUSD, req.PriceUSD, p.DailyCapUSD), observed)
	}
	return trace(model.RuleDailyCap, "daily cap", true,
		fmt.Sprintf("projected daily spend %.4f USD is within daily cap %.4f USD", projected, p.DailyCapUSD), observed)
}

func ruleWeeklyCap(p *model.Policy, req model.PaymentRequest, ctx model.SpendContext) model.RuleTrace {
	if !p.HasWeeklyCap() {
		return trace(model.RuleWeeklyCap, "weekly cap", true, "no weekly cap configured", nil)
	}
	projected := ctx.WeeklySpentUSD + req.PriceUSD
	observed := map[string]float64{
		"price_usd":            req.PriceUSD,
		"weekly_spent_usd":     ctx.WeeklySpentUSD,
		"projected_weekly_usd": projected,
		"weekly_cap_usd":       p.WeeklyCapUSD,
	}
	if projected > p.WeeklyCapUSD {
		return trace(model.RuleWeeklyCap, "weekly cap", false,
			fmt.Sprintf("projected weekly spend %.4f USD (%.4f spent + %.4f price) exceeds weekly cap %.4f USD",
				projected, ctx.WeeklySpentUSD, req.PriceUSD, p.WeeklyCapUSD), observed)
	}
	return trace(model.RuleWeeklyCap, "weekly cap", true,
		fmt.Sprintf("projected weekly spend %.4f USD is within weekly cap %.4f USD", projected, p.WeeklyCapUSD), observed)
}

// domainMatches reports whether domain equals entry or is a subdomain of it.
func domainMatches(domain, entry string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return false
	}
	return domain == entry || strings.HasSuffix(domain, "."+entry)
}
