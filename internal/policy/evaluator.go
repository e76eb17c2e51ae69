// Package policy implements the deterministic spending-policy evaluator: a
// fixed chain of pure rules producing an allow/deny decision with a
// replayable trace.
package policy

import (
	"math"
	"time"

	"github.com/sells-group/paygate/internal/model"
)

// EvalOptions controls trace behavior.
type EvalOptions struct {
	// FullTrace runs every rule even after a failure. The decision's Allow,
	// Reason and RuleID still reflect the first failure in rule order.
	FullTrace bool
}

// Evaluate runs the rule chain in fixed order against a proposed charge.
// It is a pure function of its inputs: identical (policy, request, context)
// yield identical Allow, Reason, RuleID and trace. Only Timestamp varies.
func Evaluate(p *model.Policy, req model.PaymentRequest, ctx model.SpendContext, opts EvalOptions) model.PolicyDecision {
	d := model.PolicyDecision{
		Allow:                 true,
		Reason:                "all rules passed",
		RuleID:                model.RuleAllPassed,
		ProjectedSpendUSD:     ctx.DailySpentUSD + req.PriceUSD,
		CurrentDailySpendUSD:  ctx.DailySpentUSD,
		CurrentWeeklySpendUSD: ctx.WeeklySpentUSD,
		PolicyID:              p.ID,
		Timestamp:             time.Now().UTC(),
	}
	d.RemainingDailyUSD, d.RemainingWeeklyUSD = remaining(p, ctx)

	for _, r := range rules {
		tr := r.Eval(p, req, ctx)
		d.Trace = append(d.Trace, tr)
		if !tr.Passed && d.Allow {
			d.Allow = false
			d.Reason = tr.Reason
			d.RuleID = tr.RuleID
			if !opts.FullTrace {
				break
			}
		}
	}
	return d
}

// IsAllowed is the boolean-only fast path over Evaluate.
func IsAllowed(p *model.Policy, req model.PaymentRequest, ctx model.SpendContext) bool {
	return Evaluate(p, req, ctx, EvalOptions{}).Allow
}

// RemainingBudget returns the daily and weekly budget remainders assuming no
// further spend. A zero weekly remainder with no weekly cap configured means
// unconstrained; use Policy.HasWeeklyCap to distinguish.
func RemainingBudget(p *model.Policy, ctx model.SpendContext) (daily, weekly float64) {
	return remaining(p, ctx)
}

// MaxAllowedPrice returns the tightest of the per-call cap, the remaining
// daily budget and the remaining weekly budget for an endpoint. Callers use
// it to pre-filter requests before attempting payment.
func MaxAllowedPrice(p *model.Policy, endpoint string, ctx model.SpendContext) float64 {
	daily, weekly := remaining(p, ctx)
	max := math.Min(p.EffectivePerCallCap(endpoint), daily)
	if p.HasWeeklyCap() {
		max = math.Min(max, weekly)
	}
	if max < 0 {
		return 0
	}
	return max
}

func remaining(p *model.Policy, ctx model.SpendContext) (daily, weekly float64) {
	daily = p.DailyCapUSD - ctx.DailySpentUSD
	if daily < 0 {
		daily = 0
	}
	if p.HasWeeklyCap() {
		weekly = p.WeeklyCapUSD - ctx.WeeklySpentUSD
		if weekly < 0 {
			weekly = 0
		}
	}
	return daily, weekly
}
