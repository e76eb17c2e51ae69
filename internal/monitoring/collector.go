// Package monitoring watches the spend ledger and receipt pipeline: it
// collects periodic snapshots, evaluates them against alert thresholds, and
// posts breaches to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paygate/internal/model"
	"github.com/sells-group/paygate/internal/resilience"
	"github.com/sells-group/paygate/internal/store"
)

// SpendSnapshot holds a point-in-time view of payment activity.
type SpendSnapshot struct {
	// Decision metrics (within lookback window).
	DecisionTotal   int     `json:"decision_total"`
	DecisionAllowed int     `json:"decision_allowed"`
	DecisionDenied  int     `json:"decision_denied"`
	DenyRate        float64 `json:"deny_rate"`

	// Budget metrics for the watched caller.
	DailySpentUSD     float64 `json:"daily_spent_usd"`
	WeeklySpentUSD    float64 `json:"weekly_spent_usd"`
	DailyCapUSD       float64 `json:"daily_cap_usd"`
	BudgetUtilization float64 `json:"budget_utilization"`

	// Receipt DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	CallerID      string    `json:"caller_id"`
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the ledger and the receipt DLQ.
type Collector struct {
	ledger store.Ledger
	dlq    *resilience.ReceiptDLQ

	callerID string
	policy   *model.Policy
}

// NewCollector creates a metrics collector watching one caller's spend
// against its policy. dlq and policy may be nil when not applicable.
func NewCollector(ledger store.Ledger, dlq *resilience.ReceiptDLQ, callerID string, p *model.Policy) *Collector {
	return &Collector{ledger: ledger, dlq: dlq, callerID: callerID, policy: p}
}

// Collect gathers a snapshot of payment activity over the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*SpendSnapshot, error) {
	snap := &SpendSnapshot{
		CallerID:      c.callerID,
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	decisions, err := c.ledger.ListDecisions(ctx, store.DecisionFilter{
		CallerID: c.callerID,
		Limit:    10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list decisions")
	}

	for _, d := range decisions {
		if d.CreatedAt.Before(cutoff) {
			continue
		}
		snap.DecisionTotal++
		if d.Decision.Allow {
			snap.DecisionAllowed++
		} else {
			snap.DecisionDenied++
		}
	}
	if snap.DecisionTotal > 0 {
		snap.DenyRate = float64(snap.DecisionDenied) / float64(snap.DecisionTotal)
	}

	sc, err := c.ledger.SpendContext(ctx, c.callerID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: spend context")
	}
	snap.DailySpentUSD = sc.DailySpentUSD
	snap.WeeklySpentUSD = sc.WeeklySpentUSD

	if c.policy != nil && c.policy.DailyCapUSD > 0 {
		snap.DailyCapUSD = c.policy.DailyCapUSD
		snap.BudgetUtilization = sc.DailySpentUSD / c.policy.DailyCapUSD
	}

	if c.dlq != nil {
		snap.DLQDepth = c.dlq.Len()
	}

	return snap, nil
}
