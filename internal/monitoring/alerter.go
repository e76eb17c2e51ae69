package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDenyRate      AlertType = "deny_rate"
	AlertBudgetNearCap AlertType = "budget_near_cap"
	AlertReceiptDLQ    AlertType = "receipt_dlq"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Thresholds configures when alerts fire.
type Thresholds struct {
	// DenyRate fires when the fraction of denied decisions exceeds this
	// value and at least 5 decisions were made in the window.
	DenyRate float64

	// BudgetUtilization fires when daily spend crosses this fraction of the
	// daily cap.
	BudgetUtilization float64

	// WebhookURL receives alert payloads as JSON POSTs.
	WebhookURL string
}

// Alerter evaluates a SpendSnapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	thresholds Thresholds
	client     *http.Client
}

// NewAlerter creates a new Alerter with the given thresholds.
func NewAlerter(thresholds Thresholds) *Alerter {
	return &Alerter{
		thresholds: thresholds,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *SpendSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.DecisionTotal >= 5 && a.thresholds.DenyRate > 0 && snap.DenyRate > a.thresholds.DenyRate {
		alerts = append(alerts, Alert{
			Type:     AlertDenyRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Policy deny rate %.1f%% exceeds threshold %.1f%% (%d denied / %d decisions in last %dh)",
				snap.DenyRate*100, a.thresholds.DenyRate*100,
				snap.DecisionDenied, snap.DecisionTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"deny_rate": snap.DenyRate,
				"threshold": a.thresholds.DenyRate,
				"denied":    snap.DecisionDenied,
				"total":     snap.DecisionTotal,
				"caller_id": snap.CallerID,
			},
			Timestamp: now,
		})
	}

	if a.thresholds.BudgetUtilization > 0 && snap.DailyCapUSD > 0 &&
		snap.BudgetUtilization > a.thresholds.BudgetUtilization {
		alerts = append(alerts, Alert{
			Type:     AlertBudgetNearCap,
			Severity: "high",
			Message: fmt.Sprintf(
				"Caller %s has spent $%.4f of its $%.2f daily cap (%.0f%%)",
				snap.CallerID, snap.DailySpentUSD, snap.DailyCapUSD,
				snap.BudgetUtilization*100,
			),
			Details: map[string]any{
				"daily_spent_usd": snap.DailySpentUSD,
				"daily_cap_usd":   snap.DailyCapUSD,
				"utilization":     snap.BudgetUtilization,
				"caller_id":       snap.CallerID,
			},
			Timestamp: now,
		})
	}

	if snap.DLQDepth > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertReceiptDLQ,
			Severity: "medium",
			Message:  fmt.Sprintf("%d receipt(s) queued in the dead letter queue", snap.DLQDepth),
			Details: map[string]any{
				"dlq_depth": snap.DLQDepth,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.thresholds.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.thresholds.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
