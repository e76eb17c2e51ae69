package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlerterEvaluate(t *testing.T) {
	thresholds := Thresholds{DenyRate: 0.5, BudgetUtilization: 0.8}

	tests := []struct {
		name      string
		snap      SpendSnapshot
		wantTypes []AlertType
	}{
		{
			name:      "quiet system",
			snap:      SpendSnapshot{DecisionTotal: 10, DecisionDenied: 1, DenyRate: 0.1},
			wantTypes: nil,
		},
		{
			name:      "deny rate breach",
			snap:      SpendSnapshot{DecisionTotal: 10, DecisionDenied: 6, DenyRate: 0.6},
			wantTypes: []AlertType{AlertDenyRate},
		},
		{
			name:      "too few decisions for deny rate",
			snap:      SpendSnapshot{DecisionTotal: 3, DecisionDenied: 3, DenyRate: 1.0},
			wantTypes: nil,
		},
		{
			name: "budget near cap",
			snap: SpendSnapshot{
				CallerID: "agent-1", DailySpentUSD: 0.90, DailyCapUSD: 1.00, BudgetUtilization: 0.90,
			},
			wantTypes: []AlertType{AlertBudgetNearCap},
		},
		{
			name:      "receipts stuck in dlq",
			snap:      SpendSnapshot{DLQDepth: 2},
			wantTypes: []AlertType{AlertReceiptDLQ},
		},
		{
			name: "multiple breaches",
			snap: SpendSnapshot{
				DecisionTotal: 10, DecisionDenied: 8, DenyRate: 0.8,
				DailyCapUSD: 1.00, BudgetUtilization: 0.95,
				DLQDepth: 1,
			},
			wantTypes: []AlertType{AlertDenyRate, AlertBudgetNearCap, AlertReceiptDLQ},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := NewAlerter(thresholds).Evaluate(&tt.snap)

			got := make([]AlertType, 0, len(alerts))
			for _, a := range alerts {
				got = append(got, a.Type)
				assert.NotEmpty(t, a.Message)
				assert.NotEmpty(t, a.Severity)
			}
			if tt.wantTypes == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.wantTypes, got)
			}
		})
	}
}

func TestAlerterSendAlerts(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received = append(received, a)
	}))
	defer srv.Close()

	a := NewAlerter(Thresholds{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDenyRate, Severity: "high", Message: "deny rate"},
		{Type: AlertReceiptDLQ, Severity: "medium", Message: "dlq"},
	})

	assert.Equal(t, 2, sent)
	require.Len(t, received, 2)
	assert.Equal(t, AlertDenyRate, received[0].Type)
}

func TestAlerterSendAlertsNoWebhook(t *testing.T) {
	a := NewAlerter(Thresholds{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDenyRate}})
	assert.Zero(t, sent)
}

func TestAlerterSendAlertsWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(Thresholds{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDenyRate}})
	assert.Zero(t, sent)
}
