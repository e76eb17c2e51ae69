package model

import (
	"net/url"
	"strings"
	"time"
)

// SpendContext is a caller's accumulated spend over rolling windows, read by
// the evaluator and mutated only by the ledger after a confirmed payment.
type SpendContext struct {
	CallerID       string    `json:"caller_id"`
	DailySpentUSD  float64   `json:"daily_spent_usd"`
	WeeklySpentUSD float64   `json:"weekly_spent_usd"`
	DailyCallCount int       `json:"daily_call_count"`
	AsOf           time.Time `json:"as_of"`
}

// PaymentRequest is a proposed charge to evaluate. Constructed per call and
// never mutated.
type PaymentRequest struct {
	Endpoint string  `json:"endpoint"`
	Tool     string  `json:"tool"`
	Domain   string  `json:"domain"`
	PriceUSD float64 `json:"price_usd"`
	CallerID string  `json:"caller_id"`
}

// NewPaymentRequest builds a PaymentRequest from a resolved URL. The tool is
// the last path segment and the domain is the host without port.
func NewPaymentRequest(rawURL string, priceUSD float64, callerID string) (PaymentRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PaymentRequest{}, err
	}
	return PaymentRequest{
		Endpoint: u.Path,
		Tool:     lastPathSegment(u.Path),
		Domain:   u.Hostname(),
		PriceUSD: priceUSD,
		CallerID: callerID,
	}, nil
}

func lastPathSegment(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return ""
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
