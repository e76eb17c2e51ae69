// Package store persists the spend ledger, decision audit log, receipts and
// spent nonces behind SQLite and Postgres drivers.
package store

import (
	"context"
	"time"

	"github.com/sells-group/paygate/internal/model"
)

// Ledger accrues per-caller spend over rolling daily/weekly windows and
// records decisions and confirmed payments. Decision and payment rows are
// insert-only from the core's perspective.
type Ledger interface {
	// SpendContext returns the caller's rolling spend snapshot as of now.
	SpendContext(ctx context.Context, callerID string) (model.SpendContext, error)

	// RecordDecision persists an evaluator decision (allow and deny alike).
	RecordDecision(ctx context.Context, req model.PaymentRequest, d model.PolicyDecision) (*model.DecisionRecord, error)

	// RecordPayment accrues a confirmed payment against the caller's windows.
	RecordPayment(ctx context.Context, callerID, endpoint, nonce string, amountUSD float64) (*model.PaymentRecord, error)

	// Reserve atomically holds amountUSD against the caller's windows before
	// the payment is attempted. Callers that need hard cap guarantees under
	// concurrency reserve first, then Commit on success or Release on
	// failure. Pending reservations count toward SpendContext.
	Reserve(ctx context.Context, callerID, endpoint string, amountUSD float64) (string, error)
	Commit(ctx context.Context, reservationID, nonce string) error
	Release(ctx context.Context, reservationID string) error

	// ListDecisions returns audit records, newest first.
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.DecisionRecord, error)
}

// NonceStore provides atomic single-use nonce reservation with a bounded
// TTL. A plain get-then-put is a race; ReserveNonce must be exclusive at
// the store level.
type NonceStore interface {
	// ReserveNonce marks the nonce spent. It returns false when the nonce
	// was already spent and not yet expired.
	ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)

	// PurgeExpiredNonces removes nonces past their TTL.
	PurgeExpiredNonces(ctx context.Context) (int, error)
}

// ReceiptStore persists durable proofs of fulfilled payments.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, r model.Receipt) error
	GetReceipt(ctx context.Context, id string) (*model.Receipt, error)
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error)
}

// DecisionFilter selects decision audit records.
type DecisionFilter struct {
	CallerID string `json:"caller_id,omitempty"`
	// AllowOnly and DenyOnly are mutually exclusive; both false lists all.
	AllowOnly bool `json:"allow_only,omitempty"`
	DenyOnly  bool `json:"deny_only,omitempty"`
	Limit     int  `json:"limit,omitempty"`
}

// ReceiptFilter selects receipts.
type ReceiptFilter struct {
	Buyer string `json:"buyer,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Store is the full persistence contract for the gateway and payer.
type Store interface {
	Ledger
	NonceStore
	ReceiptStore

	Migrate(ctx context.Context) error
	Close() error
}

// Rolling window bounds for the spend aggregates.
const (
	DailyWindow  = 24 * time.Hour
	WeeklyWindow = 7 * 24 * time.Hour
)
