package resilience

import (
	"sync"
	"time"

	"github.com/sells-group/paygate/internal/model"
)

// DLQEntry represents a receipt whose durable write failed and can be
// replayed later.
type DLQEntry struct {
	ID           string        `json:"id"`
	Receipt      model.Receipt `json:"receipt"`
	Error        string        `json:"error"`
	ErrorType    string        `json:"error_type"` // "transient" or "permanent"
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	NextRetryAt  time.Time     `json:"next_retry_at"`
	CreatedAt    time.Time     `json:"created_at"`
	LastFailedAt time.Time     `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// ReceiptDLQ is an in-memory dead letter queue for receipts that could not
// be persisted. Entries survive only for the process lifetime; it exists so
// an operator can drain and replay rather than lose the receipt silently.
type ReceiptDLQ struct {
	mu      sync.Mutex
	entries []DLQEntry
}

// NewReceiptDLQ creates an empty queue.
func NewReceiptDLQ() *ReceiptDLQ {
	return &ReceiptDLQ{}
}

// Push records a failed receipt write.
func (q *ReceiptDLQ) Push(e DLQEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
}

// List returns entries matching the filter, oldest first.
func (q *ReceiptDLQ) List(filter DLQFilter) []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DLQEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Drain removes and returns all entries.
func (q *ReceiptDLQ) Drain() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.entries
	q.entries = nil
	return out
}

// Len reports the number of queued entries.
func (q *ReceiptDLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
