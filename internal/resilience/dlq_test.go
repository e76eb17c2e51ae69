package resilience

import (
	"errors"
	"testing"

	"github.com/sells-group/paygate/internal/model"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 0, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
		{"one below max", 2, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{
				RetryCount: tt.retryCount,
				MaxRetries: tt.maxRetries,
			}
			if got := e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("503"), 503), "transient"},
		{"permanent error", errors.New("invalid input"), "permanent"},
		{"connection reset", errors.New("connection reset by peer"), "transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReceiptDLQ_PushListDrain(t *testing.T) {
	q := NewReceiptDLQ()
	q.Push(DLQEntry{ID: "a", ErrorType: "transient", Receipt: model.Receipt{ID: "r1", Nonce: "n1"}})
	q.Push(DLQEntry{ID: "b", ErrorType: "permanent", Receipt: model.Receipt{ID: "r2", Nonce: "n2"}})

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	transient := q.List(DLQFilter{ErrorType: "transient"})
	if len(transient) != 1 || transient[0].Receipt.ID != "r1" {
		t.Errorf("List(transient) = %+v, want single r1 entry", transient)
	}

	drained := q.Drain()
	if len(drained) != 2 {
		t.Errorf("Drain() returned %d entries, want 2", len(drained))
	}
	if q.Len() != 0 {
		t.Errorf("Len() after drain = %d, want 0", q.Len())
	}
}
