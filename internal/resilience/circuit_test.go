package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errSellerDown = errors.New("connection refused")

func failing(ctx context.Context) error { return errSellerDown }
func succeeding(ctx context.Context) error { return nil }

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); !errors.Is(err, errSellerDown) {
			t.Fatalf("Execute() = %v, want seller error while closed", err)
		}
	}
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("State() = %v, want open after threshold", got)
	}

	// Once open, the call is rejected without reaching the seller.
	if err := cb.Execute(context.Background(), failing); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), succeeding)
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)

	if got := cb.State(); got != CircuitClosed {
		t.Errorf("State() = %v, want closed (a success interrupted the streak)", got)
	}
}

func TestCircuitHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Second,
	})
	cb.nowFunc = func() time.Time { return now }

	cb.Execute(context.Background(), failing)
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	// After the reset timeout a single successful probe closes the circuit.
	now = now.Add(31 * time.Second)
	if got := cb.State(); got != CircuitHalfOpen {
		t.Fatalf("State() = %v, want half-open after reset timeout", got)
	}
	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("probe Execute() = %v, want nil", err)
	}
	if got := cb.State(); got != CircuitClosed {
		t.Errorf("State() = %v, want closed after successful probe", got)
	}
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Second,
	})
	cb.nowFunc = func() time.Time { return now }

	cb.Execute(context.Background(), failing)
	now = now.Add(31 * time.Second)
	cb.Execute(context.Background(), failing) // the probe fails

	if err := cb.Execute(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() = %v, want ErrCircuitOpen after failed probe", err)
	}
}

func TestCircuitStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	cb.Execute(context.Background(), failing)

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", transitions)
	}
}

func TestServiceBreakersIsolatePerHost(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1})

	flaky := sb.Get("seller-a.example.com")
	healthy := sb.Get("seller-b.example.com")
	flaky.Execute(context.Background(), failing)

	if got := flaky.State(); got != CircuitOpen {
		t.Errorf("flaky host State() = %v, want open", got)
	}
	if got := healthy.State(); got != CircuitClosed {
		t.Errorf("healthy host State() = %v, want closed", got)
	}
	if sb.Get("seller-a.example.com") != flaky {
		t.Error("Get() must return the same breaker per host")
	}
}
