package paywall

import (
	"context"

	"github.com/sells-group/paygate/internal/wire"
)

type ctxKey struct{}

// Info is the paywall context handed to the protected handler.
type Info struct {
	Paid      bool
	PriceUSD  float64
	Nonce     string
	Proof     *wire.Proof
	ReceiptID string
}

// WithInfo attaches paywall info to a request context.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the paywall info for the current request. ok is false
// when the request did not pass through the paywall middleware.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}
