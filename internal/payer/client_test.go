package payer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/paygate/internal/model"
	"github.com/sells-group/paygate/internal/paywall"
	"github.com/sells-group/paygate/internal/pricing"
	"github.com/sells-group/paygate/internal/signer"
	"github.com/sells-group/paygate/internal/store"
	"github.com/sells-group/paygate/internal/wire"
)

const (
	sellerPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	sellerAsset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	signerSeed  = "9f1c8e2d7b6a5f4e3d2c1b0a99887766554433221100ffeeddccbbaa99887766"
)

func testPolicy() *model.Policy {
	return &model.Policy{
		ID:            "default",
		Name:          "default",
		DailyCapUSD:   1.00,
		PerCallCapUSD: 0.10,
		Enabled:       true,
	}
}

func newLedger(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "payer.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newClient(t *testing.T, ledger *store.SQLiteStore, opts Options) *Client {
	t.Helper()
	sg, err := signer.NewLocal(signerSeed)
	require.NoError(t, err)
	if opts.CallerID == "" {
		opts.CallerID = "agent-1"
	}
	return New(testPolicy(), ledger, sg, opts)
}

func challengeFor(priceUSD float64, resource string) wire.Challenge {
	return wire.Challenge{
		Version:           wire.Version,
		Scheme:            "exact",
		Network:           "eip155:8453",
		Amount:            strconv.FormatInt(pricing.BaseUnits(priceUSD), 10),
		PayTo:             sellerPayTo,
		Resource:          resource,
		MaxTimeoutSeconds: 300,
		Asset:             sellerAsset,
		Extra: wire.Extra{
			PriceUSD: priceUSD,
			Nonce:    uuid.New().String(),
			Expiry:   time.Now().Add(5 * time.Minute).Unix(),
		},
	}
}

func TestFreeEndpointNotPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("free"))
	}))
	defer srv.Close()

	ledger := newLedger(t)
	c := newClient(t, ledger, Options{AutoPay: true})

	res, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/free", nil)
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.False(t, res.Paid)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)

	decisions, err := ledger.ListDecisions(context.Background(), store.DecisionFilter{})
	require.NoError(t, err)
	assert.Empty(t, decisions, "no challenge means no policy evaluation")
}

func TestPaysWithinPolicy(t *testing.T) {
	var sawProof wire.Proof
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proof, present, err := wire.ReadProof(r.Header)
		if !present {
			require.NoError(t, wire.WriteChallenge(w.Header(), challengeFor(0.03, r.URL.Path)))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		require.NoError(t, err)
		sawProof = proof
		wire.WriteSettlement(w.Header(), wire.Settlement{
			Success: true, ReceiptID: "rcpt-1", Network: proof.Network, SettledAt: time.Now().Unix(),
		})
		w.Write([]byte("paid content"))
	}))
	defer srv.Close()

	ledger := newLedger(t)
	c := newClient(t, ledger, Options{AutoPay: true})

	res, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/quote", nil)
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.True(t, res.Paid)
	assert.InDelta(t, 0.03, res.PriceUSD, 1e-9)
	assert.Equal(t, "rcpt-1", res.ReceiptID)
	require.NotNil(t, res.Decision)
	assert.True(t, res.Decision.Allow)

	assert.Equal(t, "30000", sawProof.Amount)
	assert.Equal(t, sellerAsset, sawProof.Asset)
	assert.NotEmpty(t, sawProof.Signature)

	// The payment accrued against the caller's rolling windows.
	sc, err := ledger.SpendContext(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.03, sc.DailySpentUSD, 1e-9)

	decisions, err := ledger.ListDecisions(context.Background(), store.DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Decision.Allow)
	assert.Len(t, decisions[0].Decision.Trace, 8, "every rule's verdict is audited")
}

func TestPolicyDenialBlocksPayment(t *testing.T) {
	paidAttempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present, _ := wire.ReadProof(r.Header); present {
			paidAttempts++
		}
		// 0.25 exceeds the 0.10 per-call cap.
		require.NoError(t, wire.WriteChallenge(w.Header(), challengeFor(0.25, r.URL.Path)))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	ledger := newLedger(t)
	c := newClient(t, ledger, Options{AutoPay: true})

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/expensive", nil)

	var blocked *PolicyBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.False(t, blocked.Decision.Allow)
	assert.Equal(t, model.RulePerCallCap, blocked.Decision.RuleID)
	require.NotNil(t, blocked.Challenge)
	assert.InDelta(t, 0.25, blocked.Challenge.Extra.PriceUSD, 1e-9)
	assert.Zero(t, paidAttempts, "no proof may be sent for a denied payment")

	// Denials are recorded in the audit log too.
	decisions, err := ledger.ListDecisions(context.Background(), store.DecisionFilter{DenyOnly: true})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, model.RulePerCallCap, decisions[0].Decision.RuleID)

	// Nothing accrued.
	sc, err := ledger.SpendContext(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Zero(t, sc.DailySpentUSD)
}

func TestAutoPayDisabledBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, wire.WriteChallenge(w.Header(), challengeFor(0.03, r.URL.Path)))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	ledger := newLedger(t)
	c := newClient(t, ledger, Options{AutoPay: false})

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/quote", nil)

	var blocked *PolicyBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.False(t, blocked.Decision.Allow)
	assert.Contains(t, blocked.Decision.Reason, "auto-pay")

	// The audit log holds the same denial the caller saw.
	decisions, err := ledger.ListDecisions(context.Background(), store.DecisionFilter{DenyOnly: true})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Decision.Allow)
	assert.Contains(t, decisions[0].Decision.Reason, "auto-pay")
}

func TestMissingChallengeIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := newClient(t, newLedger(t), Options{AutoPay: true})

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/quote", nil)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, perr.Err, wire.ErrNoChallenge)
}

func TestProofRejectionIsFatal(t *testing.T) {
	proofAttempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present, _ := wire.ReadProof(r.Header)
		if !present || proofAttempts == 0 {
			if present {
				proofAttempts++
				w.Header().Set(wire.HeaderError, "expired")
			}
			require.NoError(t, wire.WriteChallenge(w.Header(), challengeFor(0.03, r.URL.Path)))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		// A second proof would succeed; the orchestrator must not send one.
		proofAttempts++
		w.Write([]byte("paid on retry"))
	}))
	defer srv.Close()

	ledger := newLedger(t)
	c := newClient(t, ledger, Options{AutoPay: true, MaxRetries: 3})

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/quote", nil)

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expired", verr.Code)
	require.NotNil(t, verr.Challenge)
	assert.Equal(t, 1, proofAttempts, "a rejected proof must not be re-paid automatically")

	// The rejected attempt never fulfilled, so nothing accrued.
	sc, err := ledger.SpendContext(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Zero(t, sc.DailySpentUSD)
}

func TestSellerReplayRejectionSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present, _ := wire.ReadProof(r.Header); !present {
			require.NoError(t, wire.WriteChallenge(w.Header(), challengeFor(0.03, r.URL.Path)))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Header().Set(wire.HeaderError, "nonce_already_used")
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newClient(t, newLedger(t), Options{AutoPay: true})

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/quote", nil)

	var rerr *ReplayError
	require.ErrorAs(t, err, &rerr)
	assert.NotEmpty(t, rerr.Nonce)
}

func TestUpstreamErrorAfterPaymentStillAccrues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present, _ := wire.ReadProof(r.Header); !present {
			require.NoError(t, wire.WriteChallenge(w.Header(), challengeFor(0.03, r.URL.Path)))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		// The proof was accepted and the nonce burnt before the upstream fell
		// over; the caller still spent the money.
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ledger := newLedger(t)
	c := newClient(t, ledger, Options{AutoPay: true})

	res, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/quote", nil)
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.True(t, res.Paid)
	assert.Equal(t, http.StatusInternalServerError, res.Response.StatusCode)

	sc, err := ledger.SpendContext(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.03, sc.DailySpentUSD, 1e-9)
}

func TestSequentialSpendAccrues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present, _ := wire.ReadProof(r.Header); !present {
			price := 0.05
			if r.URL.Path == "/api/cheap" {
				price = 0.02
			}
			require.NoError(t, wire.WriteChallenge(w.Header(), challengeFor(price, r.URL.Path)))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ledger := newLedger(t)
	c := newClient(t, ledger, Options{AutoPay: true})

	res1, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/first", nil)
	require.NoError(t, err)
	res1.Response.Body.Close()
	res2, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/cheap", nil)
	require.NoError(t, err)
	res2.Response.Body.Close()

	sc, err := ledger.SpendContext(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.07, sc.DailySpentUSD, 1e-9)
	assert.Equal(t, 2, sc.DailyCallCount)
}

func TestStrictReserveCommitsOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present, _ := wire.ReadProof(r.Header); !present {
			require.NoError(t, wire.WriteChallenge(w.Header(), challengeFor(0.03, r.URL.Path)))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ledger := newLedger(t)
	c := newClient(t, ledger, Options{AutoPay: true, StrictReserve: true})

	res, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/quote", nil)
	require.NoError(t, err)
	res.Response.Body.Close()
	require.True(t, res.Paid)

	// One confirmed payment, not a reservation plus a payment.
	sc, err := ledger.SpendContext(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.03, sc.DailySpentUSD, 1e-9)
	assert.Equal(t, 1, sc.DailyCallCount)
}

func TestEndToEndAgainstPaywall(t *testing.T) {
	sellerStore := newTestSellerStore(t)
	table := pricing.NewTable(sellerPayTo, sellerAsset, 8453, map[string]pricing.Endpoint{
		"/api/quote": {PriceUSD: 0.03},
	})
	pw := paywall.New(table, sellerStore, sellerStore, paywall.Config{})
	t.Cleanup(pw.Close)

	srv := httptest.NewServer(pw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quote":"42"}`))
	})))
	defer srv.Close()

	buyerLedger := newLedger(t)
	c := newClient(t, buyerLedger, Options{AutoPay: true})

	res, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/api/quote", nil)
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.True(t, res.Paid)
	require.NotNil(t, res.Settlement)
	assert.True(t, res.Settlement.Success)
	assert.NotEmpty(t, res.ReceiptID)

	// Replaying the exact proof by hand is rejected by the seller.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/quote", nil)
	require.NoError(t, err)
	require.NoError(t, wire.WriteProof(req.Header, *res.Proof))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// And the seller kept a durable receipt.
	pw.Close()
	receipt, err := sellerStore.GetReceipt(context.Background(), res.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, res.Proof.Payer, receipt.Buyer)
	assert.InDelta(t, 0.03, receipt.AmountUSD, 1e-9)
}

func newTestSellerStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "seller.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTransportFailureWrapped(t *testing.T) {
	c := newClient(t, newLedger(t), Options{AutoPay: true, HTTPClient: &http.Client{Timeout: 200 * time.Millisecond}})

	_, err := c.Call(context.Background(), http.MethodGet, "http://127.0.0.1:1/unreachable", nil)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.GreaterOrEqual(t, terr.Attempts, 1)
	var unreachable *ProtocolError
	assert.False(t, errors.As(err, &unreachable))
}

func TestTransportRetryBudget(t *testing.T) {
	c := newClient(t, newLedger(t), Options{
		AutoPay:    true,
		MaxRetries: 2,
		HTTPClient: &http.Client{Timeout: 200 * time.Millisecond},
	})

	_, err := c.Call(context.Background(), http.MethodGet, "http://127.0.0.1:1/unreachable", nil)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.Attempts, "budget is the first send plus MaxRetries")
}
