// Package paywall is the seller-side HTTP middleware: it prices requests,
// issues 402 payment challenges, verifies submitted proofs with single-use
// nonce enforcement, and attaches settlement confirmations and durable
// receipts to fulfilled responses.
package paywall

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/paygate/internal/model"
	"github.com/sells-group/paygate/internal/pricing"
	"github.com/sells-group/paygate/internal/resilience"
	"github.com/sells-group/paygate/internal/store"
	"github.com/sells-group/paygate/internal/wire"
)

// Config tunes the paywall. Zero values get sensible defaults in New.
type Config struct {
	// Scheme is the payment scheme advertised in challenges. Default "exact".
	Scheme string

	// ChallengeTimeout bounds how long an issued challenge stays payable.
	// Default 5 minutes.
	ChallengeTimeout time.Duration

	// NonceTTL bounds how long a spent nonce is remembered. Must exceed
	// ChallengeTimeout or an expired-but-recent nonce could be replayed.
	// Default 24 hours.
	NonceTTL time.Duration

	// MintRate and MintBurst rate-limit challenge minting per remote address
	// so unpaid probes can't mint nonces unboundedly. Defaults: 5/s, burst 10.
	MintRate  rate.Limit
	MintBurst int

	// SkipSignatureCheck disables the structural signature check on proofs.
	SkipSignatureCheck bool

	// ReceiptTimeout bounds the async receipt write. Default 10 seconds.
	ReceiptTimeout time.Duration
}

// Middleware wraps protected handlers with the payment state machine:
// unpriced paths pass through untouched, priced paths without proof get a
// 402 challenge, and priced paths with proof are verified then fulfilled.
type Middleware struct {
	prices   *pricing.Table
	nonces   store.NonceStore
	receipts store.ReceiptStore
	cfg      Config
	retry    resilience.RetryConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	dlq *resilience.ReceiptDLQ
	wg  sync.WaitGroup
}

// New builds a paywall over a price table and the nonce/receipt stores.
func New(prices *pricing.Table, nonces store.NonceStore, receipts store.ReceiptStore, cfg Config) *Middleware {
	if cfg.Scheme == "" {
		cfg.Scheme = "exact"
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = 5 * time.Minute
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 24 * time.Hour
	}
	if cfg.MintRate <= 0 {
		cfg.MintRate = 5
	}
	if cfg.MintBurst <= 0 {
		cfg.MintBurst = 10
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 10 * time.Second
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 3
	retry.InitialBackoff = 100 * time.Millisecond
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("paywall: retrying receipt write",
			zap.Int("attempt", attempt), zap.Error(err))
	}

	return &Middleware{
		prices:   prices,
		nonces:   nonces,
		receipts: receipts,
		cfg:      cfg,
		retry:    retry,
		limiters: make(map[string]*rate.Limiter),
		dlq:      resilience.NewReceiptDLQ(),
	}
}

// DLQ exposes the queue of receipts whose durable write failed, for
// operator-driven replay.
func (m *Middleware) DLQ() *resilience.ReceiptDLQ {
	return m.dlq
}

// Close waits for in-flight receipt writes to drain.
func (m *Middleware) Close() {
	m.wg.Wait()
}

// Handler wraps next with the paywall.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint, priced := m.prices.Resolve(r.URL.Path)
		if !priced {
			next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), Info{Paid: false})))
			return
		}

		proof, present, err := wire.ReadProof(r.Header)
		if !present {
			if !m.allowMint(r) {
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited",
					"too many unpaid requests; retry later")
				return
			}
			m.writeChallenge(w, r, endpoint, nil)
			return
		}
		if err != nil {
			zap.L().Debug("paywall: malformed proof",
				zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set(wire.HeaderError, CodeMalformedProof)
			writeJSONError(w, http.StatusBadRequest, CodeMalformedProof, err.Error())
			return
		}

		if verr := verifyProof(proof, endpoint, !m.cfg.SkipSignatureCheck, time.Now()); verr != nil {
			zap.L().Info("paywall: proof rejected",
				zap.String("path", r.URL.Path),
				zap.String("code", verr.Code),
				zap.String("payer", proof.Payer))
			m.writeChallenge(w, r, endpoint, verr)
			return
		}

		// Reserve the nonce before touching the handler so a replayed proof
		// can never re-trigger fulfillment.
		fresh, err := m.nonces.ReserveNonce(r.Context(), proof.Nonce, m.cfg.NonceTTL)
		if err != nil {
			zap.L().Error("paywall: nonce reservation failed", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "nonce_store_unavailable",
				"could not verify payment uniqueness")
			return
		}
		if !fresh {
			w.Header().Set(wire.HeaderError, CodeNonceReplay)
			writeJSONError(w, http.StatusBadRequest, CodeNonceReplay,
				"payment nonce has already been used")
			return
		}

		m.fulfill(w, r, next, endpoint, proof)
	})
}

// fulfill serves the paid request: settlement headers first, then the
// protected handler through a hashing recorder, then an async receipt write.
func (m *Middleware) fulfill(w http.ResponseWriter, r *http.Request, next http.Handler, endpoint pricing.Endpoint, proof wire.Proof) {
	receiptID := uuid.New().String()
	now := time.Now()

	reqHash, err := hashRequest(r)
	if err != nil {
		zap.L().Error("paywall: hash request", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "request_unreadable",
			"could not read request body")
		return
	}

	// Settlement headers go out with the handler's own status; a failure
	// here must never take down the response.
	if err := wire.WriteSettlement(w.Header(), wire.Settlement{
		Success:       true,
		ReceiptID:     receiptID,
		Network:       proof.Network,
		SettlementRef: proof.SettlementRef,
		SettledAt:     now.Unix(),
	}); err != nil {
		zap.L().Warn("paywall: write settlement header", zap.Error(err))
	}

	rec := newHashingWriter(w)
	info := Info{
		Paid:      true,
		PriceUSD:  endpoint.PriceUSD,
		Nonce:     proof.Nonce,
		Proof:     &proof,
		ReceiptID: receiptID,
	}
	next.ServeHTTP(rec, r.WithContext(WithInfo(r.Context(), info)))

	receipt := model.Receipt{
		ID:           receiptID,
		CallID:       uuid.New().String(),
		PaymentRef:   proof.SettlementRef,
		AmountUSD:    endpoint.PriceUSD,
		Asset:        endpoint.AssetAddress,
		ChainID:      endpoint.ChainID,
		Seller:       m.prices.PayTo(),
		Buyer:        proof.Payer,
		Nonce:        proof.Nonce,
		Expiry:       time.Unix(proof.Expiry, 0).UTC(),
		Signature:    proof.Signature,
		RequestHash:  reqHash,
		ResponseHash: rec.Sum(),
		Verified:     true,
		CreatedAt:    now,
	}
	m.saveReceiptAsync(receipt)
}

// saveReceiptAsync persists the receipt off the request path with bounded
// retries. Receipt durability is best-effort; the paid response has already
// been served.
func (m *Middleware) saveReceiptAsync(receipt model.Receipt) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReceiptTimeout)
		defer cancel()

		err := resilience.Do(ctx, m.retry, func(ctx context.Context) error {
			return m.receipts.SaveReceipt(ctx, receipt)
		})
		if err != nil {
			now := time.Now()
			m.dlq.Push(resilience.DLQEntry{
				ID:           receipt.ID,
				Receipt:      receipt,
				Error:        err.Error(),
				ErrorType:    resilience.ClassifyError(err),
				RetryCount:   m.retry.MaxAttempts,
				MaxRetries:   m.retry.MaxAttempts,
				CreatedAt:    now,
				LastFailedAt: now,
			})
			zap.L().Error("paywall: receipt write failed, queued to DLQ",
				zap.String("receipt_id", receipt.ID),
				zap.String("nonce", receipt.Nonce),
				zap.Error(err))
			return
		}
		zap.L().Debug("paywall: receipt stored", zap.String("receipt_id", receipt.ID))
	}()
}

// writeChallenge responds 402 with a freshly minted challenge. When verr is
// set the rejection code rides alongside so callers can distinguish "pay me"
// from "your proof was bad, here is a new challenge".
func (m *Middleware) writeChallenge(w http.ResponseWriter, r *http.Request, endpoint pricing.Endpoint, verr *VerificationError) {
	now := time.Now()
	scheme := m.cfg.Scheme
	if len(endpoint.Schemes) > 0 {
		scheme = endpoint.Schemes[0]
	}

	c := wire.Challenge{
		Version:           wire.Version,
		Scheme:            scheme,
		Network:           pricing.NetworkID(endpoint.ChainID),
		Amount:            strconv.FormatInt(pricing.BaseUnits(endpoint.PriceUSD), 10),
		PayTo:             m.prices.PayTo(),
		Resource:          r.URL.Path,
		MaxTimeoutSeconds: int(m.cfg.ChallengeTimeout.Seconds()),
		Asset:             endpoint.AssetAddress,
		Description:       endpoint.Description,
		Extra: wire.Extra{
			PriceUSD: endpoint.PriceUSD,
			Nonce:    uuid.New().String(),
			Expiry:   now.Add(m.cfg.ChallengeTimeout).Unix(),
		},
	}
	if err := wire.WriteChallenge(w.Header(), c); err != nil {
		zap.L().Error("paywall: write challenge", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "challenge_encoding", err.Error())
		return
	}

	code, reason := "payment_required", "payment is required for this resource"
	if verr != nil {
		code, reason = verr.Code, verr.Reason
		w.Header().Set(wire.HeaderError, verr.Code)
	}
	writeJSONError(w, http.StatusPaymentRequired, code, reason)
}

// allowMint applies the per-remote challenge mint limiter.
func (m *Middleware) allowMint(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	m.mu.Lock()
	lim, ok := m.limiters[host]
	if !ok {
		lim = rate.NewLimiter(m.cfg.MintRate, m.cfg.MintBurst)
		m.limiters[host] = lim
	}
	m.mu.Unlock()

	return lim.Allow()
}

// hashRequest computes the canonical request digest over method, URL and
// body, restoring the body for the downstream handler.
func hashRequest(r *http.Request) (string, error) {
	h := sha256.New()
	io.WriteString(h, r.Method)
	h.Write([]byte{'\n'})
	io.WriteString(h, r.URL.String())
	h.Write([]byte{'\n'})

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return "", err
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashingWriter passes the response through while digesting status and body.
type hashingWriter struct {
	http.ResponseWriter
	h           hash.Hash
	wroteHeader bool
	status      int
}

func newHashingWriter(w http.ResponseWriter) *hashingWriter {
	return &hashingWriter{ResponseWriter: w, h: sha256.New(), status: http.StatusOK}
}

func (hw *hashingWriter) WriteHeader(status int) {
	if !hw.wroteHeader {
		hw.status = status
		hw.sealStatus()
	}
	hw.ResponseWriter.WriteHeader(status)
}

func (hw *hashingWriter) Write(b []byte) (int, error) {
	if !hw.wroteHeader {
		hw.sealStatus()
	}
	hw.h.Write(b)
	return hw.ResponseWriter.Write(b)
}

func (hw *hashingWriter) sealStatus() {
	hw.wroteHeader = true
	io.WriteString(hw.h, strconv.Itoa(hw.status))
	hw.h.Write([]byte{'\n'})
}

// Sum returns the hex digest of status plus body.
func (hw *hashingWriter) Sum() string {
	if !hw.wroteHeader {
		hw.sealStatus()
	}
	return hex.EncodeToString(hw.h.Sum(nil))
}

func writeJSONError(w http.ResponseWriter, status int, code, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  code,
		"reason": reason,
	})
}
