// Package payer is the caller-side orchestrator: it probes a priced
// endpoint, evaluates the seller's challenge against local spend policy,
// then signs and submits payment proof. Transport failures are retried
// within a bounded budget; seller-side rejections are terminal. All
// decisions, allowed or not, land in the ledger's audit log.
package payer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paygate/internal/model"
	"github.com/sells-group/paygate/internal/policy"
	"github.com/sells-group/paygate/internal/resilience"
	"github.com/sells-group/paygate/internal/signer"
	"github.com/sells-group/paygate/internal/store"
	"github.com/sells-group/paygate/internal/wire"
)

// Options tunes the payer.
type Options struct {
	// CallerID keys the spend ledger. Required.
	CallerID string

	// AutoPay enables paying without interactive confirmation. When false,
	// any challenge surfaces as a PolicyBlockedError.
	AutoPay bool

	// MaxRetries bounds transport re-sends after the first attempt of each
	// request. Seller-side rejections are never re-paid automatically.
	// Default 1.
	MaxRetries int

	// StrictReserve holds the amount against the spend windows before
	// paying, so concurrent payers cannot jointly overshoot a cap.
	StrictReserve bool

	// HTTPClient overrides the transport. Default: 30s timeout client.
	HTTPClient *http.Client
}

// Result is the outcome of a call. Response is non-nil even when Paid is
// false (the endpoint simply wasn't priced). When Paid is true the payment
// has accrued to the ledger; Response.StatusCode still reports whatever the
// upstream answered behind the paywall.
type Result struct {
	Response   *http.Response
	Paid       bool
	PriceUSD   float64
	Proof      *wire.Proof
	Decision   *model.PolicyDecision
	Settlement *wire.Settlement
	ReceiptID  string
}

// Client drives the probe/evaluate/pay cycle against x402 sellers.
type Client struct {
	policy   *model.Policy
	ledger   store.Ledger
	signer   signer.Signer
	http     *http.Client
	opts     Options
	retry    resilience.RetryConfig
	breakers *resilience.ServiceBreakers
}

// New builds a payer over a spend policy, ledger and signing capability.
func New(p *model.Policy, ledger store.Ledger, s signer.Signer, opts Options) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.MaxRetries + 1
	retry.InitialBackoff = 250 * time.Millisecond

	bcfg := resilience.DefaultCircuitBreakerConfig()
	bcfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("payer: seller breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	return &Client{
		policy:   p,
		ledger:   ledger,
		signer:   s,
		http:     opts.HTTPClient,
		opts:     opts,
		retry:    retry,
		breakers: resilience.NewServiceBreakers(bcfg),
	}
}

// Call is a convenience wrapper building the request from parts.
func (c *Client) Call(ctx context.Context, method, url string, body io.Reader) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, eris.Wrap(err, "payer: build request")
	}
	return c.Do(ctx, req)
}

// Do executes the probe-evaluate-pay cycle for one request.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Result, error) {
	if err := bufferBody(req); err != nil {
		return nil, eris.Wrap(err, "payer: buffer request body")
	}

	resp, err := c.send(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Result{Response: resp, Paid: false}, nil
	}

	return c.payOnce(ctx, req, resp)
}

// payOnce runs one challenge-to-settlement cycle: parse the challenge,
// evaluate policy, sign, resend, classify the outcome. The seller declining
// the proof is fatal for the call; the caller may retry with the decision
// and fresh parameters in hand, the orchestrator never re-pays blindly.
func (c *Client) payOnce(ctx context.Context, req *http.Request, challengeResp *http.Response) (*Result, error) {
	drain(challengeResp)

	challenge, err := wire.ReadChallenge(challengeResp.Header)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	decision, err := c.evaluate(ctx, req, challenge)
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		return nil, &PolicyBlockedError{Decision: decision, Challenge: &challenge}
	}

	var reservationID string
	if c.opts.StrictReserve {
		reservationID, err = c.ledger.Reserve(ctx, c.opts.CallerID, req.URL.Path, challenge.Extra.PriceUSD)
		if err != nil {
			return nil, eris.Wrap(err, "payer: reserve spend")
		}
	}

	result, err := c.submitProof(ctx, req, challenge, decision)
	if c.opts.StrictReserve {
		c.settleReservation(ctx, reservationID, challenge.Extra.Nonce, err == nil)
	}
	return result, err
}

// submitProof signs the challenge, resends the request with the proof
// attached, and classifies the seller's answer.
func (c *Client) submitProof(ctx context.Context, req *http.Request, challenge wire.Challenge, decision model.PolicyDecision) (*Result, error) {
	msg := wire.SigningMessage(challenge.PayTo, challenge.Amount, challenge.Asset,
		challenge.Network, challenge.Extra.Nonce, challenge.Extra.Expiry)
	sig, err := c.signer.Sign(ctx, msg)
	if err != nil {
		return nil, eris.Wrap(err, "payer: sign challenge")
	}

	proof := wire.Proof{
		Version:   wire.Version,
		Signature: sig,
		Payer:     c.signer.Address(),
		Nonce:     challenge.Extra.Nonce,
		Expiry:    challenge.Extra.Expiry,
		Amount:    challenge.Amount,
		Asset:     challenge.Asset,
		Network:   challenge.Network,
	}

	resp, err := c.send(ctx, req, &proof)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		code := resp.Header.Get(wire.HeaderError)
		if code == "" {
			code = "rejected"
		}
		drain(resp)
		return nil, &VerificationError{Code: code,
			Reason: "seller rejected the payment proof", Challenge: &challenge}

	case http.StatusBadRequest:
		drain(resp)
		return nil, &ReplayError{Nonce: proof.Nonce}
	}

	// Fulfilled: the nonce is spent regardless of upstream status, so the
	// payment accrues against the caller's windows now. The upstream status
	// rides on Result.Response for callers that care.
	if _, err := c.ledger.RecordPayment(ctx, c.opts.CallerID, req.URL.Path,
		proof.Nonce, challenge.Extra.PriceUSD); err != nil {
		zap.L().Error("payer: record payment", zap.Error(err))
	}

	result := &Result{
		Response: resp,
		Paid:     true,
		PriceUSD: challenge.Extra.PriceUSD,
		Proof:    &proof,
		Decision: &decision,
	}
	if settlement, ok, err := wire.ReadSettlement(resp.Header); err != nil {
		zap.L().Warn("payer: unreadable settlement header", zap.Error(err))
	} else if ok {
		result.Settlement = &settlement
		result.ReceiptID = settlement.ReceiptID
	}
	return result, nil
}

// evaluate runs the policy engine against the challenge price and records
// the decision in the audit log, allowed or not.
func (c *Client) evaluate(ctx context.Context, req *http.Request, challenge wire.Challenge) (model.PolicyDecision, error) {
	preq, err := model.NewPaymentRequest(req.URL.String(), challenge.Extra.PriceUSD, c.opts.CallerID)
	if err != nil {
		return model.PolicyDecision{}, eris.Wrap(err, "payer: build payment request")
	}

	sc, err := c.ledger.SpendContext(ctx, c.opts.CallerID)
	if err != nil {
		return model.PolicyDecision{}, eris.Wrap(err, "payer: load spend context")
	}

	// Full trace always: the audit record should show every rule's verdict
	// even when the payment is allowed.
	decision := policy.Evaluate(c.policy, preq, sc, policy.EvalOptions{FullTrace: true})

	// The auto-pay override lands before the record so the durable audit
	// entry matches the decision the caller is handed.
	if decision.Allow && !c.opts.AutoPay {
		decision.Allow = false
		decision.Reason = "auto-pay is disabled; payment requires explicit approval"
	}

	if _, err := c.ledger.RecordDecision(ctx, preq, decision); err != nil {
		zap.L().Error("payer: record decision", zap.Error(err))
	}
	return decision, nil
}

func (c *Client) settleReservation(ctx context.Context, reservationID, nonce string, paid bool) {
	var err error
	if paid {
		err = c.ledger.Commit(ctx, reservationID, nonce)
	} else {
		err = c.ledger.Release(ctx, reservationID)
	}
	if err != nil {
		zap.L().Error("payer: settle reservation",
			zap.String("reservation_id", reservationID),
			zap.Bool("paid", paid),
			zap.Error(err))
	}
}

// send issues the request, optionally with proof attached, retrying
// transport-level failures. HTTP responses of any status are terminal here.
func (c *Client) send(ctx context.Context, req *http.Request, proof *wire.Proof) (*http.Response, error) {
	attempt, err := cloneRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if proof != nil {
		if err := wire.WriteProof(attempt.Header, *proof); err != nil {
			return nil, err
		}
	}

	// A flapping seller trips its host's breaker open so we stop hammering
	// it across calls.
	breaker := c.breakers.Get(req.URL.Host)

	var resp *http.Response
	attempts := 0
	err = resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		attempts++
		return breaker.Execute(ctx, func(ctx context.Context) error {
			r, err := cloneRequest(ctx, attempt)
			if err != nil {
				return err
			}
			resp, err = c.http.Do(r)
			if err != nil {
				return resilience.NewTransientError(err, 0)
			}
			return nil
		})
	})
	if err != nil {
		return nil, &TransportError{Err: err, Attempts: attempts}
	}
	return resp, nil
}

// cloneRequest re-materializes the request with a fresh body reader.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, eris.Wrap(err, "payer: reread request body")
		}
		clone.Body = body
	}
	return clone, nil
}

// bufferBody makes the request body replayable across probe and paid retry.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(raw))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	return nil
}

// drain releases a response we will not return to the caller.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
