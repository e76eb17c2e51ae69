package wire

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Proof is the caller's signed authorization satisfying one challenge's
// nonce. Consumed exactly once by the seller.
type Proof struct {
	Version   int    `json:"x402Version"`
	Signature string `json:"signature"`
	Payer     string `json:"payer"`
	Nonce     string `json:"nonce"`
	// Expiry echoes the challenge expiry, unix seconds.
	Expiry int64 `json:"expiry"`
	// Amount is the authorized amount in asset base units.
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	Network       string `json:"network"`
	SettlementRef string `json:"settlementRef,omitempty"`
}

// Encode serializes the proof into the proof header value.
func (p Proof) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", eris.Wrap(err, "wire: marshal proof")
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// AmountBaseUnits parses the authorized base-unit amount.
func (p Proof) AmountBaseUnits() (int64, error) {
	n, err := strconv.ParseInt(p.Amount, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "wire: parse proof amount %q", p.Amount)
	}
	return n, nil
}

// Expired reports whether the proof's expiry has passed.
func (p Proof) Expired(now time.Time) bool {
	return now.Unix() > p.Expiry
}

// WriteProof sets the proof header on a request.
func WriteProof(h http.Header, p Proof) error {
	enc, err := p.Encode()
	if err != nil {
		return err
	}
	h.Set(HeaderProof, enc)
	return nil
}

// ReadProof decodes the proof header. ok is false when the header is absent;
// a present but malformed header is an error.
func ReadProof(h http.Header) (Proof, bool, error) {
	enc := h.Get(HeaderProof)
	if enc == "" {
		return Proof{}, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return Proof{}, true, eris.Wrap(err, "wire: decode proof header")
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return Proof{}, true, eris.Wrap(err, "wire: unmarshal proof")
	}
	if p.Version < 1 {
		return Proof{}, true, eris.Errorf("wire: unsupported proof version %d", p.Version)
	}
	if p.Nonce == "" || p.Signature == "" {
		return Proof{}, true, eris.New("wire: proof missing nonce or signature")
	}
	return p, true, nil
}

// SigningMessage builds the canonical message a payer signs and a seller
// verifies: payTo|amount|asset|network|nonce|expiry.
func SigningMessage(payTo, amount, asset, network, nonce string, expiry int64) []byte {
	return []byte(strings.Join([]string{
		payTo, amount, asset, network, nonce, strconv.FormatInt(expiry, 10),
	}, "|"))
}

// Settlement is the seller's confirmation attached to a fulfilled response.
type Settlement struct {
	Success       bool   `json:"success"`
	ReceiptID     string `json:"receiptId"`
	Network       string `json:"network"`
	SettlementRef string `json:"settlementRef,omitempty"`
	// SettledAt is unix seconds.
	SettledAt int64 `json:"settledAt"`
}

// WriteSettlement sets the settlement confirmation and receipt-id headers.
func WriteSettlement(h http.Header, s Settlement) error {
	b, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "wire: marshal settlement")
	}
	h.Set(HeaderSettlement, base64.StdEncoding.EncodeToString(b))
	h.Set(HeaderReceiptID, s.ReceiptID)
	return nil
}

// ReadSettlement decodes the settlement header; ok is false when absent.
func ReadSettlement(h http.Header) (Settlement, bool, error) {
	enc := h.Get(HeaderSettlement)
	if enc == "" {
		return Settlement{}, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return Settlement{}, true, eris.Wrap(err, "wire: decode settlement header")
	}
	var s Settlement
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settlement{}, true, eris.Wrap(err, "wire: unmarshal settlement")
	}
	return s, true, nil
}
