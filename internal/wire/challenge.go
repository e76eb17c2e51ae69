package wire

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paygate/internal/pricing"
)

// ErrNoChallenge is returned when a response carries neither the encoded
// challenge header nor the discrete fallback headers.
var ErrNoChallenge = eris.New("wire: no payment challenge in response")

// Challenge is the seller's description of the payment required for a
// resource, returned with a 402 status. Generated fresh per unpaid request.
type Challenge struct {
	Version int    `json:"x402Version"`
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	// Amount is the required amount in asset base units, string-encoded to
	// survive consumers without 64-bit integer support.
	Amount            string `json:"maxAmountRequired"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Description       string `json:"description,omitempty"`
	Extra             Extra  `json:"extra"`
}

// Extra is the challenge's extension bag.
type Extra struct {
	PriceUSD float64 `json:"priceUsd"`
	Nonce    string  `json:"nonce"`
	// Expiry is unix seconds after which the challenge's nonce is no longer
	// accepted.
	Expiry int64 `json:"expiry"`
}

// Encode serializes the challenge into the self-describing header value.
func (c Challenge) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", eris.Wrap(err, "wire: marshal challenge")
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// AmountBaseUnits parses the base-unit amount.
func (c Challenge) AmountBaseUnits() (int64, error) {
	n, err := strconv.ParseInt(c.Amount, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "wire: parse challenge amount %q", c.Amount)
	}
	return n, nil
}

// WriteChallenge sets the encoded challenge header and the parallel discrete
// headers on a 402 response.
func WriteChallenge(h http.Header, c Challenge) error {
	enc, err := c.Encode()
	if err != nil {
		return err
	}
	h.Set(HeaderChallenge, enc)

	h.Set(HeaderPrice, c.Amount)
	h.Set(HeaderPriceUSD, strconv.FormatFloat(c.Extra.PriceUSD, 'f', -1, 64))
	h.Set(HeaderAsset, c.Asset)
	h.Set(HeaderPayTo, c.PayTo)
	h.Set(HeaderNetwork, c.Network)
	if id, err := pricing.ChainID(c.Network); err == nil {
		h.Set(HeaderChainID, strconv.FormatInt(id, 10))
	}
	h.Set(HeaderExpiry, strconv.FormatInt(c.Extra.Expiry, 10))
	h.Set(HeaderNonce, c.Extra.Nonce)
	if c.Description != "" {
		h.Set(HeaderDescription, c.Description)
	}
	h.Set(HeaderSchemes, c.Scheme)
	return nil
}

// ReadChallenge decodes a challenge from response headers, preferring the
// self-describing header and falling back to the discrete fields. Returns
// ErrNoChallenge when neither form is present.
func ReadChallenge(h http.Header) (Challenge, error) {
	if enc := h.Get(HeaderChallenge); enc != "" {
		return decodeChallenge(enc)
	}
	return challengeFromDiscrete(h)
}

func decodeChallenge(enc string) (Challenge, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return Challenge{}, eris.Wrap(err, "wire: decode challenge header")
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return Challenge{}, eris.Wrap(err, "wire: unmarshal challenge")
	}
	if c.Version < 1 {
		return Challenge{}, eris.Errorf("wire: unsupported challenge version %d", c.Version)
	}
	if c.Extra.Nonce == "" {
		return Challenge{}, eris.New("wire: challenge missing nonce")
	}
	return c, nil
}

func challengeFromDiscrete(h http.Header) (Challenge, error) {
	nonce := h.Get(HeaderNonce)
	if nonce == "" || h.Get(HeaderPrice) == "" {
		return Challenge{}, ErrNoChallenge
	}

	priceUSD, err := strconv.ParseFloat(h.Get(HeaderPriceUSD), 64)
	if err != nil {
		return Challenge{}, eris.Wrap(err, "wire: parse discrete price header")
	}
	expiry, err := strconv.ParseInt(h.Get(HeaderExpiry), 10, 64)
	if err != nil {
		return Challenge{}, eris.Wrap(err, "wire: parse discrete expiry header")
	}

	scheme := h.Get(HeaderSchemes)
	if scheme == "" {
		scheme = "exact"
	} else if i := strings.IndexByte(scheme, ','); i >= 0 {
		scheme = strings.TrimSpace(scheme[:i])
	}

	return Challenge{
		Version:     Version,
		Scheme:      scheme,
		Network:     h.Get(HeaderNetwork),
		Amount:      h.Get(HeaderPrice),
		PayTo:       h.Get(HeaderPayTo),
		Asset:       h.Get(HeaderAsset),
		Description: h.Get(HeaderDescription),
		Extra: Extra{
			PriceUSD: priceUSD,
			Nonce:    nonce,
			Expiry:   expiry,
		},
	}, nil
}
