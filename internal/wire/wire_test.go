package wire

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChallenge() Challenge {
	return Challenge{
		Version:           Version,
		Scheme:            "exact",
		Network:           "eip155:8453",
		Amount:            "30000",
		PayTo:             "0xSeller",
		Resource:          "/api/quote",
		MaxTimeoutSeconds: 300,
		Asset:             "0xUSDC",
		Description:       "price quote",
		Extra: Extra{
			PriceUSD: 0.03,
			Nonce:    "nonce-123",
			Expiry:   1_900_000_000,
		},
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	h := http.Header{}
	require.NoError(t, WriteChallenge(h, testChallenge()))

	got, err := ReadChallenge(h)
	require.NoError(t, err)
	assert.Equal(t, testChallenge(), got)
}

func TestChallengeDiscreteFallback(t *testing.T) {
	h := http.Header{}
	require.NoError(t, WriteChallenge(h, testChallenge()))
	// Simulate a simple consumer that only relays the discrete headers.
	h.Del(HeaderChallenge)

	got, err := ReadChallenge(h)
	require.NoError(t, err)
	assert.Equal(t, "nonce-123", got.Extra.Nonce)
	assert.Equal(t, "30000", got.Amount)
	assert.InDelta(t, 0.03, got.Extra.PriceUSD, 1e-9)
	assert.Equal(t, "eip155:8453", got.Network)
	assert.Equal(t, "0xSeller", got.PayTo)
	assert.Equal(t, int64(1_900_000_000), got.Extra.Expiry)
	assert.Equal(t, "exact", got.Scheme)
}

func TestChallengeDiscreteHeadersPresent(t *testing.T) {
	h := http.Header{}
	require.NoError(t, WriteChallenge(h, testChallenge()))

	assert.Equal(t, "30000", h.Get(HeaderPrice))
	assert.Equal(t, "0.03", h.Get(HeaderPriceUSD))
	assert.Equal(t, "8453", h.Get(HeaderChainID))
	assert.Equal(t, "eip155:8453", h.Get(HeaderNetwork))
	assert.Equal(t, "nonce-123", h.Get(HeaderNonce))
	assert.Equal(t, "price quote", h.Get(HeaderDescription))
}

func TestChallengeUnknownNamespaceOmitsChainID(t *testing.T) {
	c := testChallenge()
	c.Network = "solana:mainnet"

	h := http.Header{}
	require.NoError(t, WriteChallenge(h, c))
	assert.Empty(t, h.Get(HeaderChainID))

	// The encoded form still round-trips the opaque identifier.
	got, err := ReadChallenge(h)
	require.NoError(t, err)
	assert.Equal(t, "solana:mainnet", got.Network)
}

func TestReadChallengeMissing(t *testing.T) {
	_, err := ReadChallenge(http.Header{})
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestReadChallengeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not base64", "%%%"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("hello"))},
		{"version zero", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":0}`))},
		{"missing nonce", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"extra":{}}`))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			h.Set(HeaderChallenge, tc.value)
			_, err := ReadChallenge(h)
			assert.Error(t, err)
		})
	}
}

func TestChallengeForwardCompatibleVersion(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderChallenge, base64.StdEncoding.EncodeToString(
		[]byte(`{"x402Version":2,"scheme":"exact","maxAmountRequired":"10","extra":{"nonce":"n1","expiry":1},"futureField":"x"}`)))

	got, err := ReadChallenge(h)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "n1", got.Extra.Nonce)
}

func testProof() Proof {
	return Proof{
		Version:   Version,
		Signature: "0xsig",
		Payer:     "0xBuyer",
		Nonce:     "nonce-123",
		Expiry:    1_900_000_000,
		Amount:    "30000",
		Asset:     "0xUSDC",
		Network:   "eip155:8453",
	}
}

func TestProofRoundTrip(t *testing.T) {
	h := http.Header{}
	require.NoError(t, WriteProof(h, testProof()))

	got, ok, err := ReadProof(h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testProof(), got)

	n, err := got.AmountBaseUnits()
	require.NoError(t, err)
	assert.Equal(t, int64(30000), n)
}

func TestReadProofAbsent(t *testing.T) {
	_, ok, err := ReadProof(http.Header{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadProofMalformed(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not base64", "!!!"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("{"))},
		{"missing signature", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"nonce":"n"}`))},
		{"missing nonce", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"signature":"s"}`))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			h.Set(HeaderProof, tc.value)
			_, ok, err := ReadProof(h)
			assert.True(t, ok)
			assert.Error(t, err)
		})
	}
}

func TestProofExpired(t *testing.T) {
	p := testProof()
	p.Expiry = time.Now().Add(-time.Minute).Unix()
	assert.True(t, p.Expired(time.Now()))

	p.Expiry = time.Now().Add(time.Minute).Unix()
	assert.False(t, p.Expired(time.Now()))
}

func TestSigningMessageCanonical(t *testing.T) {
	msg := SigningMessage("0xSeller", "30000", "0xUSDC", "eip155:8453", "n1", 1700000000)
	assert.Equal(t, "0xSeller|30000|0xUSDC|eip155:8453|n1|1700000000", string(msg))
}

func TestSettlementRoundTrip(t *testing.T) {
	s := Settlement{
		Success:   true,
		ReceiptID: "rcpt-1",
		Network:   "eip155:8453",
		SettledAt: 1_700_000_000,
	}

	h := http.Header{}
	require.NoError(t, WriteSettlement(h, s))
	assert.Equal(t, "rcpt-1", h.Get(HeaderReceiptID))

	got, ok, err := ReadSettlement(h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s, got)

	_, ok, err = ReadSettlement(http.Header{})
	require.NoError(t, err)
	assert.False(t, ok)
}
