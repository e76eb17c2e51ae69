// Package wire encodes the payment challenge/proof protocol carried in HTTP
// headers: a versioned, self-describing base64(JSON) form plus discrete
// fallback headers for simpler consumers.
package wire

// Protocol version carried in every encoded payload. Decoders accept any
// version >= 1 so fields can be added without breaking older consumers.
const Version = 1

// Self-describing headers.
const (
	// HeaderChallenge carries the encoded Challenge on 402 responses.
	HeaderChallenge = "Payment-Required"
	// HeaderProof carries the encoded Proof on paid retries.
	HeaderProof = "X-Payment"
	// HeaderSettlement carries the encoded Settlement confirmation on
	// fulfilled responses.
	HeaderSettlement = "X-Payment-Response"
	// HeaderReceiptID carries the plain receipt identifier.
	HeaderReceiptID = "X-Payment-Receipt-Id"
)

// Discrete fallback headers mirroring the Challenge fields.
const (
	HeaderPrice       = "X-Payment-Price"
	HeaderPriceUSD    = "X-Payment-Price-Usd"
	HeaderAsset       = "X-Payment-Asset"
	HeaderPayTo       = "X-Payment-Pay-To"
	HeaderChainID     = "X-Payment-Chain-Id"
	HeaderNetwork     = "X-Payment-Network"
	HeaderExpiry      = "X-Payment-Expiry"
	HeaderNonce       = "X-Payment-Nonce"
	HeaderDescription = "X-Payment-Description"
	HeaderSchemes     = "X-Payment-Schemes"
)

// HeaderError carries a machine-checkable rejection code alongside 402/400
// rejections of a submitted proof.
const HeaderError = "X-Payment-Error"
