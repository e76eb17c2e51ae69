package model

import "time"

// Receipt is the durable proof of a fulfilled payment, written once after
// the protected handler serves a paid request and immutable thereafter.
type Receipt struct {
	ID           string    `json:"id"`
	CallID       string    `json:"call_id"`
	PaymentRef   string    `json:"payment_ref,omitempty"`
	AmountUSD    float64   `json:"amount_usd"`
	Asset        string    `json:"asset"`
	ChainID      int64     `json:"chain_id"`
	Seller       string    `json:"seller"`
	Buyer        string    `json:"buyer"`
	Nonce        string    `json:"nonce"`
	Expiry       time.Time `json:"expiry"`
	Signature    string    `json:"signature"`
	RequestHash  string    `json:"request_hash"`
	ResponseHash string    `json:"response_hash"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
}
