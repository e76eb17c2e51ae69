// Package pricing resolves request paths to a price/asset/chain tuple and
// converts USD prices to integer asset base units.
package pricing

import (
	"math"
	"sort"
	"strings"
)

// AssetDecimals is the fixed decimal scale used to convert USD prices to
// asset base units (6 matches USDC-style stablecoins). The conversion is
// deterministic; there are no live exchange-rate lookups.
const AssetDecimals = 6

// Endpoint is one entry in the seller's price schedule. Read-only at
// request time.
type Endpoint struct {
	PriceUSD     float64  `yaml:"price_usd" mapstructure:"price_usd"`
	AssetAddress string   `yaml:"asset_address" mapstructure:"asset_address"`
	ChainID      int64    `yaml:"chain_id" mapstructure:"chain_id"`
	Description  string   `yaml:"description" mapstructure:"description"`
	Schemes      []string `yaml:"schemes" mapstructure:"schemes"`
}

// Table maps route patterns to endpoint pricing. Patterns support `*` for
// exactly one path segment and `**` for any remaining segments.
type Table struct {
	entries  map[string]Endpoint
	patterns []string // insertion order for deterministic wildcard resolution

	defaultPrice *Endpoint
	payTo        string
	asset        string
	chainID      int64
}

// Option configures a Table.
type Option func(*Table)

// WithDefault sets a default price applied to any path without an explicit
// or wildcard match. Without it, unmatched paths are unpriced (free).
func WithDefault(priceUSD float64) Option {
	return func(t *Table) {
		t.defaultPrice = &Endpoint{PriceUSD: priceUSD}
	}
}

// NewTable builds a pricing table. payTo, asset and chainID fill entries
// that do not override them.
func NewTable(payTo, asset string, chainID int64, entries map[string]Endpoint, opts ...Option) *Table {
	t := &Table{
		entries: make(map[string]Endpoint, len(entries)),
		payTo:   payTo,
		asset:   asset,
		chainID: chainID,
	}
	for pattern, e := range entries {
		if e.AssetAddress == "" {
			e.AssetAddress = asset
		}
		if e.ChainID == 0 {
			e.ChainID = chainID
		}
		t.entries[pattern] = e
		if strings.Contains(pattern, "*") {
			t.patterns = append(t.patterns, pattern)
		}
	}
	// Map iteration order is random; sort so wildcard resolution is
	// deterministic across processes.
	sort.Strings(t.patterns)

	for _, o := range opts {
		o(t)
	}
	if t.defaultPrice != nil {
		t.defaultPrice.AssetAddress = asset
		t.defaultPrice.ChainID = chainID
	}
	return t
}

// PayTo returns the seller's payment address.
func (t *Table) PayTo() string { return t.payTo }

// Resolve maps a request path to its pricing: exact match first, then
// wildcard patterns, then the configured default. ok is false when the path
// is unpriced.
func (t *Table) Resolve(path string) (Endpoint, bool) {
	if e, ok := t.entries[path]; ok {
		return e, true
	}
	for _, pattern := range t.patterns {
		if matchPattern(pattern, path) {
			return t.entries[pattern], true
		}
	}
	if t.defaultPrice != nil {
		return *t.defaultPrice, true
	}
	return Endpoint{}, false
}

// matchPattern matches a path against a pattern where `*` spans exactly one
// segment and `**` spans any remaining segments.
func matchPattern(pattern, path string) bool {
	ps := splitSegments(pattern)
	ss := splitSegments(path)

	for i, seg := range ps {
		if seg == "**" {
			return true
		}
		if i >= len(ss) {
			return false
		}
		if seg != "*" && seg != ss[i] {
			return false
		}
	}
	return len(ps) == len(ss)
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// BaseUnits converts a USD price to integer asset base units at the fixed
// decimal scale, rounding to the nearest unit.
func BaseUnits(priceUSD float64) int64 {
	return int64(math.Round(priceUSD * math.Pow10(AssetDecimals)))
}

// USDFromBaseUnits is the inverse of BaseUnits.
func USDFromBaseUnits(units int64) float64 {
	return float64(units) / math.Pow10(AssetDecimals)
}
