// Package symbol handles asset symbol normalisation and trading pair
// parsing for quotes coming from exchanges.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches an upper-case asset symbol: BTC, ETH, 1INCH, SHIB.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,15}$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid symbol format")
	ErrInvalidPair   = errors.New("symbol: invalid trading pair")
)

// Normalize trims and upper-cases s and validates the result.
func Normalize(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return sym, nil
}

// Pair is a parsed exchange trading pair.
type Pair struct {
	Pair  string `json:"pair"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParsePair splits an exchange pair such as BTCUSDT into its base asset
// for the given quote asset.
func ParsePair(pair, quote string) (*Pair, error) {
	p := strings.ToUpper(strings.TrimSpace(pair))
	q := strings.ToUpper(quote)

	if q == "" || !strings.HasSuffix(p, q) {
		return nil, fmt.Errorf("%w: %s (expected {base}%s)", ErrInvalidPair, pair, q)
	}

	base, err := Normalize(strings.TrimSuffix(p, q))
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no valid base asset", ErrInvalidPair, pair)
	}

	return &Pair{Pair: p, Base: base, Quote: q}, nil
}
