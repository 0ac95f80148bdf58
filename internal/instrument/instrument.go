// Package instrument handles perpetual-option instrument symbol parsing
// and validation.
//
// A symbol names one option leg against the pool:
//
//	{ASSET}-{CALL|PUT}-{STRIKE}
//
// Example: ETH-CALL-2000 or BTC-PUT-64500.5. There is no expiry component:
// the instruments are perpetual, reconciled by funding instead of
// settlement.
package instrument

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/model"
)

// symbolRegex matches: {ASSET}-{CALL|PUT}-{STRIKE}
var symbolRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9]{1,9})-(CALL|PUT)-([0-9]+(?:\.[0-9]+)?)$`,
)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrInvalidStrike = errors.New("instrument: strike must be positive")
)

// Instrument is a parsed perpetual option leg.
type Instrument struct {
	Symbol string           `json:"symbol"`
	Asset  string           `json:"asset"`
	Type   model.OptionType `json:"type"`
	Strike decimal.Decimal  `json:"strike"`
}

// Parse parses and validates an instrument symbol.
// Format: {ASSET}-{CALL|PUT}-{STRIKE}
func Parse(symbol string) (*Instrument, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {ASSET}-{CALL|PUT}-{STRIKE})",
			ErrInvalidSymbol, symbol)
	}

	strike, err := decimal.NewFromString(matches[3])
	if err != nil || strike.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrike, matches[3])
	}

	return &Instrument{
		Symbol: symbol,
		Asset:  matches[1],
		Type:   model.OptionType(matches[2]),
		Strike: strike,
	}, nil
}

// Format builds the canonical symbol for an option leg.
func Format(asset string, typ model.OptionType, strike decimal.Decimal) string {
	return fmt.Sprintf("%s-%s-%s", asset, typ, strike.String())
}
