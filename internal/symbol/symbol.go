// Package symbol handles perpetual contract symbol validation and the
// per-symbol lot-size policy.
package symbol

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// symbolRegex matches perpetual contract symbols: {BASE}-PERP.
// Example: BTC-PERP
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}-PERP$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid perpetual symbol")
	ErrFractionalLot = errors.New("symbol: fractional quantity not permitted for this symbol")
)

// Policy validates symbols and enforces which symbols trade in whole
// units only. Quantity checks run before any account state is read.
type Policy struct {
	integerLot map[string]bool
}

// NewPolicy creates a lot-size policy. Symbols listed in
// integerLotSymbols reject fractional trade quantities.
func NewPolicy(integerLotSymbols []string) *Policy {
	p := &Policy{integerLot: make(map[string]bool, len(integerLotSymbols))}
	for _, s := range integerLotSymbols {
		p.integerLot[s] = true
	}
	return p
}

// Validate checks the symbol format.
func (p *Policy) Validate(sym string) error {
	if !symbolRegex.MatchString(sym) {
		return fmt.Errorf("%w: %s (expected {BASE}-PERP)", ErrInvalidSymbol, sym)
	}
	return nil
}

// RequiresWholeUnits reports whether the symbol trades in integer lots.
func (p *Policy) RequiresWholeUnits(sym string) bool {
	return p.integerLot[sym]
}

// CheckQuantity validates a trade quantity against the symbol's lot rule.
func (p *Policy) CheckQuantity(sym string, quantity decimal.Decimal) error {
	if p.integerLot[sym] && !quantity.IsInteger() {
		return fmt.Errorf("%w: %s quantity %s", ErrFractionalLot, sym, quantity)
	}
	return nil
}
