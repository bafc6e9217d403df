// Package risk implements the pre-trade margin and inventory checks.
//
// A rejected check means nothing was written: callers run these against a
// snapshot before mutating any account state, and surface failures as
// client errors, never server errors.
package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/calc"
	"github.com/perpmargin/margin-engine/internal/model"
)

var (
	// ErrInvalidSide is returned for any side other than BUY or SELL.
	// Fatal to the request, not retryable.
	ErrInvalidSide = errors.New("risk: side must be BUY or SELL")

	// ErrInsufficientMargin is returned when equity cannot cover the
	// initial margin for a BUY on top of the existing maintenance
	// requirement.
	ErrInsufficientMargin = errors.New("risk: insufficient equity")

	// ErrInsufficientQuantity is returned when a SELL exceeds the current
	// long position. SELL reduces or closes longs only; opening a short
	// needs an explicit separate flow.
	ErrInsufficientQuantity = errors.New("risk: insufficient quantity")
)

// NormalizeSide canonicalizes a trade side, upper-casing the input.
func NormalizeSide(side string) (string, error) {
	switch strings.ToUpper(side) {
	case model.SideBuy:
		return model.SideBuy, nil
	case model.SideSell:
		return model.SideSell, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidSide, side)
	}
}

// PreTradeCheck validates a trade against the account snapshot and returns
// the initial margin the trade requires.
//
// Inputs are a point-in-time snapshot: account equity, the account's
// current total maintenance requirement, and the current position
// quantity in the traded symbol. No I/O happens here.
func PreTradeCheck(side string, quantity, price, equity, maintenance, currentQty decimal.Decimal) (decimal.Decimal, error) {
	required := calc.InitialMarginRequired(quantity, price)

	switch side {
	case model.SideSell:
		if currentQty.Sub(quantity).IsNegative() {
			return required, fmt.Errorf("%w: required %s, available %s",
				ErrInsufficientQuantity, quantity, currentQty)
		}
	case model.SideBuy:
		totalRequired := required.Add(maintenance)
		if equity.LessThan(totalRequired) {
			return required, fmt.Errorf("%w: required %s, available %s",
				ErrInsufficientMargin, totalRequired, equity)
		}
	default:
		return required, fmt.Errorf("%w: got %q", ErrInvalidSide, side)
	}

	return required, nil
}
