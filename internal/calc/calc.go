// Package calc implements the margin and position accounting formulas for
// perpetual-futures-style trading.
//
// Every function is a pure function of its inputs: account snapshots go
// in, derived figures come out. No I/O, no stored state. The stores feed
// these functions with balance/position/mark-price snapshots and write the
// results back.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Repeated weighted-average recomputation must not drift.
package calc

import (
	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/model"
)

var (
	// InitialMarginRate is the fraction of trade notional escrowed when a
	// position is opened or extended.
	InitialMarginRate = decimal.NewFromFloat(0.20)

	// MaintenanceMarginRate is the fraction of position notional that must
	// be covered by equity at all times.
	MaintenanceMarginRate = decimal.NewFromFloat(0.10)

	// UtilisationCap bounds MarginUtilisation. Decimal cannot represent
	// +Inf, so the zero/negative-equity case clamps here (100,000%),
	// keeping the function total, monotone, and JSON-serializable.
	UtilisationCap = decimal.NewFromInt(100000)

	hundred = decimal.NewFromInt(100)
)

// InitialMarginRequired returns the margin required to open a trade of the
// given quantity at the given price: |quantity| * price * InitialMarginRate.
// Symmetric for BUY and SELL.
func InitialMarginRequired(quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Abs().Mul(price).Mul(InitialMarginRate)
}

// MaintenanceMargin returns the total maintenance margin required across
// all nonzero positions: Σ |quantity| * markPrice * MaintenanceMarginRate.
// Positions without an available mark price contribute zero; a missing
// quote is a policy gap, not an error.
func MaintenanceMargin(positions map[string]model.Position, marks map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for symbol, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		mark, ok := marks[symbol]
		if !ok {
			continue
		}
		notional := pos.Quantity.Abs().Mul(mark)
		total = total.Add(notional.Mul(MaintenanceMarginRate))
	}
	return total
}

// Equity returns balance plus the mark-to-market P&L of every nonzero
// position with an available mark price:
//
//	equity = balance + Σ (markPrice - avgPrice) * quantity
func Equity(balance decimal.Decimal, positions map[string]model.Position, marks map[string]decimal.Decimal) decimal.Decimal {
	equity := balance
	for symbol, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		mark, ok := marks[symbol]
		if !ok {
			continue
		}
		pnl := mark.Sub(pos.AvgPrice).Mul(pos.Quantity)
		equity = equity.Add(pnl)
	}
	return equity
}

// MarginUtilisation returns maintenanceRequired / equity * 100.
//
// Edge cases: zero maintenance is 0% regardless of equity; equity at or
// below zero with nonzero maintenance returns UtilisationCap. Any computed
// value above the cap clamps to it, so utilisation is non-decreasing as
// equity falls through zero.
func MarginUtilisation(equity, maintenanceRequired decimal.Decimal) decimal.Decimal {
	if maintenanceRequired.IsZero() {
		return decimal.Zero
	}
	if equity.LessThanOrEqual(decimal.Zero) {
		return UtilisationCap
	}
	pct := maintenanceRequired.Div(equity).Mul(hundred)
	if pct.GreaterThan(UtilisationCap) {
		return UtilisationCap
	}
	return pct
}

// ApplyTrade computes the position resulting from executing a signed trade
// quantity at a price against the current position (nil = no position).
//
//   - No current position: the trade becomes the position.
//   - Net quantity zero: flat, and the cost basis resets to zero.
//   - Same direction: weighted-average cost,
//     (cq*cp + tq*tp) / (cq + tq).
//   - Direction flip or crossing zero: the trade price becomes the new
//     cost basis. The realized P&L of the closed portion is not carried in
//     the position; see RealizedPnL.
func ApplyTrade(current *model.Position, tradeQty, tradePrice decimal.Decimal) model.Position {
	if current == nil {
		return model.Position{Quantity: tradeQty, AvgPrice: tradePrice}
	}

	cq := current.Quantity
	cp := current.AvgPrice
	newQty := cq.Add(tradeQty)

	if newQty.IsZero() {
		return model.Position{Quantity: decimal.Zero, AvgPrice: decimal.Zero}
	}

	sameDirection := (cq.IsPositive() && tradeQty.IsPositive()) ||
		(cq.IsNegative() && tradeQty.IsNegative())
	if sameDirection {
		totalCost := cq.Mul(cp).Add(tradeQty.Mul(tradePrice))
		return model.Position{Quantity: newQty, AvgPrice: totalCost.Div(newQty)}
	}

	return model.Position{Quantity: newQty, AvgPrice: tradePrice}
}

// RealizedPnL returns the gain or loss locked in by the portion of a trade
// that closes existing quantity: (tradePrice - avgPrice) * closedQty,
// signed by position direction. Zero when the trade only opens or extends.
func RealizedPnL(current *model.Position, tradeQty, tradePrice decimal.Decimal) decimal.Decimal {
	if current == nil || current.IsFlat() {
		return decimal.Zero
	}
	cq := current.Quantity
	sameDirection := (cq.IsPositive() && tradeQty.IsPositive()) ||
		(cq.IsNegative() && tradeQty.IsNegative())
	if sameDirection || tradeQty.IsZero() {
		return decimal.Zero
	}

	closed := decimal.Min(tradeQty.Abs(), cq.Abs())
	pnl := tradePrice.Sub(current.AvgPrice).Mul(closed)
	if cq.IsNegative() {
		pnl = pnl.Neg()
	}
	return pnl
}

// IsLiquidationCandidate reports whether equity has fallen strictly below
// the maintenance requirement. Equity exactly at the requirement is safe.
func IsLiquidationCandidate(equity, maintenanceRequired decimal.Decimal) bool {
	return equity.LessThan(maintenanceRequired)
}
