// Package model defines the core domain types shared across the margin
// engine. All monetary values use shopspring/decimal — never float64 for
// money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Position is a trader's holding in one symbol. Quantity is signed:
// positive = long, negative = short, zero = flat. AvgPrice is the
// weighted-average entry price and is meaningful only while Quantity is
// nonzero; closing a position resets it to zero, never leaves it stale.
type Position struct {
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// IsFlat reports whether the position holds no quantity.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Trade is an immutable record of an executed trade.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        int64           `json:"id" db:"id"`
	AccountID int64           `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      string          `json:"side" db:"side"` // "BUY" or "SELL"
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Liquidation is an immutable record of a detected liquidation candidate.
type Liquidation struct {
	ID        int64     `json:"id" db:"id"`
	AccountID int64     `json:"account_id" db:"account_id"`
	Reason    string    `json:"reason" db:"reason"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// PositionDetail is one row of an account's positions view, marked to the
// current mark price.
type PositionDetail struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealisedPnL decimal.Decimal `json:"unrealised_pnl"`
}

// AccountPositions is the full positions view for one account.
type AccountPositions struct {
	AccountID int64            `json:"account_id"`
	Balance   decimal.Decimal  `json:"balance"`
	Equity    decimal.Decimal  `json:"equity"`
	Positions []PositionDetail `json:"positions"`
}

// AccountMarginDetail is one row of the portfolio-wide margin report.
type AccountMarginDetail struct {
	AccountID           int64           `json:"account_id"`
	Equity              decimal.Decimal `json:"equity"`
	MaintenanceRequired decimal.Decimal `json:"maintenance_margin_required"`
	UtilisationPct      decimal.Decimal `json:"margin_utilisation_pct"`
	LiquidationRisk     bool            `json:"liquidation_risk"`
}

// MarginReport aggregates the portfolio-wide margin scan.
type MarginReport struct {
	TotalAccounts         int                   `json:"total_accounts"`
	LiquidationCandidates []int64               `json:"liquidation_candidates"`
	AccountsDetail        []AccountMarginDetail `json:"accounts_detail"`
}
