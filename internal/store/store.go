// Package store defines the persistence interfaces for the margin engine.
// Current account state (balances, positions, mark prices, cached margin
// snapshots) lives in Redis; the immutable trade/liquidation history is an
// append-only PostgreSQL log. In-memory implementations back tests and
// development.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/model"
)

// AccountStore holds the mutable per-account state: cash balance,
// per-symbol positions, and cached equity/used-margin snapshots.
// Balances are created implicitly on first write and never deleted.
type AccountStore interface {
	// Balance returns the account's cash balance; zero for unknown accounts.
	Balance(ctx context.Context, accountID int64) (decimal.Decimal, error)

	// SetBalance writes the account's cash balance.
	SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error

	// Position returns the account's position in one symbol; a flat
	// zero-value position for unknown symbols.
	Position(ctx context.Context, accountID int64, symbol string) (model.Position, error)

	// Positions returns all positions for an account, keyed by symbol.
	Positions(ctx context.Context, accountID int64) (map[string]model.Position, error)

	// ApplyTrade writes the full post-trade account state — position,
	// balance, and the cached equity/used-margin snapshots — as one
	// atomic unit.
	ApplyTrade(ctx context.Context, accountID int64, symbol string, pos model.Position, balance, equity, usedMargin decimal.Decimal) error

	// MarginSnapshot returns the cached equity and used-margin values
	// written by the last ApplyTrade; zeros if never written.
	MarginSnapshot(ctx context.Context, accountID int64) (equity, usedMargin decimal.Decimal, err error)

	// Accounts returns every account id that has a balance.
	Accounts(ctx context.Context) ([]int64, error)
}

// QuoteStore holds the current mark price per symbol. Updated
// independently of trading; read at equity/margin computation time.
type QuoteStore interface {
	// MarkPrice returns the mark price for a symbol and whether one is set.
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)

	// MarkPrices returns all known mark prices keyed by symbol.
	MarkPrices(ctx context.Context) (map[string]decimal.Decimal, error)

	// SetMarkPrice sets the mark price for a symbol.
	SetMarkPrice(ctx context.Context, symbol string, price decimal.Decimal) error
}

// HistoryLog is the append-only store of executed trades and liquidation
// events. Rows are never updated or deleted; the store assigns ids and
// monotonically non-decreasing timestamps on insert.
type HistoryLog interface {
	// InsertTrade appends a trade, filling in its ID and Timestamp.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// TradesByAccount returns an account's trades, newest first, capped
	// at limit rows.
	TradesByAccount(ctx context.Context, accountID int64, limit int) ([]model.Trade, error)

	// InsertLiquidation appends a liquidation event, filling in its ID
	// and Timestamp.
	InsertLiquidation(ctx context.Context, l *model.Liquidation) error

	// Liquidations returns liquidation events newest first, capped at
	// limit rows. accountID 0 means all accounts.
	Liquidations(ctx context.Context, accountID int64, limit int) ([]model.Liquidation, error)
}
