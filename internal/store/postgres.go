package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/model"
)

// PostgresHistoryLog implements HistoryLog on PostgreSQL. Trades and
// liquidations are append-only; ids and timestamps are assigned by the
// database on insert. All monetary values are stored as NUMERIC for exact
// decimal precision.
type PostgresHistoryLog struct {
	pool *pgxpool.Pool
}

// NewPostgresHistoryLog creates a PostgreSQL-backed history log.
func NewPostgresHistoryLog(pool *pgxpool.Pool) *PostgresHistoryLog {
	return &PostgresHistoryLog{pool: pool}
}

// EnsureSchema creates the append-only tables if they do not exist.
func (s *PostgresHistoryLog) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trades (
			id         BIGSERIAL PRIMARY KEY,
			account_id BIGINT      NOT NULL,
			symbol     TEXT        NOT NULL,
			side       TEXT        NOT NULL,
			quantity   NUMERIC     NOT NULL,
			price      NUMERIC     NOT NULL,
			ts         TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS trades_account_ts_idx
			ON trades (account_id, ts DESC);

		CREATE TABLE IF NOT EXISTS liquidations (
			id         BIGSERIAL PRIMARY KEY,
			account_id BIGINT      NOT NULL,
			reason     TEXT        NOT NULL,
			ts         TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS liquidations_account_ts_idx
			ON liquidations (account_id, ts DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresHistoryLog) InsertTrade(ctx context.Context, t *model.Trade) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO trades (account_id, symbol, side, quantity, price)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
		 RETURNING id, ts`,
		t.AccountID, t.Symbol, t.Side, t.Quantity.String(), t.Price.String(),
	).Scan(&t.ID, &t.Timestamp)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *PostgresHistoryLog) TradesByAccount(ctx context.Context, accountID int64, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, side, quantity::TEXT, price::TEXT, ts
		 FROM trades
		 WHERE account_id = $1
		 ORDER BY ts DESC
		 LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("trades for account %d: %w", accountID, err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qtyS, priceS string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &t.Side, &qtyS, &priceS, &t.Timestamp); err != nil {
			return nil, err
		}
		if t.Quantity, err = decimal.NewFromString(qtyS); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresHistoryLog) InsertLiquidation(ctx context.Context, l *model.Liquidation) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO liquidations (account_id, reason)
		 VALUES ($1, $2)
		 RETURNING id, ts`,
		l.AccountID, l.Reason,
	).Scan(&l.ID, &l.Timestamp)
	if err != nil {
		return fmt.Errorf("insert liquidation: %w", err)
	}
	return nil
}

func (s *PostgresHistoryLog) Liquidations(ctx context.Context, accountID int64, limit int) ([]model.Liquidation, error) {
	query := `SELECT id, account_id, reason, ts
	          FROM liquidations
	          ORDER BY ts DESC
	          LIMIT $1`
	args := []any{limit}
	if accountID != 0 {
		query = `SELECT id, account_id, reason, ts
		         FROM liquidations
		         WHERE account_id = $1
		         ORDER BY ts DESC
		         LIMIT $2`
		args = []any{accountID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("liquidations: %w", err)
	}
	defer rows.Close()

	var liquidations []model.Liquidation
	for rows.Next() {
		var l model.Liquidation
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Reason, &l.Timestamp); err != nil {
			return nil, err
		}
		liquidations = append(liquidations, l)
	}
	return liquidations, rows.Err()
}
