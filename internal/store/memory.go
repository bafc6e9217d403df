package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/model"
)

// MemoryStore implements AccountStore, QuoteStore, and HistoryLog with
// in-memory maps. Used for testing and development. Not suitable for
// production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	balances   map[int64]decimal.Decimal
	positions  map[int64]map[string]model.Position
	equity     map[int64]decimal.Decimal
	usedMargin map[int64]decimal.Decimal
	marks      map[string]decimal.Decimal

	trades       []model.Trade
	liquidations []model.Liquidation
	nextTradeID  int64
	nextLiqID    int64
	lastTS       time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[int64]decimal.Decimal),
		positions:   make(map[int64]map[string]model.Position),
		equity:      make(map[int64]decimal.Decimal),
		usedMargin:  make(map[int64]decimal.Decimal),
		marks:       make(map[string]decimal.Decimal),
		nextTradeID: 1,
		nextLiqID:   1,
	}
}

// --- AccountStore ---

func (s *MemoryStore) Balance(_ context.Context, accountID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[accountID], nil
}

func (s *MemoryStore) SetBalance(_ context.Context, accountID int64, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[accountID] = balance
	return nil
}

func (s *MemoryStore) Position(_ context.Context, accountID int64, symbol string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[accountID][symbol], nil
}

func (s *MemoryStore) Positions(_ context.Context, accountID int64) (map[string]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.Position, len(s.positions[accountID]))
	for sym, pos := range s.positions[accountID] {
		out[sym] = pos
	}
	return out, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, accountID int64, symbol string, pos model.Position, balance, equity, usedMargin decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.positions[accountID] == nil {
		s.positions[accountID] = make(map[string]model.Position)
	}
	s.positions[accountID][symbol] = pos
	s.balances[accountID] = balance
	s.equity[accountID] = equity
	s.usedMargin[accountID] = usedMargin
	return nil
}

func (s *MemoryStore) MarginSnapshot(_ context.Context, accountID int64) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.equity[accountID], s.usedMargin[accountID], nil
}

func (s *MemoryStore) Accounts(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	return ids, nil
}

// --- QuoteStore ---

func (s *MemoryStore) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.marks[symbol]
	return price, ok, nil
}

func (s *MemoryStore) MarkPrices(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(s.marks))
	for sym, price := range s.marks {
		out[sym] = price
	}
	return out, nil
}

func (s *MemoryStore) SetMarkPrice(_ context.Context, symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = price
	return nil
}

// --- HistoryLog ---

// stamp returns a timestamp that never goes backwards, matching the
// monotonically non-decreasing guarantee of the Postgres log.
func (s *MemoryStore) stamp() time.Time {
	ts := time.Now().UTC()
	if ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	s.lastTS = ts
	return ts
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = s.nextTradeID
	s.nextTradeID++
	t.Timestamp = s.stamp()
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) TradesByAccount(_ context.Context, accountID int64, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.trades[i].AccountID == accountID {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertLiquidation(_ context.Context, l *model.Liquidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.ID = s.nextLiqID
	s.nextLiqID++
	l.Timestamp = s.stamp()
	s.liquidations = append(s.liquidations, *l)
	return nil
}

func (s *MemoryStore) Liquidations(_ context.Context, accountID int64, limit int) ([]model.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Liquidation
	for i := len(s.liquidations) - 1; i >= 0 && len(out) < limit; i-- {
		if accountID == 0 || s.liquidations[i].AccountID == accountID {
			out = append(out, s.liquidations[i])
		}
	}
	return out, nil
}
