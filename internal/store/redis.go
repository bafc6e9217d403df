package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/model"
)

// Redis key layout:
//
//	balances                  hash  accountID → balance
//	positions:{accountID}     hash  symbol → "quantity,avgPrice"
//	mark_prices               hash  symbol → price
//	account:{id}:equity       string, cached snapshot
//	account:{id}:used_margin  string, cached snapshot
const (
	balancesKey   = "balances"
	markPricesKey = "mark_prices"
)

func positionsKey(accountID int64) string {
	return fmt.Sprintf("positions:%d", accountID)
}

func equityKey(accountID int64) string {
	return fmt.Sprintf("account:%d:equity", accountID)
}

func usedMarginKey(accountID int64) string {
	return fmt.Sprintf("account:%d:used_margin", accountID)
}

// RedisAccountStore implements AccountStore on Redis hashes. The
// post-trade write is a MULTI/EXEC transaction so a trade's position,
// balance, and snapshot updates land as one atomic unit.
type RedisAccountStore struct {
	rdb *redis.Client
}

// NewRedisAccountStore creates a Redis-backed account store.
func NewRedisAccountStore(rdb *redis.Client) *RedisAccountStore {
	return &RedisAccountStore{rdb: rdb}
}

func (s *RedisAccountStore) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	val, err := s.rdb.HGet(ctx, balancesKey, strconv.FormatInt(accountID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %d: %w", accountID, err)
	}
	return parseDecimal(val)
}

func (s *RedisAccountStore) SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	return s.rdb.HSet(ctx, balancesKey, strconv.FormatInt(accountID, 10), balance.String()).Err()
}

func (s *RedisAccountStore) Position(ctx context.Context, accountID int64, symbol string) (model.Position, error) {
	val, err := s.rdb.HGet(ctx, positionsKey(accountID), symbol).Result()
	if errors.Is(err, redis.Nil) {
		return model.Position{Quantity: decimal.Zero, AvgPrice: decimal.Zero}, nil
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("get position %d %s: %w", accountID, symbol, err)
	}
	return parsePosition(val)
}

func (s *RedisAccountStore) Positions(ctx context.Context, accountID int64) (map[string]model.Position, error) {
	fields, err := s.rdb.HGetAll(ctx, positionsKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get positions %d: %w", accountID, err)
	}

	positions := make(map[string]model.Position, len(fields))
	for symbol, val := range fields {
		pos, err := parsePosition(val)
		if err != nil {
			return nil, fmt.Errorf("position %d %s: %w", accountID, symbol, err)
		}
		positions[symbol] = pos
	}
	return positions, nil
}

func (s *RedisAccountStore) ApplyTrade(ctx context.Context, accountID int64, symbol string, pos model.Position, balance, equity, usedMargin decimal.Decimal) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, positionsKey(accountID), symbol, encodePosition(pos))
		pipe.HSet(ctx, balancesKey, strconv.FormatInt(accountID, 10), balance.String())
		pipe.Set(ctx, equityKey(accountID), equity.String(), 0)
		pipe.Set(ctx, usedMarginKey(accountID), usedMargin.String(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply trade %d %s: %w", accountID, symbol, err)
	}
	return nil
}

func (s *RedisAccountStore) MarginSnapshot(ctx context.Context, accountID int64) (decimal.Decimal, decimal.Decimal, error) {
	equity, err := s.getScalar(ctx, equityKey(accountID))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	usedMargin, err := s.getScalar(ctx, usedMarginKey(accountID))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return equity, usedMargin, nil
}

func (s *RedisAccountStore) Accounts(ctx context.Context) ([]int64, error) {
	fields, err := s.rdb.HGetAll(ctx, balancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	ids := make([]int64, 0, len(fields))
	for field := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("list accounts: bad account id %q", field)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisAccountStore) getScalar(ctx context.Context, key string) (decimal.Decimal, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get %s: %w", key, err)
	}
	return parseDecimal(val)
}

// RedisQuoteStore implements QuoteStore on the mark_prices hash.
type RedisQuoteStore struct {
	rdb *redis.Client
}

// NewRedisQuoteStore creates a Redis-backed quote store.
func NewRedisQuoteStore(rdb *redis.Client) *RedisQuoteStore {
	return &RedisQuoteStore{rdb: rdb}
}

func (s *RedisQuoteStore) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	val, err := s.rdb.HGet(ctx, markPricesKey, symbol).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get mark price %s: %w", symbol, err)
	}
	price, err := parseDecimal(val)
	if err != nil {
		return decimal.Zero, false, err
	}
	return price, true, nil
}

func (s *RedisQuoteStore) MarkPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	fields, err := s.rdb.HGetAll(ctx, markPricesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get mark prices: %w", err)
	}

	marks := make(map[string]decimal.Decimal, len(fields))
	for symbol, val := range fields {
		price, err := parseDecimal(val)
		if err != nil {
			return nil, fmt.Errorf("mark price %s: %w", symbol, err)
		}
		marks[symbol] = price
	}
	return marks, nil
}

func (s *RedisQuoteStore) SetMarkPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	return s.rdb.HSet(ctx, markPricesKey, symbol, price.String()).Err()
}

// --- Encoding helpers ---

// Positions are stored as "quantity,avgPrice".
func encodePosition(pos model.Position) string {
	return pos.Quantity.String() + "," + pos.AvgPrice.String()
}

func parsePosition(val string) (model.Position, error) {
	qtyStr, avgStr, ok := strings.Cut(val, ",")
	if !ok {
		return model.Position{}, fmt.Errorf("malformed position value %q", val)
	}
	qty, err := parseDecimal(qtyStr)
	if err != nil {
		return model.Position{}, err
	}
	avg, err := parseDecimal(avgStr)
	if err != nil {
		return model.Position{}, err
	}
	return model.Position{Quantity: qty, AvgPrice: avg}, nil
}

func parseDecimal(val string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed decimal %q: %w", val, err)
	}
	return d, nil
}
