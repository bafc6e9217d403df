// Package trading provides the HTTP handlers and business logic for
// executing margin trades, querying positions, and updating mark prices.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trading

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/calc"
	"github.com/perpmargin/margin-engine/internal/metrics"
	"github.com/perpmargin/margin-engine/internal/model"
	"github.com/perpmargin/margin-engine/internal/risk"
	"github.com/perpmargin/margin-engine/internal/store"
	"github.com/perpmargin/margin-engine/internal/symbol"
)

const defaultHistoryLimit = 100

// Service handles trade execution and account queries. A per-account lock
// serializes the read-modify-write cycle of each trade; two concurrent
// trades on one account can never lose an update.
type Service struct {
	accounts store.AccountStore
	quotes   store.QuoteStore
	history  store.HistoryLog
	lots     *symbol.Policy
	locks    *accountLocks
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trading service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(accounts store.AccountStore, quotes store.QuoteStore, history store.HistoryLog, lots *symbol.Policy, hub *WSHub) *Service {
	return &Service{
		accounts: accounts,
		quotes:   quotes,
		history:  history,
		lots:     lots,
		locks:    newAccountLocks(),
		wsHub:    hub,
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	AccountID int64           `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"` // "BUY" or "SELL"
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	Success     bool             `json:"success"`
	Message     string           `json:"message"`
	TradeID     *int64           `json:"trade_id"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
}

// MarkPriceRequest is the JSON body for POST /mark-price.
type MarkPriceRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// tradeResult carries the outcome of an approved, executed trade.
type tradeResult struct {
	tradeID  int64
	realized decimal.Decimal
	closed   bool // trade closed or flipped existing quantity
}

// --- Trade execution ---

// executeTrade runs the full execute-trade protocol: lot validation,
// pre-trade margin check, position/balance mutation, snapshot refresh,
// history append. Validation and the pre-trade check happen before any
// write; a rejection leaves the account untouched.
func (s *Service) executeTrade(ctx context.Context, accountID int64, sym, side string, quantity, price decimal.Decimal) (tradeResult, error) {
	var res tradeResult

	// Lot validation runs before any state read.
	if err := s.lots.Validate(sym); err != nil {
		return res, err
	}
	if err := s.lots.CheckQuantity(sym, quantity); err != nil {
		return res, err
	}
	side, err := risk.NormalizeSide(side)
	if err != nil {
		return res, err
	}

	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	// Snapshot account and quote state.
	balance, err := s.accounts.Balance(ctx, accountID)
	if err != nil {
		return res, err
	}
	positions, err := s.accounts.Positions(ctx, accountID)
	if err != nil {
		return res, err
	}
	marks, err := s.quotes.MarkPrices(ctx)
	if err != nil {
		return res, err
	}

	equity := calc.Equity(balance, positions, marks)
	maintenance := calc.MaintenanceMargin(positions, marks)
	currentQty := positions[sym].Quantity

	required, err := risk.PreTradeCheck(side, quantity, price, equity, maintenance, currentQty)
	if err != nil {
		return res, err
	}

	// Approved: derive the new position from the signed trade quantity.
	signedQty := quantity
	if side == model.SideSell {
		signedQty = quantity.Neg()
	}

	var current *model.Position
	if pos, ok := positions[sym]; ok {
		current = &pos
	}
	newPos := calc.ApplyTrade(current, signedQty, price)
	res.closed = current != nil && !current.IsFlat() &&
		current.Quantity.IsPositive() != signedQty.IsPositive()
	if res.closed {
		res.realized = calc.RealizedPnL(current, signedQty, price)
	}

	// Margin escrow model: BUY escrows the initial margin, SELL releases it.
	newBalance := balance.Add(required)
	if side == model.SideBuy {
		newBalance = balance.Sub(required)
	}

	// Refresh the derived snapshots against the post-trade state.
	updated := make(map[string]model.Position, len(positions)+1)
	for k, v := range positions {
		updated[k] = v
	}
	updated[sym] = newPos
	newEquity := calc.Equity(newBalance, updated, marks)
	newUsedMargin := calc.MaintenanceMargin(updated, marks)

	// Position, balance, and snapshots land as one atomic unit.
	if err := s.accounts.ApplyTrade(ctx, accountID, sym, newPos, newBalance, newEquity, newUsedMargin); err != nil {
		return res, err
	}

	trade := &model.Trade{
		AccountID: accountID,
		Symbol:    sym,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
	}
	if err := s.history.InsertTrade(ctx, trade); err != nil {
		// The account write already landed; flag the orphaned state for
		// reconciliation rather than pretending the trade never happened.
		slog.Error("partial write hazard: account updated but trade not recorded",
			"account", accountID, "symbol", sym, "side", side,
			"quantity", quantity.String(), "err", err)
		return res, err
	}
	res.tradeID = trade.ID

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"account", accountID,
		"symbol", sym,
		"side", side,
		"quantity", quantity.String(),
		"price", price.String(),
		"required_margin", required.String(),
		"balance", newBalance.String(),
		"equity", newEquity.String(),
	)
	if res.closed {
		slog.Info("realized pnl", "account", accountID, "symbol", sym, "pnl", res.realized.String())
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "trade_executed",
			AccountID: accountID,
			Symbol:    sym,
			Side:      side,
			Quantity:  quantity.String(),
			Price:     price.String(),
		})
	}

	return res, nil
}

// isRejection reports whether the error is a business-rule rejection that
// must surface as a client error with no state change behind it.
func isRejection(err error) bool {
	return errors.Is(err, risk.ErrInvalidSide) ||
		errors.Is(err, risk.ErrInsufficientMargin) ||
		errors.Is(err, risk.ErrInsufficientQuantity) ||
		errors.Is(err, symbol.ErrInvalidSymbol) ||
		errors.Is(err, symbol.ErrFractionalLot)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, risk.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, risk.ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, risk.ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, symbol.ErrFractionalLot):
		return "fractional_lot"
	default:
		return "invalid_symbol"
	}
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	if req.AccountID <= 0 {
		writeTradeRejection(w, "account_id must be positive")
		return
	}
	if !req.Quantity.IsPositive() {
		writeTradeRejection(w, "quantity must be positive")
		return
	}
	if !req.Price.IsPositive() {
		writeTradeRejection(w, "price must be positive")
		return
	}

	start := time.Now()
	res, err := s.executeTrade(r.Context(), req.AccountID, req.Symbol, req.Side, req.Quantity, req.Price)
	if err != nil {
		if isRejection(err) {
			metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
			writeTradeRejection(w, err.Error())
			return
		}
		slog.Error("trade execution failed", "account", req.AccountID, "err", err)
		writeJSON(w, http.StatusInternalServerError, TradeResponse{
			Success: false,
			Message: "trade execution failed: " + err.Error(),
		})
		return
	}

	side, _ := risk.NormalizeSide(req.Side) // already validated by executeTrade
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	resp := TradeResponse{
		Success: true,
		Message: "Trade executed successfully",
		TradeID: &res.tradeID,
	}
	if res.closed {
		pnl := res.realized
		resp.RealizedPnL = &pnl
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPositions handles GET /positions/{accountID}.
// Returns balance, freshly computed equity, and every nonzero position
// with an available mark price.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	balance, err := s.accounts.Balance(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	positions, err := s.accounts.Positions(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	marks, err := s.quotes.MarkPrices(ctx)
	if err != nil {
		writeError(w, "failed to load mark prices", http.StatusInternalServerError)
		return
	}

	details := []model.PositionDetail{}
	for sym, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		mark, ok := marks[sym]
		if !ok {
			continue
		}
		details = append(details, model.PositionDetail{
			Symbol:        sym,
			Quantity:      pos.Quantity,
			AvgPrice:      pos.AvgPrice,
			MarkPrice:     mark,
			UnrealisedPnL: mark.Sub(pos.AvgPrice).Mul(pos.Quantity),
		})
	}

	writeJSON(w, http.StatusOK, model.AccountPositions{
		AccountID: accountID,
		Balance:   balance,
		Equity:    calc.Equity(balance, positions, marks),
		Positions: details,
	})
}

// UpdateMarkPrice handles POST /mark-price.
func (s *Service) UpdateMarkPrice(w http.ResponseWriter, r *http.Request) {
	var req MarkPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}
	if err := s.lots.Validate(req.Symbol); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	if err := s.quotes.SetMarkPrice(r.Context(), req.Symbol, req.Price); err != nil {
		writeError(w, "failed to set mark price", http.StatusInternalServerError)
		return
	}

	slog.Info("mark price updated", "symbol", req.Symbol, "price", req.Price.String())

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "mark_price",
			Symbol:    req.Symbol,
			MarkPrice: req.Price.String(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Mark price for " + req.Symbol + " updated to " + req.Price.String(),
	})
}

// ListMarkPrices handles GET /mark-prices.
func (s *Service) ListMarkPrices(w http.ResponseWriter, r *http.Request) {
	marks, err := s.quotes.MarkPrices(r.Context())
	if err != nil {
		writeError(w, "failed to load mark prices", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mark_prices": marks})
}

// GetTradeHistory handles GET /trades/{accountID}?limit=N.
// Trades come back newest first.
func (s *Service) GetTradeHistory(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}

	trades, err := s.history.TradesByAccount(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, "failed to load trade history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// GetMarginSnapshot handles GET /accounts/{accountID}/margin.
// Serves the cached equity/used-margin snapshots written on each trade —
// a fast read that skips recomputation.
func (s *Service) GetMarginSnapshot(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}

	equity, usedMargin, err := s.accounts.MarginSnapshot(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to load margin snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":  accountID,
		"equity":      equity,
		"used_margin": usedMargin,
	})
}

// --- helpers ---

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}

func writeTradeRejection(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, TradeResponse{Success: false, Message: message})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
