// Package margin provides the portfolio-wide margin utilisation scan,
// liquidation detection, and liquidation history queries.
//
// The scan is a read-heavy diagnostic, not a liquidation engine: it flags
// and records underwater accounts but never closes positions, adjusts
// balances, or blocks further trading.
package margin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/perpmargin/margin-engine/internal/calc"
	"github.com/perpmargin/margin-engine/internal/metrics"
	"github.com/perpmargin/margin-engine/internal/model"
	"github.com/perpmargin/margin-engine/internal/store"
)

const defaultHistoryLimit = 100

// Service runs the margin scan over every known account.
type Service struct {
	accounts store.AccountStore
	quotes   store.QuoteStore
	history  store.HistoryLog

	// flagged tracks accounts already recorded as liquidation candidates
	// and not yet recovered, so repeated scans of a still-underwater
	// account do not append duplicate liquidation rows.
	mu      sync.Mutex
	flagged map[int64]bool
}

// NewService creates a new margin service.
func NewService(accounts store.AccountStore, quotes store.QuoteStore, history store.HistoryLog) *Service {
	return &Service{
		accounts: accounts,
		quotes:   quotes,
		history:  history,
		flagged:  make(map[int64]bool),
	}
}

// Scan computes equity, maintenance requirement, and utilisation for every
// account, flags liquidation candidates (equity strictly below the
// requirement), and records a Liquidation on each account's transition
// into candidacy.
func (s *Service) Scan(ctx context.Context) (*model.MarginReport, error) {
	scanID := uuid.New().String()
	metrics.MarginScans.Inc()

	accountIDs, err := s.accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate accounts: %w", err)
	}
	sort.Slice(accountIDs, func(i, j int) bool { return accountIDs[i] < accountIDs[j] })

	marks, err := s.quotes.MarkPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mark prices: %w", err)
	}

	report := &model.MarginReport{
		TotalAccounts:         len(accountIDs),
		LiquidationCandidates: []int64{},
		AccountsDetail:        []model.AccountMarginDetail{},
	}

	for _, accountID := range accountIDs {
		balance, err := s.accounts.Balance(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("balance for account %d: %w", accountID, err)
		}
		positions, err := s.accounts.Positions(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("positions for account %d: %w", accountID, err)
		}

		equity := calc.Equity(balance, positions, marks)
		maintenance := calc.MaintenanceMargin(positions, marks)
		candidate := calc.IsLiquidationCandidate(equity, maintenance)

		report.AccountsDetail = append(report.AccountsDetail, model.AccountMarginDetail{
			AccountID:           accountID,
			Equity:              equity,
			MaintenanceRequired: maintenance,
			UtilisationPct:      calc.MarginUtilisation(equity, maintenance),
			LiquidationRisk:     candidate,
		})

		if !candidate {
			s.clearFlag(accountID)
			continue
		}

		report.LiquidationCandidates = append(report.LiquidationCandidates, accountID)

		if !s.setFlag(accountID) {
			// Still underwater from a previous scan; already recorded.
			continue
		}

		liq := &model.Liquidation{
			AccountID: accountID,
			Reason: fmt.Sprintf("Equity (%s) below maintenance margin (%s)",
				equity, maintenance),
		}
		if err := s.history.InsertLiquidation(ctx, liq); err != nil {
			s.clearFlag(accountID)
			return nil, fmt.Errorf("record liquidation for account %d: %w", accountID, err)
		}
		metrics.LiquidationsFlagged.Inc()
		slog.Warn("liquidation candidate flagged",
			"scan_id", scanID,
			"account", accountID,
			"equity", equity.String(),
			"maintenance_required", maintenance.String(),
			"liquidation_id", liq.ID,
		)
	}

	slog.Info("margin scan complete",
		"scan_id", scanID,
		"accounts", report.TotalAccounts,
		"candidates", len(report.LiquidationCandidates),
	)
	return report, nil
}

// setFlag marks an account as recorded; reports whether it was newly set.
func (s *Service) setFlag(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flagged[accountID] {
		return false
	}
	s.flagged[accountID] = true
	return true
}

func (s *Service) clearFlag(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flagged, accountID)
}

// --- HTTP Handlers ---

// MarginReport handles GET /margin-report.
func (s *Service) MarginReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.Scan(r.Context())
	if err != nil {
		slog.Error("margin scan failed", "err", err)
		writeError(w, "margin scan failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetLiquidationHistory handles GET /liquidations?account_id=&limit=.
// Events come back newest first.
func (s *Service) GetLiquidationHistory(w http.ResponseWriter, r *http.Request) {
	var accountID int64
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, "invalid account_id", http.StatusBadRequest)
			return
		}
		accountID = id
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	liquidations, err := s.history.Liquidations(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, "failed to load liquidation history", http.StatusInternalServerError)
		return
	}
	if liquidations == nil {
		liquidations = []model.Liquidation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidations": liquidations})
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
