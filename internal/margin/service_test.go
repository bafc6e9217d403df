package margin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/calc"
	"github.com/perpmargin/margin-engine/internal/margin"
	"github.com/perpmargin/margin-engine/internal/model"
	"github.com/perpmargin/margin-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*margin.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := margin.NewService(ms, ms, ms)

	r := chi.NewRouter()
	r.Get("/margin-report", svc.MarginReport)
	r.Get("/liquidations", svc.GetLiquidationHistory)

	return svc, ms, r
}

// seedPosition funds an account and gives it a BTC-PERP long.
func seedPosition(t *testing.T, ms *store.MemoryStore, accountID int64, balance, qty, avg, mark float64) {
	t.Helper()
	ctx := context.Background()
	if err := ms.SetBalance(ctx, accountID, d(balance)); err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
	pos := model.Position{Quantity: d(qty), AvgPrice: d(avg)}
	if err := ms.ApplyTrade(ctx, accountID, "BTC-PERP", pos, d(balance), d(0), d(0)); err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
	if err := ms.SetMarkPrice(ctx, "BTC-PERP", d(mark)); err != nil {
		t.Fatalf("failed to seed mark price: %v", err)
	}
}

// --- Scan tests ---

func TestScan_CrashFlagsLiquidationCandidate(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	// Balance 5000, long 1 @ 50000, mark crashed to 40000:
	// equity = 5000 + (40000-50000)*1 = -5000, maintenance = 4000.
	seedPosition(t, ms, 1, 5000, 1, 50000, 40000)

	report, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.TotalAccounts != 1 {
		t.Errorf("expected 1 account, got %d", report.TotalAccounts)
	}
	if len(report.LiquidationCandidates) != 1 || report.LiquidationCandidates[0] != 1 {
		t.Fatalf("expected account 1 flagged, got %v", report.LiquidationCandidates)
	}

	detail := report.AccountsDetail[0]
	if !detail.Equity.Equal(d(-5000)) {
		t.Errorf("expected equity -5000, got %s", detail.Equity)
	}
	if !detail.MaintenanceRequired.Equal(d(4000)) {
		t.Errorf("expected maintenance 4000, got %s", detail.MaintenanceRequired)
	}
	if !detail.UtilisationPct.Equal(calc.UtilisationCap) {
		t.Errorf("negative equity should report capped utilisation, got %s", detail.UtilisationPct)
	}
	if !detail.LiquidationRisk {
		t.Error("expected liquidation_risk true")
	}

	liqs, _ := ms.Liquidations(context.Background(), 1, 10)
	if len(liqs) != 1 {
		t.Fatalf("expected 1 liquidation record, got %d", len(liqs))
	}
	if liqs[0].Reason == "" {
		t.Error("liquidation reason should embed the figures")
	}
}

func TestScan_HealthyAccountNotFlagged(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	// Equity 10000 against maintenance 5500.
	seedPosition(t, ms, 1, 5000, 1, 50000, 55000)

	report, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.LiquidationCandidates) != 0 {
		t.Errorf("expected no candidates, got %v", report.LiquidationCandidates)
	}
	if report.AccountsDetail[0].LiquidationRisk {
		t.Error("expected liquidation_risk false")
	}

	liqs, _ := ms.Liquidations(context.Background(), 0, 10)
	if len(liqs) != 0 {
		t.Errorf("healthy scan should write nothing, got %d rows", len(liqs))
	}
}

func TestScan_RepeatedScanDoesNotDuplicate(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedPosition(t, ms, 1, 5000, 1, 50000, 40000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		report, err := svc.Scan(ctx)
		if err != nil {
			t.Fatalf("scan %d failed: %v", i, err)
		}
		// Still reported as a candidate on every scan.
		if len(report.LiquidationCandidates) != 1 {
			t.Fatalf("scan %d: expected candidate, got %v", i, report.LiquidationCandidates)
		}
	}

	liqs, _ := ms.Liquidations(ctx, 1, 10)
	if len(liqs) != 1 {
		t.Errorf("still-underwater account should be recorded once, got %d rows", len(liqs))
	}
}

func TestScan_RecoveryRearmsFlag(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedPosition(t, ms, 1, 5000, 1, 50000, 40000)
	ctx := context.Background()

	if _, err := svc.Scan(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Recover, scan, then crash again: a fresh record is written.
	ms.SetMarkPrice(ctx, "BTC-PERP", d(55000))
	report, _ := svc.Scan(ctx)
	if len(report.LiquidationCandidates) != 0 {
		t.Fatalf("recovered account should not be a candidate: %v", report.LiquidationCandidates)
	}

	ms.SetMarkPrice(ctx, "BTC-PERP", d(40000))
	svc.Scan(ctx)

	liqs, _ := ms.Liquidations(ctx, 1, 10)
	if len(liqs) != 2 {
		t.Errorf("expected 2 records across two distinct episodes, got %d", len(liqs))
	}
}

func TestScan_SortsAccounts(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	ms.SetBalance(ctx, 7, d(1000))
	ms.SetBalance(ctx, 2, d(1000))
	ms.SetBalance(ctx, 5, d(1000))

	report, err := svc.Scan(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := []int64{
		report.AccountsDetail[0].AccountID,
		report.AccountsDetail[1].AccountID,
		report.AccountsDetail[2].AccountID,
	}
	if ids[0] != 2 || ids[1] != 5 || ids[2] != 7 {
		t.Errorf("expected detail rows in account order, got %v", ids)
	}
}

// --- HTTP handler tests ---

func TestMarginReportHandler(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedPosition(t, ms, 1, 5000, 1, 50000, 40000)

	req := httptest.NewRequest("GET", "/margin-report", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report model.MarginReport
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.TotalAccounts != 1 || len(report.LiquidationCandidates) != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestGetLiquidationHistory_FilterAndLimit(t *testing.T) {
	_, ms, router := newTestEnv(t)
	ctx := context.Background()
	ms.InsertLiquidation(ctx, &model.Liquidation{AccountID: 1, Reason: "underwater"})
	ms.InsertLiquidation(ctx, &model.Liquidation{AccountID: 2, Reason: "underwater"})

	get := func(path string) (*httptest.ResponseRecorder, []model.Liquidation) {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		var resp struct {
			Liquidations []model.Liquidation `json:"liquidations"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		return w, resp.Liquidations
	}

	w, liqs := get("/liquidations")
	if w.Code != http.StatusOK || len(liqs) != 2 {
		t.Errorf("expected 2 rows, got %d (status %d)", len(liqs), w.Code)
	}

	_, liqs = get("/liquidations?account_id=1")
	if len(liqs) != 1 || liqs[0].AccountID != 1 {
		t.Errorf("expected only account 1 rows, got %v", liqs)
	}

	_, liqs = get("/liquidations?limit=1")
	if len(liqs) != 1 || liqs[0].AccountID != 2 {
		t.Errorf("expected newest row only, got %v", liqs)
	}

	if w, _ := get("/liquidations?account_id=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad account_id, got %d", w.Code)
	}
	if w, _ := get("/liquidations?limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestGetLiquidationHistory_EmptyIsArray(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("GET", "/liquidations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]json.RawMessage
	json.Unmarshal(w.Body.Bytes(), &resp)
	if string(resp["liquidations"]) == "null" {
		t.Error("empty history should serialize as [], not null")
	}
}
