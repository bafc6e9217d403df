package calc

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pos(qty, avg float64) model.Position {
	return model.Position{Quantity: d(qty), AvgPrice: d(avg)}
}

// --- Initial margin tests ---

func TestInitialMarginRequired(t *testing.T) {
	got := InitialMarginRequired(d(2), d(50000))
	if !got.Equal(d(20000)) {
		t.Errorf("expected 20000, got %s", got)
	}
}

func TestInitialMarginRequired_NegativeQuantity(t *testing.T) {
	// Symmetric for BUY and SELL: the sign of the quantity never matters.
	buy := InitialMarginRequired(d(2), d(50000))
	sell := InitialMarginRequired(d(-2), d(50000))
	if !buy.Equal(sell) {
		t.Errorf("margin should be symmetric: buy=%s sell=%s", buy, sell)
	}
}

// --- Maintenance margin tests ---

func TestMaintenanceMargin_SinglePosition(t *testing.T) {
	positions := map[string]model.Position{"BTC-PERP": pos(1, 50000)}
	marks := map[string]decimal.Decimal{"BTC-PERP": d(50000)}

	got := MaintenanceMargin(positions, marks)
	if !got.Equal(d(5000)) {
		t.Errorf("expected 5000, got %s", got)
	}
}

func TestMaintenanceMargin_SumsAcrossSymbols(t *testing.T) {
	positions := map[string]model.Position{
		"BTC-PERP": pos(1, 50000),
		"ETH-PERP": pos(10, 3000),
	}
	marks := map[string]decimal.Decimal{
		"BTC-PERP": d(50000),
		"ETH-PERP": d(3000),
	}

	// 50000*0.10 + 10*3000*0.10 = 5000 + 3000
	got := MaintenanceMargin(positions, marks)
	if !got.Equal(d(8000)) {
		t.Errorf("expected 8000, got %s", got)
	}
}

func TestMaintenanceMargin_MissingMarkContributesZero(t *testing.T) {
	positions := map[string]model.Position{
		"BTC-PERP": pos(1, 50000),
		"SOL-PERP": pos(100, 150),
	}
	marks := map[string]decimal.Decimal{"BTC-PERP": d(50000)}

	got := MaintenanceMargin(positions, marks)
	if !got.Equal(d(5000)) {
		t.Errorf("position without mark price should contribute zero: got %s", got)
	}
}

func TestMaintenanceMargin_FlatPositionIgnored(t *testing.T) {
	positions := map[string]model.Position{"BTC-PERP": pos(0, 0)}
	marks := map[string]decimal.Decimal{"BTC-PERP": d(50000)}

	got := MaintenanceMargin(positions, marks)
	if !got.IsZero() {
		t.Errorf("flat position should contribute zero, got %s", got)
	}
}

func TestMaintenanceMargin_ShortUsesAbsQuantity(t *testing.T) {
	positions := map[string]model.Position{"BTC-PERP": pos(-2, 50000)}
	marks := map[string]decimal.Decimal{"BTC-PERP": d(50000)}

	got := MaintenanceMargin(positions, marks)
	if !got.Equal(d(10000)) {
		t.Errorf("expected 10000 for short 2, got %s", got)
	}
}

// --- Equity tests ---

func TestEquity_MarkAbove(t *testing.T) {
	positions := map[string]model.Position{"BTC-PERP": pos(1, 50000)}
	marks := map[string]decimal.Decimal{"BTC-PERP": d(55000)}

	// 5000 + (55000-50000)*1 = 10000
	got := Equity(d(5000), positions, marks)
	if !got.Equal(d(10000)) {
		t.Errorf("expected 10000, got %s", got)
	}
}

func TestEquity_MarkBelow(t *testing.T) {
	positions := map[string]model.Position{"BTC-PERP": pos(1, 50000)}
	marks := map[string]decimal.Decimal{"BTC-PERP": d(45000)}

	// 5000 + (45000-50000)*1 = 0
	got := Equity(d(5000), positions, marks)
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestEquity_NoPositions(t *testing.T) {
	got := Equity(d(15000), nil, nil)
	if !got.Equal(d(15000)) {
		t.Errorf("equity with no positions should equal balance, got %s", got)
	}
}

func TestEquity_CanGoNegative(t *testing.T) {
	positions := map[string]model.Position{"BTC-PERP": pos(1, 50000)}
	marks := map[string]decimal.Decimal{"BTC-PERP": d(40000)}

	// 5000 + (40000-50000)*1 = -5000
	got := Equity(d(5000), positions, marks)
	if !got.Equal(d(-5000)) {
		t.Errorf("expected -5000, got %s", got)
	}
}

// --- Margin utilisation tests ---

func TestMarginUtilisation_Normal(t *testing.T) {
	got := MarginUtilisation(d(10000), d(5000))
	if !got.Equal(d(50)) {
		t.Errorf("expected 50, got %s", got)
	}
}

func TestMarginUtilisation_ZeroMaintenance(t *testing.T) {
	if got := MarginUtilisation(d(10000), d(0)); !got.IsZero() {
		t.Errorf("zero maintenance should give 0%%, got %s", got)
	}
	if got := MarginUtilisation(d(0), d(0)); !got.IsZero() {
		t.Errorf("zero/zero should give 0%%, got %s", got)
	}
}

func TestMarginUtilisation_ZeroEquityClampsToCap(t *testing.T) {
	got := MarginUtilisation(d(0), d(5000))
	if !got.Equal(UtilisationCap) {
		t.Errorf("expected cap %s, got %s", UtilisationCap, got)
	}
}

func TestMarginUtilisation_NegativeEquityClampsToCap(t *testing.T) {
	got := MarginUtilisation(d(-5000), d(4000))
	if !got.Equal(UtilisationCap) {
		t.Errorf("expected cap %s, got %s", UtilisationCap, got)
	}
}

func TestMarginUtilisation_LargeRatioClampsToCap(t *testing.T) {
	// 5000 / 0.001 * 100 is far above the cap.
	got := MarginUtilisation(d(0.001), d(5000))
	if !got.Equal(UtilisationCap) {
		t.Errorf("expected cap %s, got %s", UtilisationCap, got)
	}
}

// --- Apply trade tests ---

func TestApplyTrade_NoCurrentPosition(t *testing.T) {
	got := ApplyTrade(nil, d(1), d(50000))
	if !got.Quantity.Equal(d(1)) || !got.AvgPrice.Equal(d(50000)) {
		t.Errorf("expected (1, 50000), got (%s, %s)", got.Quantity, got.AvgPrice)
	}
}

func TestApplyTrade_WeightedAverage(t *testing.T) {
	current := pos(1, 50000)
	got := ApplyTrade(&current, d(1), d(52000))
	if !got.Quantity.Equal(d(2)) || !got.AvgPrice.Equal(d(51000)) {
		t.Errorf("expected (2, 51000), got (%s, %s)", got.Quantity, got.AvgPrice)
	}
}

func TestApplyTrade_ExactCloseResetsBasis(t *testing.T) {
	current := pos(1, 50000)
	got := ApplyTrade(&current, d(-1), d(52000))
	if !got.Quantity.IsZero() || !got.AvgPrice.IsZero() {
		t.Errorf("expected (0, 0), got (%s, %s)", got.Quantity, got.AvgPrice)
	}
}

func TestApplyTrade_FlipUsesTradePrice(t *testing.T) {
	current := pos(1, 50000)
	got := ApplyTrade(&current, d(-2), d(52000))
	if !got.Quantity.Equal(d(-1)) || !got.AvgPrice.Equal(d(52000)) {
		t.Errorf("expected (-1, 52000), got (%s, %s)", got.Quantity, got.AvgPrice)
	}
}

func TestApplyTrade_PartialClose(t *testing.T) {
	current := pos(2, 50000)
	got := ApplyTrade(&current, d(-1), d(53000))
	// Partial close keeps direction, basis becomes the trade price.
	if !got.Quantity.Equal(d(1)) || !got.AvgPrice.Equal(d(53000)) {
		t.Errorf("expected (1, 53000), got (%s, %s)", got.Quantity, got.AvgPrice)
	}
}

func TestApplyTrade_ShortWeightedAverage(t *testing.T) {
	current := pos(-1, 50000)
	got := ApplyTrade(&current, d(-1), d(48000))
	if !got.Quantity.Equal(d(-2)) || !got.AvgPrice.Equal(d(49000)) {
		t.Errorf("expected (-2, 49000), got (%s, %s)", got.Quantity, got.AvgPrice)
	}
}

func TestApplyTrade_RepeatedAveragingStaysExact(t *testing.T) {
	// Weighted-average recomputation must not drift across many trades.
	p := ApplyTrade(nil, d(1), d(50000))
	for i := 0; i < 100; i++ {
		p = ApplyTrade(&p, d(1), d(50000))
	}
	if !p.AvgPrice.Equal(d(50000)) {
		t.Errorf("avg price drifted: %s", p.AvgPrice)
	}
	if !p.Quantity.Equal(d(101)) {
		t.Errorf("expected quantity 101, got %s", p.Quantity)
	}
}

// --- Realized P&L tests ---

func TestRealizedPnL_CloseLongAtProfit(t *testing.T) {
	current := pos(1, 50000)
	got := RealizedPnL(&current, d(-1), d(55000))
	if !got.Equal(d(5000)) {
		t.Errorf("expected 5000, got %s", got)
	}
}

func TestRealizedPnL_CloseLongAtLoss(t *testing.T) {
	current := pos(1, 50000)
	got := RealizedPnL(&current, d(-1), d(45000))
	if !got.Equal(d(-5000)) {
		t.Errorf("expected -5000, got %s", got)
	}
}

func TestRealizedPnL_FlipOnlyCountsClosedQuantity(t *testing.T) {
	current := pos(1, 50000)
	// Selling 2 closes only the 1 held long.
	got := RealizedPnL(&current, d(-2), d(52000))
	if !got.Equal(d(2000)) {
		t.Errorf("expected 2000, got %s", got)
	}
}

func TestRealizedPnL_CloseShort(t *testing.T) {
	current := pos(-1, 50000)
	// Buying back below the short entry is a gain.
	got := RealizedPnL(&current, d(1), d(45000))
	if !got.Equal(d(5000)) {
		t.Errorf("expected 5000, got %s", got)
	}
}

func TestRealizedPnL_ExtendingRealizesNothing(t *testing.T) {
	current := pos(1, 50000)
	if got := RealizedPnL(&current, d(1), d(60000)); !got.IsZero() {
		t.Errorf("extending a position should realize nothing, got %s", got)
	}
	if got := RealizedPnL(nil, d(1), d(60000)); !got.IsZero() {
		t.Errorf("opening a position should realize nothing, got %s", got)
	}
}

// --- Liquidation candidate tests ---

func TestIsLiquidationCandidate_Boundary(t *testing.T) {
	if IsLiquidationCandidate(d(5000), d(5000)) {
		t.Error("equity exactly at the requirement is not a candidate")
	}
	if !IsLiquidationCandidate(d(4999), d(5000)) {
		t.Error("equity strictly below the requirement is a candidate")
	}
}

func TestIsLiquidationCandidate_NegativeEquity(t *testing.T) {
	if !IsLiquidationCandidate(d(-5000), d(4000)) {
		t.Error("negative equity against positive maintenance is a candidate")
	}
}

func TestIsLiquidationCandidate_NoMaintenance(t *testing.T) {
	if IsLiquidationCandidate(d(0), d(0)) {
		t.Error("no maintenance requirement means no candidacy")
	}
}
