package position

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestApplyFill_WeightedAverageBuyPrice(t *testing.T) {
	p := &Position{ProductType: ProductCNC, BuyValue: decimal.Zero, BuyPrice: decimal.Zero, SellValue: decimal.Zero, SellPrice: decimal.Zero}
	policy := DefaultChargePolicy()

	p.ApplyFill(Fill{Side: Buy, Qty: 10, Price: decimal.NewFromInt(100)}, policy)
	p.ApplyFill(Fill{Side: Buy, Qty: 10, Price: decimal.NewFromInt(120)}, policy)

	want := decimal.NewFromInt(110)
	if !p.BuyPrice.Equal(want) {
		t.Fatalf("expected weighted avg buy price %s, got %s", want, p.BuyPrice)
	}
	if p.NetQuantity != 20 {
		t.Fatalf("expected net quantity 20, got %d", p.NetQuantity)
	}
	if !p.IsOpen {
		t.Fatal("expected position to be open")
	}
}

func TestApplyFill_RealizedPnLOnClose(t *testing.T) {
	p := &Position{ProductType: ProductMIS}
	policy := DefaultChargePolicy()

	p.ApplyFill(Fill{Side: Buy, Qty: 10, Price: decimal.NewFromInt(100)}, policy)
	p.ApplyFill(Fill{Side: Sell, Qty: 10, Price: decimal.NewFromInt(110)}, policy)

	want := decimal.NewFromInt(100) // (110-100)*10
	if !p.RealizedPnL.Equal(want) {
		t.Fatalf("expected realized pnl %s, got %s", want, p.RealizedPnL)
	}
	if p.NetQuantity != 0 {
		t.Fatalf("expected flat position, got net qty %d", p.NetQuantity)
	}
	if p.IsOpen {
		t.Fatal("expected position to be closed")
	}
	if p.ClosedAt == nil {
		t.Fatal("expected closed_at to be stamped")
	}
}

func TestApplyTick_UpdatesUnrealizedOnly(t *testing.T) {
	p := &Position{ProductType: ProductNRML}
	policy := DefaultChargePolicy()
	p.ApplyFill(Fill{Side: Buy, Qty: 10, Price: decimal.NewFromInt(100)}, policy)

	chargesBefore := p.Charges.Total
	p.ApplyTick(decimal.NewFromInt(150))

	want := decimal.NewFromInt(500) // (150-100)*10
	if !p.UnrealizedPnL.Equal(want) {
		t.Fatalf("expected unrealized pnl %s, got %s", want, p.UnrealizedPnL)
	}
	if !p.Charges.Total.Equal(chargesBefore) {
		t.Fatal("expected ApplyTick to leave charges untouched")
	}
}

func TestApplyTick_NoOpWhenClosed(t *testing.T) {
	p := &Position{ProductType: ProductMIS}
	policy := DefaultChargePolicy()
	p.ApplyFill(Fill{Side: Buy, Qty: 10, Price: decimal.NewFromInt(100)}, policy)
	p.ApplyFill(Fill{Side: Sell, Qty: 10, Price: decimal.NewFromInt(100)}, policy)

	p.ApplyTick(decimal.NewFromInt(999))
	if !p.LastPrice.IsZero() {
		t.Fatal("expected ApplyTick to be a no-op on a closed position")
	}
}

func TestApplyFill_IntradayIsDaySplit(t *testing.T) {
	p := &Position{ProductType: ProductMIS}
	p.ApplyFill(Fill{Side: Buy, Qty: 5, Price: decimal.NewFromInt(50)}, DefaultChargePolicy())
	if p.IsOvernight {
		t.Fatal("expected MIS position to be marked intraday, not overnight")
	}
}

func TestApplyFill_NRMLIsOvernight(t *testing.T) {
	p := &Position{ProductType: ProductNRML}
	p.ApplyFill(Fill{Side: Buy, Qty: 5, Price: decimal.NewFromInt(50)}, DefaultChargePolicy())
	if !p.IsOvernight {
		t.Fatal("expected NRML position to be marked overnight")
	}
}
