package trade

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValid_RejectsZeroQuantity(t *testing.T) {
	tr := Trade{Quantity: 0, Price: decimal.NewFromInt(100), TradeValue: decimal.Zero, TradeTime: time.Now()}
	if tr.Valid() {
		t.Fatal("expected zero quantity to be invalid")
	}
}

func TestValid_RejectsMismatchedTradeValue(t *testing.T) {
	tr := Trade{Quantity: 10, Price: decimal.NewFromInt(100), TradeValue: decimal.NewFromInt(500)}
	if tr.Valid() {
		t.Fatal("expected mismatched trade_value to be invalid")
	}
}

func TestValid_AcceptsConsistentTrade(t *testing.T) {
	tr := Trade{Quantity: 10, Price: decimal.NewFromInt(100), TradeValue: decimal.NewFromInt(1000)}
	if !tr.Valid() {
		t.Fatal("expected consistent trade to be valid")
	}
}
