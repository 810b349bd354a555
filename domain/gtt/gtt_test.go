package gtt

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidate_SingleRequiresOneTrigger(t *testing.T) {
	g := GTTOrder{GTTType: TypeSingle, TriggerPrices: []decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(110)}, Orders: []FollowOnOrder{{}}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected validation error for single GTT with two triggers")
	}
}

func TestValidate_TwoLegRequiresTwoTriggers(t *testing.T) {
	g := GTTOrder{GTTType: TypeTwoLeg, TriggerPrices: []decimal.Decimal{decimal.NewFromInt(100)}, Orders: []FollowOnOrder{{}, {}}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected validation error for two-leg GTT with one trigger")
	}
}

func TestValidate_RequiresAtLeastOneOrder(t *testing.T) {
	g := GTTOrder{GTTType: TypeSingle, TriggerPrices: []decimal.Decimal{decimal.NewFromInt(100)}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected validation error when no follow-on orders are present")
	}
}

func TestCheckTrigger_SellLegFiresOnDrop(t *testing.T) {
	g := GTTOrder{
		Status:        StatusActive,
		GTTType:       TypeSingle,
		TriggerPrices: []decimal.Decimal{decimal.NewFromInt(90)},
		Orders:        []FollowOnOrder{{TransactionType: "SELL"}},
	}
	if !g.CheckTrigger(decimal.NewFromInt(89)) {
		t.Fatal("expected SELL leg to fire when ltp falls to or below trigger")
	}
	if g.CheckTrigger(decimal.NewFromInt(91)) {
		t.Fatal("expected SELL leg not to fire while ltp is above trigger")
	}
}

func TestCheckTrigger_InactiveGTTNeverFires(t *testing.T) {
	g := GTTOrder{
		Status:        StatusTriggered,
		TriggerPrices: []decimal.Decimal{decimal.NewFromInt(90)},
		Orders:        []FollowOnOrder{{TransactionType: "SELL"}},
	}
	if g.CheckTrigger(decimal.NewFromInt(1)) {
		t.Fatal("expected a non-active GTT never to fire")
	}
}
