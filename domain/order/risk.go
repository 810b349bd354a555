package order

import (
	"github.com/shopspring/decimal"
)

// RiskPolicy holds the configurable thresholds enforced by Place before an
// order reaches the broker (spec.md §4.1).
type RiskPolicy struct {
	MaxOrderValue          decimal.Decimal // order-value cap
	MarginMultiplier       decimal.Decimal // requested margin = order value * multiplier
	MaxSymbolExposure      decimal.Decimal // per-symbol exposure cap
	MaxConcentration       decimal.Decimal // new_symbol_exposure / total_exposure ceiling, 0-1
	MaxDailyLoss           decimal.Decimal // daily-loss breach threshold (negative P&L magnitude)
}

// DefaultRiskPolicy returns conservative defaults; production values are
// expected to come from configuration.
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		MaxOrderValue:    decimal.NewFromInt(2000000),
		MarginMultiplier: decimal.NewFromFloat(1.2),
		MaxSymbolExposure: decimal.NewFromInt(1000000),
		MaxConcentration: decimal.NewFromFloat(0.4),
		MaxDailyLoss:     decimal.NewFromInt(100000),
	}
}

// AccountState is the snapshot of account-level figures RiskPolicy checks
// against, supplied by the caller (typically fetched from the broker
// margins endpoint plus an aggregate positions query).
type AccountState struct {
	AvailableMargin   decimal.Decimal
	ExistingExposure  decimal.Decimal // total exposure across all symbols before this order
	SymbolExposure    decimal.Decimal // existing exposure in this order's symbol
	RealizedLossToday decimal.Decimal // positive magnitude of today's realized loss, zero if net positive
}

// Check runs every risk rule against a candidate order value and returns
// the first violation, or nil if the order passes.
func (p RiskPolicy) Check(orderValue decimal.Decimal, acct AccountState) error {
	if orderValue.GreaterThan(p.MaxOrderValue) {
		return newRiskError("order value exceeds the maximum permitted order size")
	}

	requiredMargin := orderValue.Mul(p.MarginMultiplier)
	if requiredMargin.GreaterThan(acct.AvailableMargin) {
		return newRiskError("insufficient available margin for this order")
	}

	newSymbolExposure := acct.SymbolExposure.Add(orderValue)
	if newSymbolExposure.GreaterThan(p.MaxSymbolExposure) {
		return newRiskError("order exceeds the per-symbol exposure cap")
	}

	newTotalExposure := acct.ExistingExposure.Add(orderValue)
	if newTotalExposure.GreaterThan(decimal.Zero) {
		concentration := newSymbolExposure.Div(newTotalExposure)
		if concentration.GreaterThan(p.MaxConcentration) {
			return newRiskError("order exceeds the symbol concentration limit")
		}
	}

	if acct.RealizedLossToday.GreaterThanOrEqual(p.MaxDailyLoss) {
		return newRiskError("daily loss limit has been breached; new orders are blocked")
	}

	return nil
}

type riskError struct{ msg string }

func (e riskError) Error() string { return e.msg }

func newRiskError(msg string) error { return riskError{msg: msg} }
