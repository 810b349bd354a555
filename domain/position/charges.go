// charges.go implements the brokerage and statutory tax policy table used
// to compute a fill's total_charges (spec.md §4.4): brokerage is policy
// driven by product type, taxes are layered on top by segment/side.
package position

import (
	"github.com/shopspring/decimal"
)

// Segment distinguishes equity delivery/intraday from derivatives for
// charge purposes.
type Segment string

const (
	SegmentEquityDelivery Segment = "equity_delivery"
	SegmentEquityIntraday Segment = "equity_intraday"
	SegmentDerivative     Segment = "derivative"
)

// ChargeBreakdown is the per-fill charge computation result.
type ChargeBreakdown struct {
	Brokerage   decimal.Decimal
	STT         decimal.Decimal
	Exchange    decimal.Decimal
	GST         decimal.Decimal
	SEBI        decimal.Decimal
	StampDuty   decimal.Decimal
	Total       decimal.Decimal
}

// ChargePolicy holds the configurable rates behind the charge computation.
// Defaults follow common Indian discount-broker schedules; values are
// policy, not law, and are expected to be tuned via configuration.
type ChargePolicy struct {
	// Brokerage
	DerivativeFlatPerOrder decimal.Decimal // flat brokerage per order leg
	IntradayPercent        decimal.Decimal // percent of trade value
	IntradayCap            decimal.Decimal // per-order cap on intraday brokerage

	// STT (securities transaction tax) — rates differ on buy vs sell and by segment.
	STTEquityDeliveryRate decimal.Decimal // both sides
	STTEquityIntradaySell decimal.Decimal // sell side only
	STTDerivativeSell     decimal.Decimal // sell side only (options premium / futures)

	// Exchange transaction charges, percent of trade value.
	ExchangeRateEquity     decimal.Decimal
	ExchangeRateDerivative decimal.Decimal

	GSTRate decimal.Decimal // on brokerage + exchange charges

	SEBIRatePerCrore decimal.Decimal // SEBI turnover fee, per crore of trade value

	StampDutyBuyRate decimal.Decimal // buy side only, percent of trade value
}

// DefaultChargePolicy returns the baseline Indian discount-broker charge
// schedule used unless overridden by configuration.
func DefaultChargePolicy() ChargePolicy {
	return ChargePolicy{
		DerivativeFlatPerOrder: decimal.NewFromFloat(20),
		IntradayPercent:        decimal.NewFromFloat(0.0003),
		IntradayCap:            decimal.NewFromFloat(20),

		STTEquityDeliveryRate: decimal.NewFromFloat(0.001),
		STTEquityIntradaySell: decimal.NewFromFloat(0.00025),
		STTDerivativeSell:     decimal.NewFromFloat(0.0005),

		ExchangeRateEquity:     decimal.NewFromFloat(0.0000345),
		ExchangeRateDerivative: decimal.NewFromFloat(0.0000495),

		GSTRate: decimal.NewFromFloat(0.18),

		SEBIRatePerCrore: decimal.NewFromFloat(10),

		StampDutyBuyRate: decimal.NewFromFloat(0.00015),
	}
}

// Compute returns the charge breakdown for one fill of tradeValue on the
// given segment and side.
func (p ChargePolicy) Compute(segment Segment, side TransactionSide, tradeValue decimal.Decimal) ChargeBreakdown {
	brokerage := p.brokerage(segment, tradeValue)
	stt := p.stt(segment, side, tradeValue)
	exchange := p.exchange(segment, tradeValue)
	gst := brokerage.Add(exchange).Mul(p.GSTRate)
	sebi := tradeValue.Div(decimal.NewFromInt(10000000)).Mul(p.SEBIRatePerCrore)
	stamp := decimal.Zero
	if side == Buy {
		stamp = tradeValue.Mul(p.StampDutyBuyRate)
	}

	total := brokerage.Add(stt).Add(exchange).Add(gst).Add(sebi).Add(stamp)
	return ChargeBreakdown{
		Brokerage: brokerage.Round(2),
		STT:       stt.Round(2),
		Exchange:  exchange.Round(2),
		GST:       gst.Round(2),
		SEBI:      sebi.Round(2),
		StampDuty: stamp.Round(2),
		Total:     total.Round(2),
	}
}

func (p ChargePolicy) brokerage(segment Segment, tradeValue decimal.Decimal) decimal.Decimal {
	switch segment {
	case SegmentEquityDelivery:
		return decimal.Zero
	case SegmentDerivative:
		return p.DerivativeFlatPerOrder
	default: // equity intraday
		pct := tradeValue.Mul(p.IntradayPercent)
		if pct.GreaterThan(p.IntradayCap) {
			return p.IntradayCap
		}
		return pct
	}
}

func (p ChargePolicy) stt(segment Segment, side TransactionSide, tradeValue decimal.Decimal) decimal.Decimal {
	switch segment {
	case SegmentEquityDelivery:
		return tradeValue.Mul(p.STTEquityDeliveryRate)
	case SegmentEquityIntraday:
		if side == Sell {
			return tradeValue.Mul(p.STTEquityIntradaySell)
		}
		return decimal.Zero
	case SegmentDerivative:
		if side == Sell {
			return tradeValue.Mul(p.STTDerivativeSell)
		}
		return decimal.Zero
	default:
		return decimal.Zero
	}
}

func (p ChargePolicy) exchange(segment Segment, tradeValue decimal.Decimal) decimal.Decimal {
	if segment == SegmentDerivative {
		return tradeValue.Mul(p.ExchangeRateDerivative)
	}
	return tradeValue.Mul(p.ExchangeRateEquity)
}
