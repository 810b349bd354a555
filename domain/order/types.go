// Package order implements the order lifecycle engine: validation, risk
// checks, placement, modification, cancellation, and batch placement.
package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the order's position in its lifecycle state machine.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusSubmitted      Status = "SUBMITTED"
	StatusOpen           Status = "OPEN"
	StatusTriggerPending Status = "TRIGGER_PENDING"
	StatusComplete       Status = "COMPLETE"
	StatusCancelled      Status = "CANCELLED"
	StatusRejected       Status = "REJECTED"
)

// IsTerminal reports whether s is a fixpoint of the state machine.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// IsNonTerminal is the complement of IsTerminal, matching the set
// reconciliation and cancel/modify operate on.
func (s Status) IsNonTerminal() bool { return !s.IsTerminal() }

// transitions enumerates the allowed edges of the order state machine
// (spec.md §4.1). Reconciliation is exempt from this table — it may drive
// any non-terminal order into any broker-reported state.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusSubmitted: true,
		StatusRejected:  true,
	},
	StatusSubmitted: {
		StatusOpen:           true,
		StatusComplete:       true,
		StatusRejected:       true,
		StatusCancelled:      true,
		StatusTriggerPending: true,
	},
	StatusOpen: {
		StatusComplete:  true,
		StatusCancelled: true,
		StatusRejected:  true,
	},
	StatusTriggerPending: {
		StatusOpen:      true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge
// of the ordinary (non-reconciliation) state machine.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	return transitions[from][to]
}

// Source identifies what originated the order.
type Source string

const (
	SourceManual      Source = "manual"
	SourceScript      Source = "script"
	SourceExternal    Source = "external"
	SourceBrokerDirect Source = "broker_direct"
)

// TransactionType is BUY or SELL.
type TransactionType string

const (
	Buy  TransactionType = "BUY"
	Sell TransactionType = "SELL"
)

// Type is the broker order type.
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
	TypeSL     Type = "SL"
	TypeSLM    Type = "SL-M"
)

// ProductType is the margining product the order trades under.
type ProductType string

const (
	ProductCNC  ProductType = "CNC"
	ProductMIS  ProductType = "MIS"
	ProductNRML ProductType = "NRML"
)

// Variety is the broker order variety.
type Variety string

const (
	VarietyRegular Variety = "regular"
	VarietyAMO     Variety = "amo"
	VarietyIceberg Variety = "iceberg"
	VarietyAuction Variety = "auction"
)

// Validity is the broker-recognized order validity (DAY, IOC, ...); kept as
// a free string since the broker contract enumerates more values than this
// service needs to interpret.
type Validity string

// Order owns the request lifecycle (spec.md §3).
type Order struct {
	ID            int64
	BrokerOrderID *string

	UserID           string
	TradingAccountID string
	StrategyID       *int64
	PortfolioID      *int64
	ExecutionID      *string
	PositionID       *int64
	Source           Source

	Symbol          string
	Exchange        string
	TransactionType TransactionType
	OrderType       Type
	ProductType     ProductType
	Variety         Variety

	Quantity          int64
	FilledQuantity    int64
	PendingQuantity   int64
	CancelledQuantity int64

	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	AveragePrice  decimal.Decimal
	Validity      Validity
	DisclosedQty  int64

	Status          Status
	StatusMessage   string
	BrokerTag       string
	RiskCheckPassed bool

	Tags           []string
	ParentOrderID  *int64

	CreatedAt    time.Time
	UpdatedAt    time.Time
	SubmittedAt  *time.Time
	ExchangeAt   *time.Time
	CompletedAt  *time.Time
}

// QuantityInvariant reports whether filled+pending+cancelled == quantity,
// the universal order invariant from spec.md §8.
func (o Order) QuantityInvariant() bool {
	return o.FilledQuantity+o.PendingQuantity+o.CancelledQuantity == o.Quantity
}
