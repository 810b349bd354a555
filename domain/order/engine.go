package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/domain/audit"
	"github.com/tradeops/order-execution-service/domain/broker"
	"github.com/tradeops/order-execution-service/domain/idempotency"
	"github.com/tradeops/order-execution-service/domain/ratelimit"
	"github.com/tradeops/order-execution-service/domain/shared"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

// maxBatchSize is the hard ceiling on PlaceBatch (spec.md §4.1).
const maxBatchSize = 20

// PlaceRequest is the caller-supplied intent to place one order.
type PlaceRequest struct {
	Symbol          string
	Exchange        string
	TransactionType TransactionType
	OrderType       Type
	ProductType     ProductType
	Variety         Variety
	Quantity        int64
	Price           decimal.Decimal
	TriggerPrice    decimal.Decimal
	Validity        Validity
	DisclosedQty    int64
	Tags            []string
	StrategyID      *int64
	PortfolioID     *int64
	ExecutionID     *string
	LotSize         int64 // 1 for equity; >1 for derivatives, used for lot-size validation
}

// ModifyRequest carries only the fields being changed; nil means unchanged.
type ModifyRequest struct {
	Quantity     *int64
	Price        *decimal.Decimal
	TriggerPrice *decimal.Decimal
	OrderType    *Type
}

// AccountStateFunc supplies the margin/exposure snapshot a Place call
// checks risk against — wired to the broker margins endpoint plus an
// aggregate positions query by the caller at construction time.
type AccountStateFunc func(ctx context.Context, tradingAccountID, symbol string) (AccountState, error)

// Engine is the Order aggregate root: validation, risk checks, persistence,
// broker submission, and state-machine enforcement (spec.md §4.1).
type Engine struct {
	db           *sql.DB
	repo         *Repository
	audit        *audit.Writer
	rateLimiter  *ratelimit.Manager
	brokerPool   *broker.Pool
	idempotency  *idempotency.Store
	risk         RiskPolicy
	accountState AccountStateFunc
	logger       *logging.Logger
}

// Config wires an Engine's collaborators.
type Config struct {
	DB           *sql.DB
	Audit        *audit.Writer
	RateLimiter  *ratelimit.Manager
	BrokerPool   *broker.Pool
	Idempotency  *idempotency.Store
	Risk         RiskPolicy
	AccountState AccountStateFunc
	Logger       *logging.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		db:           cfg.DB,
		repo:         NewRepository(cfg.DB),
		audit:        cfg.Audit,
		rateLimiter:  cfg.RateLimiter,
		brokerPool:   cfg.BrokerPool,
		idempotency:  cfg.Idempotency,
		risk:         cfg.Risk,
		accountState: cfg.AccountState,
		logger:       cfg.Logger,
	}
}

// validate checks the structural invariants from spec.md §7 rejections,
// independent of risk/margin.
func validate(req PlaceRequest) error {
	if req.Quantity < 1 {
		return svcerrors.InvalidField("quantity", "must be at least 1")
	}
	if req.Symbol == "" {
		return svcerrors.MissingParameter("symbol")
	}
	if req.Exchange == "" {
		return svcerrors.MissingParameter("exchange")
	}
	if req.OrderType == TypeLimit && req.Price.LessThanOrEqual(decimal.Zero) {
		return svcerrors.InvalidField("price", "must be positive for LIMIT orders")
	}
	if (req.OrderType == TypeSL || req.OrderType == TypeSLM) && req.TriggerPrice.LessThanOrEqual(decimal.Zero) {
		return svcerrors.InvalidField("trigger_price", "must be positive for SL/SL-M orders")
	}
	if req.LotSize > 1 && req.Quantity%req.LotSize != 0 {
		return svcerrors.InvalidField("quantity", fmt.Sprintf("must be a multiple of the lot size %d", req.LotSize))
	}
	return nil
}

func orderValue(req PlaceRequest) decimal.Decimal {
	price := req.Price
	if price.IsZero() {
		price = req.TriggerPrice
	}
	return price.Mul(decimal.NewFromInt(req.Quantity))
}

// Place validates, risk-checks, and checks the per-second, per-minute and
// daily rate limits before opening a transaction; it then persists a
// PENDING row with its audit entry and submits the order to the broker
// through the circuit breaker with retry, all in that one transaction.
func (e *Engine) Place(ctx context.Context, rc shared.RequestContext, req PlaceRequest) (Order, error) {
	if err := validate(req); err != nil {
		return Order{}, err
	}

	if e.accountState != nil {
		acct, err := e.accountState(ctx, rc.TradingAccountID, req.Symbol)
		if err != nil {
			return Order{}, svcerrors.UpstreamUnavailable("account-state", err)
		}
		if err := e.risk.Check(orderValue(req), acct); err != nil {
			return Order{}, svcerrors.Validation(err.Error())
		}
	}

	if e.rateLimiter != nil {
		if !e.rateLimiter.Allow(rc.TradingAccountID, ratelimit.BucketOrdersPerSecond) {
			return Order{}, svcerrors.RateLimitExceeded(10, "1s", 1)
		}
		if !e.rateLimiter.Allow(rc.TradingAccountID, ratelimit.BucketOrdersPerMinute) {
			return Order{}, svcerrors.RateLimitExceeded(200, "1m", 60)
		}
		ok, resetAt, err := e.rateLimiter.AllowDaily(ctx, rc.TradingAccountID)
		if err != nil {
			return Order{}, svcerrors.UpstreamUnavailable("rate-limit-store", err)
		}
		if !ok {
			return Order{}, svcerrors.DailyLimitExceeded(resetAt.Format(time.RFC3339))
		}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, svcerrors.DatabaseError("begin place transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	pending := Order{
		UserID:           rc.UserID,
		TradingAccountID: rc.TradingAccountID,
		StrategyID:       req.StrategyID,
		PortfolioID:      req.PortfolioID,
		ExecutionID:      req.ExecutionID,
		Source:           SourceManual,
		Symbol:           req.Symbol,
		Exchange:         req.Exchange,
		TransactionType:  req.TransactionType,
		OrderType:        req.OrderType,
		ProductType:      req.ProductType,
		Variety:          req.Variety,
		Quantity:         req.Quantity,
		PendingQuantity:  req.Quantity,
		Price:            req.Price,
		TriggerPrice:     req.TriggerPrice,
		Validity:         req.Validity,
		DisclosedQty:     req.DisclosedQty,
		Status:           StatusPending,
		Tags:             req.Tags,
	}

	created, err := e.repo.Create(ctx, tx, pending)
	if err != nil {
		return Order{}, svcerrors.DatabaseError("insert order", err)
	}

	if err := e.audit.Append(ctx, tx, audit.Entry{
		OrderID: created.ID, FromStatus: "", ToStatus: string(StatusPending),
		Reason: "order created", ChangedBy: rc.UserID, System: "order_engine",
	}); err != nil {
		return Order{}, svcerrors.DatabaseError("write audit entry", err)
	}

	client := e.brokerPool.Get(rc.TradingAccountID)
	resp, submitErr := client.PlaceOrder(ctx, string(req.Variety), broker.PlaceRequest{
		Symbol: req.Symbol, Exchange: req.Exchange,
		TransactionType: string(req.TransactionType), OrderType: string(req.OrderType),
		ProductType: string(req.ProductType), Variety: string(req.Variety),
		Quantity: req.Quantity, Price: req.Price, TriggerPrice: req.TriggerPrice,
		Validity: string(req.Validity), DisclosedQty: req.DisclosedQty,
	})
	if submitErr != nil {
		// No stuck PENDING rows: roll back the whole transaction.
		return Order{}, submitErr
	}

	brokerOrderID := resp.BrokerOrderID
	if err := e.repo.UpdateStatus(ctx, tx, created.ID, StatusSubmitted, &brokerOrderID,
		created.FilledQuantity, created.PendingQuantity, created.CancelledQuantity, created.AveragePrice, ""); err != nil {
		return Order{}, svcerrors.DatabaseError("update order status", err)
	}
	if err := e.audit.Append(ctx, tx, audit.Entry{
		OrderID: created.ID, FromStatus: string(StatusPending), ToStatus: string(StatusSubmitted),
		Reason: "broker accepted order " + brokerOrderID, ChangedBy: rc.UserID, System: "order_engine",
	}); err != nil {
		return Order{}, svcerrors.DatabaseError("write audit entry", err)
	}

	if err := tx.Commit(); err != nil {
		return Order{}, svcerrors.DatabaseError("commit place transaction", err)
	}
	committed = true

	created.Status = StatusSubmitted
	created.BrokerOrderID = &brokerOrderID
	return created, nil
}

// Modify submits a modification to the broker first; only on broker
// success are the local DB fields updated (spec.md §4.1).
func (e *Engine) Modify(ctx context.Context, rc shared.RequestContext, orderID int64, req ModifyRequest) (Order, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, svcerrors.DatabaseError("begin modify transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	existing, err := e.repo.GetForUpdate(ctx, tx, orderID)
	if err == sql.ErrNoRows {
		return Order{}, svcerrors.NotFound("order", fmt.Sprint(orderID))
	}
	if err != nil {
		return Order{}, svcerrors.DatabaseError("load order", err)
	}
	if !rc.AccountAccessible(existing.TradingAccountID) {
		return Order{}, svcerrors.Forbidden("order does not belong to an account you can access")
	}
	if existing.Status != StatusPending && existing.Status != StatusSubmitted && existing.Status != StatusOpen {
		return Order{}, svcerrors.Conflict("order cannot be modified in its current state")
	}

	newQty := existing.Quantity
	if req.Quantity != nil {
		newQty = *req.Quantity
	}
	newPrice := existing.Price
	if req.Price != nil {
		newPrice = *req.Price
	}
	newTrigger := existing.TriggerPrice
	if req.TriggerPrice != nil {
		newTrigger = *req.TriggerPrice
	}
	newType := existing.OrderType
	if req.OrderType != nil {
		newType = *req.OrderType
	}
	if newQty < existing.FilledQuantity {
		return Order{}, svcerrors.InvalidField("quantity", "cannot be reduced below the already-filled quantity")
	}

	client := e.brokerPool.Get(rc.TradingAccountID)
	if existing.BrokerOrderID == nil {
		return Order{}, svcerrors.Conflict("order has no broker order id yet")
	}
	if err := client.ModifyOrder(ctx, string(existing.Variety), *existing.BrokerOrderID, broker.PlaceRequest{
		Symbol: existing.Symbol, Exchange: existing.Exchange,
		TransactionType: string(existing.TransactionType), OrderType: string(newType),
		ProductType: string(existing.ProductType), Variety: string(existing.Variety),
		Quantity: newQty, Price: newPrice, TriggerPrice: newTrigger,
		Validity: string(existing.Validity), DisclosedQty: existing.DisclosedQty,
	}); err != nil {
		return Order{}, err
	}

	pendingQty := newQty - existing.FilledQuantity
	if err := e.repo.UpdateAmendment(ctx, tx, orderID, newQty, newPrice, newTrigger, newType, pendingQty); err != nil {
		return Order{}, svcerrors.DatabaseError("apply amendment", err)
	}
	if err := e.audit.Append(ctx, tx, audit.Entry{
		OrderID: orderID, FromStatus: string(existing.Status), ToStatus: string(existing.Status),
		Reason: "order modified", ChangedBy: rc.UserID, System: "order_engine",
	}); err != nil {
		return Order{}, svcerrors.DatabaseError("write audit entry", err)
	}
	if err := tx.Commit(); err != nil {
		return Order{}, svcerrors.DatabaseError("commit modify transaction", err)
	}
	committed = true

	existing.Quantity = newQty
	existing.Price = newPrice
	existing.TriggerPrice = newTrigger
	existing.OrderType = newType
	existing.PendingQuantity = pendingQty
	return existing, nil
}

// Cancel is broker-first: on broker success the order becomes CANCELLED
// with its pending quantity rolled into cancelled_quantity.
func (e *Engine) Cancel(ctx context.Context, rc shared.RequestContext, orderID int64) (Order, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, svcerrors.DatabaseError("begin cancel transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	existing, err := e.repo.GetForUpdate(ctx, tx, orderID)
	if err == sql.ErrNoRows {
		return Order{}, svcerrors.NotFound("order", fmt.Sprint(orderID))
	}
	if err != nil {
		return Order{}, svcerrors.DatabaseError("load order", err)
	}
	if !rc.AccountAccessible(existing.TradingAccountID) {
		return Order{}, svcerrors.Forbidden("order does not belong to an account you can access")
	}
	switch existing.Status {
	case StatusPending, StatusSubmitted, StatusOpen, StatusTriggerPending:
	default:
		return Order{}, svcerrors.Conflict("order cannot be cancelled in its current state")
	}

	if existing.BrokerOrderID != nil {
		client := e.brokerPool.Get(rc.TradingAccountID)
		if err := client.CancelOrder(ctx, string(existing.Variety), *existing.BrokerOrderID); err != nil {
			return Order{}, err
		}
	}

	cancelledQty := existing.CancelledQuantity + existing.PendingQuantity
	if err := e.repo.UpdateStatus(ctx, tx, orderID, StatusCancelled, nil,
		existing.FilledQuantity, 0, cancelledQty, existing.AveragePrice, ""); err != nil {
		return Order{}, svcerrors.DatabaseError("apply cancellation", err)
	}
	if err := e.audit.Append(ctx, tx, audit.Entry{
		OrderID: orderID, FromStatus: string(existing.Status), ToStatus: string(StatusCancelled),
		Reason: "order cancelled", ChangedBy: rc.UserID, System: "order_engine",
	}); err != nil {
		return Order{}, svcerrors.DatabaseError("write audit entry", err)
	}
	if err := tx.Commit(); err != nil {
		return Order{}, svcerrors.DatabaseError("commit cancel transaction", err)
	}
	committed = true

	existing.Status = StatusCancelled
	existing.CancelledQuantity = cancelledQty
	existing.PendingQuantity = 0
	return existing, nil
}

// BatchResult is the outcome of PlaceBatch: one entry per request, in order.
type BatchResult struct {
	Orders           []Order
	Errors           []error
	RollbackPerformed bool
}

// PlaceBatch places up to maxBatchSize orders inside one transaction with a
// nested SAVEPOINT. Atomic batches abort entirely (best-effort broker
// cancellation of already-placed legs) on any failure; non-atomic batches
// commit the successes and report the failures (spec.md §4.1).
func (e *Engine) PlaceBatch(ctx context.Context, rc shared.RequestContext, reqs []PlaceRequest, atomic bool) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, svcerrors.Validation("batch must contain at least one order")
	}
	if len(reqs) > maxBatchSize {
		return BatchResult{}, svcerrors.Validation(fmt.Sprintf("batch exceeds the maximum of %d orders", maxBatchSize))
	}
	for _, req := range reqs {
		if err := validate(req); err != nil && atomic {
			return BatchResult{}, err
		}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, svcerrors.DatabaseError("begin batch transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SAVEPOINT batch_place"); err != nil {
		return BatchResult{}, svcerrors.DatabaseError("create savepoint", err)
	}

	result := BatchResult{Orders: make([]Order, len(reqs)), Errors: make([]error, len(reqs))}
	client := e.brokerPool.Get(rc.TradingAccountID)
	var placedBrokerOrders []placedLeg

	for i, req := range reqs {
		if err := validate(req); err != nil {
			result.Errors[i] = err
			continue
		}

		pending := Order{
			UserID: rc.UserID, TradingAccountID: rc.TradingAccountID,
			StrategyID: req.StrategyID, PortfolioID: req.PortfolioID, ExecutionID: req.ExecutionID,
			Source: SourceManual, Symbol: req.Symbol, Exchange: req.Exchange,
			TransactionType: req.TransactionType, OrderType: req.OrderType, ProductType: req.ProductType,
			Variety: req.Variety, Quantity: req.Quantity, PendingQuantity: req.Quantity,
			Price: req.Price, TriggerPrice: req.TriggerPrice, Validity: req.Validity,
			DisclosedQty: req.DisclosedQty, Status: StatusPending, Tags: req.Tags,
		}
		created, err := e.repo.Create(ctx, tx, pending)
		if err != nil {
			result.Errors[i] = svcerrors.DatabaseError("insert order", err)
			if atomic {
				break
			}
			continue
		}

		resp, err := client.PlaceOrder(ctx, string(req.Variety), broker.PlaceRequest{
			Symbol: req.Symbol, Exchange: req.Exchange,
			TransactionType: string(req.TransactionType), OrderType: string(req.OrderType),
			ProductType: string(req.ProductType), Variety: string(req.Variety),
			Quantity: req.Quantity, Price: req.Price, TriggerPrice: req.TriggerPrice,
			Validity: string(req.Validity), DisclosedQty: req.DisclosedQty,
		})
		if err != nil {
			result.Errors[i] = err
			if atomic {
				break
			}
			if uerr := e.repo.UpdateStatus(ctx, tx, created.ID, StatusRejected, nil, 0, 0, created.Quantity, decimal.Zero, err.Error()); uerr != nil {
				result.Errors[i] = svcerrors.DatabaseError("mark order rejected", uerr)
			}
			continue
		}

		brokerOrderID := resp.BrokerOrderID
		if err := e.repo.UpdateStatus(ctx, tx, created.ID, StatusSubmitted, &brokerOrderID, 0, created.Quantity, 0, decimal.Zero, ""); err != nil {
			result.Errors[i] = svcerrors.DatabaseError("update order status", err)
			if atomic {
				break
			}
			continue
		}
		created.Status = StatusSubmitted
		created.BrokerOrderID = &brokerOrderID
		result.Orders[i] = created
		placedBrokerOrders = append(placedBrokerOrders, placedLeg{variety: string(req.Variety), brokerOrderID: brokerOrderID})
	}

	anyFailed := false
	for _, batchErr := range result.Errors {
		if batchErr != nil {
			anyFailed = true
			break
		}
	}

	if atomic && anyFailed {
		for _, leg := range placedBrokerOrders {
			_ = client.CancelOrder(ctx, leg.variety, leg.brokerOrderID)
		}
		if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT batch_place"); err != nil {
			return BatchResult{}, svcerrors.DatabaseError("rollback savepoint", err)
		}
		result.RollbackPerformed = true
		for i := range result.Orders {
			result.Orders[i] = Order{}
			if result.Errors[i] == nil {
				result.Errors[i] = svcerrors.Conflict("batch aborted because a sibling order failed")
			}
		}
		if err := tx.Commit(); err != nil {
			return BatchResult{}, svcerrors.DatabaseError("commit after rollback-to-savepoint", err)
		}
		committed = true
		return result, nil
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT batch_place"); err != nil {
		return BatchResult{}, svcerrors.DatabaseError("release savepoint", err)
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, svcerrors.DatabaseError("commit batch transaction", err)
	}
	committed = true
	return result, nil
}

type placedLeg struct {
	variety       string
	brokerOrderID string
}

// Get fetches one order scoped to the caller's account access.
func (e *Engine) Get(ctx context.Context, rc shared.RequestContext, orderID int64) (Order, error) {
	o, err := e.repo.Get(ctx, rc.TradingAccountID, orderID)
	if err == sql.ErrNoRows {
		return Order{}, svcerrors.NotFound("order", fmt.Sprint(orderID))
	}
	if err != nil {
		return Order{}, svcerrors.DatabaseError("load order", err)
	}
	return o, nil
}

// List returns orders matching f.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]Order, error) {
	orders, err := e.repo.List(ctx, f)
	if err != nil {
		return nil, svcerrors.DatabaseError("list orders", err)
	}
	return orders, nil
}

// Count returns the number of orders matching f.
func (e *Engine) Count(ctx context.Context, f ListFilter) (int64, error) {
	count, err := e.repo.Count(ctx, f)
	if err != nil {
		return 0, svcerrors.DatabaseError("count orders", err)
	}
	return count, nil
}
