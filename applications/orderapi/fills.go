package orderapi

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/domain/order"
	"github.com/tradeops/order-execution-service/domain/position"
	"github.com/tradeops/order-execution-service/domain/trade"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
)

// fillHandler ingests broker fill postbacks: one execution fill updates
// the order's filled/pending quantities, records the Trade row, and
// folds the fill into the account's position via the Position Tracker —
// all three under the order's row lock so a fill never races a
// concurrent Modify/Cancel/reconciliation pass on the same order
// (spec.md §4.4, §5).
type fillHandler struct {
	db      *sql.DB
	orders  *order.Repository
	trades  *trade.Repository
	tracker *position.Tracker
}

type tradeFillBody struct {
	OrderID         int64           `json:"order_id" binding:"required"`
	BrokerOrderID   string          `json:"broker_order_id" binding:"required"`
	BrokerTradeID   string          `json:"broker_trade_id" binding:"required"`
	InstrumentToken int64           `json:"instrument_token" binding:"required"`
	Quantity        int64           `json:"quantity" binding:"required"`
	Price           decimal.Decimal `json:"price" binding:"required"`
	TradeTime       time.Time       `json:"trade_time"`
}

func (h *fillHandler) handle(c *gin.Context) {
	var body tradeFillBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	if body.Quantity <= 0 || body.Price.LessThanOrEqual(decimal.Zero) {
		writeError(c, svcerrors.InvalidField("quantity/price", "must be positive"))
		return
	}

	tx, err := h.db.BeginTx(c.Request.Context(), nil)
	if err != nil {
		writeError(c, svcerrors.DatabaseError("begin fill transaction", err))
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	o, err := h.orders.GetForUpdate(c.Request.Context(), tx, body.OrderID)
	if err == sql.ErrNoRows {
		writeError(c, svcerrors.NotFound("order", body.BrokerOrderID))
		return
	}
	if err != nil {
		writeError(c, svcerrors.DatabaseError("load order", err))
		return
	}

	tradeValue := body.Price.Mul(decimal.NewFromInt(body.Quantity))
	tradeTime := body.TradeTime
	if tradeTime.IsZero() {
		tradeTime = time.Now().UTC()
	}
	if _, err := h.trades.Insert(c.Request.Context(), trade.Trade{
		OrderID: o.ID, BrokerOrderID: body.BrokerOrderID, BrokerTradeID: body.BrokerTradeID,
		UserID: o.UserID, TradingAccountID: o.TradingAccountID, StrategyID: o.StrategyID,
		ExecutionID: o.ExecutionID, PortfolioID: o.PortfolioID, Symbol: o.Symbol, Exchange: o.Exchange,
		TransactionType: string(o.TransactionType), ProductType: string(o.ProductType),
		Quantity: body.Quantity, Price: body.Price, TradeValue: tradeValue, TradeTime: tradeTime, Source: "broker",
	}); err != nil {
		writeError(c, svcerrors.DatabaseError("insert trade", err))
		return
	}

	newFilled := o.FilledQuantity + body.Quantity
	newPending := o.Quantity - newFilled - o.CancelledQuantity
	if newPending < 0 {
		newPending = 0
	}
	newAvg := weightedAverage(o.AveragePrice, o.FilledQuantity, body.Price, body.Quantity)
	newStatus := order.StatusOpen
	if newFilled >= o.Quantity {
		newStatus = order.StatusComplete
		newPending = 0
	}
	if err := h.orders.UpdateStatus(c.Request.Context(), tx, o.ID, newStatus, nil,
		newFilled, newPending, o.CancelledQuantity, newAvg, ""); err != nil {
		writeError(c, svcerrors.DatabaseError("update order after fill", err))
		return
	}

	side := position.Buy
	if o.TransactionType == order.Sell {
		side = position.Sell
	}
	tradingDay := tradeTime.Truncate(24 * time.Hour)
	if _, err := h.tracker.UpsertFill(c.Request.Context(), o.TradingAccountID, o.Symbol, o.Exchange,
		position.ProductType(o.ProductType), body.InstrumentToken, tradingDay, o.Exchange,
		position.Fill{Side: side, Qty: body.Quantity, Price: body.Price}); err != nil {
		writeError(c, svcerrors.DatabaseError("apply fill to position", err))
		return
	}

	if err := tx.Commit(); err != nil {
		writeError(c, svcerrors.DatabaseError("commit fill transaction", err))
		return
	}
	committed = true
	c.Status(http.StatusAccepted)
}

// weightedAverage folds one more fill into the running average price.
func weightedAverage(oldAvg decimal.Decimal, oldQty int64, fillPrice decimal.Decimal, fillQty int64) decimal.Decimal {
	if oldQty <= 0 {
		return fillPrice
	}
	totalQty := oldQty + fillQty
	oldValue := oldAvg.Mul(decimal.NewFromInt(oldQty))
	fillValue := fillPrice.Mul(decimal.NewFromInt(fillQty))
	return oldValue.Add(fillValue).Div(decimal.NewFromInt(totalQty))
}
