package orderapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/domain/gtt"
	"github.com/tradeops/order-execution-service/domain/order"
	"github.com/tradeops/order-execution-service/domain/shared"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
	"github.com/tradeops/order-execution-service/infrastructure/middleware"
)

func (h *handlers) listGTT(c *gin.Context) {
	accountID := c.Query("trading_account_id")
	if accountID == "" || !middleware.AccountAllowedWithFallback(c, h.permissions, accountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	orders, err := h.gtt.List(c.Request.Context(), accountID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gtt_orders": orders})
}

func (h *handlers) getGTT(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}
	accountID := c.Query("trading_account_id")
	if accountID == "" || !middleware.AccountAllowedWithFallback(c, h.permissions, accountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	g, err := h.gtt.Get(c.Request.Context(), accountID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

type modifyGTTBody struct {
	TradingAccountID string              `json:"trading_account_id" binding:"required"`
	TriggerPrices    []decimal.Decimal   `json:"trigger_prices" binding:"required"`
	Orders           []gtt.FollowOnOrder `json:"orders" binding:"required"`
	Meta             map[string]string   `json:"meta"`
	ExpiresAt        *time.Time          `json:"expires_at"`
}

func (h *handlers) modifyGTT(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}
	var body modifyGTTBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	if !middleware.AccountAllowedWithFallback(c, h.permissions, body.TradingAccountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	modified, err := h.gtt.Modify(c.Request.Context(), body.TradingAccountID, id, body.TriggerPrices, body.Orders, body.Meta, body.ExpiresAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, modified)
}

type syncGTTBody struct {
	TradingAccountID string          `json:"trading_account_id" binding:"required"`
	Symbol           string          `json:"symbol" binding:"required"`
	Exchange         string          `json:"exchange" binding:"required"`
	LastPrice        decimal.Decimal `json:"last_price" binding:"required"`
}

// syncGTT evaluates every active GTT for (trading_account_id, symbol,
// exchange) against a supplied last-traded price and fires the follow-on
// orders of any trigger it crosses (spec.md §6 — POST /gtt/sync). It is the
// synchronous counterpart of the tick-driven evaluation Tick Fan-Out would
// otherwise do continuously, for callers (gateway replays, backfills) that
// need to force a check against a specific price.
func (h *handlers) syncGTT(c *gin.Context) {
	var body syncGTTBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	if !middleware.AccountAllowedWithFallback(c, h.permissions, body.TradingAccountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	candidates, err := h.gtt.ListActiveFor(c.Request.Context(), body.TradingAccountID, body.Symbol, body.Exchange)
	if err != nil {
		writeError(c, err)
		return
	}

	rc := shared.RequestContext{
		UserID:           middleware.UserID(c),
		TradingAccountID: body.TradingAccountID,
	}

	var triggered []int64
	for _, g := range candidates {
		if !g.CheckTrigger(body.LastPrice) {
			continue
		}
		for _, leg := range g.Orders {
			_, placeErr := h.engine.Place(c.Request.Context(), rc, order.PlaceRequest{
				Symbol:          g.Symbol,
				Exchange:        g.Exchange,
				TransactionType: order.TransactionType(leg.TransactionType),
				OrderType:       order.Type(leg.OrderType),
				ProductType:     order.ProductType(leg.ProductType),
				Variety:         order.VarietyRegular,
				Quantity:        leg.Quantity,
				Price:           leg.Price,
				Validity:        order.Validity("DAY"),
				LotSize:         1,
			})
			if placeErr != nil && h.logger != nil {
				h.logger.Error(c.Request.Context(), "gtt follow-on order placement failed", placeErr, map[string]interface{}{"gtt_id": g.ID})
			}
		}
		if err := h.gtt.MarkTriggered(c.Request.Context(), g.ID); err != nil {
			writeError(c, err)
			return
		}
		triggered = append(triggered, g.ID)
	}

	c.JSON(http.StatusOK, gin.H{"triggered": triggered})
}
