package orderapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradeops/order-execution-service/domain/position"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
	"github.com/tradeops/order-execution-service/infrastructure/middleware"
)

// positionHandler exposes Position Tracker reads and the two operator
// mutations spec.md §6 names outside the fill path: closing a position
// manually and moving quantity to another strategy.
type positionHandler struct {
	tracker     *position.Tracker
	permissions *middleware.PermissionChecker
}

func (h *positionHandler) list(c *gin.Context) {
	accountID := c.Query("trading_account_id")
	if accountID == "" || !middleware.AccountAllowedWithFallback(c, h.permissions, accountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	f := position.Filter{Symbol: c.Query("symbol")}
	if v := c.Query("open"); v != "" {
		open := v == "true" || v == "1"
		f.Open = &open
	}

	positions, err := h.tracker.List(c.Request.Context(), accountID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (h *positionHandler) summary(c *gin.Context) {
	accountID := c.Query("trading_account_id")
	if accountID == "" || !middleware.AccountAllowedWithFallback(c, h.permissions, accountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	summary, err := h.tracker.Summary(c.Request.Context(), accountID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *positionHandler) get(c *gin.Context) {
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

	p, err := h.tracker.Get(c.Request.Context(), accountID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *positionHandler) close(c *gin.Context) {
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

	closed, err := h.tracker.Close(c.Request.Context(), accountID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, closed)
}

type movePositionBody struct {
	TradingAccountID string `json:"trading_account_id" binding:"required"`
	ToStrategyID     int64  `json:"to_strategy_id" binding:"required"`
	Quantity         int64  `json:"quantity" binding:"required"`
}

func (h *positionHandler) move(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}
	var body movePositionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	if !middleware.AccountAllowedWithFallback(c, h.permissions, body.TradingAccountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	moved, err := h.tracker.Move(c.Request.Context(), body.TradingAccountID, id, body.ToStrategyID, body.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, moved)
}
