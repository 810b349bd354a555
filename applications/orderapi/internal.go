package orderapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradeops/order-execution-service/domain/broker"
	"github.com/tradeops/order-execution-service/domain/position"
	"github.com/tradeops/order-execution-service/domain/reconciliation"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

// internalHandler exposes the operator-only endpoints under /internal
// (spec.md §6): account config reload, a targeted single-order
// reconciliation, and an on-demand P&L recomputation. Every route this
// handler serves sits behind middleware.InternalAPIKey.
type internalHandler struct {
	pool           *broker.Pool
	reconciliation *reconciliation.Worker
	positions      *position.Tracker
	logger         *logging.Logger
}

type reloadAccountsBody struct {
	TradingAccountIDs []string `json:"trading_account_ids" binding:"required"`
}

// reloadAccounts evicts the broker client pool's cached config for the
// given accounts, forcing the next request for each to re-resolve its
// token and account config from the upstream services (broker.AccountService)
// instead of reusing a possibly stale cached client.
func (h *internalHandler) reloadAccounts(c *gin.Context) {
	var body reloadAccountsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	for _, id := range body.TradingAccountIDs {
		h.pool.Evict(id)
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": body.TradingAccountIDs})
}

func (h *internalHandler) reconcileOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("order_id", "must be numeric"))
		return
	}
	if err := h.reconciliation.ReconcileOne(c.Request.Context(), orderID); err != nil {
		writeError(c, svcerrors.Internal("reconciliation failed", err))
		return
	}
	c.Status(http.StatusAccepted)
}

type calculatePnLBody struct {
	TradingAccountID string `json:"trading_account_id" binding:"required"`
}

// calculatePnL recomputes an account's aggregate open-position P&L
// on demand, for operators reconciling a customer-facing figure against
// what the service itself tracks.
func (h *internalHandler) calculatePnL(c *gin.Context) {
	var body calculatePnLBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	summary, err := h.positions.Summary(c.Request.Context(), body.TradingAccountID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
