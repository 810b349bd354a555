package orderapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/domain/capitalledger"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
)

// capitalLedgerHandler exposes the portfolio capital reservation state
// machine: RESERVE/ALLOCATE/RELEASE/FAIL entries moving through
// PENDING/COMMITTED/FAILED/RECONCILING (spec.md §3 — CapitalLedger).
type capitalLedgerHandler struct {
	ledger *capitalledger.Repository
}

type createLedgerEntryBody struct {
	PortfolioID int64                        `json:"portfolio_id" binding:"required"`
	Type        capitalledger.TransactionType `json:"type" binding:"required"`
	Amount      decimal.Decimal               `json:"amount" binding:"required"`
	Reason      string                        `json:"reason"`
}

type transitionLedgerEntryBody struct {
	Status capitalledger.Status `json:"status" binding:"required"`
}

func (h *capitalLedgerHandler) create(c *gin.Context) {
	var body createLedgerEntryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	switch body.Type {
	case capitalledger.TxnReserve, capitalledger.TxnAllocate, capitalledger.TxnRelease, capitalledger.TxnFail:
	default:
		writeError(c, svcerrors.InvalidField("type", "must be one of RESERVE, ALLOCATE, RELEASE, FAIL"))
		return
	}

	entry, err := h.ledger.Create(c.Request.Context(), capitalledger.Entry{
		PortfolioID: body.PortfolioID,
		Type:        body.Type,
		Amount:      body.Amount,
		Reason:      body.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *capitalLedgerHandler) transition(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}
	var body transitionLedgerEntryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	if err := h.ledger.Transition(c.Request.Context(), id, body.Status); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *capitalLedgerHandler) available(c *gin.Context) {
	portfolioID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}
	total, err := decimal.NewFromString(c.Query("total"))
	if err != nil {
		writeError(c, svcerrors.InvalidField("total", "must be a decimal amount"))
		return
	}
	available, err := h.ledger.AvailableForPortfolio(c.Request.Context(), portfolioID, total)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"portfolio_id": portfolioID, "available": available})
}
