package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/domain/accountevent"
	"github.com/tradeops/order-execution-service/domain/audit"
	"github.com/tradeops/order-execution-service/domain/gtt"
	"github.com/tradeops/order-execution-service/domain/idempotency"
	"github.com/tradeops/order-execution-service/domain/order"
	"github.com/tradeops/order-execution-service/domain/reconciliation"
	"github.com/tradeops/order-execution-service/domain/shared"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
	"github.com/tradeops/order-execution-service/infrastructure/middleware"
)

// handlers groups the HTTP-facing methods over the order-execution
// domain. It holds no business logic of its own: every method binds a
// request, builds a shared.RequestContext from the authenticated gin
// context, delegates to the domain layer, and maps the result (or
// *errors.ServiceError) back to JSON.
type handlers struct {
	engine         *order.Engine
	gtt            *gtt.Repository
	audit          *audit.Writer
	reconciliation *reconciliation.Worker
	permissions    *middleware.PermissionChecker
	logger         *logging.Logger
	idempotency    *idempotency.Store
}

func requestContext(c *gin.Context) shared.RequestContext {
	return shared.RequestContext{
		UserID:             middleware.UserID(c),
		TradingAccountID:   c.Query("trading_account_id"),
		AccessibleAccounts: middleware.AllowedAccountIDs(c),
		TraceID:            logging.GetTraceID(c.Request.Context()),
		RequestID:          c.GetHeader("X-Request-ID"),
	}
}

// writeError mirrors infrastructure/middleware's writeServiceError: that
// helper is unexported to its own package, so mutating endpoints here
// need their own copy of the same mapping.
func writeError(c *gin.Context, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("unexpected error", err)
	}
	if se.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(se.RetryAfter))
	}
	c.AbortWithStatusJSON(se.HTTPStatus, gin.H{
		"code":    se.Code,
		"message": se.Message,
		"details": se.Details,
	})
}

// placeOrderBody is the wire shape of POST /api/v1/orders. Trading
// account is bound from the body rather than the query string, since
// placement has no natural list/filter use for query parameters.
type placeOrderBody struct {
	TradingAccountID string          `json:"trading_account_id" binding:"required"`
	Symbol           string          `json:"symbol" binding:"required"`
	Exchange         string          `json:"exchange" binding:"required"`
	TransactionType  string          `json:"transaction_type" binding:"required"`
	OrderType        string          `json:"order_type" binding:"required"`
	ProductType      string          `json:"product_type" binding:"required"`
	Variety          string          `json:"variety"`
	Quantity         int64           `json:"quantity" binding:"required"`
	Price            decimal.Decimal `json:"price"`
	TriggerPrice     decimal.Decimal `json:"trigger_price"`
	Validity         string          `json:"validity"`
	DisclosedQty     int64           `json:"disclosed_quantity"`
	Tags             []string        `json:"tags"`
	StrategyID       *int64          `json:"strategy_id"`
	PortfolioID      *int64          `json:"portfolio_id"`
	ExecutionID      *string         `json:"execution_id"`
	LotSize          int64           `json:"lot_size"`
}

func (b placeOrderBody) toPlaceRequest() order.PlaceRequest {
	variety := b.Variety
	if variety == "" {
		variety = "regular"
	}
	validity := b.Validity
	if validity == "" {
		validity = "DAY"
	}
	lotSize := b.LotSize
	if lotSize < 1 {
		lotSize = 1
	}
	return order.PlaceRequest{
		Symbol:          b.Symbol,
		Exchange:        b.Exchange,
		TransactionType: order.TransactionType(b.TransactionType),
		OrderType:       order.Type(b.OrderType),
		ProductType:     order.ProductType(b.ProductType),
		Variety:         order.Variety(variety),
		Quantity:        b.Quantity,
		Price:           b.Price,
		TriggerPrice:    b.TriggerPrice,
		Validity:        order.Validity(validity),
		DisclosedQty:    b.DisclosedQty,
		Tags:            b.Tags,
		StrategyID:      b.StrategyID,
		PortfolioID:     b.PortfolioID,
		ExecutionID:     b.ExecutionID,
		LotSize:         lotSize,
	}
}

// claimIdempotency reads the Idempotency-Key middleware.IdempotencyKey
// already required and stored, fingerprints the raw request body, and
// claims the (user, key) pair. On a replay it writes the saved response
// directly and returns ok=false so the caller does not re-execute the
// side-effecting operation.
func (h *handlers) claimIdempotency(c *gin.Context, userID string, body interface{}) (key string, ok bool) {
	v, _ := c.Get("idempotency_key")
	key, _ = v.(string)
	if key == "" || h.idempotency == nil {
		return key, true
	}
	fp, err := idempotency.Fingerprint(body)
	if err != nil {
		writeError(c, svcerrors.Internal("failed to fingerprint request", err))
		return key, false
	}
	rec, replay, err := h.idempotency.Claim(c.Request.Context(), userID, key, fp)
	if err == idempotency.ErrKeyReused {
		writeError(c, svcerrors.Conflict("Idempotency-Key was already used for a different request"))
		return key, false
	}
	if err != nil {
		writeError(c, err)
		return key, false
	}
	if replay && rec != nil && rec.StatusCode != 0 {
		c.Data(rec.StatusCode, "application/json", rec.Body)
		return key, false
	}
	return key, true
}

func (h *handlers) saveIdempotency(c *gin.Context, userID, key string, statusCode int, payload interface{}) {
	if key == "" || h.idempotency == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = h.idempotency.Save(c.Request.Context(), userID, key, idempotency.Record{StatusCode: statusCode, Body: body})
}

func (h *handlers) placeOrder(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, svcerrors.BadRequest("failed to read request body"))
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var body placeOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	if !middleware.AccountAllowedWithFallback(c, h.permissions, body.TradingAccountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	userID := middleware.UserID(c)
	idemKey, proceed := h.claimIdempotency(c, userID, json.RawMessage(raw))
	if !proceed {
		return
	}

	rc := requestContext(c)
	rc.TradingAccountID = body.TradingAccountID
	placed, err := h.engine.Place(c.Request.Context(), rc, body.toPlaceRequest())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, placed)
	h.saveIdempotency(c, userID, idemKey, http.StatusOK, placed)
}

type placeBatchBody struct {
	TradingAccountID string           `json:"trading_account_id" binding:"required"`
	Atomic           bool             `json:"atomic"`
	Orders           []placeOrderBody `json:"orders" binding:"required"`
}

func (h *handlers) placeBatch(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, svcerrors.BadRequest("failed to read request body"))
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var body placeBatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	if !middleware.AccountAllowedWithFallback(c, h.permissions, body.TradingAccountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	userID := middleware.UserID(c)
	idemKey, proceed := h.claimIdempotency(c, userID, json.RawMessage(raw))
	if !proceed {
		return
	}

	reqs := make([]order.PlaceRequest, len(body.Orders))
	for i, o := range body.Orders {
		reqs[i] = o.toPlaceRequest()
	}

	rc := requestContext(c)
	rc.TradingAccountID = body.TradingAccountID
	result, err := h.engine.PlaceBatch(c.Request.Context(), rc, reqs, body.Atomic)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"orders":             result.Orders,
		"rollback_performed": result.RollbackPerformed,
	}
	errs := make([]string, len(result.Errors))
	for i, e := range result.Errors {
		if e != nil {
			errs[i] = e.Error()
		}
	}
	resp["errors"] = errs
	c.JSON(http.StatusOK, resp)
	h.saveIdempotency(c, userID, idemKey, http.StatusOK, resp)
}

type modifyOrderBody struct {
	Quantity     *int64           `json:"quantity"`
	Price        *decimal.Decimal `json:"price"`
	TriggerPrice *decimal.Decimal `json:"trigger_price"`
	OrderType    *string          `json:"order_type"`
}

func (h *handlers) modifyOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}

	var body modifyOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}

	req := order.ModifyRequest{Quantity: body.Quantity, Price: body.Price, TriggerPrice: body.TriggerPrice}
	if body.OrderType != nil {
		t := order.Type(*body.OrderType)
		req.OrderType = &t
	}

	rc := requestContext(c)
	modified, err := h.engine.Modify(c.Request.Context(), rc, id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, modified)
}

func (h *handlers) cancelOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}

	rc := requestContext(c)
	cancelled, err := h.engine.Cancel(c.Request.Context(), rc, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

func (h *handlers) getOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}

	rc := requestContext(c)
	o, err := h.engine.Get(c.Request.Context(), rc, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// getOrderHistory returns an order's full audit trail (spec.md §6 — GET
// /orders/{id}/history). It loads the order through the engine first so
// the usual account-access check on the order's trading account applies
// before any history rows are revealed.
func (h *handlers) getOrderHistory(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}

	rc := requestContext(c)
	if _, err := h.engine.Get(c.Request.Context(), rc, id); err != nil {
		writeError(c, err)
		return
	}
	if h.audit == nil {
		writeError(c, svcerrors.Internal("audit trail is not configured", nil))
		return
	}

	entries, err := h.audit.ListByOrder(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// syncOrders triggers an out-of-cycle reconciliation sweep scoped to the
// caller's own accessible accounts (spec.md §6 — POST /orders/sync), for a
// client that wants its orders' local state refreshed against the broker
// without waiting for the next tier cadence.
func (h *handlers) syncOrders(c *gin.Context) {
	accountIDs := middleware.AllowedAccountIDs(c)
	if tradingAccountID := c.Query("trading_account_id"); tradingAccountID != "" {
		if !middleware.AccountAllowedWithFallback(c, h.permissions, tradingAccountID) {
			writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
			return
		}
		accountIDs = []string{tradingAccountID}
	}
	if len(accountIDs) == 0 {
		writeError(c, svcerrors.InvalidField("trading_account_id", "no accessible trading accounts to sync"))
		return
	}
	if h.reconciliation == nil {
		writeError(c, svcerrors.Internal("reconciliation worker is not configured", nil))
		return
	}

	if err := h.reconciliation.SweepAccounts(c.Request.Context(), accountIDs); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func parseListFilter(c *gin.Context) order.ListFilter {
	f := order.ListFilter{
		TradingAccountID: c.Query("trading_account_id"),
		Symbol:           c.Query("symbol"),
		Status:           order.Status(c.Query("status")),
		Limit:            50,
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		f.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		f.Offset = v
	}
	return f
}

func (h *handlers) listOrders(c *gin.Context) {
	f := parseListFilter(c)
	if f.TradingAccountID == "" || !middleware.AccountAllowedWithFallback(c, h.permissions, f.TradingAccountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	orders, err := h.engine.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	total, err := h.engine.Count(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "total": total, "limit": f.Limit, "offset": f.Offset})
}

type createGTTBody struct {
	TradingAccountID string              `json:"trading_account_id" binding:"required"`
	Symbol           string              `json:"symbol" binding:"required"`
	Exchange         string              `json:"exchange" binding:"required"`
	GTTType          string              `json:"gtt_type" binding:"required"`
	TriggerPrices    []decimal.Decimal   `json:"trigger_prices" binding:"required"`
	LastPrice        decimal.Decimal     `json:"last_price"`
	Orders           []gtt.FollowOnOrder `json:"orders" binding:"required"`
	Meta             map[string]string   `json:"meta"`
	ExpiresAt        *time.Time          `json:"expires_at"`
}

func (h *handlers) createGTT(c *gin.Context) {
	var body createGTTBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, svcerrors.Validation(err.Error()))
		return
	}
	if !middleware.AccountAllowedWithFallback(c, h.permissions, body.TradingAccountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	g := gtt.GTTOrder{
		UserID:           middleware.UserID(c),
		TradingAccountID: body.TradingAccountID,
		Symbol:           body.Symbol,
		Exchange:         body.Exchange,
		GTTType:          gtt.Type(body.GTTType),
		TriggerPrices:    body.TriggerPrices,
		LastPrice:        body.LastPrice,
		Orders:           body.Orders,
		Status:           gtt.StatusActive,
		Meta:             body.Meta,
		ExpiresAt:        body.ExpiresAt,
	}
	if err := g.Validate(); err != nil {
		writeError(c, err)
		return
	}

	created, err := h.gtt.Create(c.Request.Context(), g)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *handlers) cancelGTT(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, svcerrors.InvalidField("id", "must be numeric"))
		return
	}
	tradingAccountID := c.Query("trading_account_id")
	if tradingAccountID == "" || !middleware.AccountAllowedWithFallback(c, h.permissions, tradingAccountID) {
		writeError(c, svcerrors.Forbidden("trading account is not accessible to this caller"))
		return
	}

	if err := h.gtt.Cancel(c.Request.Context(), tradingAccountID, id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type accountEventBody struct {
	Type             string    `json:"type" binding:"required"`
	TradingAccountID string    `json:"trading_account_id" binding:"required"`
	MemberUserID     string    `json:"member_user_id"`
	CorrelationID    string    `json:"correlation_id"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// accountEventWebhook builds the handler once, at router construction
// time, closing over the accountevent.Handler the router was given.
func (h *handlers) accountEventWebhook(handler *accountevent.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if handler == nil {
			writeError(c, svcerrors.Internal("account event handler is not configured", nil))
			return
		}
		var body accountEventBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, svcerrors.Validation(err.Error()))
			return
		}
		occurredAt := body.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}

		e := accountevent.Event{
			Type:             accountevent.Type(body.Type),
			TradingAccountID: body.TradingAccountID,
			MemberUserID:     body.MemberUserID,
			CorrelationID:    body.CorrelationID,
			OccurredAt:       occurredAt,
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		if err := handler.Handle(ctx, e); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}
