// Package orderapi is the gin HTTP surface over the order-execution
// domain: /api/v1/orders*, /api/v1/positions*, /api/v1/gtt*, /internal/*,
// /healthz, /metrics (spec.md §6 — External Interfaces).
//
// It was written as a package of its own rather than inside the teacher's
// applications/httpapi: that package was an unrelated blockchain/miniapps
// HTTP surface, since removed from the tree (see DESIGN.md), and grafting
// an unrelated domain's routes into its router would not have been an
// adaptation, just a collision.
package orderapi

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradeops/order-execution-service/domain/accountevent"
	"github.com/tradeops/order-execution-service/domain/audit"
	"github.com/tradeops/order-execution-service/domain/broker"
	"github.com/tradeops/order-execution-service/domain/capitalledger"
	"github.com/tradeops/order-execution-service/domain/gtt"
	"github.com/tradeops/order-execution-service/domain/idempotency"
	"github.com/tradeops/order-execution-service/domain/order"
	"github.com/tradeops/order-execution-service/domain/position"
	"github.com/tradeops/order-execution-service/domain/reconciliation"
	"github.com/tradeops/order-execution-service/domain/trade"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
	"github.com/tradeops/order-execution-service/infrastructure/middleware"
)

// Config wires the router to its collaborators.
type Config struct {
	DB              *sql.DB
	Engine          *order.Engine
	Orders          *order.Repository
	GTT             *gtt.Repository
	Trades          *trade.Repository
	Positions       *position.Tracker
	CapitalLedger   *capitalledger.Repository
	AccountEvents   *accountevent.Handler
	Audit           *audit.Writer
	Reconciliation  *reconciliation.Worker
	Permissions     *middleware.PermissionChecker
	BrokerPool      *broker.Pool
	Logger          *logging.Logger
	JWTPublicKeyPEM string
	InternalAPIKey  string
	RateLimiter     *middleware.RateLimiter
	Idempotency     *idempotency.Store
	AllowedOrigins  []string
}

// NewRouter builds the full gin engine with its middleware chain:
// recovery -> request context -> structured logging -> security headers ->
// CORS on every route; then, on /api/v1, JWT auth -> rate limiting (when a
// RateLimiter is configured) -> idempotency (mutating order routes only) ->
// handler. /internal routes take the internal API key check instead of JWT.
func NewRouter(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestContext())
	r.Use(middleware.StructuredLogging(cfg.Logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(&middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins, AllowCredentials: true}))

	r.GET("/healthz", healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{
		engine:         cfg.Engine,
		gtt:            cfg.GTT,
		audit:          cfg.Audit,
		reconciliation: cfg.Reconciliation,
		permissions:    cfg.Permissions,
		logger:         cfg.Logger,
		idempotency:    cfg.Idempotency,
	}
	fills := &fillHandler{db: cfg.DB, orders: cfg.Orders, trades: cfg.Trades, tracker: cfg.Positions}
	ledger := &capitalLedgerHandler{ledger: cfg.CapitalLedger}
	positions := &positionHandler{tracker: cfg.Positions, permissions: cfg.Permissions}
	internalH := &internalHandler{pool: cfg.BrokerPool, reconciliation: cfg.Reconciliation, positions: cfg.Positions, logger: cfg.Logger}

	api := r.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTPublicKeyPEM))
	if cfg.RateLimiter != nil {
		api.Use(middleware.RateLimit(cfg.RateLimiter))
	}

	orders := api.Group("/orders")
	{
		mutating := orders.Group("")
		mutating.Use(middleware.IdempotencyKey())
		mutating.POST("", h.placeOrder)
		mutating.POST("/batch", h.placeBatch)
		mutating.PATCH("/:id", h.modifyOrder)
		mutating.DELETE("/:id", h.cancelOrder)

		orders.GET("", h.listOrders)
		orders.GET("/:id", h.getOrder)
		orders.GET("/:id/history", h.getOrderHistory)
		orders.POST("/sync", h.syncOrders)
	}

	positionsGroup := api.Group("/positions")
	{
		positionsGroup.GET("", positions.list)
		positionsGroup.GET("/summary", positions.summary)
		positionsGroup.GET("/:id", positions.get)
		positionsGroup.POST("/:id/close", positions.close)
		positionsGroup.POST("/:id/move", positions.move)
	}

	gttGroup := api.Group("/gtt")
	{
		gttGroup.POST("", h.createGTT)
		gttGroup.GET("", h.listGTT)
		gttGroup.GET("/:id", h.getGTT)
		gttGroup.PATCH("/:id", h.modifyGTT)
		gttGroup.DELETE("/:id", h.cancelGTT)
		gttGroup.POST("/sync", h.syncGTT)
	}

	ledgerGroup := api.Group("/capital-ledger")
	{
		ledgerGroup.POST("", ledger.create)
		ledgerGroup.POST("/:id/transition", ledger.transition)
		ledgerGroup.GET("/portfolios/:id/available", ledger.available)
	}

	internal := r.Group("/internal")
	internal.Use(middleware.InternalAPIKey(cfg.InternalAPIKey))
	{
		internal.POST("/account-events", h.accountEventWebhook(cfg.AccountEvents))
		internal.POST("/trade-fills", fills.handle)
		internal.POST("/reload-accounts", internalH.reloadAccounts)
		internal.POST("/reconcile/:order_id", internalH.reconcileOrder)
		internal.POST("/pnl/calculate", internalH.calculatePnL)
	}

	return r
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
