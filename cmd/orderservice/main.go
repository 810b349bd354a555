// Package main is the order-execution service entry point: it loads
// configuration, opens the database and Redis connections, wires every
// domain collaborator, registers the background workers with a
// supervisor, and serves the HTTP API until an interrupt or term signal
// arrives.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/applications/orderapi"
	"github.com/tradeops/order-execution-service/domain/accountevent"
	"github.com/tradeops/order-execution-service/domain/audit"
	"github.com/tradeops/order-execution-service/domain/broker"
	"github.com/tradeops/order-execution-service/domain/capitalledger"
	"github.com/tradeops/order-execution-service/domain/gtt"
	"github.com/tradeops/order-execution-service/domain/idempotency"
	"github.com/tradeops/order-execution-service/domain/order"
	"github.com/tradeops/order-execution-service/domain/position"
	"github.com/tradeops/order-execution-service/domain/ratelimit"
	"github.com/tradeops/order-execution-service/domain/reconciliation"
	"github.com/tradeops/order-execution-service/domain/subscription"
	"github.com/tradeops/order-execution-service/domain/tick"
	"github.com/tradeops/order-execution-service/domain/tier"
	"github.com/tradeops/order-execution-service/domain/trade"
	"github.com/tradeops/order-execution-service/infrastructure/cache"
	"github.com/tradeops/order-execution-service/infrastructure/config"
	"github.com/tradeops/order-execution-service/infrastructure/database"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
	"github.com/tradeops/order-execution-service/infrastructure/middleware"
	"github.com/tradeops/order-execution-service/infrastructure/metrics"
	"github.com/tradeops/order-execution-service/system/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("order-execution-service", cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database.DSN, cfg.Database.MigrationsPath); err != nil {
			logger.Fatal(ctx, "database migration failed", err)
		}
	}

	db, err := database.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		logger.Fatal(ctx, "open database", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedisClient(ctx, cache.RedisConfig{URL: cfg.Redis.URL, DB: cfg.Redis.DB, PoolSize: cfg.Redis.PoolSize})
	if err != nil {
		logger.Fatal(ctx, "connect redis", err)
	}
	defer redisClient.Close()

	_ = metrics.New("order-execution-service")

	accountService := broker.NewAccountService(cfg.Upstream.AccountServiceURL, cfg.Upstream.TokenManagerURL, cfg.Auth.InternalAPIKey, nil, logger)

	brokerPool := broker.NewPool(func(accountID string) broker.ClientConfig {
		token, err := accountService.ResolveToken(ctx, accountID)
		if err != nil {
			logger.Warn(ctx, "initial broker token resolution failed, client starts unauthenticated", map[string]interface{}{"trading_account_id": accountID, "error": err.Error()})
		}
		return broker.ClientConfig{
			BaseURL:      cfg.Upstream.BrokerAPIURL,
			AccountID:    accountID,
			Token:        token,
			Logger:       logger,
			RefreshToken: accountService.ResolveToken,
		}
	})

	auditWriter := audit.NewWriter(db, logger)

	quotaStore := ratelimit.NewRedisQuotaStore(func(ctx context.Context, key string, ttl time.Duration) (int64, error) {
		return cache.IncrWithExpiry(ctx, redisClient, key, ttl)
	})
	rateLimiter := ratelimit.NewManager(ratelimit.DefaultLimits, 4096, cfg.Policy.DailyOrderLimitDefault, quotaStore)

	idempotencyStore := idempotency.NewStore(redisClient, cfg.Policy.IdempotencyTTL)

	accountStateFunc := newAccountStateFunc(db, brokerPool)

	orderRepo := order.NewRepository(db)
	engine := order.NewEngine(order.Config{
		DB:           db,
		Audit:        auditWriter,
		RateLimiter:  rateLimiter,
		BrokerPool:   brokerPool,
		Idempotency:  idempotencyStore,
		Risk:         order.DefaultRiskPolicy(),
		AccountState: accountStateFunc,
		Logger:       logger,
	})

	gttRepo := gtt.NewRepository(db)

	marketData := subscription.NewManager(db, noopMarketDataClient{})
	if err := marketData.RecoverOnStartup(ctx); err != nil {
		logger.Warn(ctx, "subscription recovery failed", map[string]interface{}{"error": err.Error()})
	}

	positionTracker := position.NewTracker(db, position.DefaultChargePolicy(), auditWriter, marketData)
	tradeRepo := trade.NewRepository(db)
	capitalLedgerRepo := capitalledger.NewRepository(db)

	accountEvents := accountevent.NewHandler(db, orderRepo, auditWriter, brokerPool, marketData, logger)

	reconciliationWorker := reconciliation.NewWorker(db, orderRepo, brokerPool, auditWriter, logger, reconciliation.DefaultConfig())

	tickFanOut := tick.NewFanOut(db, tick.DefaultConfig(), logger)

	tierScheduler := tier.NewScheduler(db, tierPoll(reconciliationWorker), logger, time.Minute)

	permissionChecker := middleware.NewPermissionChecker(cfg.Upstream.PermissionServiceURL, cfg.Auth.InternalAPIKey, nil)

	router := orderapi.NewRouter(orderapi.Config{
		DB:              db,
		Engine:          engine,
		Orders:          orderRepo,
		GTT:             gttRepo,
		Trades:          tradeRepo,
		Positions:       positionTracker,
		CapitalLedger:   capitalLedgerRepo,
		AccountEvents:   accountEvents,
		Audit:           auditWriter,
		Reconciliation:  reconciliationWorker,
		Permissions:     permissionChecker,
		BrokerPool:      brokerPool,
		Logger:          logger,
		JWTPublicKeyPEM: cfg.Auth.JWTPublicKeyPEM,
		InternalAPIKey:  cfg.Auth.InternalAPIKey,
		RateLimiter:     middleware.NewRateLimiterWithWindow(cfg.Policy.RateLimitPerSecond, cfg.Policy.RateLimitWindow, cfg.Policy.RateLimitPerSecond, logger),
		Idempotency:     idempotencyStore,
		AllowedOrigins:  splitCSV(cfg.Server.CORSAllowedOrigins),
	})

	super := supervisor.New(logger, cfg.Policy.ShutdownGracePeriod)
	super.Add(supervisor.Task{Name: "tick_fanout", Run: tickFanOut.Run})
	super.Add(supervisor.Task{Name: "tick_subscriber", Run: func(ctx context.Context) {
		if err := tickFanOut.Subscribe(ctx, redisClient); err != nil {
			logger.Error(ctx, "tick subscriber exited", err, nil)
		}
	}})
	super.Add(supervisor.Task{Name: "reconciliation_worker", Run: reconciliationWorker.Run})
	super.Add(supervisor.Task{Name: "tier_classifier", Run: tierScheduler.RunClassifier})
	super.Add(supervisor.Task{Name: "tier_hot_loop", Run: runTierLoop(tierScheduler, tier.TierHot, logger)})
	super.Add(supervisor.Task{Name: "tier_warm_loop", Run: runTierLoop(tierScheduler, tier.TierWarm, logger)})
	super.Add(supervisor.Task{Name: "tier_cold_loop", Run: runTierLoop(tierScheduler, tier.TierCold, logger)})

	runCtx, cancelRun := context.WithCancel(ctx)
	super.Start(runCtx)

	server := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info(ctx, "order-execution-service listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "http server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "shutdown signal received", nil)
	cancelRun()
	if !super.Stop() {
		logger.Warn(ctx, "background tasks did not drain within the grace period", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown", err, nil)
	}
}

// tierPoll adapts a periodic-reconciliation sweep into a tier.PollFunc:
// a HOT/WARM/COLD batch triggers an out-of-cycle reconciliation pass
// scoped to exactly the accounts that batch was handed, rather than
// sweeping every non-terminal order system-wide on every tier tick.
func tierPoll(w *reconciliation.Worker) tier.PollFunc {
	return func(ctx context.Context, accountIDs []string) error {
		return w.SweepAccounts(ctx, accountIDs)
	}
}

func runTierLoop(s *tier.Scheduler, t tier.Tier, logger *logging.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := s.RunTierLoop(ctx, t); err != nil {
			logger.Error(ctx, "tier loop exited", err, map[string]interface{}{"tier": string(t)})
		}
	}
}

// newAccountStateFunc builds the order.AccountStateFunc Place/PlaceBatch
// use for pre-trade risk checks: broker margins plus an aggregate
// exposure query across open positions.
func newAccountStateFunc(db *sql.DB, pool *broker.Pool) order.AccountStateFunc {
	return func(ctx context.Context, tradingAccountID, symbol string) (order.AccountState, error) {
		client := pool.Get(tradingAccountID)
		margins, err := client.GetMargins(ctx)
		if err != nil {
			return order.AccountState{}, err
		}

		var existingExposure, symbolExposure, realizedLoss decimal.Decimal
		row := db.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(ABS(net_quantity) * last_price), 0),
				COALESCE(SUM(ABS(net_quantity) * last_price) FILTER (WHERE symbol = $2), 0),
				COALESCE(SUM(LEAST(net_pnl, 0)), 0)
			FROM positions WHERE trading_account_id = $1 AND is_open = true`,
			tradingAccountID, symbol)
		if err := row.Scan(&existingExposure, &symbolExposure, &realizedLoss); err != nil && err != sql.ErrNoRows {
			return order.AccountState{}, err
		}

		return order.AccountState{
			AvailableMargin:   margins.Available,
			ExistingExposure:  existingExposure,
			SymbolExposure:    symbolExposure,
			RealizedLossToday: realizedLoss.Abs(),
		}, nil
	}
}

// splitCSV splits a comma-separated config value into a trimmed slice,
// returning nil for an empty input rather than a single empty-string entry.
func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// noopMarketDataClient is the default subscription.MarketDataClient used
// until the market-data service integration is wired; it accepts every
// (un)subscribe call without a wire call so subscription bookkeeping in
// the database stays correct even with the upstream service unreachable.
type noopMarketDataClient struct{}

func (noopMarketDataClient) Subscribe(ctx context.Context, instrumentToken int64) error   { return nil }
func (noopMarketDataClient) Unsubscribe(ctx context.Context, instrumentToken int64) error { return nil }
func (noopMarketDataClient) RefreshGlobalSubscriptions(ctx context.Context, tokens []int64) error {
	return nil
}
