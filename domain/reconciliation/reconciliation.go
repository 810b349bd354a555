// Package reconciliation periodically cross-checks non-terminal orders
// against the broker's view of the world and corrects drift (spec.md
// §4.6 — Reconciliation Worker).
package reconciliation

import (
	"context"
	"database/sql"
	"time"

	"github.com/tradeops/order-execution-service/domain/audit"
	"github.com/tradeops/order-execution-service/domain/broker"
	"github.com/tradeops/order-execution-service/domain/order"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
	"github.com/tradeops/order-execution-service/infrastructure/metrics"
)

const system = "reconciliation_worker"

// nonTerminalStatuses mirrors order.Status's non-terminal set without
// importing order's full transition table directly, keeping the sweep's
// WHERE clause self-contained and reviewable.
var nonTerminalStatuses = []order.Status{
	order.StatusPending,
	order.StatusSubmitted,
	order.StatusOpen,
	order.StatusTriggerPending,
}

// Config tunes the sweep cadence and bounds.
type Config struct {
	Interval  time.Duration // default 5m
	MaxAge    time.Duration // default 24h: orders older than this are left to manual review
	BatchSize int           // default 100: rows loaded per sweep
}

// DefaultConfig returns spec.md §4.6's default interval and bounds.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, MaxAge: 24 * time.Hour, BatchSize: 100}
}

// Worker runs the periodic drift sweep.
type Worker struct {
	db     *sql.DB
	repo   *order.Repository
	pool   *broker.Pool
	audit  *audit.Writer
	logger *logging.Logger
	cfg    Config
}

// NewWorker constructs a Worker.
func NewWorker(db *sql.DB, repo *order.Repository, pool *broker.Pool, auditWriter *audit.Writer, logger *logging.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Worker{db: db, repo: repo, pool: pool, audit: auditWriter, logger: logger, cfg: cfg}
}

// Run sweeps every cfg.Interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep loads up to cfg.BatchSize non-terminal orders created within
// cfg.MaxAge, groups them by trading account, and
// asks each account's broker client for its current order list, correcting
// any row whose local status has drifted from the broker's.
func (w *Worker) Sweep(ctx context.Context) {
	orders, err := w.loadNonTerminal(ctx)
	if err != nil {
		metrics.ReconciliationErrors.Inc()
		if w.logger != nil {
			w.logger.Error(ctx, "reconciliation load failed", err, nil)
		}
		return
	}

	byAccount := make(map[string][]order.Order)
	for _, o := range orders {
		byAccount[o.TradingAccountID] = append(byAccount[o.TradingAccountID], o)
	}

	for accountID, accountOrders := range byAccount {
		w.reconcileAccount(ctx, accountID, accountOrders)
	}
}

// SweepAccounts is Sweep scoped to a batch of accounts — the entry point
// the tier scheduler drives, so each tier only reconciles the accounts its
// own poll was handed rather than every non-terminal order system-wide.
func (w *Worker) SweepAccounts(ctx context.Context, accountIDs []string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	orders, err := w.repo.ListNonTerminalForAccounts(ctx, accountIDs, nonTerminalStatuses, w.cfg.MaxAge, w.cfg.BatchSize)
	if err != nil {
		metrics.ReconciliationErrors.Inc()
		if w.logger != nil {
			w.logger.Error(ctx, "scoped reconciliation load failed", err, nil)
		}
		return err
	}

	byAccount := make(map[string][]order.Order)
	for _, o := range orders {
		byAccount[o.TradingAccountID] = append(byAccount[o.TradingAccountID], o)
	}
	for accountID, accountOrders := range byAccount {
		w.reconcileAccount(ctx, accountID, accountOrders)
	}
	return nil
}

// ReconcileOne reconciles a single order against the broker's current view,
// for the operator-facing /internal/reconcile/{order_id} endpoint (spec.md
// §6) rather than the periodic system-wide sweep.
func (w *Worker) ReconcileOne(ctx context.Context, orderID int64) error {
	local, err := w.repo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	terminal := true
	for _, s := range nonTerminalStatuses {
		if local.Status == s {
			terminal = false
			break
		}
	}
	if terminal {
		return nil
	}
	if local.BrokerOrderID == "" {
		return nil
	}

	client := w.pool.Get(local.TradingAccountID)
	brokerOrders, err := client.GetOrders(ctx)
	if err != nil {
		metrics.ReconciliationErrors.Inc()
		return err
	}
	metrics.ReconciliationChecked.Inc()
	for _, bo := range brokerOrders {
		if bo.BrokerOrderID == local.BrokerOrderID {
			w.correctDrift(ctx, local, bo)
			return nil
		}
	}
	return nil
}

func (w *Worker) reconcileAccount(ctx context.Context, accountID string, localOrders []order.Order) {
	client := w.pool.Get(accountID)
	brokerOrders, err := client.GetOrders(ctx)
	if err != nil {
		metrics.ReconciliationErrors.Inc()
		if w.logger != nil {
			w.logger.Error(ctx, "broker order fetch failed", err, map[string]interface{}{"trading_account_id": accountID})
		}
		return
	}

	byBrokerID := make(map[string]broker.OrderStatus, len(brokerOrders))
	for _, bo := range brokerOrders {
		byBrokerID[bo.BrokerOrderID] = bo
	}

	for _, local := range localOrders {
		metrics.ReconciliationChecked.Inc()
		if local.BrokerOrderID == "" {
			continue
		}
		remote, ok := byBrokerID[local.BrokerOrderID]
		if !ok {
			continue
		}
		w.correctDrift(ctx, local, remote)
	}
}

// correctDrift applies the broker's reported state to a locally non-terminal
// order. Reconciliation is explicitly exempt from the ordinary
// order.CanTransition table (order/types.go) — the broker is authoritative
// over its own order's lifecycle, including states the local state machine
// would never reach on its own (e.g. a local OPEN order the broker now
// reports REJECTED because of a post-acceptance margin call). The only
// precondition is that the local order is still non-terminal, which
// loadNonTerminal/ListNonTerminalForAccounts already guarantee.
func (w *Worker) correctDrift(ctx context.Context, local order.Order, remote broker.OrderStatus) {
	remoteStatus := order.Status(remote.Status)
	if remoteStatus == local.Status {
		return
	}

	metrics.ReconciliationDrift.Inc()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.ReconciliationErrors.Inc()
		return
	}
	defer func() { _ = tx.Rollback() }()

	filled := remote.FilledQuantity
	var pending, cancelled int64
	switch remoteStatus {
	case order.StatusCancelled, order.StatusRejected:
		cancelled = local.Quantity - filled
		pending = 0
	default:
		cancelled = local.CancelledQuantity
		pending = local.Quantity - filled - cancelled
		if pending < 0 {
			pending = 0
			cancelled = local.Quantity - filled
		}
	}

	brokerOrderID := remote.BrokerOrderID
	if err := w.repo.UpdateStatus(ctx, tx, local.ID, remoteStatus, &brokerOrderID, filled, pending, cancelled, remote.AveragePrice, "reconciled"); err != nil {
		metrics.ReconciliationErrors.Inc()
		return
	}
	if w.audit != nil {
		_ = w.audit.Append(ctx, tx, audit.Entry{
			OrderID:    local.ID,
			FromStatus: string(local.Status),
			ToStatus:   string(remoteStatus),
			Reason:     "broker state drift corrected",
			ChangedBy:  system,
			System:     system,
			Metadata: map[string]interface{}{
				"filled_quantity": filled, "pending_quantity": pending, "cancelled_quantity": cancelled,
				"broker_status": remote.Status, "broker_order_id": remote.BrokerOrderID,
			},
		})
	}
	if err := tx.Commit(); err != nil {
		metrics.ReconciliationErrors.Inc()
		return
	}
	metrics.ReconciliationCorrected.Inc()
}

func (w *Worker) loadNonTerminal(ctx context.Context) ([]order.Order, error) {
	return w.repo.ListNonTerminalForReconciliation(ctx, nonTerminalStatuses, w.cfg.MaxAge, w.cfg.BatchSize)
}
