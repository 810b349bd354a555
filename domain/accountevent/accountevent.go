// Package accountevent reacts to external account-lifecycle events
// (deleted/deactivated/membership revoked/created), each handled inside
// one DB transaction so a partial cascade never leaves inconsistent
// state (spec.md §4.8 — Account Event Handler).
package accountevent

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/domain/audit"
	"github.com/tradeops/order-execution-service/domain/broker"
	"github.com/tradeops/order-execution-service/domain/order"
	"github.com/tradeops/order-execution-service/domain/subscription"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

// Type is the kind of lifecycle event received.
type Type string

const (
	EventAccountDeleted     Type = "account_deleted"
	EventAccountDeactivated Type = "account_deactivated"
	EventMembershipRevoked  Type = "membership_revoked"
	EventAccountCreated     Type = "account_created"
)

const system = "account_event_handler"

// Event is one inbound account-lifecycle message.
type Event struct {
	Type             Type
	TradingAccountID string
	MemberUserID     string // set only for membership_revoked
	CorrelationID    string
	OccurredAt       time.Time
}

// Handler processes Events, cascading cleanup across orders, positions,
// trades, broker clients, and subscriptions.
type Handler struct {
	db     *sql.DB
	repo   *order.Repository
	audit  *audit.Writer
	pool   *broker.Pool
	subs   *subscription.Manager
	logger *logging.Logger
}

// NewHandler constructs a Handler.
func NewHandler(db *sql.DB, repo *order.Repository, auditWriter *audit.Writer, pool *broker.Pool, subs *subscription.Manager, logger *logging.Logger) *Handler {
	return &Handler{db: db, repo: repo, audit: auditWriter, pool: pool, subs: subs, logger: logger}
}

// Handle dispatches one event to its cascade, all within one transaction.
func (h *Handler) Handle(ctx context.Context, e Event) error {
	if h.logger != nil {
		h.logger.Info(ctx, "account event received", map[string]interface{}{
			"event_type": string(e.Type), "trading_account_id": e.TradingAccountID, "correlation_id": e.CorrelationID,
		})
	}

	switch e.Type {
	case EventAccountDeleted:
		return h.handleDeleted(ctx, e)
	case EventAccountDeactivated:
		return h.handleDeactivated(ctx, e)
	case EventMembershipRevoked:
		return h.handleMembershipRevoked(ctx, e)
	case EventAccountCreated:
		return h.handleCreated(ctx, e)
	default:
		return nil
	}
}

func (h *Handler) handleDeleted(ctx context.Context, e Event) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := h.cancelNonTerminalOrders(ctx, tx, e.TradingAccountID, "", "Account deleted"); err != nil {
		return err
	}

	closedTokens, err := h.closeOpenPositions(ctx, tx, e.TradingAccountID, e.OccurredAt)
	if err != nil {
		return err
	}

	// Trades are audit-retained, never hard-deleted; mark archived instead.
	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET archived_at = now() WHERE trading_account_id = $1 AND archived_at IS NULL`, e.TradingAccountID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	h.pool.Evict(e.TradingAccountID)
	if h.subs != nil {
		for _, token := range closedTokens {
			_ = h.subs.Unsubscribe(ctx, token, e.TradingAccountID, subscription.SourcePosition)
		}
	}
	return nil
}

// closeOpenPositions marks every open position for the account closed and
// returns the instrument tokens that were touched, so the caller can drop
// their market-data subscriptions once the transaction commits.
func (h *Handler) closeOpenPositions(ctx context.Context, tx *sql.Tx, accountID string, closedAt time.Time) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		UPDATE positions SET is_open = false, closed_at = $1, updated_at = now()
		WHERE trading_account_id = $2 AND is_open = true
		RETURNING instrument_token`, closedAt, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []int64
	for rows.Next() {
		var token int64
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (h *Handler) handleDeactivated(ctx context.Context, e Event) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := h.cancelNonTerminalOrders(ctx, tx, e.TradingAccountID, "", "Account deactivated"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	h.pool.Evict(e.TradingAccountID)
	return nil
}

func (h *Handler) handleMembershipRevoked(ctx context.Context, e Event) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := h.cancelNonTerminalOrders(ctx, tx, e.TradingAccountID, e.MemberUserID, "Membership revoked"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (h *Handler) handleCreated(ctx context.Context, e Event) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO account_sync_tiers (trading_account_id, tier, last_activity_at, created_at, updated_at)
		VALUES ($1, 'COLD', now(), now(), now())
		ON CONFLICT (trading_account_id) DO NOTHING`, e.TradingAccountID)
	return err
}

// cancelNonTerminalOrders cancels every non-terminal order for the
// account (optionally scoped to orders placed by one user) and writes
// one audit row per cancellation.
func (h *Handler) cancelNonTerminalOrders(ctx context.Context, tx *sql.Tx, accountID, userID, reason string) error {
	query := `SELECT id, status, filled_quantity, pending_quantity, cancelled_quantity, average_price FROM orders
		WHERE trading_account_id = $1 AND status IN ('PENDING','SUBMITTED','OPEN','TRIGGER_PENDING')`
	args := []interface{}{accountID}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += ` FOR UPDATE`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	type row struct {
		id                        int64
		status                    order.Status
		filled, pending, canceled int64
		avgPrice                  decimal.Decimal
	}
	var targets []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.status, &r.filled, &r.pending, &r.canceled, &r.avgPrice); err != nil {
			rows.Close()
			return err
		}
		targets = append(targets, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range targets {
		if err := h.repo.UpdateStatus(ctx, tx, t.id, order.StatusCancelled, nil, t.filled, 0, t.canceled+t.pending, t.avgPrice, reason); err != nil {
			return err
		}
		if h.audit != nil {
			if err := h.audit.Append(ctx, tx, audit.Entry{
				OrderID: t.id, FromStatus: string(t.status), ToStatus: string(order.StatusCancelled),
				Reason: reason, ChangedBy: system, System: system,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
