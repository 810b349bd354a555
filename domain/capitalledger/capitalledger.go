// Package capitalledger tracks optional portfolio capital reservations:
// RESERVE/ALLOCATE/RELEASE/FAIL transactions moving through
// PENDING/COMMITTED/FAILED/RECONCILING states (spec.md §3 — CapitalLedger).
package capitalledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
)

// TransactionType is the kind of capital movement.
type TransactionType string

const (
	TxnReserve  TransactionType = "RESERVE"
	TxnAllocate TransactionType = "ALLOCATE"
	TxnRelease  TransactionType = "RELEASE"
	TxnFail     TransactionType = "FAIL"
)

// Status is the ledger entry's settlement state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusCommitted   Status = "COMMITTED"
	StatusFailed      Status = "FAILED"
	StatusReconciling Status = "RECONCILING"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:     {StatusCommitted: true, StatusFailed: true, StatusReconciling: true},
	StatusReconciling: {StatusCommitted: true},
}

// CanTransition reports whether moving a ledger entry from 'from' to 'to'
// is a legal edge of the settlement state machine.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Entry is one capital-ledger row.
type Entry struct {
	ID          int64
	PortfolioID int64
	Type        TransactionType
	Status      Status
	Amount      decimal.Decimal
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository persists ledger entries.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new PENDING ledger entry. Amounts are always
// non-negative (spec.md §3 invariant); direction is carried by Type.
func (r *Repository) Create(ctx context.Context, e Entry) (Entry, error) {
	if e.Amount.LessThan(decimal.Zero) {
		return Entry{}, svcerrors.InvalidField("amount", "must be non-negative")
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO capital_ledger (portfolio_id, type, status, amount, reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5, now(), now())
		RETURNING id, created_at, updated_at`,
		e.PortfolioID, e.Type, StatusPending, e.Amount, e.Reason,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	e.Status = StatusPending
	return e, err
}

// Transition moves an entry to a new status, rejecting illegal edges.
// The read-lock and the update run under one transaction so a concurrent
// Transition on the same entry cannot observe a stale status.
func (r *Repository) Transition(ctx context.Context, id int64, to Status) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return svcerrors.DatabaseError("begin ledger transition", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var current Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM capital_ledger WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		return svcerrors.DatabaseError("load ledger entry", err)
	}
	if !CanTransition(current, to) {
		return svcerrors.Conflict("illegal capital ledger transition")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE capital_ledger SET status = $1, updated_at = now() WHERE id = $2`, to, id); err != nil {
		return svcerrors.DatabaseError("update ledger entry", err)
	}
	if err := tx.Commit(); err != nil {
		return svcerrors.DatabaseError("commit ledger transition", err)
	}
	committed = true
	return nil
}

// Available computes the portfolio's available capital: total minus
// committed RESERVE+ALLOCATE, plus committed RELEASE (spec.md §3).
func Available(total decimal.Decimal, entries []Entry) decimal.Decimal {
	committed := decimal.Zero
	released := decimal.Zero
	for _, e := range entries {
		if e.Status != StatusCommitted {
			continue
		}
		switch e.Type {
		case TxnReserve, TxnAllocate:
			committed = committed.Add(e.Amount)
		case TxnRelease:
			released = released.Add(e.Amount)
		}
	}
	return total.Sub(committed).Add(released)
}

// AvailableForPortfolio loads committed entries for a portfolio and
// computes available capital against total.
func (r *Repository) AvailableForPortfolio(ctx context.Context, portfolioID int64, total decimal.Decimal) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, portfolio_id, type, status, amount, reason, created_at, updated_at
		FROM capital_ledger WHERE portfolio_id = $1 AND status = $2`, portfolioID, StatusCommitted)
	if err != nil {
		return decimal.Zero, svcerrors.DatabaseError("load capital ledger", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.PortfolioID, &e.Type, &e.Status, &e.Amount, &e.Reason, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return decimal.Zero, err
		}
		entries = append(entries, e)
	}
	return Available(total, entries), rows.Err()
}
