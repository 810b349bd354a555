package order

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Repository is the Postgres-backed Order store, grounded on the teacher's
// BeginTx/defer-Rollback/Commit transaction idiom
// (applications/jam/store_pg.go).
type Repository struct {
	db *sql.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// BeginTx starts a transaction on the underlying pool.
func (r *Repository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

const orderColumns = `
	id, broker_order_id, user_id, trading_account_id, strategy_id, portfolio_id, execution_id,
	position_id, source, symbol, exchange, transaction_type, order_type, product_type, variety,
	quantity, filled_quantity, pending_quantity, cancelled_quantity, price, trigger_price,
	average_price, validity, disclosed_quantity, status, status_message, broker_tag,
	risk_check_passed, tags, parent_order_id, created_at, updated_at, submitted_at, exchange_at, completed_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.BrokerOrderID, &o.UserID, &o.TradingAccountID, &o.StrategyID, &o.PortfolioID, &o.ExecutionID,
		&o.PositionID, &o.Source, &o.Symbol, &o.Exchange, &o.TransactionType, &o.OrderType, &o.ProductType, &o.Variety,
		&o.Quantity, &o.FilledQuantity, &o.PendingQuantity, &o.CancelledQuantity, &o.Price, &o.TriggerPrice,
		&o.AveragePrice, &o.Validity, &o.DisclosedQty, &o.Status, &o.StatusMessage, &o.BrokerTag,
		&o.RiskCheckPassed, pq.Array(&o.Tags), &o.ParentOrderID, &o.CreatedAt, &o.UpdatedAt, &o.SubmittedAt, &o.ExchangeAt, &o.CompletedAt,
	)
	return o, err
}

// Create inserts a new PENDING order row and returns it with its assigned ID.
func (r *Repository) Create(ctx context.Context, q Querier, o Order) (Order, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO orders (
			user_id, trading_account_id, strategy_id, portfolio_id, execution_id, position_id, source,
			symbol, exchange, transaction_type, order_type, product_type, variety,
			quantity, filled_quantity, pending_quantity, cancelled_quantity, price, trigger_price,
			average_price, validity, disclosed_quantity, status, status_message, broker_tag,
			risk_check_passed, tags, parent_order_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28, now(), now())
		RETURNING `+orderColumns,
		o.UserID, o.TradingAccountID, o.StrategyID, o.PortfolioID, o.ExecutionID, o.PositionID, o.Source,
		o.Symbol, o.Exchange, o.TransactionType, o.OrderType, o.ProductType, o.Variety,
		o.Quantity, o.FilledQuantity, o.PendingQuantity, o.CancelledQuantity, o.Price, o.TriggerPrice,
		o.AveragePrice, o.Validity, o.DisclosedQty, o.Status, o.StatusMessage, o.BrokerTag,
		o.RiskCheckPassed, pq.Array(o.Tags), o.ParentOrderID,
	)
	return scanOrder(row)
}

// Get fetches one order, scoped to a trading account for access control.
func (r *Repository) Get(ctx context.Context, tradingAccountID string, id int64) (Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND trading_account_id = $2`, id, tradingAccountID)
	return scanOrder(row)
}

// GetByID fetches one order unscoped by trading account, for internal
// system callers (e.g. the /internal/reconcile/{order_id} endpoint) that
// authenticate via the internal API key rather than a caller's own
// account access.
func (r *Repository) GetByID(ctx context.Context, id int64) (Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// GetForUpdate fetches and row-locks one order within tx, for the
// read-modify-write sequence used by Modify/Cancel/Reconciliation.
func (r *Repository) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	return scanOrder(row)
}

// ListByStatuses returns every order whose status is in statuses, across
// all accounts, with no age or row bound. The reconciliation sweep uses
// the bounded ListNonTerminalForReconciliation instead.
func (r *Repository) ListByStatuses(ctx context.Context, statuses []Status) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = ANY($1)`, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListNonTerminalForReconciliation returns non-terminal orders created
// within maxAge, oldest first, capped at limit rows — the global sweep's
// bounded variant of ListByStatuses (an unbounded sweep over every
// non-terminal order ever placed does not scale once the table has history).
func (r *Repository) ListNonTerminalForReconciliation(ctx context.Context, statuses []Status, maxAge time.Duration, limit int) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ANY($1) AND created_at >= $2
		ORDER BY created_at ASC
		LIMIT $3`,
		pq.Array(statuses), time.Now().Add(-maxAge), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListNonTerminalForAccounts is ListNonTerminalForReconciliation scoped to
// a specific batch of trading accounts, used by the tier scheduler so each
// tier's poll only reconciles the accounts it was handed.
func (r *Repository) ListNonTerminalForAccounts(ctx context.Context, accountIDs []string, statuses []Status, maxAge time.Duration, limit int) ([]Order, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE trading_account_id = ANY($1) AND status = ANY($2) AND created_at >= $3
		ORDER BY created_at ASC
		LIMIT $4`,
		pq.Array(accountIDs), pq.Array(statuses), time.Now().Add(-maxAge), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListFilter narrows List/Count results.
type ListFilter struct {
	TradingAccountID string
	Symbol           string
	Status           Status
	PositionID       *int64
	ExecutionID      *string
	From             *time.Time
	To               *time.Time
	IDs              []int64
	Limit            int
	Offset           int
}

// List returns orders matching f, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Order, error) {
	query, args := buildFilterQuery("SELECT "+orderColumns+" FROM orders", f)
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += " OFFSET $" + itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Count returns the number of orders matching f.
func (r *Repository) Count(ctx context.Context, f ListFilter) (int64, error) {
	query, args := buildFilterQuery("SELECT count(*) FROM orders", f)
	var count int64
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func buildFilterQuery(base string, f ListFilter) (string, []interface{}) {
	query := base + " WHERE trading_account_id = $1"
	args := []interface{}{f.TradingAccountID}

	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += " AND symbol = $" + itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += " AND status = $" + itoa(len(args))
	}
	if f.PositionID != nil {
		args = append(args, *f.PositionID)
		query += " AND position_id = $" + itoa(len(args))
	}
	if f.ExecutionID != nil {
		args = append(args, *f.ExecutionID)
		query += " AND execution_id = $" + itoa(len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += " AND created_at >= $" + itoa(len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += " AND created_at <= $" + itoa(len(args))
	}
	if len(f.IDs) > 0 {
		args = append(args, pq.Array(f.IDs))
		query += " AND id = ANY($" + itoa(len(args)) + ")"
	}
	return query, args
}

// UpdateStatus transitions an order's status and broker-reported fields
// within tx.
func (r *Repository) UpdateStatus(ctx context.Context, tx *sql.Tx, id int64, status Status, brokerOrderID *string, filled, pending, cancelled int64, avgPrice decimal.Decimal, statusMessage string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, broker_order_id = COALESCE($2, broker_order_id),
			filled_quantity = $3, pending_quantity = $4, cancelled_quantity = $5,
			average_price = $6, status_message = $7, updated_at = now(),
			submitted_at = CASE WHEN submitted_at IS NULL AND $1 IN ('SUBMITTED','OPEN','COMPLETE') THEN now() ELSE submitted_at END,
			completed_at = CASE WHEN $1 IN ('COMPLETE','CANCELLED','REJECTED') THEN now() ELSE completed_at END
		WHERE id = $8`,
		status, brokerOrderID, filled, pending, cancelled, avgPrice, statusMessage, id,
	)
	return err
}

// UpdateAmendment applies a modify (quantity/price/trigger/type) within tx.
func (r *Repository) UpdateAmendment(ctx context.Context, tx *sql.Tx, id int64, quantity int64, price, triggerPrice decimal.Decimal, orderType Type, pendingQuantity int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET quantity = $1, price = $2, trigger_price = $3, order_type = $4,
			pending_quantity = $5, updated_at = now()
		WHERE id = $6`,
		quantity, price, triggerPrice, orderType, pendingQuantity, id,
	)
	return err
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
