// Package gtt implements Good-Till-Triggered conditional orders: single and
// two-leg trigger definitions that fire one or more follow-on orders when
// their condition is met (spec.md §3 — GTTOrder).
package gtt

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
)

// Type distinguishes a single-trigger GTT from a two-leg (OCO-style) GTT.
type Type string

const (
	TypeSingle Type = "single"
	TypeTwoLeg Type = "two-leg"
)

// Status is the GTT's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusDeleted   Status = "deleted"
)

// FollowOnOrder is one order to fire when the GTT's condition is met.
type FollowOnOrder struct {
	TransactionType string          `json:"transaction_type"`
	OrderType       string          `json:"order_type"`
	ProductType     string          `json:"product_type"`
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
}

// GTTOrder is a conditional trigger definition.
type GTTOrder struct {
	ID               int64
	UserID           string
	TradingAccountID string
	Symbol           string
	Exchange         string
	GTTType          Type
	TriggerPrices    []decimal.Decimal
	LastPrice        decimal.Decimal
	Orders           []FollowOnOrder
	Status           Status
	Meta             map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        *time.Time
}

// Validate enforces spec.md §3's GTT invariants: single ⇒ exactly one
// trigger price, two-leg ⇒ exactly two, and at least one follow-on order.
func (g GTTOrder) Validate() error {
	switch g.GTTType {
	case TypeSingle:
		if len(g.TriggerPrices) != 1 {
			return svcerrors.InvalidField("trigger_prices", "a single GTT requires exactly one trigger price")
		}
	case TypeTwoLeg:
		if len(g.TriggerPrices) != 2 {
			return svcerrors.InvalidField("trigger_prices", "a two-leg GTT requires exactly two trigger prices")
		}
	default:
		return svcerrors.InvalidField("gtt_type", "must be 'single' or 'two-leg'")
	}
	if len(g.Orders) < 1 {
		return svcerrors.InvalidField("orders", "at least one follow-on order is required")
	}
	return nil
}

// Repository persists GTTOrders.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func encodeTriggers(prices []decimal.Decimal) ([]byte, error) { return json.Marshal(prices) }
func encodeOrders(orders []FollowOnOrder) ([]byte, error)     { return json.Marshal(orders) }
func encodeMeta(meta map[string]string) ([]byte, error)       { return json.Marshal(meta) }

const gttColumns = `id, user_id, trading_account_id, symbol, exchange, gtt_type,
	trigger_prices, last_price, orders, status, meta, created_at, updated_at, expires_at`

func scanGTT(row interface{ Scan(...interface{}) error }) (GTTOrder, error) {
	var g GTTOrder
	var triggers, orders, meta []byte
	err := row.Scan(&g.ID, &g.UserID, &g.TradingAccountID, &g.Symbol, &g.Exchange, &g.GTTType,
		&triggers, &g.LastPrice, &orders, &g.Status, &meta, &g.CreatedAt, &g.UpdatedAt, &g.ExpiresAt)
	if err != nil {
		return GTTOrder{}, err
	}
	if len(triggers) > 0 {
		if err := json.Unmarshal(triggers, &g.TriggerPrices); err != nil {
			return GTTOrder{}, err
		}
	}
	if len(orders) > 0 {
		if err := json.Unmarshal(orders, &g.Orders); err != nil {
			return GTTOrder{}, err
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &g.Meta); err != nil {
			return GTTOrder{}, err
		}
	}
	return g, nil
}

// Create inserts a new active GTT after validating its invariants.
func (r *Repository) Create(ctx context.Context, g GTTOrder) (GTTOrder, error) {
	if err := g.Validate(); err != nil {
		return GTTOrder{}, err
	}
	triggers, err := encodeTriggers(g.TriggerPrices)
	if err != nil {
		return GTTOrder{}, err
	}
	orders, err := encodeOrders(g.Orders)
	if err != nil {
		return GTTOrder{}, err
	}
	meta, err := encodeMeta(g.Meta)
	if err != nil {
		return GTTOrder{}, err
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO gtt_orders (user_id, trading_account_id, symbol, exchange, gtt_type,
			trigger_prices, last_price, orders, status, meta, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now(), now(), $11)
		RETURNING id, created_at, updated_at`,
		g.UserID, g.TradingAccountID, g.Symbol, g.Exchange, g.GTTType,
		triggers, g.LastPrice, orders, StatusActive, meta, g.ExpiresAt,
	).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	g.Status = StatusActive
	return g, err
}

// Cancel marks an active GTT cancelled. Only active GTTs are
// modifiable/cancellable (spec.md §3).
func (r *Repository) Cancel(ctx context.Context, tradingAccountID string, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gtt_orders SET status = $1, updated_at = now()
		WHERE id = $2 AND trading_account_id = $3 AND status = $4`,
		StatusCancelled, id, tradingAccountID, StatusActive,
	)
	if err != nil {
		return svcerrors.DatabaseError("cancel gtt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return svcerrors.DatabaseError("cancel gtt", err)
	}
	if n == 0 {
		return svcerrors.Conflict("gtt is not active and cannot be cancelled")
	}
	return nil
}

// Get fetches one GTT, scoped to a trading account for access control.
func (r *Repository) Get(ctx context.Context, tradingAccountID string, id int64) (GTTOrder, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+gttColumns+` FROM gtt_orders WHERE id = $1 AND trading_account_id = $2`, id, tradingAccountID)
	return scanGTT(row)
}

// List returns every GTT for a trading account, newest first.
func (r *Repository) List(ctx context.Context, tradingAccountID string) ([]GTTOrder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+gttColumns+` FROM gtt_orders WHERE trading_account_id = $1 ORDER BY created_at DESC`, tradingAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GTTOrder
	for rows.Next() {
		g, err := scanGTT(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListActiveFor returns every active GTT for a (trading_account_id, symbol,
// exchange) — the candidate set a tick sync evaluates against the latest
// traded price.
func (r *Repository) ListActiveFor(ctx context.Context, tradingAccountID, symbol, exchange string) ([]GTTOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+gttColumns+` FROM gtt_orders
		WHERE trading_account_id = $1 AND symbol = $2 AND exchange = $3 AND status = $4`,
		tradingAccountID, symbol, exchange, StatusActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GTTOrder
	for rows.Next() {
		g, err := scanGTT(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Modify replaces an active GTT's trigger prices, follow-on orders, meta,
// and expiry. Only active GTTs are modifiable (spec.md §3).
func (r *Repository) Modify(ctx context.Context, tradingAccountID string, id int64, triggerPrices []decimal.Decimal, orders []FollowOnOrder, meta map[string]string, expiresAt *time.Time) (GTTOrder, error) {
	candidate := GTTOrder{GTTType: TypeSingle, TriggerPrices: triggerPrices, Orders: orders}
	if len(triggerPrices) == 2 {
		candidate.GTTType = TypeTwoLeg
	}
	if err := candidate.Validate(); err != nil {
		return GTTOrder{}, err
	}

	triggersJSON, err := encodeTriggers(triggerPrices)
	if err != nil {
		return GTTOrder{}, err
	}
	ordersJSON, err := encodeOrders(orders)
	if err != nil {
		return GTTOrder{}, err
	}
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return GTTOrder{}, err
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE gtt_orders SET gtt_type = $1, trigger_prices = $2, orders = $3, meta = $4, expires_at = $5, updated_at = now()
		WHERE id = $6 AND trading_account_id = $7 AND status = $8
		RETURNING `+gttColumns,
		candidate.GTTType, triggersJSON, ordersJSON, metaJSON, expiresAt, id, tradingAccountID, StatusActive,
	)
	g, err := scanGTT(row)
	if err == sql.ErrNoRows {
		return GTTOrder{}, svcerrors.Conflict("gtt is not active and cannot be modified")
	}
	return g, err
}

// MarkTriggered flips an active GTT to triggered — called once its
// follow-on orders have been placed.
func (r *Repository) MarkTriggered(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE gtt_orders SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		StatusTriggered, id, StatusActive,
	)
	return err
}

// CheckTrigger reports whether ltp crosses the GTT's condition. The
// direction of the crossing is implied by each leg's own follow-on order: a
// BUY leg fires when price rises to or through its trigger (a breakout
// entry or a stoploss-cover on a short), a SELL leg fires when price falls
// to or through its trigger (a target exit or a stoploss on a long). A
// two-leg GTT fires as soon as either leg's condition is met.
func (g GTTOrder) CheckTrigger(ltp decimal.Decimal) bool {
	if g.Status != StatusActive {
		return false
	}
	for i, trigger := range g.TriggerPrices {
		if i >= len(g.Orders) {
			break
		}
		leg := g.Orders[i]
		switch leg.TransactionType {
		case "BUY":
			if ltp.GreaterThanOrEqual(trigger) {
				return true
			}
		case "SELL":
			if ltp.LessThanOrEqual(trigger) {
				return true
			}
		}
	}
	return false
}
