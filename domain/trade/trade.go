// Package trade models a single execution fill and its repository
// (spec.md §3 — Trade).
package trade

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one execution fill reported by the broker.
type Trade struct {
	ID               int64
	OrderID          int64
	BrokerOrderID    string
	BrokerTradeID    string
	UserID           string
	TradingAccountID string
	StrategyID       *int64
	ExecutionID      *string
	PortfolioID      *int64

	Symbol          string
	Exchange        string
	TransactionType string
	ProductType     string

	Quantity   int64
	Price      decimal.Decimal
	TradeValue decimal.Decimal

	TradeTime time.Time
	Source    string
	CreatedAt time.Time
}

// Valid enforces the invariants from spec.md §3: quantity > 0, price > 0,
// trade_value = quantity * price.
func (t Trade) Valid() bool {
	if t.Quantity <= 0 || t.Price.LessThanOrEqual(decimal.Zero) {
		return false
	}
	expected := t.Price.Mul(decimal.NewFromInt(t.Quantity))
	return t.TradeValue.Equal(expected)
}

// Repository persists trades. broker_trade_id is globally unique — a
// duplicate insert (the broker redelivering the same fill event) is
// expected and must be absorbed without error.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert records a trade. If broker_trade_id already exists, the insert
// changes nothing (ON CONFLICT DO UPDATE sets broker_trade_id to its own
// value, so that RETURNING still yields a row) and the existing row's ID
// is returned.
func (r *Repository) Insert(ctx context.Context, t Trade) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO trades (
			order_id, broker_order_id, broker_trade_id, user_id, trading_account_id,
			strategy_id, execution_id, portfolio_id, symbol, exchange,
			transaction_type, product_type, quantity, price, trade_value, trade_time, source, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17, now())
		ON CONFLICT (broker_trade_id) DO UPDATE SET broker_trade_id = EXCLUDED.broker_trade_id
		RETURNING id`,
		t.OrderID, t.BrokerOrderID, t.BrokerTradeID, t.UserID, t.TradingAccountID,
		t.StrategyID, t.ExecutionID, t.PortfolioID, t.Symbol, t.Exchange,
		t.TransactionType, t.ProductType, t.Quantity, t.Price, t.TradeValue, t.TradeTime, t.Source,
	).Scan(&id)
	return id, err
}

// ListByOrder returns every trade recorded against an order, oldest first.
func (r *Repository) ListByOrder(ctx context.Context, orderID int64) ([]Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, broker_order_id, broker_trade_id, user_id, trading_account_id,
		       symbol, exchange, transaction_type, product_type, quantity, price, trade_value,
		       trade_time, source, created_at
		FROM trades WHERE order_id = $1 ORDER BY trade_time ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.BrokerOrderID, &t.BrokerTradeID, &t.UserID, &t.TradingAccountID,
			&t.Symbol, &t.Exchange, &t.TransactionType, &t.ProductType, &t.Quantity, &t.Price, &t.TradeValue,
			&t.TradeTime, &t.Source, &t.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
