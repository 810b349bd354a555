// Package position tracks aggregate exposure per (account, symbol,
// exchange, product, trading_day): weighted-average fill accounting,
// realized/unrealized P&L, and charge computation (spec.md §3, §4.4).
package position

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/domain/audit"
	"github.com/tradeops/order-execution-service/domain/subscription"
	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
)

// TransactionSide mirrors order.TransactionType without importing the order
// package, keeping position charge computation free of an order dependency.
type TransactionSide string

const (
	Buy  TransactionSide = "BUY"
	Sell TransactionSide = "SELL"
)

// ProductType mirrors order.ProductType; duplicated to avoid a dependency
// cycle (order imports position for PositionID linkage in a future
// iteration, so position must not import order).
type ProductType string

const (
	ProductCNC  ProductType = "CNC"
	ProductMIS  ProductType = "MIS"
	ProductNRML ProductType = "NRML"
)

// Position is one (account, symbol, exchange, product, trading_day) row.
type Position struct {
	ID               int64
	TradingAccountID string
	Symbol           string
	Exchange         string
	ProductType      ProductType
	TradingDay       time.Time
	InstrumentToken  int64
	StrategyID       *int64
	ExecutionID      *string

	NetQuantity int64
	IsOvernight bool

	BuyQuantity int64
	BuyValue    decimal.Decimal
	BuyPrice    decimal.Decimal

	SellQuantity int64
	SellValue    decimal.Decimal
	SellPrice    decimal.Decimal

	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TotalPnL      decimal.Decimal

	Charges ChargeBreakdown
	NetPnL  decimal.Decimal

	LastPrice  decimal.Decimal
	ClosePrice decimal.Decimal
	IsOpen     bool

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// segment classifies a position for charge purposes: CNC is treated as
// delivery, MIS as equity intraday, NRML as derivative (index/stock
// futures & options are always carried as NRML in this model).
func (p Position) segment() Segment {
	switch p.ProductType {
	case ProductCNC:
		return SegmentEquityDelivery
	case ProductNRML:
		return SegmentDerivative
	default:
		return SegmentEquityIntraday
	}
}

// Fill is one trade execution applied to a position.
type Fill struct {
	Side  TransactionSide
	Qty   int64
	Price decimal.Decimal
}

// ApplyFill folds one fill into the position's running sums following
// spec.md §4.4's weighted-average formulas, and recomputes realized P&L and
// charges. It mutates p in place.
func (p *Position) ApplyFill(fill Fill, policy ChargePolicy) {
	tradeValue := fill.Price.Mul(decimal.NewFromInt(fill.Qty))

	switch fill.Side {
	case Buy:
		newBuyValue := p.BuyValue.Add(tradeValue)
		newBuyQty := p.BuyQuantity + fill.Qty
		p.BuyValue = newBuyValue
		p.BuyQuantity = newBuyQty
		if newBuyQty > 0 {
			p.BuyPrice = newBuyValue.Div(decimal.NewFromInt(newBuyQty))
		}
		p.NetQuantity += fill.Qty
	case Sell:
		newSellValue := p.SellValue.Add(tradeValue)
		newSellQty := p.SellQuantity + fill.Qty
		p.SellValue = newSellValue
		p.SellQuantity = newSellQty
		if newSellQty > 0 {
			p.SellPrice = newSellValue.Div(decimal.NewFromInt(newSellQty))
		}
		p.NetQuantity -= fill.Qty
	}

	charge := policy.Compute(p.segment(), fill.Side, tradeValue)
	p.Charges = addCharges(p.Charges, charge)

	if p.BuyQuantity > 0 && p.SellQuantity > 0 {
		matched := p.BuyQuantity
		if p.SellQuantity < matched {
			matched = p.SellQuantity
		}
		p.RealizedPnL = p.SellPrice.Sub(p.BuyPrice).Mul(decimal.NewFromInt(matched))
	}

	p.IsOpen = p.NetQuantity != 0
	if !p.IsOpen {
		now := time.Now()
		p.ClosedAt = &now
	} else {
		p.ClosedAt = nil
	}

	p.IsOvernight = p.ProductType != ProductMIS
	p.recomputeTotals()
}

// ApplyTick recomputes unrealized/total/net P&L from a new last-traded
// price, without touching buy/sell sums, charges, or realized P&L — the
// column set Tick Fan-Out is allowed to write (spec.md §3 ownership rule).
func (p *Position) ApplyTick(lastPrice decimal.Decimal) {
	if !p.IsOpen {
		return
	}
	p.LastPrice = lastPrice
	p.recomputeTotals()
}

func (p *Position) recomputeTotals() {
	p.UnrealizedPnL = p.unrealized()
	p.TotalPnL = p.RealizedPnL.Add(p.UnrealizedPnL)
	p.NetPnL = p.TotalPnL.Sub(p.Charges.Total)
}

// unrealized values the open net quantity against last_price using the
// matching side's weighted-average entry as the reference, per spec.md
// §4.4.
func (p Position) unrealized() decimal.Decimal {
	if p.NetQuantity == 0 || p.LastPrice.IsZero() {
		return decimal.Zero
	}
	if p.NetQuantity > 0 {
		return p.LastPrice.Sub(p.BuyPrice).Mul(decimal.NewFromInt(p.NetQuantity))
	}
	qty := decimal.NewFromInt(-p.NetQuantity)
	return p.SellPrice.Sub(p.LastPrice).Mul(qty)
}

func addCharges(a, b ChargeBreakdown) ChargeBreakdown {
	return ChargeBreakdown{
		Brokerage: a.Brokerage.Add(b.Brokerage),
		STT:       a.STT.Add(b.STT),
		Exchange:  a.Exchange.Add(b.Exchange),
		GST:       a.GST.Add(b.GST),
		SEBI:      a.SEBI.Add(b.SEBI),
		StampDuty: a.StampDuty.Add(b.StampDuty),
		Total:     a.Total.Add(b.Total),
	}
}

// Tracker owns Position mutation: it is the only component permitted to
// change anything other than last_price/unrealized_pnl/total_pnl/net_pnl on
// an open row (spec.md §3 ownership rule — Tick Fan-Out writes those four
// columns itself, with one SQL UPDATE per instrument token in domain/tick,
// without loading rows or going through Tracker).
type Tracker struct {
	db     *sql.DB
	policy ChargePolicy
	audit  *audit.Writer
	subs   *subscription.Manager
}

// NewTracker constructs a Tracker. subs may be nil in tests that don't
// exercise the subscription side effect.
func NewTracker(db *sql.DB, policy ChargePolicy, auditWriter *audit.Writer, subs *subscription.Manager) *Tracker {
	return &Tracker{db: db, policy: policy, audit: auditWriter, subs: subs}
}

// UpsertFill loads (or creates) the position row for the fill's key, applies
// the fill under a row lock, and persists the result — all within one
// transaction, grounded on the teacher's BeginTx/defer-Rollback/Commit idiom.
// segment classifies the instrument for the subscription manager's
// subscribability check (spec.md §3); it is the exchange-segment the
// upstream fill reports, not the position's own charge Segment.
//
// A position transitioning closed->open or open->closed drives a
// Subscribe/Unsubscribe call against the shared Subscription Manager once
// the fill itself has committed, mirroring the pattern
// domain/accountevent.Handler already uses for account-deletion cascades.
func (t *Tracker) UpsertFill(ctx context.Context, accountID, symbol, exchange string, product ProductType, instrumentToken int64, tradingDay time.Time, segment string, fill Fill) (*Position, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	pos, err := t.lockOrCreate(ctx, tx, accountID, symbol, exchange, product, instrumentToken, tradingDay)
	if err != nil {
		return nil, err
	}
	wasOpen := pos.IsOpen

	pos.ApplyFill(fill, t.policy)

	if err := t.save(ctx, tx, pos); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if t.subs != nil {
		switch {
		case !wasOpen && pos.IsOpen:
			_ = t.subs.Subscribe(ctx, instrumentToken, accountID, segment, subscription.SourcePosition)
		case wasOpen && !pos.IsOpen:
			_ = t.subs.Unsubscribe(ctx, instrumentToken, accountID, subscription.SourcePosition)
		}
	}
	return pos, nil
}

func (t *Tracker) lockOrCreate(ctx context.Context, tx *sql.Tx, accountID, symbol, exchange string, product ProductType, instrumentToken int64, tradingDay time.Time) (*Position, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, net_quantity, is_overnight, buy_quantity, buy_value, buy_price,
		       sell_quantity, sell_value, sell_price, realized_pnl, unrealized_pnl,
		       total_pnl, brokerage, stt, exchange_charges, gst, sebi, stamp_duty,
		       net_pnl, last_price, close_price, is_open, created_at, updated_at
		FROM positions
		WHERE trading_account_id = $1 AND symbol = $2 AND exchange = $3
		  AND product_type = $4 AND trading_day = $5
		FOR UPDATE`,
		accountID, symbol, exchange, product, tradingDay)

	var p Position
	err := row.Scan(&p.ID, &p.NetQuantity, &p.IsOvernight, &p.BuyQuantity, &p.BuyValue, &p.BuyPrice,
		&p.SellQuantity, &p.SellValue, &p.SellPrice, &p.RealizedPnL, &p.UnrealizedPnL,
		&p.TotalPnL, &p.Charges.Brokerage, &p.Charges.STT, &p.Charges.Exchange, &p.Charges.GST,
		&p.Charges.SEBI, &p.Charges.StampDuty, &p.NetPnL, &p.LastPrice, &p.ClosePrice, &p.IsOpen,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		p = Position{
			TradingAccountID: accountID,
			Symbol:           symbol,
			Exchange:         exchange,
			ProductType:      product,
			InstrumentToken:  instrumentToken,
			TradingDay:       tradingDay,
			BuyValue:         decimal.Zero,
			BuyPrice:         decimal.Zero,
			SellValue:        decimal.Zero,
			SellPrice:        decimal.Zero,
			RealizedPnL:      decimal.Zero,
			UnrealizedPnL:    decimal.Zero,
			TotalPnL:         decimal.Zero,
			NetPnL:           decimal.Zero,
			LastPrice:        decimal.Zero,
			ClosePrice:       decimal.Zero,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO positions (trading_account_id, symbol, exchange, product_type, instrument_token, trading_day, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			RETURNING id`,
			accountID, symbol, exchange, product, instrumentToken, tradingDay).Scan(&p.ID)
		if err != nil {
			return nil, err
		}
		return &p, nil
	}
	if err != nil {
		return nil, err
	}
	p.TradingAccountID = accountID
	p.Symbol = symbol
	p.Exchange = exchange
	p.ProductType = product
	p.InstrumentToken = instrumentToken
	p.TradingDay = tradingDay
	return &p, nil
}

func (t *Tracker) save(ctx context.Context, tx *sql.Tx, p *Position) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE positions SET
			net_quantity = $1, is_overnight = $2,
			buy_quantity = $3, buy_value = $4, buy_price = $5,
			sell_quantity = $6, sell_value = $7, sell_price = $8,
			realized_pnl = $9, unrealized_pnl = $10, total_pnl = $11,
			brokerage = $12, stt = $13, exchange_charges = $14, gst = $15, sebi = $16, stamp_duty = $17,
			net_pnl = $18, last_price = $19, is_open = $20, closed_at = $21, updated_at = now()
		WHERE id = $22`,
		p.NetQuantity, p.IsOvernight,
		p.BuyQuantity, p.BuyValue, p.BuyPrice,
		p.SellQuantity, p.SellValue, p.SellPrice,
		p.RealizedPnL, p.UnrealizedPnL, p.TotalPnL,
		p.Charges.Brokerage, p.Charges.STT, p.Charges.Exchange, p.Charges.GST, p.Charges.SEBI, p.Charges.StampDuty,
		p.NetPnL, p.LastPrice, p.IsOpen, p.ClosedAt, p.ID,
	)
	return err
}

const positionColumns = `id, trading_account_id, symbol, exchange, product_type, trading_day, instrument_token,
	strategy_id, execution_id, net_quantity, is_overnight,
	buy_quantity, buy_value, buy_price, sell_quantity, sell_value, sell_price,
	realized_pnl, unrealized_pnl, total_pnl,
	brokerage, stt, exchange_charges, gst, sebi, stamp_duty,
	net_pnl, last_price, close_price, is_open, created_at, updated_at, closed_at`

func scanPosition(row interface{ Scan(...interface{}) error }) (Position, error) {
	var p Position
	var strategyID sql.NullString
	err := row.Scan(&p.ID, &p.TradingAccountID, &p.Symbol, &p.Exchange, &p.ProductType, &p.TradingDay, &p.InstrumentToken,
		&strategyID, &p.ExecutionID, &p.NetQuantity, &p.IsOvernight,
		&p.BuyQuantity, &p.BuyValue, &p.BuyPrice, &p.SellQuantity, &p.SellValue, &p.SellPrice,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.TotalPnL,
		&p.Charges.Brokerage, &p.Charges.STT, &p.Charges.Exchange, &p.Charges.GST, &p.Charges.SEBI, &p.Charges.StampDuty,
		&p.NetPnL, &p.LastPrice, &p.ClosePrice, &p.IsOpen, &p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return Position{}, err
	}
	if strategyID.Valid {
		if id, err := strconv.ParseInt(strategyID.String, 10, 64); err == nil {
			p.StrategyID = &id
		}
	}
	return p, nil
}

// Get fetches one position, scoped to a trading account for access control.
func (t *Tracker) Get(ctx context.Context, accountID string, id int64) (Position, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1 AND trading_account_id = $2`, id, accountID)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, svcerrors.NotFound("position", strconv.FormatInt(id, 10))
	}
	return p, err
}

// Filter narrows List to a symbol and/or open/closed state.
type Filter struct {
	Symbol string
	Open   *bool
}

// List returns an account's positions, most recently updated first.
func (t *Tracker) List(ctx context.Context, accountID string, f Filter) ([]Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE trading_account_id = $1`
	args := []interface{}{accountID}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += ` AND symbol = $` + strconv.Itoa(len(args))
	}
	if f.Open != nil {
		args = append(args, *f.Open)
		query += ` AND is_open = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Summary aggregates an account's open positions for the positions/summary
// endpoint (spec.md §6): book P&L at a glance without listing every row.
type Summary struct {
	OpenPositions int64
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TotalPnL      decimal.Decimal
	TotalCharges  decimal.Decimal
	NetPnL        decimal.Decimal
}

// Summary aggregates every open position for an account.
func (t *Tracker) Summary(ctx context.Context, accountID string) (Summary, error) {
	var s Summary
	row := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(realized_pnl), 0), COALESCE(SUM(unrealized_pnl), 0), COALESCE(SUM(total_pnl), 0),
			COALESCE(SUM(brokerage+stt+exchange_charges+gst+sebi+stamp_duty), 0),
			COALESCE(SUM(net_pnl), 0)
		FROM positions WHERE trading_account_id = $1 AND is_open = true`,
		accountID,
	)
	if err := row.Scan(&s.OpenPositions, &s.RealizedPnL, &s.UnrealizedPnL, &s.TotalPnL, &s.TotalCharges, &s.NetPnL); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// Close squares off an open position: it books a synthetic closing fill for
// the full remaining net quantity at the position's last traded price, the
// same accounting path a broker fill takes (UpsertFill), so a manual close
// leaves realized P&L, charges, and the closed/open transition consistent
// with one driven by the market.
func (t *Tracker) Close(ctx context.Context, accountID string, id int64) (Position, error) {
	pos, err := t.Get(ctx, accountID, id)
	if err != nil {
		return Position{}, err
	}
	if !pos.IsOpen {
		return Position{}, svcerrors.Conflict("position is already closed")
	}
	if pos.LastPrice.IsZero() {
		return Position{}, svcerrors.Conflict("position has no last traded price to close against")
	}

	side := Sell
	qty := pos.NetQuantity
	if qty < 0 {
		side = Buy
		qty = -qty
	}

	updated, err := t.UpsertFill(ctx, accountID, pos.Symbol, pos.Exchange, pos.ProductType, pos.InstrumentToken, pos.TradingDay, pos.Exchange,
		Fill{Side: side, Qty: qty, Price: pos.LastPrice})
	if err != nil {
		return Position{}, err
	}
	return *updated, nil
}

// Move reassigns quantity from one position to a different strategy,
// recording the transfer in position_transfers (spec.md §6 —
// POST /positions/{id}/move). A partial move (quantity less than the
// position's net quantity) only logs the transfer; a full move also
// updates the position's own strategy_id, since there is no remaining
// balance left under the old strategy.
func (t *Tracker) Move(ctx context.Context, accountID string, id int64, toStrategyID int64, quantity int64) (Position, error) {
	if quantity <= 0 {
		return Position{}, svcerrors.InvalidField("quantity", "must be positive")
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return Position{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1 AND trading_account_id = $2 FOR UPDATE`, id, accountID)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, svcerrors.NotFound("position", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return Position{}, err
	}

	absQty := pos.NetQuantity
	if absQty < 0 {
		absQty = -absQty
	}
	if quantity > absQty {
		return Position{}, svcerrors.InvalidField("quantity", "exceeds the position's net quantity")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO position_transfers (from_position_id, to_strategy_id, quantity, created_at)
		VALUES ($1, $2, $3, now())`,
		pos.ID, strconv.FormatInt(toStrategyID, 10), quantity,
	); err != nil {
		return Position{}, err
	}

	if quantity == absQty {
		if _, err := tx.ExecContext(ctx, `UPDATE positions SET strategy_id = $1, updated_at = now() WHERE id = $2`,
			strconv.FormatInt(toStrategyID, 10), pos.ID); err != nil {
			return Position{}, err
		}
		pos.StrategyID = &toStrategyID
	}

	if err := tx.Commit(); err != nil {
		return Position{}, err
	}
	return pos, nil
}
