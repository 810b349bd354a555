// Package tick fans out market-data ticks into position updates: per
// instrument-token batching, coalesced to one UPDATE per flush interval
// instead of one per tick (spec.md §4.5 — Tick Fan-Out).
package tick

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

// Tick is one market-data price update.
type Tick struct {
	InstrumentToken int64
	LastPrice       decimal.Decimal
	ReceivedAt      time.Time
}

// Config tunes the flush cadence.
type Config struct {
	BatchInterval time.Duration // default 500ms
	BatchSize     int           // default 100
}

// DefaultConfig returns spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{BatchInterval: 500 * time.Millisecond, BatchSize: 100}
}

// FanOut coalesces incoming ticks per instrument token and periodically
// flushes the latest price per token to the positions table in one UPDATE
// per token.
type FanOut struct {
	db     *sql.DB
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	pending map[int64]Tick

	stop chan struct{}
	done chan struct{}
}

// NewFanOut constructs a FanOut.
func NewFanOut(db *sql.DB, cfg Config, logger *logging.Logger) *FanOut {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &FanOut{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]Tick),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Ingest records the latest tick for its instrument token, coalescing with
// any not-yet-flushed tick for the same token. When the pending batch
// reaches BatchSize it flushes immediately rather than waiting for the
// ticker.
func (f *FanOut) Ingest(ctx context.Context, t Tick) {
	f.mu.Lock()
	f.pending[t.InstrumentToken] = t
	full := len(f.pending) >= f.cfg.BatchSize
	f.mu.Unlock()

	if full {
		f.flush(ctx)
	}
}

// Run drives the periodic flusher until Stop is called. It honors a
// cooperative stop: the in-flight flush finishes before Run returns
// (spec.md §5 cancellation policy).
func (f *FanOut) Run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flush(ctx)
		case <-f.stop:
			f.flush(ctx)
			return
		case <-ctx.Done():
			f.flush(context.Background())
			return
		}
	}
}

// Stop signals Run to finish its current work and exit.
func (f *FanOut) Stop() {
	close(f.stop)
	<-f.done
}

func (f *FanOut) flush(ctx context.Context) {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return
	}
	batch := f.pending
	f.pending = make(map[int64]Tick)
	f.mu.Unlock()

	for token, t := range batch {
		if err := f.updateToken(ctx, token, t.LastPrice); err != nil && f.logger != nil {
			f.logger.Error(ctx, "tick flush failed", err, map[string]interface{}{"instrument_token": token})
		}
	}
}

// updateToken recomputes unrealized_pnl/total_pnl/net_pnl for every open
// position on token in one statement, writing only the columns Tick
// Fan-Out owns (spec.md §3 ownership rule).
func (f *FanOut) updateToken(ctx context.Context, token int64, lastPrice decimal.Decimal) error {
	_, err := f.db.ExecContext(ctx, `
		UPDATE positions SET
			last_price = $1,
			unrealized_pnl = CASE
				WHEN net_quantity > 0 THEN ($1 - buy_price) * net_quantity
				WHEN net_quantity < 0 THEN (sell_price - $1) * (-net_quantity)
				ELSE 0
			END,
			total_pnl = realized_pnl + CASE
				WHEN net_quantity > 0 THEN ($1 - buy_price) * net_quantity
				WHEN net_quantity < 0 THEN (sell_price - $1) * (-net_quantity)
				ELSE 0
			END,
			net_pnl = realized_pnl + CASE
				WHEN net_quantity > 0 THEN ($1 - buy_price) * net_quantity
				WHEN net_quantity < 0 THEN (sell_price - $1) * (-net_quantity)
				ELSE 0
			END - (brokerage + stt + exchange_charges + gst + sebi + stamp_duty),
			updated_at = now()
		WHERE instrument_token = $2 AND is_open = true`,
		lastPrice, token,
	)
	return err
}
