// Package tier classifies accounts into an activity-based sync cadence
// (HOT/WARM/COLD/DORMANT) and runs one polling loop per tier so busy
// accounts get sub-minute polling while idle ones barely get polled at
// all (spec.md §4.7 — Tier Scheduler).
package tier

import (
	"context"
	"database/sql"
	"time"

	"github.com/tradeops/order-execution-service/infrastructure/logging"
	"github.com/tradeops/order-execution-service/infrastructure/metrics"
)

// Tier is an account's current sync cadence bucket.
type Tier string

const (
	TierHot     Tier = "HOT"
	TierWarm    Tier = "WARM"
	TierCold    Tier = "COLD"
	TierDormant Tier = "DORMANT"
)

// intervals maps each tier to its poll cadence. DORMANT has no loop.
var intervals = map[Tier]time.Duration{
	TierHot:  30 * time.Second,
	TierWarm: 120 * time.Second,
	TierCold: 900 * time.Second,
}

// batchSizes caps how many accounts one poll batch processes at a time,
// so a tier's own loop doesn't itself overrun the rate limiter.
var batchSizes = map[Tier]int{
	TierHot:  50,
	TierWarm: 100,
	TierCold: 200,
}

const interBatchPause = 100 * time.Millisecond

func numericTier(t Tier) float64 {
	switch t {
	case TierHot:
		return 3
	case TierWarm:
		return 2
	case TierCold:
		return 1
	default:
		return 0
	}
}

// AccountActivity is the snapshot of one account's recent state the
// classifier ladder runs against.
type AccountActivity struct {
	TradingAccountID string
	HasActiveOrders  bool
	HasOpenPositions bool
	LastActivityAt   time.Time
	HotPromotedUntil *time.Time
}

// Classify applies the priority ladder of spec.md §4.7 to decide an
// account's tier as of now.
func Classify(a AccountActivity, now time.Time) Tier {
	if a.HotPromotedUntil != nil && now.Before(*a.HotPromotedUntil) {
		return TierHot
	}
	if a.HasActiveOrders {
		return TierHot
	}
	if now.Sub(a.LastActivityAt) <= 5*time.Minute {
		return TierHot
	}
	if a.HasOpenPositions {
		return TierWarm
	}
	if now.Sub(a.LastActivityAt) <= 24*time.Hour {
		return TierWarm
	}
	if now.Sub(a.LastActivityAt) >= 7*24*time.Hour {
		return TierDormant
	}
	return TierCold
}

// PollFunc polls one batch of accounts in a given tier — the caller
// supplies the actual broker/position sync behavior.
type PollFunc func(ctx context.Context, accountIDs []string) error

// Scheduler owns the classifier pass and the per-tier polling loops.
type Scheduler struct {
	db     *sql.DB
	poll   PollFunc
	logger *logging.Logger

	classifyInterval time.Duration
}

// NewScheduler constructs a Scheduler. classifyInterval defaults to 1
// minute if zero.
func NewScheduler(db *sql.DB, poll PollFunc, logger *logging.Logger, classifyInterval time.Duration) *Scheduler {
	if classifyInterval <= 0 {
		classifyInterval = time.Minute
	}
	return &Scheduler{db: db, poll: poll, logger: logger, classifyInterval: classifyInterval}
}

// RunClassifier re-tiers every account and demotes expired HOT
// promotions until ctx is cancelled.
func (s *Scheduler) RunClassifier(ctx context.Context) {
	ticker := time.NewTicker(s.classifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.classifyPass(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) classifyPass(ctx context.Context) {
	accounts, err := s.loadActivity(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(ctx, "tier classification pass failed", err, nil)
		}
		return
	}

	now := time.Now()
	for _, a := range accounts {
		t := Classify(a, now)
		if err := s.writeTier(ctx, a.TradingAccountID, t); err != nil && s.logger != nil {
			s.logger.Error(ctx, "tier write failed", err, map[string]interface{}{"trading_account_id": a.TradingAccountID})
			continue
		}
		metrics.AccountTier.WithLabelValues(a.TradingAccountID).Set(numericTier(t))
	}
}

func (s *Scheduler) loadActivity(ctx context.Context) ([]AccountActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.trading_account_id,
			EXISTS (SELECT 1 FROM orders o WHERE o.trading_account_id = a.trading_account_id AND o.status IN ('PENDING','SUBMITTED','OPEN','TRIGGER_PENDING')) AS has_active_orders,
			EXISTS (SELECT 1 FROM positions p WHERE p.trading_account_id = a.trading_account_id AND p.is_open = true) AS has_open_positions,
			a.last_activity_at, a.hot_promoted_until
		FROM account_sync_tiers a`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountActivity
	for rows.Next() {
		var a AccountActivity
		if err := rows.Scan(&a.TradingAccountID, &a.HasActiveOrders, &a.HasOpenPositions, &a.LastActivityAt, &a.HotPromotedUntil); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Scheduler) writeTier(ctx context.Context, accountID string, t Tier) error {
	_, err := s.db.ExecContext(ctx, `UPDATE account_sync_tiers SET tier = $1, updated_at = now() WHERE trading_account_id = $2`, t, accountID)
	return err
}

// PromoteToHot temporarily forces an account into HOT until expiresAt,
// for cases like an imminent order placement or a user hard-refresh.
func (s *Scheduler) PromoteToHot(ctx context.Context, accountID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE account_sync_tiers SET tier = $1, hot_promoted_until = $2, updated_at = now()
		WHERE trading_account_id = $3`,
		TierHot, expiresAt, accountID,
	)
	return err
}

// RunTierLoop polls accounts currently in tier t at its cadence, in
// batches of batchSizes[t] with a short inter-batch pause, until ctx is
// cancelled. DORMANT has no loop (spec.md §4.7) and is refused.
func (s *Scheduler) RunTierLoop(ctx context.Context, t Tier) error {
	interval, ok := intervals[t]
	if !ok {
		return errTierHasNoLoop(t)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollTier(ctx, t)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) pollTier(ctx context.Context, t Tier) {
	accountIDs, err := s.accountsInTier(ctx, t)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(ctx, "tier account load failed", err, map[string]interface{}{"tier": string(t)})
		}
		return
	}

	batchSize := batchSizes[t]
	for i := 0; i < len(accountIDs); i += batchSize {
		end := i + batchSize
		if end > len(accountIDs) {
			end = len(accountIDs)
		}
		if err := s.poll(ctx, accountIDs[i:end]); err != nil && s.logger != nil {
			s.logger.Error(ctx, "tier poll batch failed", err, map[string]interface{}{"tier": string(t)})
		}
		if end < len(accountIDs) {
			select {
			case <-time.After(interBatchPause):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) accountsInTier(ctx context.Context, t Tier) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trading_account_id FROM account_sync_tiers WHERE tier = $1`, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type tierLoopError struct{ tier Tier }

func (e tierLoopError) Error() string { return "tier " + string(e.tier) + " has no polling loop" }

func errTierHasNoLoop(t Tier) error { return tierLoopError{tier: t} }
