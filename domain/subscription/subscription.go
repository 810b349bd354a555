// Package subscription manages which instruments the market-data service
// streams ticks for on this service's behalf: Subscribe/Unsubscribe are
// refcounted across accounts so closing one account's position does not
// drop a tick feed still needed by another (spec.md §3 — PositionSubscription,
// §4.9 — Subscription Manager).
package subscription

import (
	"context"
	"database/sql"
	"strings"
)

// Source is what drove the subscription intent.
type Source string

const (
	SourcePosition Source = "position"
	SourceHolding  Source = "holding"
)

// nonSubscribableSegments lists exchange segments the market-data service
// does not stream ticks for (spec.md §3).
var nonSubscribableSegments = map[string]bool{
	"BONDS": true, "DEBT": true, "SGB": true, "GSEC": true, "SDL": true,
}

// IsSubscribable reports whether instrument segment seg carries live ticks.
func IsSubscribable(segment string) bool {
	return !nonSubscribableSegments[strings.ToUpper(segment)]
}

// MarketDataClient is the outbound call to the market-data service that
// actually (un)subscribes a token on the wire.
type MarketDataClient interface {
	Subscribe(ctx context.Context, instrumentToken int64) error
	Unsubscribe(ctx context.Context, instrumentToken int64) error
	RefreshGlobalSubscriptions(ctx context.Context, tokens []int64) error
}

// Manager owns the (instrument_token, trading_account_id, source) ->
// is_active row set and fans intent changes out to the market-data service.
type Manager struct {
	db     *sql.DB
	client MarketDataClient
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, client MarketDataClient) *Manager {
	return &Manager{db: db, client: client}
}

// Subscribe marks (token, account, source) active. If this is the first
// active subscriber for the token across all accounts, it also asks the
// market-data service to start streaming it.
func (m *Manager) Subscribe(ctx context.Context, instrumentToken int64, accountID string, segment string, source Source) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO position_subscriptions (instrument_token, trading_account_id, source, is_active, is_subscribable)
		VALUES ($1, $2, $3, true, $4)
		ON CONFLICT (instrument_token, trading_account_id, source)
		DO UPDATE SET is_active = true`,
		instrumentToken, accountID, source, IsSubscribable(segment),
	)
	if err != nil {
		return err
	}
	if !IsSubscribable(segment) {
		return nil
	}

	refcount, err := m.activeRefcount(ctx, instrumentToken)
	if err != nil {
		return err
	}
	if refcount == 1 && m.client != nil {
		return m.client.Subscribe(ctx, instrumentToken)
	}
	return nil
}

// Unsubscribe marks (token, account, source) inactive. Only when the
// token's refcount across all accounts drops to zero is the market-data
// service told to stop streaming it.
func (m *Manager) Unsubscribe(ctx context.Context, instrumentToken int64, accountID string, source Source) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE position_subscriptions SET is_active = false
		WHERE instrument_token = $1 AND trading_account_id = $2 AND source = $3`,
		instrumentToken, accountID, source,
	)
	if err != nil {
		return err
	}

	refcount, err := m.activeRefcount(ctx, instrumentToken)
	if err != nil {
		return err
	}
	if refcount == 0 && m.client != nil {
		return m.client.Unsubscribe(ctx, instrumentToken)
	}
	return nil
}

func (m *Manager) activeRefcount(ctx context.Context, instrumentToken int64) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `
		SELECT count(*) FROM position_subscriptions
		WHERE instrument_token = $1 AND is_active = true AND is_subscribable = true`,
		instrumentToken,
	).Scan(&count)
	return count, err
}

// SyncForAccount reconciles one account's subscription rows against its
// current open positions and non-zero holdings' instrument tokens —
// subscribing to new ones, unsubscribing stale ones.
func (m *Manager) SyncForAccount(ctx context.Context, accountID string, wantTokens map[int64]struct {
	Segment string
	Source  Source
}) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT instrument_token, source FROM position_subscriptions
		WHERE trading_account_id = $1 AND is_active = true`, accountID)
	if err != nil {
		return err
	}
	have := make(map[int64]Source)
	for rows.Next() {
		var token int64
		var src Source
		if err := rows.Scan(&token, &src); err != nil {
			rows.Close()
			return err
		}
		have[token] = src
	}
	rows.Close()

	for token, want := range wantTokens {
		if _, ok := have[token]; !ok {
			if err := m.Subscribe(ctx, token, accountID, want.Segment, want.Source); err != nil {
				return err
			}
		}
		delete(have, token)
	}
	for token, src := range have {
		if err := m.Unsubscribe(ctx, token, accountID, src); err != nil {
			return err
		}
	}
	return nil
}

// RecoverOnStartup rebuilds the process's subscription intent from (open
// positions ∪ non-zero holdings) across all accounts and asks the
// market-data service to refresh its global subscription list — the
// recovery path for a process restart (spec.md §4.5).
func (m *Manager) RecoverOnStartup(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT DISTINCT instrument_token FROM position_subscriptions
		WHERE is_active = true AND is_subscribable = true`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var tokens []int64
	for rows.Next() {
		var token int64
		if err := rows.Scan(&token); err != nil {
			return err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if m.client == nil {
		return nil
	}
	return m.client.RefreshGlobalSubscriptions(ctx, tokens)
}
