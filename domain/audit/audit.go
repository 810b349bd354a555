// Package audit writes the append-only order_state_history trail: one row
// per state transition, never updated or deleted (spec.md §3, §8).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

// Entry is one row of order_state_history.
type Entry struct {
	ID             int64
	OrderID        int64
	FromStatus     string
	ToStatus       string
	Reason         string
	ChangedBy      string
	System         string
	BrokerResponse string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// Writer appends Entry rows within the caller's transaction, so a state
// transition and its audit row commit or roll back atomically — grounded on
// the teacher's BeginTx/defer-Rollback/explicit-Commit idiom
// (applications/jam/store_pg.go), except the transaction itself is always
// supplied by the caller here since the audit write is never its own unit
// of work. It also holds a direct *sql.DB reference for the read side
// (ListByOrder), which has no transactional caller to piggyback on.
type Writer struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewWriter constructs a Writer. db may be nil in tests that only exercise
// Append against a mocked Querier and never call ListByOrder.
func NewWriter(db *sql.DB, logger *logging.Logger) *Writer {
	return &Writer{db: db, logger: logger}
}

// Querier is satisfied by both *sql.DB and *sql.Tx, so Append can be used
// either inside an existing transaction or, for background jobs that own no
// wider transaction, directly against the pool.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Append inserts one order_state_history row and mirrors it to the
// structured log stream for operational visibility.
func (w *Writer) Append(ctx context.Context, q Querier, e Entry) error {
	var metadataJSON []byte
	if len(e.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO order_state_history (order_id, from_status, to_status, reason, changed_by, system, broker_response, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		e.OrderID, e.FromStatus, e.ToStatus, e.Reason, e.ChangedBy, e.System, e.BrokerResponse, nullableJSON(metadataJSON),
	)
	if err != nil {
		return err
	}
	if w.logger != nil {
		w.logger.LogOrderTransition(ctx, strconv.FormatInt(e.OrderID, 10), e.FromStatus, e.ToStatus, e.Reason)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ListByOrder returns an order's full state-transition history, oldest
// first, for GET /orders/{id}/history (spec.md §6).
func (w *Writer) ListByOrder(ctx context.Context, orderID int64) ([]Entry, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, reason, changed_by, system, broker_response, metadata, created_at
		FROM order_state_history
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var metadataJSON []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.Reason, &e.ChangedBy, &e.System, &e.BrokerResponse, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
