package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("delivery: record not found")
	// ErrNotAttemptable means the record is terminal or out of attempts, so
	// the claim was refused.
	ErrNotAttemptable = errors.New("delivery: record not attemptable")
)

// Enqueue carries the fields for registering a delivery obligation.
type Enqueue struct {
	EventKey     string
	TargetURL    string
	Payload      []byte
	ResourceType string
	ResourceID   string
}

// RecordStore is the durable surface for delivery records. Postgres
// implementation below; tests substitute an in-memory fake.
type RecordStore interface {
	// Upsert registers the obligation for an event key. Replays of an event
	// whose record is still pending refresh the payload but keep the attempt
	// count; replays of a terminal record start a fresh attempt chain.
	Upsert(ctx context.Context, e Enqueue) (*Record, error)

	Get(ctx context.Context, eventKey string) (*Record, error)
	ByStatus(ctx context.Context, status string, limit int) ([]Record, error)

	// BeginAttempt claims one attempt: it increments the attempt counter,
	// stamps last_attempt_at, and persists nextAttemptAt before any network
	// I/O happens, so a crash mid-attempt still leaves a scheduled retry.
	// Terminal or exhausted records return ErrNotAttemptable.
	BeginAttempt(ctx context.Context, recordID string, maxAttempts int, nextAttemptAt time.Time) (*Record, error)

	// MarkAcknowledged finalizes a delivery after a 200 response.
	MarkAcknowledged(ctx context.Context, recordID string) error

	// RecordFailure stores the error for a non-final failed attempt. The
	// record stays pending; next_attempt_at was already set by BeginAttempt.
	RecordFailure(ctx context.Context, recordID, lastError string) error

	// MarkFailed finalizes a record whose attempt budget is spent.
	MarkFailed(ctx context.Context, recordID, lastError string) error

	// Due returns pending records whose next attempt time is at or before
	// the cutoff. The sweep uses a cutoff in the past so records with a live
	// queue timer are not double-sent.
	Due(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)

	// Replay resets a terminal record to a fresh pending chain.
	Replay(ctx context.Context, eventKey string) (*Record, error)

	CountPending(ctx context.Context) (int64, error)
}

// PgRecordStore is the Postgres-backed record store.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

const recordColumns = `
	id, event_key, target_url, payload, resource_type, resource_id, status,
	attempts, COALESCE(last_error, ''), last_attempt_at, next_attempt_at,
	acknowledged_at, failed_at, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.EventKey, &r.TargetURL, &r.Payload, &r.ResourceType, &r.ResourceID,
		&r.Status, &r.Attempts, &r.LastError, &r.LastAttemptAt, &r.NextAttemptAt,
		&r.AcknowledgedAt, &r.FailedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Upsert is a single statement so concurrent replays of the same event key
// converge on one row. A live pending chain keeps its attempt count and its
// scheduled next attempt; a finished chain restarts fresh.
func (s *PgRecordStore) Upsert(ctx context.Context, e Enqueue) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO walletbridge.webhook_events(
			event_key, target_url, payload, resource_type, resource_id, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, 'pending', 0, now())
		ON CONFLICT (event_key) DO UPDATE
		SET target_url = EXCLUDED.target_url,
		    payload = EXCLUDED.payload,
		    resource_type = EXCLUDED.resource_type,
		    resource_id = EXCLUDED.resource_id,
		    status = 'pending',
		    attempts = CASE WHEN walletbridge.webhook_events.status = 'pending'
		                    THEN walletbridge.webhook_events.attempts ELSE 0 END,
		    last_error = CASE WHEN walletbridge.webhook_events.status = 'pending'
		                      THEN walletbridge.webhook_events.last_error ELSE NULL END,
		    next_attempt_at = CASE WHEN walletbridge.webhook_events.status = 'pending'
		                           THEN walletbridge.webhook_events.next_attempt_at ELSE now() END,
		    acknowledged_at = NULL,
		    failed_at = NULL,
		    updated_at = now()
		RETURNING `+recordColumns,
		e.EventKey, e.TargetURL, string(e.Payload), e.ResourceType, e.ResourceID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("upsert delivery record: %w", err)
	}
	return rec, nil
}

func (s *PgRecordStore) Get(ctx context.Context, eventKey string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM walletbridge.webhook_events WHERE event_key = $1`, eventKey)
	return scanRecord(row)
}

func (s *PgRecordStore) ByStatus(ctx context.Context, status string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM walletbridge.webhook_events
		 WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PgRecordStore) BeginAttempt(ctx context.Context, recordID string, maxAttempts int, nextAttemptAt time.Time) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE walletbridge.webhook_events
		SET attempts = attempts + 1,
		    last_attempt_at = now(),
		    next_attempt_at = $3,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending' AND attempts < $2
		RETURNING `+recordColumns,
		recordID, maxAttempts, nextAttemptAt)
	rec, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotAttemptable
	}
	return rec, err
}

func (s *PgRecordStore) MarkAcknowledged(ctx context.Context, recordID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE walletbridge.webhook_events
		SET status = 'acknowledged', acknowledged_at = now(), last_error = NULL,
		    next_attempt_at = NULL, updated_at = now()
		WHERE id = $1`, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgRecordStore) RecordFailure(ctx context.Context, recordID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE walletbridge.webhook_events
		SET last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, recordID, lastError)
	return err
}

func (s *PgRecordStore) MarkFailed(ctx context.Context, recordID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE walletbridge.webhook_events
		SET status = 'failed', failed_at = now(), last_error = $2,
		    next_attempt_at = NULL, updated_at = now()
		WHERE id = $1`, recordID, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgRecordStore) Due(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM walletbridge.webhook_events
		 WHERE status = 'pending' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		 ORDER BY next_attempt_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PgRecordStore) Replay(ctx context.Context, eventKey string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE walletbridge.webhook_events
		SET status = 'pending', attempts = 0, last_error = NULL,
		    next_attempt_at = now(), acknowledged_at = NULL, failed_at = NULL,
		    updated_at = now()
		WHERE event_key = $1
		RETURNING `+recordColumns, eventKey)
	return scanRecord(row)
}

func (s *PgRecordStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM walletbridge.webhook_events WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
