package loop

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresEventLog persists loop histories in Postgres. Appends run in a
// transaction that reads the loop's chain head and inserts the next entry;
// the (loop_id, sequence_number) primary key makes concurrent appenders
// serialize instead of forking the chain.
type PostgresEventLog struct {
	db *sql.DB
}

// NewPostgresEventLog wraps an opened database handle and runs migrations.
func NewPostgresEventLog(db *sql.DB) (*PostgresEventLog, error) {
	l := &PostgresEventLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenPostgresEventLog connects with a lib/pq DSN.
func OpenPostgresEventLog(dsn string) (*PostgresEventLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("loop: open postgres: %w", err)
	}
	return NewPostgresEventLog(db)
}

func (l *PostgresEventLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS loop_events (
		loop_id TEXT NOT NULL,
		sequence_number BIGINT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL,
		payload_hash TEXT NOT NULL,
		payload JSONB,
		actor_id TEXT,
		chain_hash TEXT NOT NULL,
		PRIMARY KEY (loop_id, sequence_number)
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *PostgresEventLog) Append(ctx context.Context, event *EventEnvelope) (uint64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("loop: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	var prevHash string
	err = tx.QueryRowContext(ctx, `
		SELECT sequence_number, chain_hash FROM loop_events
		WHERE loop_id = $1 ORDER BY sequence_number DESC LIMIT 1
		FOR UPDATE`, event.LoopID).Scan(&seq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("loop: read chain head: %w", err)
	}

	event.SequenceNumber = seq + 1
	event.CommittedAt = time.Now().UTC()
	chain, err := chainHash(prevHash, event)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("loop: marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO loop_events
			(loop_id, sequence_number, event_id, event_type, committed_at, payload_hash, payload, actor_id, chain_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.LoopID, event.SequenceNumber, event.EventID, event.EventType,
		event.CommittedAt, event.PayloadHash, payload, event.ActorID, chain)
	if err != nil {
		return 0, fmt.Errorf("loop: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("loop: commit append: %w", err)
	}
	return event.SequenceNumber, nil
}

func (l *PostgresEventLog) Range(ctx context.Context, loopID string, start, end uint64) ([]*EventEnvelope, error) {
	if start == 0 || start > end {
		return nil, fmt.Errorf("loop: invalid event range [%d, %d]", start, end)
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT loop_id, sequence_number, event_id, event_type, committed_at, payload_hash, payload, actor_id
		FROM loop_events
		WHERE loop_id = $1 AND sequence_number BETWEEN $2 AND $3
		ORDER BY sequence_number`, loopID, start, end)
	if err != nil {
		return nil, fmt.Errorf("loop: range events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EventEnvelope
	for rows.Next() {
		var ev EventEnvelope
		var payload []byte
		var actorID sql.NullString
		if err := rows.Scan(&ev.LoopID, &ev.SequenceNumber, &ev.EventID, &ev.EventType,
			&ev.CommittedAt, &ev.PayloadHash, &payload, &actorID); err != nil {
			return nil, fmt.Errorf("loop: scan event: %w", err)
		}
		if len(payload) > 0 {
			// UseNumber keeps numeric payload fields re-hashable to the
			// exact bytes that were committed.
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.UseNumber()
			if err := dec.Decode(&ev.Payload); err != nil {
				return nil, fmt.Errorf("loop: decode event payload: %w", err)
			}
		}
		ev.ActorID = actorID.String
		out = append(out, &ev)
	}
	if out == nil {
		out = []*EventEnvelope{}
	}
	return out, rows.Err()
}

func (l *PostgresEventLog) LastSequence(ctx context.Context, loopID string) (uint64, error) {
	var seq uint64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) FROM loop_events WHERE loop_id = $1`,
		loopID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("loop: last sequence: %w", err)
	}
	return seq, nil
}

func (l *PostgresEventLog) Hash(ctx context.Context, loopID string) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx, `
		SELECT chain_hash FROM loop_events
		WHERE loop_id = $1 ORDER BY sequence_number DESC LIMIT 1`, loopID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loop: read chain hash: %w", err)
	}
	return hash, nil
}

// Close closes the underlying database handle.
func (l *PostgresEventLog) Close() error { return l.db.Close() }
