// Package sqlite implements the conversation record log on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/convpipe/internal/types"
)

var _ types.EventLog = (*Store)(nil)

// maxAppendAttempts bounds retries of the conditional insert when another
// writer claimed the same (conversation_id, sequence) or idempotency key.
const maxAppendAttempts = 5

const selectRecord = `SELECT conversation_id, sequence, id, role, payload, idem_key, created_at FROM records`

// Store is a SQLite-backed append-only record log. All records live in one
// table keyed by (conversation_id, sequence).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers inside this process; the primary key
	// catches writers in other processes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the clock used to assign sequences.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Append inserts rec with the next sequence for its conversation.
func (s *Store) Append(ctx context.Context, rec *types.Record) error {
	if rec.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", types.ErrValidation)
	}
	var err error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		err = s.appendOnce(ctx, rec)
		if err == nil || !isConflict(err) {
			return err
		}
	}
	return fmt.Errorf("%w: append conflict after %d attempts: %w", types.ErrStorageUnavailable, maxAppendAttempts, err)
}

func (s *Store) appendOnce(ctx context.Context, rec *types.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(ctx, "begin append", err)
	}
	defer tx.Rollback()

	if rec.Key != "" {
		existing, err := scanRecord(tx.QueryRowContext(ctx,
			selectRecord+" WHERE conversation_id = ? AND idem_key = ?", rec.ConversationID, rec.Key))
		if err == nil {
			*rec = *existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return storageErr(ctx, "lookup idempotency key", err)
		}
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM records WHERE conversation_id = ?", rec.ConversationID,
	).Scan(&last); err != nil {
		return storageErr(ctx, "read max sequence", err)
	}

	next := *rec
	now := s.now()
	next.ID = types.NewRecordID()
	next.At = now
	next.Sequence = types.NextSequence(last, now)

	var key sql.NullString
	if next.Key != "" {
		key = sql.NullString{String: next.Key, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO records (conversation_id, sequence, id, role, payload, idem_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		next.ConversationID, next.Sequence, string(next.ID), string(next.Role), next.Payload, key, now.UnixNano(),
	); err != nil {
		if isConflict(err) {
			return err
		}
		return storageErr(ctx, "insert record", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr(ctx, "commit record", err)
	}
	*rec = next
	return nil
}

// ReadOrdered returns every record of the conversation in ascending sequence.
func (s *Store) ReadOrdered(ctx context.Context, id types.ConversationID) ([]*types.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+" WHERE conversation_id = ? ORDER BY sequence ASC", id)
	if err != nil {
		return nil, storageErr(ctx, "query records", err)
	}
	defer rows.Close()

	records := []*types.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(ctx, "iterate records", err)
	}
	return records, nil
}

// ReadLatest returns the highest-sequence record, or nil.
func (s *Store) ReadLatest(ctx context.Context, id types.ConversationID) (*types.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		selectRecord+" WHERE conversation_id = ? ORDER BY sequence DESC LIMIT 1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(ctx, "query latest record", err)
	}
	return rec, nil
}

// Conversations lists every conversation id that has at least one record.
func (s *Store) Conversations(ctx context.Context) ([]types.ConversationID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT conversation_id FROM records ORDER BY conversation_id")
	if err != nil {
		return nil, storageErr(ctx, "list conversations", err)
	}
	defer rows.Close()

	var ids []types.ConversationID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, types.ConversationID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(ctx, "iterate conversations", err)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*types.Record, error) {
	var (
		rec       types.Record
		convID    string
		id        string
		role      string
		key       sql.NullString
		createdAt int64
	)
	if err := row.Scan(&convID, &rec.Sequence, &id, &role, &rec.Payload, &key, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := types.ParseRole(role)
	if err != nil {
		return nil, err
	}
	rec.ConversationID = types.ConversationID(convID)
	rec.ID = types.RecordID(id)
	rec.Role = parsed
	rec.Key = key.String
	rec.At = time.Unix(0, createdAt)
	return &rec, nil
}

// isConflict reports a primary key or unique index violation.
func isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// storageErr classifies a database failure. Context errors pass through so the
// caller can tell cancellation from an unreachable store.
func storageErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: failed to %s: %w", types.ErrStorageUnavailable, op, err)
}
