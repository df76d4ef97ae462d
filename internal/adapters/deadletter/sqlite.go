package deadletter

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/okian/scoreboard/internal/domain/model"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// SQLiteStore persists dead letters in a local SQLite file so they survive
// the outage that produced them.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect dead-letter db: %w", err)
	}

	// single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply dead-letter schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append writes one record. A missing ID or timestamp is filled in.
func (s *SQLiteStore) Append(ctx context.Context, rec model.DeadLetterRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	entries, err := json.Marshal(rec.Entries)
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, recorded_at, attempt_count, last_error, entry_count, entries)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RecordedAt.UTC().Format(time.RFC3339Nano), rec.AttemptCount, rec.LastError, len(rec.Entries), string(entries),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", rec.ID, err)
	}
	return nil
}

// List returns up to limit records, oldest first. limit <= 0 returns all.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]model.DeadLetterRecord, error) {
	q := `SELECT id, recorded_at, attempt_count, last_error, entries FROM dead_letters ORDER BY rowid`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetterRecord
	for rows.Next() {
		var (
			rec        model.DeadLetterRecord
			recordedAt string
			entries    string
		)
		if err := rows.Scan(&rec.ID, &recordedAt, &rec.AttemptCount, &rec.LastError, &entries); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(entries), &rec.Entries); err != nil {
			return nil, fmt.Errorf("decode entries of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
