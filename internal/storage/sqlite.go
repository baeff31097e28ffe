package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"polyglot-exec/internal/execution"
)

// Times are stored as Unix nanoseconds so ordering is exact.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	snippet_id  TEXT,
	user_id     TEXT NOT NULL,
	language    TEXT NOT NULL,
	code        TEXT NOT NULL,
	status      TEXT NOT NULL,
	stdout      TEXT NOT NULL DEFAULT '',
	stderr      TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	executed_at INTEGER,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_recent
	ON executions (COALESCE(executed_at, created_at) DESC, created_at DESC);
`

// SQLite stores execution records in a single-file database. One connection
// serializes all writes, which also keeps ":memory:" databases coherent.
type SQLite struct {
	conn *sql.DB
	now  func() time.Time
}

// NewSQLite opens the database at dsn (a path, "file:" URI, or ":memory:")
// and runs migrations.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("opened SQLite database")
	return &SQLite{conn: conn, now: time.Now}, nil
}

func (s *SQLite) Create(ctx context.Context, rec execution.NewRecord) (string, error) {
	status, err := validateNew(rec)
	if err != nil {
		return "", err
	}

	id := recordID(rec)
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO executions (id, snippet_id, user_id, language, code, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rec.SnippetID, rec.UserID, rec.Language, rec.Code, string(status), s.now().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", ErrDuplicateID
		}
		return "", fmt.Errorf("sqlite: inserting execution: %w", err)
	}
	return id, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (execution.Record, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Record{}, ErrNotFound
	}
	if err != nil {
		return execution.Record{}, fmt.Errorf("sqlite: querying execution %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLite) ListRecent(ctx context.Context, limit int) ([]execution.Record, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM executions
		 ORDER BY COALESCE(executed_at, created_at) DESC, created_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying executions: %w", err)
	}
	defer rows.Close()

	var results []execution.Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (s *SQLite) Update(ctx context.Context, id string, out execution.Outcome) (execution.Record, error) {
	if err := validateOutcome(out); err != nil {
		return execution.Record{}, err
	}

	var stamp *int64
	if ts := executedAt(out, s.now()); ts != nil {
		n := ts.UnixNano()
		stamp = &n
	}

	row := s.conn.QueryRowContext(ctx,
		`UPDATE executions
		 SET status = ?, stdout = ?, stderr = ?, duration_ms = ?,
		     executed_at = COALESCE(?, executed_at)
		 WHERE id = ?
		 RETURNING `+recordColumns,
		string(out.Status), truncateOutput(out.Stdout), truncateOutput(out.Stderr),
		out.DurationMs, stamp, id,
	)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Record{}, ErrNotFound
	}
	if err != nil {
		return execution.Record{}, fmt.Errorf("sqlite: updating execution %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLite) Healthy(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (execution.Record, error) {
	var (
		rec        execution.Record
		status     string
		executedNs sql.NullInt64
		createdNs  int64
	)
	err := row.Scan(
		&rec.ID, &rec.SnippetID, &rec.UserID, &rec.Language, &rec.Code,
		&status, &rec.Stdout, &rec.Stderr, &rec.DurationMs,
		&executedNs, &createdNs,
	)
	if err != nil {
		return execution.Record{}, err
	}
	if rec.Status, err = execution.ParseStatus(status); err != nil {
		return execution.Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	if executedNs.Valid {
		t := time.Unix(0, executedNs.Int64).UTC()
		rec.ExecutedAt = &t
	}
	return rec, nil
}
