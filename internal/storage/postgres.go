package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/config"
	"polyglot-exec/internal/execution"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	snippet_id  TEXT,
	user_id     TEXT NOT NULL,
	language    TEXT NOT NULL,
	code        TEXT NOT NULL,
	status      TEXT NOT NULL,
	stdout      TEXT NOT NULL DEFAULT '',
	stderr      TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	executed_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_executions_recent
	ON executions ((COALESCE(executed_at, created_at)) DESC, created_at DESC);
`

const recordColumns = `id, snippet_id, user_id, language, code, status, stdout, stderr, duration_ms, executed_at, created_at`

// Postgres stores execution records in PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates the connection pool and applies the schema.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- validated config value
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = int32(cfg.MinConns) // #nosec G115 -- validated config value
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Create(ctx context.Context, rec execution.NewRecord) (string, error) {
	status, err := validateNew(rec)
	if err != nil {
		return "", err
	}

	id := recordID(rec)
	_, err = p.pool.Exec(ctx,
		`INSERT INTO executions (id, snippet_id, user_id, language, code, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, rec.SnippetID, rec.UserID, rec.Language, rec.Code, string(status), time.Now().UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrDuplicateID
		}
		return "", fmt.Errorf("inserting execution: %w", err)
	}
	return id, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (execution.Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM executions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return execution.Record{}, ErrNotFound
	}
	if err != nil {
		return execution.Record{}, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return rec, nil
}

func (p *Postgres) ListRecent(ctx context.Context, limit int) ([]execution.Record, error) {
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM executions
		 ORDER BY COALESCE(executed_at, created_at) DESC, created_at DESC
		 LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []execution.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// Update is a single-statement row update, so concurrent updates to one id
// are serialized by the row lock.
func (p *Postgres) Update(ctx context.Context, id string, out execution.Outcome) (execution.Record, error) {
	if err := validateOutcome(out); err != nil {
		return execution.Record{}, err
	}

	row := p.pool.QueryRow(ctx,
		`UPDATE executions
		 SET status = $2, stdout = $3, stderr = $4, duration_ms = $5,
		     executed_at = COALESCE($6, executed_at)
		 WHERE id = $1
		 RETURNING `+recordColumns,
		id, string(out.Status), truncateOutput(out.Stdout), truncateOutput(out.Stderr),
		out.DurationMs, executedAt(out, time.Now().UTC()),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return execution.Record{}, ErrNotFound
	}
	if err != nil {
		return execution.Record{}, fmt.Errorf("updating execution %s: %w", id, err)
	}
	return rec, nil
}

func (p *Postgres) Healthy(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (execution.Record, error) {
	var (
		rec    execution.Record
		status string
	)
	err := row.Scan(
		&rec.ID, &rec.SnippetID, &rec.UserID, &rec.Language, &rec.Code,
		&status, &rec.Stdout, &rec.Stderr, &rec.DurationMs,
		&rec.ExecutedAt, &rec.CreatedAt,
	)
	if err != nil {
		return execution.Record{}, err
	}
	if rec.Status, err = execution.ParseStatus(status); err != nil {
		return execution.Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return rec, nil
}
