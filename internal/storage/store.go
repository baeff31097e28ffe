package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"polyglot-exec/internal/config"
	"polyglot-exec/internal/execution"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("execution not found")

// MaxOutputBytes bounds the stored stdout and stderr of a record.
const MaxOutputBytes = 64 << 10

// Store persists execution records. Updates to the same id are serialized by
// the implementation; callers never rely on multi-call atomicity.
type Store interface {
	// Create inserts a record and returns its generated id.
	Create(ctx context.Context, rec execution.NewRecord) (string, error)
	Get(ctx context.Context, id string) (execution.Record, error)
	// ListRecent returns records most recent first. limit <= 0 returns all.
	ListRecent(ctx context.Context, limit int) ([]execution.Record, error)
	// Update writes an outcome and returns the updated record. ExecutedAt is
	// stamped only for terminal statuses.
	Update(ctx context.Context, id string, out execution.Outcome) (execution.Record, error)
	Healthy(ctx context.Context) error
	Close() error
}

// Open connects the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg)
	case "sqlite":
		return NewSQLite(ctx, cfg.DSN)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func validateNew(rec execution.NewRecord) (execution.Status, error) {
	if rec.UserID == "" || rec.Language == "" || rec.Code == "" {
		return "", errors.New("user id, language and code are required")
	}
	status := rec.Status
	if status == "" {
		status = execution.StatusRunning
	}
	if status != execution.StatusRunning && status != execution.StatusQueued {
		return "", fmt.Errorf("records start queued or running, not %q", status)
	}
	return status, nil
}

// ErrDuplicateID is returned by Create when a preset id is already taken.
var ErrDuplicateID = errors.New("execution id already exists")

func recordID(rec execution.NewRecord) string {
	if rec.ID != "" {
		return rec.ID
	}
	return uuid.New().String()
}

func validateOutcome(out execution.Outcome) error {
	if !out.Status.Valid() {
		return fmt.Errorf("invalid status %q", out.Status)
	}
	if out.DurationMs < 0 {
		return fmt.Errorf("negative duration %d", out.DurationMs)
	}
	return nil
}

// executedAt returns the stamp for an outcome: now for terminal statuses,
// nil to keep the previous value otherwise.
func executedAt(out execution.Outcome, now time.Time) *time.Time {
	if !out.Status.IsTerminal() {
		return nil
	}
	return &now
}

// truncateOutput cuts s to MaxOutputBytes on a rune boundary and drops NUL
// bytes, which Postgres TEXT rejects.
func truncateOutput(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= MaxOutputBytes {
		return strings.ToValidUTF8(s, "�")
	}
	cut := MaxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.ToValidUTF8(s[:cut], "�")
}
