package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"polyglot-exec/internal/execution"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*execution.Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*execution.Record),
		now:     time.Now,
	}
}

func (m *Memory) Create(_ context.Context, rec execution.NewRecord) (string, error) {
	status, err := validateNew(rec)
	if err != nil {
		return "", err
	}

	r := &execution.Record{
		ID:        recordID(rec),
		SnippetID: rec.SnippetID,
		UserID:    rec.UserID,
		Language:  rec.Language,
		Code:      rec.Code,
		Status:    status,
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[r.ID]; exists {
		return "", ErrDuplicateID
	}
	m.records[r.ID] = r
	return r.ID, nil
}

func (m *Memory) Get(_ context.Context, id string) (execution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return execution.Record{}, ErrNotFound
	}
	return *r, nil
}

func (m *Memory) ListRecent(_ context.Context, limit int) ([]execution.Record, error) {
	m.mu.RLock()
	out := make([]execution.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := sortTime(out[i]), sortTime(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortTime mirrors COALESCE(executed_at, created_at) in the SQL stores.
func sortTime(r execution.Record) time.Time {
	if r.ExecutedAt != nil {
		return *r.ExecutedAt
	}
	return r.CreatedAt
}

func (m *Memory) Update(_ context.Context, id string, out execution.Outcome) (execution.Record, error) {
	if err := validateOutcome(out); err != nil {
		return execution.Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return execution.Record{}, ErrNotFound
	}
	r.Status = out.Status
	r.Stdout = truncateOutput(out.Stdout)
	r.Stderr = truncateOutput(out.Stderr)
	r.DurationMs = out.DurationMs
	if ts := executedAt(out, m.now().UTC()); ts != nil {
		r.ExecutedAt = ts
	}
	return *r, nil
}

func (m *Memory) Healthy(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
