package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process ledger for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	history map[string][]Status
	writes  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		history: make(map[string][]Status),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	rec.ID = "rec" + uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.ID] = *rec
	m.history[rec.ID] = []Status{rec.Status}
	m.writes++
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return &rec, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, rec.ID)
	}
	rec.CreatedAt = prev.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	m.records[rec.ID] = *rec
	if prev.Status != rec.Status {
		m.history[rec.ID] = append(m.history[rec.ID], rec.Status)
	}
	m.writes++
	return nil
}

// History returns the statuses a record has passed through.
func (m *MemoryStore) History(id string) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history[id])
}

// Records returns a snapshot of every row.
func (m *MemoryStore) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Writes counts Create and Update calls.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
