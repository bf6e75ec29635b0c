package runs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/receipty/receipty/internal/pipeline"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("batch run not found")

// Status is the lifecycle of a triggered batch run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted" // fetch failure, cancellation or timeout
)

// Run is one triggered batch. Summary is partial while the run is going and
// after an abort.
type Run struct {
	ID         string           `json:"id"`
	Status     Status           `json:"status"`
	Summary    pipeline.Summary `json:"summary"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Store keeps run history.
type Store interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context) ([]*Run, error)
	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Run)}
}

func (m *MemoryStore) Save(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Run, error) {
	m.mu.RLock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		r := r
		out = append(out, &r)
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortNewestFirst(rs []*Run) {
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].StartedAt.After(rs[j].StartedAt)
	})
}
