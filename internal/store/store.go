package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/openlift/openlift/internal/api"
)

// Store persists completed comparison runs keyed by run_id. The engine
// itself never touches storage; the serving layer saves finished
// results here and serves reloads and tagging.
type Store interface {
	// Save stores a result with TTL. First write wins for a run_id.
	Save(ctx context.Context, result *api.ComparisonResult, ttl time.Duration) error

	// Load retrieves a result by run_id. Returns nil if not found.
	Load(ctx context.Context, runID string) (*api.ComparisonResult, error)

	// List returns up to limit run ids, newest first.
	List(ctx context.Context, limit int) ([]string, error)

	// Tag appends a label to a stored run.
	Tag(ctx context.Context, runID, tag string) error

	// Close releases resources
	Close() error
}

// MemoryStore is an in-memory run store with optional file snapshot
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*entry
	snapshot string // optional file path for persistence
}

type entry struct {
	Result    *api.ComparisonResult
	ExpiresAt time.Time
}

// NewMemoryStore creates an in-memory run store
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		runs:     make(map[string]*entry),
		snapshot: snapshotPath,
	}

	if snapshotPath != "" {
		ms.loadSnapshot()
	}

	return ms
}

func (m *MemoryStore) Save(ctx context.Context, result *api.ComparisonResult, ttl time.Duration) error {
	if result.RunID == "" {
		return fmt.Errorf("result has no run_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// First write wins
	if e, exists := m.runs[result.RunID]; exists {
		if time.Now().Before(e.ExpiresAt) {
			return nil
		}
	}

	m.runs[result.RunID] = &entry{
		Result:    result,
		ExpiresAt: time.Now().Add(ttl),
	}

	if m.snapshot != "" {
		go m.saveSnapshot() // async to avoid blocking
	}

	return nil
}

func (m *MemoryStore) Load(ctx context.Context, runID string) (*api.ComparisonResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.ExpiresAt) {
		return nil, nil // expired
	}
	return e.Result, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type stamped struct {
		id string
		ts time.Time
	}
	now := time.Now()
	alive := make([]stamped, 0, len(m.runs))
	for id, e := range m.runs {
		if now.After(e.ExpiresAt) {
			continue
		}
		alive = append(alive, stamped{id: id, ts: e.Result.Timestamp})
	}
	sort.Slice(alive, func(a, b int) bool { return alive[a].ts.After(alive[b].ts) })

	if limit > 0 && len(alive) > limit {
		alive = alive[:limit]
	}
	ids := make([]string, len(alive))
	for i, s := range alive {
		ids[i] = s.id
	}
	return ids, nil
}

func (m *MemoryStore) Tag(ctx context.Context, runID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.runs[runID]
	if !ok || time.Now().After(e.ExpiresAt) {
		return fmt.Errorf("run %s not found", runID)
	}
	for _, t := range e.Result.Tags {
		if t == tag {
			return nil // idempotent
		}
	}
	e.Result.Tags = append(e.Result.Tags, tag)

	if m.snapshot != "" {
		go m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	// Only load non-expired entries
	now := time.Now()
	for k, v := range snapshot {
		if now.Before(v.ExpiresAt) {
			m.runs[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	data, err := json.Marshal(m.runs)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, m.snapshot)
}
