package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
)

// InMemorySnapshotStore implements SnapshotStore using an in-memory map.
// Expired entries are dropped when they are next touched.
type InMemorySnapshotStore struct {
	snapshots map[string]entry
	ttl       time.Duration
	now       func() time.Time
	mu        sync.RWMutex
}

type entry struct {
	snapshot  *domain.RunSnapshot
	expiresAt time.Time
}

// NewInMemorySnapshotStore creates a new in-memory snapshot store. A ttl of
// zero keeps snapshots forever.
func NewInMemorySnapshotStore(ttl time.Duration) *InMemorySnapshotStore {
	return &InMemorySnapshotStore{
		snapshots: make(map[string]entry),
		ttl:       ttl,
		now:       time.Now,
	}
}

// SaveSnapshot stores a copy of snapshot and refreshes its TTL
func (s *InMemorySnapshotStore) SaveSnapshot(ctx context.Context, snapshot *domain.RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{snapshot: snapshot.Clone()}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.snapshots[snapshot.RunID] = e
	return nil
}

// GetSnapshot returns a copy of the snapshot for runID
func (s *InMemorySnapshotStore) GetSnapshot(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.snapshots[runID]
	if !ok {
		return nil, ports.ErrSnapshotNotFound
	}
	if s.expired(e) {
		delete(s.snapshots, runID)
		return nil, ports.ErrSnapshotNotFound
	}
	return e.snapshot.Clone(), nil
}

// DeleteSnapshot removes the snapshot for runID
func (s *InMemorySnapshotStore) DeleteSnapshot(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, runID)
	return nil
}

// ListRunIDs returns the ids of every live snapshot, sorted
func (s *InMemorySnapshotStore) ListRunIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runIDs := make([]string, 0, len(s.snapshots))
	for id, e := range s.snapshots {
		if s.expired(e) {
			delete(s.snapshots, id)
			continue
		}
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)

	return runIDs, nil
}

func (s *InMemorySnapshotStore) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
