package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "planmode:snapshot:"
	scanCount = 100
)

// SnapshotStore implements SnapshotStore using Redis
type SnapshotStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewSnapshotStore creates a new Redis snapshot store
func NewSnapshotStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveSnapshot saves a run snapshot to Redis
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot *domain.RunSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// a zero ttl keeps the key forever
	if err := s.client.Set(ctx, getSnapshotKey(snapshot.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.logger.Debug("snapshot saved",
		zap.String("run_id", snapshot.RunID),
		zap.String("state", string(snapshot.State)))

	return nil
}

// GetSnapshot retrieves a run snapshot from Redis
func (s *SnapshotStore) GetSnapshot(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	data, err := s.client.Get(ctx, getSnapshotKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ports.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

// DeleteSnapshot deletes a run snapshot from Redis
func (s *SnapshotStore) DeleteSnapshot(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, getSnapshotKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	s.logger.Debug("snapshot deleted",
		zap.String("run_id", runID))

	return nil
}

// ListRunIDs returns the ids of every stored snapshot, sorted
func (s *SnapshotStore) ListRunIDs(ctx context.Context) ([]string, error) {
	var runIDs []string

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		if id, ok := runIDFromKey(iter.Val()); ok {
			runIDs = append(runIDs, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snapshot keys: %w", err)
	}

	sort.Strings(runIDs)
	return runIDs, nil
}

func decodeSnapshot(data []byte) (*domain.RunSnapshot, error) {
	var snapshot domain.RunSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if snapshot.Tasks == nil {
		snapshot.Tasks = make(map[string]domain.TaskStatus)
	}
	return &snapshot, nil
}

func getSnapshotKey(runID string) string {
	return keyPrefix + runID
}

func runIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, keyPrefix)
	return id, ok && id != ""
}
