package ports

import (
	"context"
	"errors"

	"github.com/nishichengju/planmode/internal/domain"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a run id
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore keeps short-lived run snapshots for status queries
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot *domain.RunSnapshot) error
	GetSnapshot(ctx context.Context, runID string) (*domain.RunSnapshot, error)
	DeleteSnapshot(ctx context.Context, runID string) error
	ListRunIDs(ctx context.Context) ([]string, error)
}
