package storage

import (
	"context"
	"time"

	"famlink/internal/core"
)

// Storage defines the interface for data persistence
type Storage interface {
	// Grant records
	SaveGrantRecord(ctx context.Context, record *core.GrantRecord) error
	GetGrantRecord(ctx context.Context, grantID string) (*core.GrantRecord, error)
	ListGrantRecords(ctx context.Context, childUserID string) ([]*core.GrantRecord, error)
	ListGrantRecordsByState(ctx context.Context, state core.LifecycleState) ([]*core.GrantRecord, error)
	DeleteGrantRecord(ctx context.Context, grantID string) error
	PruneTerminal(ctx context.Context, before time.Time) (int, error)

	// Lifecycle
	Close() error
}
