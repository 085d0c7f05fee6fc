package handlers

import (
	"context"

	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/internal/storage"
)

// SiteCatalog lists configured boards.
type SiteCatalog interface {
	List() []*site.Config
	Get(code string) (*site.Config, error)
}

// RecordReader reads persisted records back from the output directory.
type RecordReader interface {
	Records(site string) ([]storage.Record, error)
}

// RunHistory reads the run log.
type RunHistory interface {
	RecentRuns(ctx context.Context, site string, limit int) ([]storage.RunRow, error)
	LastRun(ctx context.Context, site string) (*storage.RunRow, error)
	Failures(ctx context.Context, runID string) ([]storage.FailureRow, error)
}

// LockInspector reports which run holds a site's lock.
type LockInspector interface {
	Holder(ctx context.Context, site string) (string, error)
}

// HealthChecker defines an interface for components that can report health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// Health implements HealthChecker.
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }
