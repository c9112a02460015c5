package storage

import (
	"context"
	"errors"
	"time"

	"jobmaster/internal/jobs"
	"jobmaster/internal/timing"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Path is used by file and sqlite, DSN by postgres and redis.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	KeyPrefix        string        // redis only, default "jobmaster:"
	ArchiveMax       int           // redis list cap per event, default 1000
	ArchiveRetention time.Duration // sql drivers; 0 keeps everything
}

// Store is the persistence API used by the scheduler and the job manager.
type Store interface {
	LoadStates(ctx context.Context) (map[string]timing.State, error)
	SaveState(ctx context.Context, eventID string, st timing.State) error
	DeleteState(ctx context.Context, eventID string) error

	ArchiveJob(ctx context.Context, j jobs.Job) error
	// RecentJobs returns up to n archived jobs, newest first. An empty eventID means all events.
	RecentJobs(ctx context.Context, eventID string, n int) ([]jobs.Job, error)

	Close() error
}
