package jobs

import (
	"context"
	"time"

	"jobmaster/internal/catalog"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateError     State = "error"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateError
}

// Launch sources.
const (
	SourceScheduler  = "scheduler"
	SourceManual     = "manual"
	SourceRetry      = "retry"
	SourceContinuous = "continuous"
)

// Resources is the latest usage reported by the worker.
type Resources struct {
	CPU     float64 `json:"cpu"`      // percent
	Mem     int64   `json:"mem"`      // bytes
	LogSize int64   `json:"log_size"` // bytes
}

// Job is one run of an event. Values handed out by the manager are copies.
type Job struct {
	ID       string         `json:"id"`
	Event    string         `json:"event"`
	Title    string         `json:"title,omitempty"`
	Category string         `json:"category"`
	Targets  []string       `json:"targets"`
	Algo     string         `json:"algo,omitempty"`
	Server   string         `json:"server,omitempty"`
	State    State          `json:"state"`
	Source   string         `json:"source"`
	Params   map[string]any `json:"params,omitempty"`

	Queued    int64 `json:"queued,omitempty"`
	Started   int64 `json:"started,omitempty"`
	Completed int64 `json:"completed,omitempty"`
	RetryAt   int64 `json:"retry_at,omitempty"`

	Progress    float64   `json:"progress"`
	Resources   Resources `json:"resources"`
	Retries     int       `json:"retries"`
	Code        int       `json:"code"`
	Description string    `json:"description,omitempty"`

	// Aborting is set between an abort request and its acknowledgement.
	Aborting    bool   `json:"aborting,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`
	Continuous  bool   `json:"continuous,omitempty"`

	Limits  catalog.Limits   `json:"-"`
	Actions []catalog.Action `json:"-"`

	manualAbort bool
	revision    int64
	cpuSince    int64
	memSince    int64
}

// Elapsed returns the wall-clock run time at now, or the final run time.
func (j Job) Elapsed(now time.Time) time.Duration {
	if j.Started == 0 {
		return 0
	}
	end := now.Unix()
	if j.Completed > 0 {
		end = j.Completed
	}
	return time.Duration(end-j.Started) * time.Second
}

// Override adjusts a launch. Params are merged over the event params.
type Override struct {
	Params  map[string]any
	Targets []string
	Algo    string
	Source  string

	// Exclusive refuses the launch with ErrEventBusy while the event has a queued or running job.
	Exclusive bool
}

// Update is a partial progress report from a worker; nil fields are left untouched.
type Update struct {
	Progress    *float64
	CPU         *float64
	Mem         *int64
	LogSize     *int64
	Description string
}

// Result is the final report of a worker. Code 0 means success.
type Result struct {
	Code        int
	Description string
}

// Filter selects jobs in ListActiveJobs. Empty fields match everything.
type Filter struct {
	Event    string
	Category string
	State    State
	Server   string
}

type Page struct {
	Offset int
	Limit  int // 0 means no limit
}

// Supervisor runs jobs out of process. Launch must not block on the job itself.
type Supervisor interface {
	Launch(ctx context.Context, job Job) error
	SignalAbort(jobID string) error
}

// TargetChooser resolves a job's target list into one server id.
type TargetChooser interface {
	Choose(eventID string, targets []string, algo string) (string, error)
}

type ChooserFunc func(eventID string, targets []string, algo string) (string, error)

func (f ChooserFunc) Choose(eventID string, targets []string, algo string) (string, error) {
	return f(eventID, targets, algo)
}

// Notifier delivers the job's actions for a lifecycle trigger.
type Notifier interface {
	Notify(trigger string, job Job)
}

// Archiver receives every job that reaches a terminal state.
type Archiver interface {
	ArchiveJob(ctx context.Context, job Job) error
}

// Deps are the manager's collaborators. Only Supervisor and Targets are required.
type Deps struct {
	Supervisor Supervisor
	Targets    TargetChooser
	Notifier   Notifier
	Archiver   Archiver

	// Relaunch is called after a continuous job exits for any reason but a manual abort.
	Relaunch func(eventID string)
}

type Config struct {
	AbortGrace     time.Duration // default 30s
	WatchInterval  time.Duration // default 1s
	ArchiveTimeout time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.AbortGrace <= 0 {
		c.AbortGrace = 30 * time.Second
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = time.Second
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 5 * time.Second
	}
	return c
}

// Snapshot is a point-in-time summary for status output.
type Snapshot struct {
	Running int            `json:"running"`
	Queued  int            `json:"queued"`
	ByCat   map[string]int `json:"by_category"`
	Halted  int            `json:"halted"`
	Dropped uint64         `json:"dropped"`
	Retried uint64         `json:"retried"`
}
