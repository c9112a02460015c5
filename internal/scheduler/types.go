package scheduler

import (
	"context"
	"sync"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/eventbus"
	"jobmaster/internal/jobs"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"

	rtsup "jobmaster/internal/runtime/supervisor"
)

const DefaultPluginBudget = 10 * time.Second

// Config controls the tick loop.
type Config struct {
	Enabled      bool
	Timezone     string // IANA TZ for rules without their own; default UTC
	CatchupLimit int    // max minutes backfilled per event per tick; default 10000
	SaveTimeout  time.Duration

	// PluginBudget caps the time one tick spends on an event with plugin rules.
	// Minutes left over stay behind the cursor for the next tick.
	PluginBudget time.Duration
}

// Launcher is the part of the job manager the tick needs.
//
// Continuous launches are requested with Override.Exclusive; the launcher answers
// jobs.ErrEventBusy or jobs.ErrEventHalted when the event must not start.
type Launcher interface {
	RequestLaunch(ctx context.Context, ev catalog.Event, cat *catalog.Category, ov jobs.Override) (jobs.Job, error)
}

// StateStore persists per-event cursors and last-run bookkeeping.
type StateStore interface {
	LoadStates(ctx context.Context) (map[string]timing.State, error)
	SaveState(ctx context.Context, eventID string, st timing.State) error
	DeleteState(ctx context.Context, eventID string) error
}

// TickReport summarizes one pass.
type TickReport struct {
	At        time.Time `json:"at"`
	Events    int       `json:"events"`
	Minutes   int       `json:"minutes"`
	Fired     int       `json:"fired"`
	Launched  int       `json:"launched"`
	Delayed   int       `json:"delayed"`
	Skipped   int       `json:"skipped"` // continuous events already running or halted
	Truncated int       `json:"truncated"`
	Deferred  int       `json:"deferred"` // events whose window ran past the plugin budget
	Took      time.Duration
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus

	plugins  timing.PluginDecider
	eval     *timing.Evaluator
	events   *catalog.Store
	launcher Launcher
	store    StateStore

	sup *rtsup.Supervisor

	// tickMu serializes passes; Tick may also be called directly.
	tickMu sync.Mutex
	last   TickReport

	// stMu guards states. saveMu orders writes so the store never sees an older state last.
	stMu   sync.Mutex
	saveMu sync.Mutex
	states map[string]timing.State
	loaded bool

	tmu     sync.Mutex
	delayed map[string]*time.Timer

	// Launch error throttling: key is event id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Snapshot struct {
	Enabled  bool       `json:"enabled"`
	Running  bool       `json:"running"`
	Timezone string     `json:"timezone"`
	Delayed  int        `json:"delayed"`
	LastTick TickReport `json:"last_tick"`
}
