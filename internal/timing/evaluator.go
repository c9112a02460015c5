package timing

import (
	"context"
	"strings"
	"sync"
	"time"

	logx "jobmaster/pkg/logx"
)

// PluginRequest is handed to a scheduler plugin for one candidate minute.
type PluginRequest struct {
	PluginID string
	EventID  string
	Params   map[string]any
	At       time.Time // already in the rule's timezone
}

// PluginDecider delegates a match decision to a scheduler plugin.
type PluginDecider interface {
	Decide(ctx context.Context, req PluginRequest) (bool, error)
}

// Decision is the result of evaluating one event at one minute.
type Decision struct {
	Fire  bool
	Delay int64 // seconds to wait before launching
	Kind  Kind  // rule kind that produced the match

	// Consume lists indices of single rules that matched; Commit disables them.
	Consume []int

	// Reason is set when a gate suppressed the minute ("blackout", "range").
	Reason string
}

// Commit consumes the single rules that produced d.
func (d Decision) Commit(rules []Rule) {
	for _, i := range d.Consume {
		if i >= 0 && i < len(rules) && rules[i].Type == KindSingle {
			rules[i].Enabled = false
		}
	}
}

type Evaluator struct {
	loc     *time.Location
	plugins PluginDecider
	log     logx.Logger

	locs sync.Map // tz name -> *time.Location
}

type Option func(*Evaluator)

func WithPlugins(p PluginDecider) Option { return func(e *Evaluator) { e.plugins = p } }

func WithLogger(log logx.Logger) Option { return func(e *Evaluator) { e.log = log } }

// NewEvaluator builds an evaluator whose default timezone is loc (UTC when nil).
func NewEvaluator(loc *time.Location, opts ...Option) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	e := &Evaluator{loc: loc, log: logx.Nop()}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

func (e *Evaluator) Location() *time.Location { return e.loc }

// WithoutPlugins returns an evaluator sharing the timezone but treating plugin rules as non-matching.
func (e *Evaluator) WithoutPlugins() *Evaluator {
	return &Evaluator{loc: e.loc, log: e.log}
}

// ShouldFire decides whether an event with the given rules launches at the minute containing at.
//
// Order: blackout gate, range gate, continuous, schedule/plugin rules (OR across rules),
// single rules, delay.
func (e *Evaluator) ShouldFire(ctx context.Context, eventID string, rules []Rule, at time.Time) Decision {
	sec := MinuteFloor(at)
	inst := time.Unix(sec, 0)

	for _, r := range rules {
		if r.Enabled && r.Type == KindBlackout && sec >= r.Start && sec <= r.End {
			return Decision{Reason: "blackout"}
		}
	}
	for _, r := range rules {
		if !r.Enabled || r.Type != KindRange {
			continue
		}
		if (r.Start > 0 && sec < r.Start) || (r.End > 0 && sec > r.End) {
			return Decision{Reason: "range"}
		}
	}

	var d Decision
	if Has(rules, KindContinuous) {
		d.Fire = true
		d.Kind = KindContinuous
	}

	for _, r := range rules {
		if d.Fire {
			break
		}
		if !r.Enabled {
			continue
		}
		switch r.Type {
		case KindSchedule, KindCrontab:
			if r.matchCalendar(Breakdown(inst, e.zone(r.Timezone))) {
				d.Fire = true
				d.Kind = KindSchedule
			}
		case KindPlugin:
			if e.decidePlugin(ctx, eventID, r, inst) {
				d.Fire = true
				d.Kind = KindPlugin
			}
		}
	}

	for i, r := range rules {
		if r.Enabled && r.Type == KindSingle && MinuteFloor(time.Unix(r.Epoch, 0)) == sec {
			d.Consume = append(d.Consume, i)
			if !d.Fire {
				d.Fire = true
				d.Kind = KindSingle
			}
		}
	}

	if !d.Fire {
		return d
	}
	for _, r := range rules {
		if r.Enabled && r.Type == KindDelay && r.Duration > d.Delay {
			d.Delay = r.Duration
		}
	}
	return d
}

func (e *Evaluator) decidePlugin(ctx context.Context, eventID string, r Rule, inst time.Time) bool {
	if e.plugins == nil {
		return false
	}
	ok, err := e.plugins.Decide(ctx, PluginRequest{
		PluginID: r.PluginID,
		EventID:  eventID,
		Params:   r.Params,
		At:       inst.In(e.zone(r.Timezone)),
	})
	if err != nil {
		e.log.Warn("scheduler plugin failed; treating as no match",
			logx.String("event", eventID),
			logx.String("plugin", r.PluginID),
			logx.Epoch("minute", inst.Unix()),
			logx.Err(err),
		)
		return false
	}
	return ok
}

// zone resolves a rule timezone, falling back to the evaluator default.
// Names are validated by Normalize, so a lookup failure here is unexpected.
func (e *Evaluator) zone(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return e.loc
	}
	if v, ok := e.locs.Load(name); ok {
		return v.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		e.log.Warn("unknown timezone; using default", logx.String("tz", name), logx.Err(err))
		return e.loc
	}
	e.locs.Store(name, loc)
	return loc
}
