// Package predict forecasts upcoming scheduled runs by stepping the timing
// evaluator over future minutes on throwaway copies of the rules.
package predict

import (
	"context"
	"sort"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/timing"
)

const (
	DefaultDuration = 24 * time.Hour
	DefaultBurn     = 100_000
	DefaultMax      = 100
)

type Options struct {
	Duration time.Duration // horizon
	Burn     int           // max evaluations per call
	Max      int           // max results
}

func (o Options) withDefaults() Options {
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	if o.Burn <= 0 {
		o.Burn = DefaultBurn
	}
	if o.Max <= 0 {
		o.Max = DefaultMax
	}
	return o
}

// Upcoming is one predicted launch. Epoch includes any delay.
type Upcoming struct {
	Event string      `json:"event"`
	Title string      `json:"title,omitempty"`
	Epoch int64       `json:"epoch"`
	Type  timing.Kind `json:"type"`
}

type Forecast struct {
	Items       []Upcoming `json:"items"`
	Evaluations int        `json:"evaluations"`
	Exhausted   bool       `json:"exhausted"` // burn budget ran out before the horizon
}

type Predictor struct {
	eval *timing.Evaluator
}

// New returns a predictor sharing eval's timezone. Plugin rules never match in a forecast.
func New(eval *timing.Evaluator) *Predictor {
	return &Predictor{eval: eval.WithoutPlugins()}
}

// Predict steps minute by minute from the minute after now. Continuous events are
// skipped since they have no discrete launch times. Inputs are never modified.
func (p *Predictor) Predict(ctx context.Context, events []catalog.Event, opts Options, now time.Time) Forecast {
	opts = opts.withDefaults()

	type candidate struct {
		ev    catalog.Event
		rules []timing.Rule
	}
	var cands []candidate
	for _, ev := range events {
		if !ev.Enabled || timing.Has(ev.Timing, timing.KindContinuous) || !schedulable(ev.Timing) {
			continue
		}
		cands = append(cands, candidate{ev: ev, rules: timing.CloneRules(ev.Timing)})
	}

	var f Forecast
	start := timing.MinuteFloor(now) + 60
	end := now.Add(opts.Duration).Unix()
outer:
	for m := start; m <= end; m += 60 {
		if ctx.Err() != nil {
			break
		}
		minute := time.Unix(m, 0)
		for i := range cands {
			if f.Evaluations >= opts.Burn {
				f.Exhausted = true
				break outer
			}
			f.Evaluations++
			c := &cands[i]
			d := p.eval.ShouldFire(ctx, c.ev.ID, c.rules, minute)
			if !d.Fire {
				continue
			}
			d.Commit(c.rules)
			f.Items = append(f.Items, Upcoming{Event: c.ev.ID, Title: c.ev.Title, Epoch: m + d.Delay, Type: d.Kind})
		}
		if len(f.Items) >= opts.Max {
			break
		}
	}

	sort.SliceStable(f.Items, func(i, j int) bool {
		if f.Items[i].Epoch != f.Items[j].Epoch {
			return f.Items[i].Epoch < f.Items[j].Epoch
		}
		return f.Items[i].Event < f.Items[j].Event
	})
	if len(f.Items) > opts.Max {
		f.Items = f.Items[:opts.Max]
	}
	return f
}

// schedulable reports whether rules can ever produce a discrete launch.
func schedulable(rules []timing.Rule) bool {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		switch r.Type {
		case timing.KindSchedule, timing.KindCrontab, timing.KindSingle:
			return true
		}
	}
	return false
}
