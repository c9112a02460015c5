package jobs

import (
	"context"
	"time"

	"jobmaster/internal/catalog"
)

// Run polls running jobs for time limits and sustained cpu/mem breaches until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	every := m.cfg.WatchInterval
	m.mu.Unlock()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.CheckLimits(m.now())
		}
	}
}

type breach struct {
	job  string
	kind catalog.LimitKind
}

// CheckLimits aborts running jobs that are over their limits at now.
// A cpu or mem limit trips only once usage stays above the amount for the limit's duration.
func (m *Manager) CheckLimits(now time.Time) {
	sec := now.Unix()
	var hits []breach

	m.mu.Lock()
	for _, j := range m.jobs {
		if j.State != StateRunning || j.Aborting {
			continue
		}
		if l, ok := j.Limits.Get(catalog.LimitTime); ok && l.Duration > 0 && sec-j.Started >= l.Duration {
			hits = append(hits, breach{j.ID, catalog.LimitTime})
			continue
		}
		if l, ok := j.Limits.Get(catalog.LimitCPU); ok {
			if sustained(&j.cpuSince, j.Resources.CPU > float64(l.Amount), sec, l.Duration) {
				hits = append(hits, breach{j.ID, catalog.LimitCPU})
				continue
			}
		}
		if l, ok := j.Limits.Get(catalog.LimitMem); ok {
			if sustained(&j.memSince, j.Resources.Mem > l.Amount, sec, l.Duration) {
				hits = append(hits, breach{j.ID, catalog.LimitMem})
			}
		}
	}
	m.mu.Unlock()

	for _, h := range hits {
		_ = m.OnLimitBreach(h.job, h.kind)
	}
}

// sustained tracks when a condition started holding and reports whether it has held for dur seconds.
func sustained(since *int64, over bool, now, dur int64) bool {
	if !over {
		*since = 0
		return false
	}
	if *since == 0 {
		*since = now
	}
	return now-*since >= dur
}
