package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	logx "jobmaster/pkg/logx"
)

// Sampler reads host stats.
type Sampler func(ctx context.Context) (Stats, error)

// HostSampler reads cpu and memory usage of the local host.
func HostSampler(ctx context.Context) (Stats, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Stats{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("virtual memory: %w", err)
	}
	st := Stats{Mem: vm.UsedPercent, At: time.Now()}
	if len(pct) > 0 {
		st.CPU = pct[0]
	}
	return st, nil
}

// LocalProbe periodically reports the master host's own stats into the feed,
// so a server entry for this host stays online without a remote agent.
type LocalProbe struct {
	Feed     *Feed
	ServerID string
	Every    time.Duration
	Sample   Sampler
	Log      logx.Logger
}

func (p *LocalProbe) Run(ctx context.Context) error {
	every := p.Every
	if every <= 0 {
		every = 10 * time.Second
	}
	sample := p.Sample
	if sample == nil {
		sample = HostSampler
	}
	log := p.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := sample(ctx)
		if err != nil {
			log.Debug("local stats sample failed", logx.String("server", p.ServerID), logx.Err(err))
		} else {
			p.Feed.Report(p.ServerID, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
