package monitor

import (
	"context"
	"testing"
	"time"

	"jobmaster/internal/catalog"
)

func TestMergeOnlineAndStale(t *testing.T) {
	t.Parallel()
	f := NewFeed(time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)
	f.Report("fresh", Stats{CPU: 12, Mem: 40, Monitors: map[string]float64{"load": 0.5}, At: now.Add(-10 * time.Second)})
	f.Report("stale", Stats{CPU: 1, At: now.Add(-5 * time.Minute)})

	servers := []catalog.Server{
		{ID: "fresh", Hostname: "a", Enabled: true},
		{ID: "stale", Hostname: "b", Enabled: true},
		{ID: "silent", Hostname: "c", Enabled: true},
		{ID: "pinned", Hostname: "d", Enabled: true, AssumeOnline: true},
	}
	got := f.Merge(servers, now)
	want := map[string]bool{"fresh": true, "stale": false, "silent": false, "pinned": true}
	for _, s := range got {
		if s.Online != want[s.ID] {
			t.Fatalf("%s online = %v, want %v", s.ID, s.Online, want[s.ID])
		}
	}
	if got[0].CPU != 12 || got[0].Monitors["load"] != 0.5 {
		t.Fatalf("fresh stats = %+v", got[0])
	}
}

func TestLocalProbeReports(t *testing.T) {
	t.Parallel()
	f := NewFeed(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := &LocalProbe{
		Feed:     f,
		ServerID: "local",
		Every:    time.Hour,
		Sample: func(context.Context) (Stats, error) {
			calls++
			cancel()
			return Stats{CPU: 7, At: time.Now()}, nil
		},
	}
	_ = p.Run(ctx)
	st, fresh := f.Get("local", time.Now())
	if calls != 1 || !fresh || st.CPU != 7 {
		t.Fatalf("calls = %d, fresh = %v, stats = %+v", calls, fresh, st)
	}
}
