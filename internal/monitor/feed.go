package monitor

import (
	"maps"
	"sync"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/eventbus"
	"jobmaster/internal/targets"
)

const DefaultStaleAfter = 90 * time.Second

// Stats is one report from a worker server.
type Stats struct {
	CPU      float64            `json:"cpu"` // percent
	Mem      float64            `json:"mem"` // percent
	Monitors map[string]float64 `json:"monitors,omitempty"`
	At       time.Time          `json:"at"`
}

// Feed keeps the latest stats per server. A server is online while its last
// report is younger than the staleness window.
type Feed struct {
	mu         sync.RWMutex
	stats      map[string]Stats
	staleAfter time.Duration
	bus        eventbus.Bus
}

func NewFeed(staleAfter time.Duration, bus eventbus.Bus) *Feed {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Feed{stats: map[string]Stats{}, staleAfter: staleAfter, bus: bus}
}

func (f *Feed) SetStaleAfter(d time.Duration) {
	if d <= 0 {
		d = DefaultStaleAfter
	}
	f.mu.Lock()
	f.staleAfter = d
	f.mu.Unlock()
}

// Report records st for a server. A zero At is stamped with the current time.
func (f *Feed) Report(serverID string, st Stats) {
	if st.At.IsZero() {
		st.At = time.Now()
	}
	st.Monitors = maps.Clone(st.Monitors)
	f.mu.Lock()
	f.stats[serverID] = st
	f.mu.Unlock()
	f.bus.Publish(eventbus.Event{Type: eventbus.ServerStatsUpdated, Time: st.At, Data: serverID})
}

// Forget drops a server's stats.
func (f *Feed) Forget(serverID string) {
	f.mu.Lock()
	delete(f.stats, serverID)
	f.mu.Unlock()
}

// Get returns the last stats of a server and whether they are fresh at now.
func (f *Feed) Get(serverID string, now time.Time) (Stats, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.stats[serverID]
	return st, ok && now.Sub(st.At) <= f.staleAfter
}

// Merge combines catalog servers with live stats into selection candidates.
func (f *Feed) Merge(servers []catalog.Server, now time.Time) []targets.Server {
	out := make([]targets.Server, 0, len(servers))
	for _, s := range servers {
		st, fresh := f.Get(s.ID, now)
		out = append(out, targets.Server{
			ID:       s.ID,
			Hostname: s.Hostname,
			Enabled:  s.Enabled,
			Online:   fresh || s.AssumeOnline,
			CPU:      st.CPU,
			Mem:      st.Mem,
			Monitors: st.Monitors,
		})
	}
	return out
}
