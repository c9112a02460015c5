package targets

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	AlgoRandom      = "random"
	AlgoRoundRobin  = "round_robin"
	AlgoPreferFirst = "prefer_first"
	AlgoPreferLast  = "prefer_last"
	AlgoLeastCPU    = "least_cpu"
	AlgoLeastMem    = "least_mem"

	// MonitorPrefix selects by the lowest value of a custom monitor: "monitor:<id>".
	MonitorPrefix = "monitor:"
)

var (
	ErrNoTargetAvailable = errors.New("no target available")
	ErrUnknownAlgo       = errors.New("unknown target algorithm")
)

// Server is a selection candidate with its live stats merged in.
type Server struct {
	ID       string
	Hostname string
	Enabled  bool
	Online   bool
	CPU      float64 // percent
	Mem      float64 // percent
	Monitors map[string]float64
}

// Group matches servers by hostname.
type Group struct {
	ID    string
	Match *regexp.Regexp
}

// ValidAlgo reports whether algo names a supported strategy. Empty means random.
func ValidAlgo(algo string) error {
	switch algo {
	case "", AlgoRandom, AlgoRoundRobin, AlgoPreferFirst, AlgoPreferLast, AlgoLeastCPU, AlgoLeastMem:
		return nil
	}
	if id, ok := strings.CutPrefix(algo, MonitorPrefix); ok && strings.TrimSpace(id) != "" {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAlgo, algo)
}

// Selector picks one server per launch.
//
// It is stateless apart from the per-event round-robin pointers, which are read
// and advanced under one lock so concurrent launches never share a slot.
type Selector struct {
	mu  sync.Mutex
	rr  map[string]uint64
	rnd *rand.Rand
}

func NewSelector() *Selector {
	seed := uint64(time.Now().UnixNano())
	return &Selector{rr: map[string]uint64{}, rnd: rand.New(rand.NewPCG(seed, seed>>1))}
}

// Choose expands targetIDs, filters to online and enabled servers and applies algo.
func (s *Selector) Choose(eventID string, targetIDs []string, algo string, servers []Server, groups []Group) (Server, error) {
	if err := ValidAlgo(algo); err != nil {
		return Server{}, err
	}
	cands := Expand(targetIDs, servers, groups)
	live := cands[:0]
	for _, c := range cands {
		if c.Enabled && c.Online {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return Server{}, ErrNoTargetAvailable
	}

	switch {
	case algo == AlgoRoundRobin:
		s.mu.Lock()
		idx := s.rr[eventID] % uint64(len(live))
		s.rr[eventID] = idx + 1
		s.mu.Unlock()
		return live[idx], nil
	case algo == AlgoPreferFirst || algo == AlgoPreferLast:
		sort.SliceStable(live, func(i, j int) bool { return byHostname(live[i], live[j]) })
		if algo == AlgoPreferFirst {
			return live[0], nil
		}
		return live[len(live)-1], nil
	case algo == AlgoLeastCPU:
		return lowest(live, func(c Server) float64 { return c.CPU }), nil
	case algo == AlgoLeastMem:
		return lowest(live, func(c Server) float64 { return c.Mem }), nil
	case strings.HasPrefix(algo, MonitorPrefix):
		id := strings.TrimPrefix(algo, MonitorPrefix)
		return lowest(live, func(c Server) float64 {
			if v, ok := c.Monitors[id]; ok {
				return v
			}
			return math.Inf(1)
		}), nil
	default:
		s.mu.Lock()
		idx := s.rnd.IntN(len(live))
		s.mu.Unlock()
		return live[idx], nil
	}
}

// Forget drops the round-robin pointer of an event that no longer exists.
func (s *Selector) Forget(eventID string) {
	s.mu.Lock()
	delete(s.rr, eventID)
	s.mu.Unlock()
}

// Expand resolves server and group ids into distinct servers, keeping target order.
// Group members are ordered by hostname. Unknown ids are ignored.
func Expand(targetIDs []string, servers []Server, groups []Group) []Server {
	byID := make(map[string]Server, len(servers))
	for _, sv := range servers {
		byID[sv.ID] = sv
	}
	groupByID := make(map[string]Group, len(groups))
	for _, g := range groups {
		groupByID[g.ID] = g
	}

	seen := map[string]bool{}
	var out []Server
	add := func(sv Server) {
		if !seen[sv.ID] {
			seen[sv.ID] = true
			out = append(out, sv)
		}
	}
	for _, id := range targetIDs {
		if sv, ok := byID[id]; ok {
			add(sv)
			continue
		}
		g, ok := groupByID[id]
		if !ok || g.Match == nil {
			continue
		}
		var members []Server
		for _, sv := range servers {
			if g.Match.MatchString(sv.Hostname) {
				members = append(members, sv)
			}
		}
		sort.SliceStable(members, func(i, j int) bool { return byHostname(members[i], members[j]) })
		for _, sv := range members {
			add(sv)
		}
	}
	return out
}

func byHostname(a, b Server) bool {
	if a.Hostname != b.Hostname {
		return a.Hostname < b.Hostname
	}
	return a.ID < b.ID
}

// lowest returns the candidate with the smallest metric; ties go to the smaller id.
func lowest(cands []Server, metric func(Server) float64) Server {
	best := cands[0]
	bestV := metric(best)
	for _, c := range cands[1:] {
		v := metric(c)
		if v < bestV || (v == bestV && c.ID < best.ID) {
			best, bestV = c, v
		}
	}
	return best
}
