package catalog

import (
	"sync"

	"jobmaster/internal/timing"
)

// Store is the engine's read-mostly event cache.
//
// Readers take an immutable *Catalog via Snapshot. Writers swap in a new catalog;
// consumed single rules are remembered so a reload of the same definition cannot
// re-arm them.
type Store struct {
	mu       sync.RWMutex
	cat      *Catalog
	consumed map[string]map[int64]struct{} // event id -> single epochs already fired
}

func NewStore() *Store {
	empty, _ := Compile(Definition{}, nil)
	return &Store{cat: empty, consumed: map[string]map[int64]struct{}{}}
}

func (s *Store) Snapshot() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat
}

// Replace installs c and returns the ids of events that no longer exist.
func (s *Store) Replace(c *Catalog) (removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.cat.events {
		if _, ok := c.byID[ev.ID]; !ok {
			removed = append(removed, ev.ID)
			delete(s.consumed, ev.ID)
		}
	}

	for i, ev := range c.events {
		fired := s.consumed[ev.ID]
		if len(fired) == 0 {
			continue
		}
		var changed bool
		for j, r := range ev.Timing {
			if _, ok := fired[r.Epoch]; ok && r.Type == timing.KindSingle && r.Enabled {
				if !changed {
					ev = ev.Clone()
					changed = true
				}
				ev.Timing[j].Enabled = false
			}
		}
		if changed {
			c = c.withEvent(i, ev)
		}
	}
	s.cat = c
	return removed
}

// ConsumeSingles disables the single rules at idx of the event and returns their epochs.
func (s *Store) ConsumeSingles(eventID string, idx []int) []int64 {
	if len(idx) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.cat.byID[eventID]
	if !ok {
		return nil
	}
	ev := s.cat.events[i].Clone()
	timing.Decision{Consume: idx}.Commit(ev.Timing)

	var epochs []int64
	for _, k := range idx {
		if k < 0 || k >= len(ev.Timing) || ev.Timing[k].Type != timing.KindSingle {
			continue
		}
		if s.consumed[eventID] == nil {
			s.consumed[eventID] = map[int64]struct{}{}
		}
		s.consumed[eventID][ev.Timing[k].Epoch] = struct{}{}
		epochs = append(epochs, ev.Timing[k].Epoch)
	}
	s.cat = s.cat.withEvent(i, ev)
	return epochs
}
