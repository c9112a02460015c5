package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"jobmaster/internal/targets"
	"jobmaster/internal/timing"
)

// Action channels.
const (
	ActionTelegram = "telegram"
	ActionLog      = "log"
)

// Catalog is a validated, immutable view of a Definition.
// Event timing rules are normalized (crontab rules already converted).
type Catalog struct {
	events     []Event
	byID       map[string]int
	servers    []Server
	groups     []targets.Group
	categories map[string]*Category
}

// Compile validates def and builds a Catalog. knownPlugin, when non-nil, rejects plugin
// timing rules that reference an unregistered scheduler plugin.
func Compile(def Definition, knownPlugin func(id string) bool) (*Catalog, error) {
	c := &Catalog{
		byID:       make(map[string]int, len(def.Events)),
		categories: make(map[string]*Category, len(def.Categories)),
	}
	ids := map[string]string{} // server/group id -> kind, targets share one namespace

	for i, s := range def.Servers {
		path := fmt.Sprintf("servers[%d]", i)
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" || strings.TrimSpace(s.Hostname) == "" {
			return nil, fmt.Errorf("%s: %w: id and hostname required", path, ErrInvalidServer)
		}
		if _, dup := ids[s.ID]; dup {
			return nil, fmt.Errorf("%s: %w: %q", path, ErrDuplicateID, s.ID)
		}
		ids[s.ID] = "server"
		c.servers = append(c.servers, s)
	}

	for i, g := range def.Groups {
		path := fmt.Sprintf("groups[%d]", i)
		g.ID = strings.TrimSpace(g.ID)
		if g.ID == "" || strings.TrimSpace(g.HostnameMatch) == "" {
			return nil, fmt.Errorf("%s: %w: id and hostname_match required", path, ErrInvalidGroup)
		}
		if _, dup := ids[g.ID]; dup {
			return nil, fmt.Errorf("%s: %w: %q", path, ErrDuplicateID, g.ID)
		}
		re, err := regexp.Compile(g.HostnameMatch)
		if err != nil {
			return nil, fmt.Errorf("%s.hostname_match: %w: %v", path, ErrInvalidGroup, err)
		}
		ids[g.ID] = "group"
		c.groups = append(c.groups, targets.Group{ID: g.ID, Match: re})
	}

	for i, cat := range def.Categories {
		path := fmt.Sprintf("categories[%d]", i)
		cat.ID = strings.TrimSpace(cat.ID)
		if cat.ID == "" {
			return nil, fmt.Errorf("%s: %w: id required", path, ErrInvalidCategory)
		}
		if _, dup := c.categories[cat.ID]; dup {
			return nil, fmt.Errorf("%s: %w: %q", path, ErrDuplicateID, cat.ID)
		}
		if err := ValidateLimits(cat.Limits); err != nil {
			return nil, fmt.Errorf("%s.%w", path, err)
		}
		if err := validateActions(cat.Actions); err != nil {
			return nil, fmt.Errorf("%s.%w", path, err)
		}
		cat := cat
		c.categories[cat.ID] = &cat
	}

	for i, ev := range def.Events {
		ev = ev.Clone()
		ev.ID = strings.TrimSpace(ev.ID)
		path := fmt.Sprintf("events[%d]", i)
		if ev.ID == "" {
			return nil, fmt.Errorf("%s: %w: id required", path, ErrInvalidEvent)
		}
		path = fmt.Sprintf("events[%d] (%s)", i, ev.ID)
		if _, dup := c.byID[ev.ID]; dup {
			return nil, fmt.Errorf("%s: %w", path, ErrDuplicateID)
		}
		if _, ok := c.categories[ev.Category]; !ok {
			return nil, fmt.Errorf("%s.category: %w: unknown category %q", path, ErrInvalidEvent, ev.Category)
		}
		if len(ev.Targets) == 0 {
			return nil, fmt.Errorf("%s.targets: %w: at least one target required", path, ErrInvalidEvent)
		}
		for j, t := range ev.Targets {
			if _, ok := ids[t]; !ok {
				return nil, fmt.Errorf("%s.targets[%d]: %w: unknown server or group %q", path, j, ErrInvalidEvent, t)
			}
		}
		if err := targets.ValidAlgo(ev.Algo); err != nil {
			return nil, fmt.Errorf("%s.algo: %w", path, err)
		}
		rules, err := timing.Normalize(ev.Timing, knownPlugin)
		if err != nil {
			return nil, fmt.Errorf("%s.%w", path, err)
		}
		ev.Timing = rules
		if err := ValidateLimits(ev.Limits); err != nil {
			return nil, fmt.Errorf("%s.%w", path, err)
		}
		if err := validateActions(ev.Actions); err != nil {
			return nil, fmt.Errorf("%s.%w", path, err)
		}
		c.byID[ev.ID] = len(c.events)
		c.events = append(c.events, ev)
	}
	return c, nil
}

func validateActions(actions []Action) error {
	for i, a := range actions {
		path := fmt.Sprintf("actions[%d]", i)
		switch a.Trigger {
		case OnStart, OnComplete, OnSuccess, OnError, OnAbort, OnWarning:
		default:
			return fmt.Errorf("%s.trigger: %w: %q", path, ErrInvalidAction, a.Trigger)
		}
		switch a.Type {
		case ActionLog:
		case ActionTelegram:
			if strings.TrimSpace(a.Target) == "" {
				return fmt.Errorf("%s.target: %w: telegram needs a chat id", path, ErrInvalidAction)
			}
		default:
			return fmt.Errorf("%s.type: %w: %q", path, ErrInvalidAction, a.Type)
		}
	}
	return nil
}

// Events returns all events in definition order. Callers must not mutate them.
func (c *Catalog) Events() []Event { return c.events }

// Event returns the event with the given id.
func (c *Catalog) Event(id string) (Event, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Event{}, false
	}
	return c.events[i], true
}

// Lookup resolves an event by id, then by case-insensitive title.
func (c *Catalog) Lookup(idOrTitle string) (Event, error) {
	if ev, ok := c.Event(idOrTitle); ok {
		return ev, nil
	}
	q := strings.TrimSpace(idOrTitle)
	for _, ev := range c.events {
		if ev.Title != "" && strings.EqualFold(ev.Title, q) {
			return ev, nil
		}
	}
	return Event{}, fmt.Errorf("%w: %q", ErrEventNotFound, idOrTitle)
}

// Category returns the category with the given id, or nil.
func (c *Catalog) Category(id string) *Category { return c.categories[id] }

func (c *Catalog) Servers() []Server { return c.servers }

func (c *Catalog) Groups() []targets.Group { return c.groups }

// Schedulable reports whether ev and its category are both enabled.
func (c *Catalog) Schedulable(ev Event) bool {
	if !ev.Enabled {
		return false
	}
	cat := c.categories[ev.Category]
	return cat != nil && cat.Enabled
}

// withEvent returns a copy of c with the event at i replaced. Lookup maps are shared.
func (c *Catalog) withEvent(i int, ev Event) *Catalog {
	next := *c
	next.events = make([]Event, len(c.events))
	copy(next.events, c.events)
	next.events[i] = ev
	return &next
}
