package catalog

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"

	"jobmaster/internal/timing"
)

// Server is a worker host known to the master.
type Server struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Enabled  bool   `json:"enabled"`

	// AssumeOnline keeps the server selectable without live stats reports.
	AssumeOnline bool `json:"assume_online,omitempty"`
}

// Group is a dynamic set of servers whose hostname matches HostnameMatch (a regexp).
type Group struct {
	ID            string `json:"id"`
	Title         string `json:"title,omitempty"`
	HostnameMatch string `json:"hostname_match"`
}

// Category groups events that share limit and action defaults.
type Category struct {
	ID      string   `json:"id"`
	Title   string   `json:"title,omitempty"`
	Enabled bool     `json:"enabled"`
	Limits  []Limit  `json:"limits,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

// Action triggers.
const (
	OnStart    = "start"
	OnComplete = "complete" // any terminal state
	OnSuccess  = "success"
	OnError    = "error"
	OnAbort    = "abort"
	OnWarning  = "warning"
)

// Action is a notification fired on a job lifecycle trigger.
//
// Type selects the delivery channel ("telegram", "log"); Target is channel specific
// (a chat id for telegram, unused for log).
type Action struct {
	Trigger string `json:"trigger"`
	Type    string `json:"type"`
	Target  string `json:"target,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Event is a schedulable unit of work.
type Event struct {
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Enabled  bool           `json:"enabled"`
	Category string         `json:"category"`
	Targets  []string       `json:"targets"`
	Algo     string         `json:"algo,omitempty"`
	Timing   []timing.Rule  `json:"timing,omitempty"`
	Limits   []Limit        `json:"limits,omitempty"`
	Actions  []Action       `json:"actions,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Revision int64          `json:"revision,omitempty"`
}

// Clone deep-copies the mutable parts of the event.
func (e Event) Clone() Event {
	e.Targets = slices.Clone(e.Targets)
	e.Timing = timing.CloneRules(e.Timing)
	e.Limits = slices.Clone(e.Limits)
	e.Actions = slices.Clone(e.Actions)
	if e.Params != nil {
		e.Params = maps.Clone(e.Params)
	}
	return e
}

// Definition is the raw catalog as written in configuration.
type Definition struct {
	Servers    []Server   `json:"servers,omitempty"`
	Groups     []Group    `json:"groups,omitempty"`
	Categories []Category `json:"categories,omitempty"`
	Events     []Event    `json:"events,omitempty"`
}

// The unmarshalers below default Enabled to true and keep unknown keys an error,
// like the top-level config decoder.

func (s *Server) UnmarshalJSON(b []byte) error {
	type plain Server
	v := plain{Enabled: true}
	if err := decodeStrict(b, &v); err != nil {
		return err
	}
	*s = Server(v)
	return nil
}

func (c *Category) UnmarshalJSON(b []byte) error {
	type plain Category
	v := plain{Enabled: true}
	if err := decodeStrict(b, &v); err != nil {
		return err
	}
	*c = Category(v)
	return nil
}

func (a *Action) UnmarshalJSON(b []byte) error {
	type plain Action
	v := plain{Enabled: true}
	if err := decodeStrict(b, &v); err != nil {
		return err
	}
	*a = Action(v)
	return nil
}

func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	v := plain{Enabled: true}
	if err := decodeStrict(b, &v); err != nil {
		return err
	}
	*e = Event(v)
	return nil
}

func decodeStrict(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
