package timing

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
)

// Kind identifies a timing rule variant.
type Kind string

const (
	KindSchedule   Kind = "schedule"
	KindCrontab    Kind = "crontab"
	KindContinuous Kind = "continuous"
	KindSingle     Kind = "single"
	KindCatchup    Kind = "catchup"
	KindRange      Kind = "range"
	KindBlackout   Kind = "blackout"
	KindDelay      Kind = "delay"
	KindPlugin     Kind = "plugin"
)

// Rule is one timing clause of an event. Only the fields of its Type are meaningful:
//
//   - schedule: Years, Months, Days, Weekdays, Hours, Minutes, Timezone (empty set = any)
//   - crontab: Expression (converted to a schedule rule by Normalize)
//   - single: Epoch
//   - range: Start, End (0 = unbounded)
//   - blackout: Start, End (inclusive)
//   - delay: Duration (seconds)
//   - plugin: PluginID, Params, Timezone
//
// Days accepts negative values counting back from the end of the month (-1 = last day).
type Rule struct {
	Type    Kind `json:"type"`
	Enabled bool `json:"enabled"`

	Years    []int  `json:"years,omitempty"`
	Months   []int  `json:"months,omitempty"`
	Days     []int  `json:"days,omitempty"`
	Weekdays []int  `json:"weekdays,omitempty"`
	Hours    []int  `json:"hours,omitempty"`
	Minutes  []int  `json:"minutes,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Expression is the crontab source. Schedules converted from a crontab keep it for display.
	Expression string `json:"expression,omitempty"`

	Epoch    int64 `json:"epoch,omitempty"`
	Start    int64 `json:"start,omitempty"`
	End      int64 `json:"end,omitempty"`
	Duration int64 `json:"duration,omitempty"`

	PluginID string         `json:"plugin_id,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when omitted and rejects unknown keys,
// matching the strict config decoder.
func (r *Rule) UnmarshalJSON(b []byte) error {
	type plain Rule
	v := plain{Enabled: true}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*r = Rule(v)
	return nil
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	r.Years = slices.Clone(r.Years)
	r.Months = slices.Clone(r.Months)
	r.Days = slices.Clone(r.Days)
	r.Weekdays = slices.Clone(r.Weekdays)
	r.Hours = slices.Clone(r.Hours)
	r.Minutes = slices.Clone(r.Minutes)
	if r.Params != nil {
		r.Params = maps.Clone(r.Params)
	}
	return r
}

// CloneRules deep-copies a rule set.
func CloneRules(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out
}

// Has reports whether rules contain an enabled rule of kind k.
func Has(rules []Rule, k Kind) bool {
	for _, r := range rules {
		if r.Enabled && r.Type == k {
			return true
		}
	}
	return false
}

// State is the engine-owned bookkeeping of one event.
//
// Cursor is the last minute (unix seconds, minute aligned) fully processed; 0 means unset.
type State struct {
	Cursor   int64  `json:"cursor,omitempty"`
	LastJob  string `json:"last_job,omitempty"`
	LastCode int    `json:"last_code,omitempty"`
}
