package timing

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Normalize validates a rule set at save time and rewrites crontab rules into schedule rules.
// Disabled rules are validated too, so toggling one on later cannot introduce a bad rule.
//
// knownPlugin, when non-nil, rejects plugin rules referencing an unregistered plugin.
func Normalize(rules []Rule, knownPlugin func(id string) bool) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	hasContinuous := false
	hasCalendar := false

	for i, r := range rules {
		r = r.Clone()
		path := fmt.Sprintf("timing[%d]", i)
		switch r.Type {
		case KindSchedule:
			if err := normalizeSchedule(&r, path); err != nil {
				return nil, err
			}
			out = append(out, r)
		case KindCrontab:
			conv, err := ParseCrontab(r.Expression)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			for _, c := range conv {
				c.Enabled = r.Enabled
				if c.Timezone == "" {
					c.Timezone = r.Timezone
				}
				if err := normalizeSchedule(&c, path); err != nil {
					return nil, err
				}
				out = append(out, c)
			}
		case KindContinuous, KindCatchup:
			out = append(out, r)
		case KindSingle:
			if r.Epoch <= 0 {
				return nil, fmt.Errorf("%s: %w: single requires epoch", path, ErrInvalidRule)
			}
			out = append(out, r)
		case KindRange:
			if r.Start < 0 || r.End < 0 || (r.Start > 0 && r.End > 0 && r.End < r.Start) {
				return nil, fmt.Errorf("%s: %w: range end before start", path, ErrInvalidRule)
			}
			out = append(out, r)
		case KindBlackout:
			if r.Start <= 0 || r.End < r.Start {
				return nil, fmt.Errorf("%s: %w: blackout requires start <= end", path, ErrInvalidRule)
			}
			out = append(out, r)
		case KindDelay:
			if r.Duration <= 0 {
				return nil, fmt.Errorf("%s: %w: delay duration must be > 0", path, ErrInvalidRule)
			}
			out = append(out, r)
		case KindPlugin:
			r.PluginID = strings.TrimSpace(r.PluginID)
			if r.PluginID == "" {
				return nil, fmt.Errorf("%s: %w: plugin_id required", path, ErrInvalidRule)
			}
			if knownPlugin != nil && !knownPlugin(r.PluginID) {
				return nil, fmt.Errorf("%s: %w: unknown plugin %q", path, ErrInvalidRule, r.PluginID)
			}
			if err := checkZone(r.Timezone, path); err != nil {
				return nil, err
			}
			out = append(out, r)
		default:
			return nil, fmt.Errorf("%s: %w: unknown type %q", path, ErrInvalidRule, r.Type)
		}

		if r.Enabled {
			switch r.Type {
			case KindContinuous:
				hasContinuous = true
			case KindSchedule, KindCrontab, KindSingle, KindPlugin:
				hasCalendar = true
			}
		}
	}

	if hasContinuous && hasCalendar {
		return nil, fmt.Errorf("%w: continuous cannot be combined with schedule, crontab, single or plugin rules", ErrInvalidRule)
	}
	return out, nil
}

type fieldBounds struct {
	name   string
	set    *[]int
	lo, hi int
}

func normalizeSchedule(r *Rule, path string) error {
	fields := []fieldBounds{
		{"years", &r.Years, 1970, 9999},
		{"months", &r.Months, 1, 12},
		{"weekdays", &r.Weekdays, 0, 6},
		{"hours", &r.Hours, 0, 23},
		{"minutes", &r.Minutes, 0, 59},
	}
	for _, f := range fields {
		for _, v := range *f.set {
			if v < f.lo || v > f.hi {
				return fmt.Errorf("%s.%s: %w: %d out of range %d..%d", path, f.name, ErrInvalidRule, v, f.lo, f.hi)
			}
		}
		*f.set = sortedSet(*f.set)
	}
	for _, v := range r.Days {
		if v == 0 || v < -31 || v > 31 {
			return fmt.Errorf("%s.days: %w: %d out of range 1..31 or -31..-1", path, ErrInvalidRule, v)
		}
	}
	r.Days = sortedSet(r.Days)
	return checkZone(r.Timezone, path)
}

func checkZone(name, path string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%s.timezone: %w: %v", path, ErrInvalidRule, err)
	}
	return nil
}

func sortedSet(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
