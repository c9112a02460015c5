package timing

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// starBit marks a field written as "*" or "?" in robfig/cron's bitfields.
const starBit = 1 << 63

// SecondOptional accepts both 5-field and 6-field (with seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCrontab converts a crontab expression into equivalent schedule rules.
//
// Standard cron ORs day-of-month and day-of-week when both are restricted; that
// case yields two rules, since a single schedule rule ANDs its fields.
// A CRON_TZ= / TZ= prefix becomes the rule timezone. Interval descriptors
// ("@every 5m") and non-zero seconds have no minute-granular equivalent and are rejected.
func ParseCrontab(expr string) ([]Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCrontab)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCrontab, expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is an interval, not a calendar expression", ErrInvalidCrontab, expr)
	}
	if spec.Second&^starBit != 1 {
		return nil, fmt.Errorf("%w: %q: seconds other than 0 are not supported", ErrInvalidCrontab, expr)
	}

	base := Rule{
		Type:       KindSchedule,
		Enabled:    true,
		Expression: expr,
		Minutes:    bitsToSet(spec.Minute, 0, 59),
		Hours:      bitsToSet(spec.Hour, 0, 23),
		Months:     bitsToSet(spec.Month, 1, 12),
	}
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		base.Timezone = spec.Location.String()
	}

	days := bitsToSet(spec.Dom, 1, 31)
	weekdays := bitsToSet(spec.Dow, 0, 6)
	if spec.Dom&starBit != 0 || spec.Dow&starBit != 0 {
		base.Days = days
		base.Weekdays = weekdays
		return []Rule{base}, nil
	}

	byDay := base.Clone()
	byDay.Days = days
	byWeekday := base.Clone()
	byWeekday.Weekdays = weekdays
	return []Rule{byDay, byWeekday}, nil
}

// bitsToSet lists the set bits in [lo, hi]; a full or starred field becomes nil (wildcard).
func bitsToSet(bits uint64, lo, hi int) []int {
	if bits&starBit != 0 {
		return nil
	}
	out := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		if bits&(1<<uint(v)) != 0 {
			out = append(out, v)
		}
	}
	if len(out) == hi-lo+1 {
		return nil
	}
	return out
}
