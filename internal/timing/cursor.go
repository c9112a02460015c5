package timing

import "time"

// DefaultCatchupLimit caps how many minutes one tick backfills for a single event.
const DefaultCatchupLimit = 10000

// AdvanceCursor marks the minute containing at as processed.
// The cursor never moves backwards, so replaying the same minute is a no-op.
func AdvanceCursor(st State, at time.Time) State {
	if m := MinuteFloor(at); m > st.Cursor {
		st.Cursor = m
	}
	return st
}

// Backlog is the list of minutes one tick must evaluate for an event.
type Backlog struct {
	Minutes []time.Time

	// Truncated is set when the backlog exceeded the limit. Cursor then holds
	// the moved-up watermark (now minus limit) and Skipped the minutes dropped.
	Truncated bool
	Skipped   int64
	Cursor    int64
}

// Window computes the minutes to evaluate at now, oldest first.
//
// With an enabled catchup rule and a known cursor every minute from cursor+60
// through now is returned, bounded by limit. Otherwise only now is returned,
// unless the cursor says it was already processed.
func Window(rules []Rule, st State, now time.Time, limit int) Backlog {
	if limit <= 0 {
		limit = DefaultCatchupLimit
	}
	n := MinuteFloor(now)
	b := Backlog{Cursor: st.Cursor}
	if st.Cursor >= n {
		return b
	}
	if !Has(rules, KindCatchup) || st.Cursor == 0 {
		b.Minutes = []time.Time{time.Unix(n, 0)}
		return b
	}

	start := st.Cursor + 60
	count := (n-start)/60 + 1
	if count > int64(limit) {
		b.Truncated = true
		b.Skipped = count - int64(limit)
		b.Cursor = n - int64(limit)*60
		start = b.Cursor + 60
		count = int64(limit)
	}
	b.Minutes = make([]time.Time, 0, count)
	for m := start; m <= n; m += 60 {
		b.Minutes = append(b.Minutes, time.Unix(m, 0))
	}
	return b
}
