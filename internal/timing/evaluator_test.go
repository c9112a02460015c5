package timing

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestShouldFireSchedule(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	rules := []Rule{{Type: KindSchedule, Enabled: true, Hours: []int{4}, Minutes: []int{30}, Timezone: "UTC"}}

	tests := []struct {
		at   string
		want bool
	}{
		{"2024-01-01T04:30:00Z", true},
		{"2024-01-01T04:30:59Z", true},
		{"2024-01-01T04:31:00Z", false},
		{"2024-01-01T05:30:00Z", false},
	}
	for _, tt := range tests {
		got := e.ShouldFire(context.Background(), "ev", rules, mustTime(t, tt.at))
		if got.Fire != tt.want {
			t.Fatalf("ShouldFire(%s).Fire = %v, want %v", tt.at, got.Fire, tt.want)
		}
		if got.Fire && got.Kind != KindSchedule {
			t.Fatalf("Kind = %q, want %q", got.Kind, KindSchedule)
		}
	}
}

func TestShouldFireTimezone(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	rules := []Rule{{Type: KindSchedule, Enabled: true, Hours: []int{9}, Minutes: []int{0}, Timezone: "Asia/Jakarta"}}

	if !e.ShouldFire(context.Background(), "ev", rules, mustTime(t, "2024-03-10T02:00:00Z")).Fire {
		t.Fatal("expected fire at 09:00 Asia/Jakarta")
	}
	if e.ShouldFire(context.Background(), "ev", rules, mustTime(t, "2024-03-10T09:00:00Z")).Fire {
		t.Fatal("did not expect fire at 09:00 UTC")
	}

	// Default timezone applies when the rule has none.
	jkt, _ := time.LoadLocation("Asia/Jakarta")
	e2 := NewEvaluator(jkt)
	rules[0].Timezone = ""
	if !e2.ShouldFire(context.Background(), "ev", rules, mustTime(t, "2024-03-10T02:00:00Z")).Fire {
		t.Fatal("expected default timezone to be used")
	}
}

func TestShouldFireReverseDays(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	rules := []Rule{{Type: KindSchedule, Enabled: true, Days: []int{-1}, Hours: []int{0}, Minutes: []int{0}}}

	tests := []struct {
		at   string
		want bool
	}{
		{"2024-02-29T00:00:00Z", true},
		{"2024-02-28T00:00:00Z", false},
		{"2023-02-28T00:00:00Z", true},
		{"2024-04-30T00:00:00Z", true},
		{"2024-05-30T00:00:00Z", false},
	}
	for _, tt := range tests {
		if got := e.ShouldFire(context.Background(), "ev", rules, mustTime(t, tt.at)).Fire; got != tt.want {
			t.Fatalf("ShouldFire(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestShouldFireORAcrossScheduleRules(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	rules := []Rule{
		{Type: KindSchedule, Enabled: true, Hours: []int{1}, Minutes: []int{0}},
		{Type: KindSchedule, Enabled: true, Hours: []int{2}, Minutes: []int{15}},
		{Type: KindSchedule, Enabled: false, Hours: []int{3}, Minutes: []int{0}},
	}
	tests := []struct {
		at   string
		want bool
	}{
		{"2024-06-01T01:00:00Z", true},
		{"2024-06-01T02:15:00Z", true},
		{"2024-06-01T02:00:00Z", false},
		{"2024-06-01T03:00:00Z", false},
	}
	for _, tt := range tests {
		if got := e.ShouldFire(context.Background(), "ev", rules, mustTime(t, tt.at)).Fire; got != tt.want {
			t.Fatalf("ShouldFire(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestBlackoutSuppressesEveryMinute(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	t0 := mustTime(t, "2024-01-01T00:00:00Z")
	rules := []Rule{
		{Type: KindBlackout, Enabled: true, Start: t0.Unix(), End: t0.Unix() + 3600},
		{Type: KindSchedule, Enabled: true, Minutes: []int{0}},
	}
	for m := t0; !m.After(t0.Add(time.Hour)); m = m.Add(time.Minute) {
		d := e.ShouldFire(context.Background(), "ev", rules, m)
		if d.Fire {
			t.Fatalf("fired at %s inside blackout", m.Format(time.RFC3339))
		}
	}
	if !e.ShouldFire(context.Background(), "ev", rules, t0.Add(2*time.Hour)).Fire {
		t.Fatal("expected fire after blackout ends")
	}
}

func TestBlackoutPrecedenceOverAllKinds(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC, WithPlugins(decideFunc(func(PluginRequest) (bool, error) { return true, nil })))
	at := mustTime(t, "2024-01-01T12:00:00Z")
	blackout := Rule{Type: KindBlackout, Enabled: true, Start: at.Unix() - 60, End: at.Unix() + 60}

	for _, r := range []Rule{
		{Type: KindSchedule, Enabled: true},
		{Type: KindContinuous, Enabled: true},
		{Type: KindSingle, Enabled: true, Epoch: at.Unix()},
		{Type: KindPlugin, Enabled: true, PluginID: "always"},
	} {
		d := e.ShouldFire(context.Background(), "ev", []Rule{r, blackout}, at)
		if d.Fire {
			t.Fatalf("%s fired inside blackout", r.Type)
		}
		if d.Reason != "blackout" {
			t.Fatalf("Reason = %q, want blackout", d.Reason)
		}
		if len(d.Consume) != 0 {
			t.Fatalf("single consumed during blackout: %v", d.Consume)
		}
	}
}

func TestRangeGate(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	start := mustTime(t, "2024-01-10T00:00:00Z").Unix()
	end := mustTime(t, "2024-01-20T00:00:00Z").Unix()
	rules := []Rule{
		{Type: KindRange, Enabled: true, Start: start, End: end},
		{Type: KindSchedule, Enabled: true, Hours: []int{0}, Minutes: []int{0}},
	}
	tests := []struct {
		at     string
		want   bool
		reason string
	}{
		{"2024-01-09T00:00:00Z", false, "range"},
		{"2024-01-10T00:00:00Z", true, ""},
		{"2024-01-20T00:00:00Z", true, ""},
		{"2024-01-21T00:00:00Z", false, "range"},
	}
	for _, tt := range tests {
		d := e.ShouldFire(context.Background(), "ev", rules, mustTime(t, tt.at))
		if d.Fire != tt.want || d.Reason != tt.reason {
			t.Fatalf("ShouldFire(%s) = (%v, %q), want (%v, %q)", tt.at, d.Fire, d.Reason, tt.want, tt.reason)
		}
	}

	// Open-ended range.
	open := []Rule{{Type: KindRange, Enabled: true, Start: start}, {Type: KindSchedule, Enabled: true}}
	if !e.ShouldFire(context.Background(), "ev", open, mustTime(t, "2030-01-01T00:00:00Z")).Fire {
		t.Fatal("expected unbounded end to allow fire")
	}
}

func TestSingleFiresOnceAfterCommit(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	at := mustTime(t, "2024-05-05T10:10:00Z")
	rules := []Rule{{Type: KindSingle, Enabled: true, Epoch: at.Unix() + 25}}

	if e.ShouldFire(context.Background(), "ev", rules, at.Add(-time.Minute)).Fire {
		t.Fatal("single fired on the wrong minute")
	}
	d := e.ShouldFire(context.Background(), "ev", rules, at)
	if !d.Fire || d.Kind != KindSingle {
		t.Fatalf("decision = %+v, want single fire", d)
	}
	if len(d.Consume) != 1 || d.Consume[0] != 0 {
		t.Fatalf("Consume = %v, want [0]", d.Consume)
	}
	d.Commit(rules)
	if rules[0].Enabled {
		t.Fatal("single rule still enabled after commit")
	}
	if e.ShouldFire(context.Background(), "ev", rules, at).Fire {
		t.Fatal("single fired twice")
	}
}

func TestContinuousAndDelay(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	at := mustTime(t, "2024-05-05T10:10:00Z")

	d := e.ShouldFire(context.Background(), "ev", []Rule{{Type: KindContinuous, Enabled: true}}, at)
	if !d.Fire || d.Kind != KindContinuous {
		t.Fatalf("decision = %+v, want continuous fire", d)
	}

	rules := []Rule{
		{Type: KindSchedule, Enabled: true, Minutes: []int{10}},
		{Type: KindDelay, Enabled: true, Duration: 90},
	}
	d = e.ShouldFire(context.Background(), "ev", rules, at)
	if !d.Fire || d.Delay != 90 {
		t.Fatalf("decision = %+v, want fire with delay 90", d)
	}
	d = e.ShouldFire(context.Background(), "ev", rules, at.Add(time.Minute))
	if d.Fire || d.Delay != 0 {
		t.Fatalf("decision = %+v, want no fire and no delay", d)
	}
}

type decideFunc func(PluginRequest) (bool, error)

func (f decideFunc) Decide(_ context.Context, req PluginRequest) (bool, error) { return f(req) }

func TestPluginRules(t *testing.T) {
	t.Parallel()
	var seen PluginRequest
	plugins := decideFunc(func(req PluginRequest) (bool, error) {
		seen = req
		switch req.PluginID {
		case "yes":
			return true, nil
		case "broken":
			return false, errors.New("boom")
		}
		return false, nil
	})
	e := NewEvaluator(time.UTC, WithPlugins(plugins))
	at := mustTime(t, "2024-05-05T10:10:30Z")

	d := e.ShouldFire(context.Background(), "ev1", []Rule{{Type: KindPlugin, Enabled: true, PluginID: "yes", Timezone: "Asia/Tokyo"}}, at)
	if !d.Fire || d.Kind != KindPlugin {
		t.Fatalf("decision = %+v, want plugin fire", d)
	}
	if seen.EventID != "ev1" || seen.At.Location().String() != "Asia/Tokyo" || seen.At.Second() != 0 {
		t.Fatalf("plugin request = %+v", seen)
	}

	if e.ShouldFire(context.Background(), "ev1", []Rule{{Type: KindPlugin, Enabled: true, PluginID: "broken"}}, at).Fire {
		t.Fatal("plugin failure must not fire")
	}

	// Without a decider plugin rules never match.
	if e.WithoutPlugins().ShouldFire(context.Background(), "ev1", []Rule{{Type: KindPlugin, Enabled: true, PluginID: "yes"}}, at).Fire {
		t.Fatal("expected WithoutPlugins to skip plugin rules")
	}
}

func TestNoTimingRulesNeverFires(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(time.UTC)
	rules := []Rule{{Type: KindCatchup, Enabled: true}, {Type: KindDelay, Enabled: true, Duration: 5}}
	if d := e.ShouldFire(context.Background(), "ev", rules, time.Now()); d.Fire || d.Delay != 0 {
		t.Fatalf("decision = %+v, want none", d)
	}
}
