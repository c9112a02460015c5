package predict

import (
	"context"
	"reflect"
	"testing"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/timing"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestPredictSortedAcrossEvents(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-01T00:00:30Z")
	events := []catalog.Event{
		{ID: "quarter", Enabled: true, Timing: []timing.Rule{{Type: timing.KindSchedule, Enabled: true, Minutes: []int{0, 15, 30, 45}}}},
		{ID: "delayed", Enabled: true, Timing: []timing.Rule{
			{Type: timing.KindSchedule, Enabled: true, Minutes: []int{10}},
			{Type: timing.KindDelay, Enabled: true, Duration: 600},
		}},
	}
	f := New(timing.NewEvaluator(time.UTC)).Predict(context.Background(), events, Options{Duration: time.Hour}, now)

	base := mustTime(t, "2024-01-01T00:00:00Z").Unix()
	want := []Upcoming{
		{Event: "quarter", Epoch: base + 15*60, Type: timing.KindSchedule},
		{Event: "delayed", Epoch: base + 20*60, Type: timing.KindSchedule},
		{Event: "quarter", Epoch: base + 30*60, Type: timing.KindSchedule},
		{Event: "quarter", Epoch: base + 45*60, Type: timing.KindSchedule},
		{Event: "quarter", Epoch: base + 60*60, Type: timing.KindSchedule},
	}
	if !reflect.DeepEqual(f.Items, want) {
		t.Fatalf("Items = %+v, want %+v", f.Items, want)
	}
}

func TestPredictDoesNotConsumeSingles(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-01T00:00:00Z")
	events := []catalog.Event{{ID: "once", Enabled: true, Timing: []timing.Rule{
		{Type: timing.KindSingle, Enabled: true, Epoch: now.Add(5 * time.Minute).Unix()},
	}}}
	p := New(timing.NewEvaluator(time.UTC))
	for i := 0; i < 2; i++ {
		f := p.Predict(context.Background(), events, Options{Duration: time.Hour}, now)
		if len(f.Items) != 1 || f.Items[0].Type != timing.KindSingle {
			t.Fatalf("pass %d: Items = %+v, want one single", i, f.Items)
		}
	}
	if !events[0].Timing[0].Enabled {
		t.Fatal("input rule was consumed")
	}
}

func TestPredictLimits(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-01T00:00:00Z")
	every := []catalog.Event{
		{ID: "a", Enabled: true, Timing: []timing.Rule{{Type: timing.KindSchedule, Enabled: true}}},
		{ID: "loop", Enabled: true, Timing: []timing.Rule{{Type: timing.KindContinuous, Enabled: true}}},
		{ID: "off", Enabled: false, Timing: []timing.Rule{{Type: timing.KindSchedule, Enabled: true}}},
	}
	p := New(timing.NewEvaluator(time.UTC))

	f := p.Predict(context.Background(), every, Options{Duration: time.Hour, Max: 5}, now)
	if len(f.Items) != 5 {
		t.Fatalf("len(Items) = %d, want 5", len(f.Items))
	}
	for _, it := range f.Items {
		if it.Event != "a" {
			t.Fatalf("unexpected event %s in forecast", it.Event)
		}
	}

	f = p.Predict(context.Background(), every, Options{Duration: time.Hour, Burn: 10}, now)
	if !f.Exhausted || f.Evaluations != 10 || len(f.Items) != 10 {
		t.Fatalf("burn forecast = %d items, %d evals, exhausted=%v", len(f.Items), f.Evaluations, f.Exhausted)
	}
}
