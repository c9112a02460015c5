package timing

import (
	"context"
	"testing"
	"time"
)

func TestAdvanceCursorIdempotent(t *testing.T) {
	t.Parallel()
	at := mustTime(t, "2024-01-01T04:30:42Z")
	st := State{Cursor: at.Unix() - 3600, LastJob: "j1", LastCode: 3}

	once := AdvanceCursor(st, at)
	twice := AdvanceCursor(AdvanceCursor(st, at), at)
	if once != twice {
		t.Fatalf("AdvanceCursor twice = %+v, once = %+v", twice, once)
	}
	if once.Cursor != mustTime(t, "2024-01-01T04:30:00Z").Unix() {
		t.Fatalf("Cursor = %d, want minute floor", once.Cursor)
	}
	if once.LastJob != "j1" || once.LastCode != 3 {
		t.Fatalf("bookkeeping lost: %+v", once)
	}

	// Never moves backwards.
	if back := AdvanceCursor(once, at.Add(-time.Hour)); back.Cursor != once.Cursor {
		t.Fatalf("Cursor moved back to %d", back.Cursor)
	}
}

func TestWindowCatchupFiveMinutes(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-01T10:00:20Z")
	rules := []Rule{{Type: KindCatchup, Enabled: true}, {Type: KindSchedule, Enabled: true}}
	st := State{Cursor: MinuteFloor(now) - 5*60}

	b := Window(rules, st, now, 0)
	if b.Truncated {
		t.Fatal("unexpected truncation")
	}
	if len(b.Minutes) != 5 {
		t.Fatalf("len(Minutes) = %d, want 5", len(b.Minutes))
	}
	for i, m := range b.Minutes {
		want := st.Cursor + int64(i+1)*60
		if m.Unix() != want {
			t.Fatalf("Minutes[%d] = %d, want %d", i, m.Unix(), want)
		}
	}

	// Evaluating and advancing each minute leaves the cursor at now.
	e := NewEvaluator(time.UTC)
	fired := 0
	for _, m := range b.Minutes {
		if e.ShouldFire(context.Background(), "ev", rules, m).Fire {
			fired++
		}
		st = AdvanceCursor(st, m)
	}
	if fired != 5 {
		t.Fatalf("fired = %d, want 5", fired)
	}
	if st.Cursor != MinuteFloor(now) {
		t.Fatalf("Cursor = %d, want %d", st.Cursor, MinuteFloor(now))
	}
	if again := Window(rules, st, now, 0); len(again.Minutes) != 0 {
		t.Fatalf("second window = %d minutes, want 0", len(again.Minutes))
	}
}

func TestWindowCatchupHonorsGatesPerMinute(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-01T10:05:00Z")
	rules := []Rule{
		{Type: KindCatchup, Enabled: true},
		{Type: KindSchedule, Enabled: true},
		{Type: KindBlackout, Enabled: true, Start: now.Unix() - 180, End: now.Unix() - 120},
	}
	b := Window(rules, State{Cursor: now.Unix() - 300}, now, 0)
	e := NewEvaluator(time.UTC)
	var fired []int64
	for _, m := range b.Minutes {
		if e.ShouldFire(context.Background(), "ev", rules, m).Fire {
			fired = append(fired, (now.Unix()-m.Unix())/60)
		}
	}
	// Minutes 4,3,2,1,0 behind now; 3 and 2 are blacked out.
	want := []int64{4, 1, 0}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
}

func TestWindowTruncatesBacklog(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-10T00:00:00Z")
	rules := []Rule{{Type: KindCatchup, Enabled: true}}
	st := State{Cursor: now.Unix() - 1000*60}

	b := Window(rules, st, now, 100)
	if !b.Truncated {
		t.Fatal("expected truncation")
	}
	if len(b.Minutes) != 100 {
		t.Fatalf("len(Minutes) = %d, want 100", len(b.Minutes))
	}
	if b.Cursor != now.Unix()-100*60 {
		t.Fatalf("Cursor = %d, want now-100m", b.Cursor)
	}
	if b.Skipped != 900 {
		t.Fatalf("Skipped = %d, want 900", b.Skipped)
	}
	if first := b.Minutes[0].Unix(); first != b.Cursor+60 {
		t.Fatalf("first minute = %d, want cursor+60", first)
	}
	if last := b.Minutes[len(b.Minutes)-1].Unix(); last != now.Unix() {
		t.Fatalf("last minute = %d, want now", last)
	}
}

func TestWindowWithoutCatchup(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-10T00:00:30Z")
	rules := []Rule{{Type: KindSchedule, Enabled: true}}

	b := Window(rules, State{Cursor: now.Unix() - 3600}, now, 0)
	if len(b.Minutes) != 1 || b.Minutes[0].Unix() != MinuteFloor(now) {
		t.Fatalf("Minutes = %v, want only now", b.Minutes)
	}
	if b := Window(rules, State{Cursor: MinuteFloor(now)}, now, 0); len(b.Minutes) != 0 {
		t.Fatalf("already processed minute returned %d minutes", len(b.Minutes))
	}

	// Catch-up with no cursor yet starts at now.
	catchup := []Rule{{Type: KindCatchup, Enabled: true}}
	if b := Window(catchup, State{}, now, 0); len(b.Minutes) != 1 {
		t.Fatalf("fresh catchup returned %d minutes, want 1", len(b.Minutes))
	}
}
