package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"jobmaster/internal/jobs"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"
)

func openTestFile(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return st
}

func TestFileStatesSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st := openTestFile(t, path)
	if err := st.SaveState(ctx, "a", timing.State{Cursor: 60, LastJob: "j1"}); err != nil {
		t.Fatalf("SaveState error: %v", err)
	}
	_ = st.SaveState(ctx, "a", timing.State{Cursor: 120, LastJob: "j2", LastCode: 1})
	_ = st.SaveState(ctx, "b", timing.State{Cursor: 60})
	_ = st.DeleteState(ctx, "b")
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st = openTestFile(t, path)
	defer st.Close()
	got, err := st.LoadStates(ctx)
	if err != nil {
		t.Fatalf("LoadStates error: %v", err)
	}
	want := timing.State{Cursor: 120, LastJob: "j2", LastCode: 1}
	if len(got) != 1 || got["a"] != want {
		t.Fatalf("states = %+v, want only a=%+v", got, want)
	}
}

func TestFileRecentJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestFile(t, filepath.Join(t.TempDir(), "state.db"))
	defer st.Close()

	for i, ev := range []string{"x", "y", "x", "x", "y"} {
		j := jobs.Job{ID: string(rune('a' + i)), Event: ev, State: jobs.StateCompleted, Completed: int64(i)}
		if err := st.ArchiveJob(ctx, j); err != nil {
			t.Fatalf("ArchiveJob error: %v", err)
		}
	}

	tests := []struct {
		event string
		n     int
		want  string
	}{
		{"x", 2, "dc"},
		{"x", 10, "dca"},
		{"", 3, "edc"},
		{"y", 1, "e"},
		{"z", 5, ""},
	}
	for _, tt := range tests {
		got, err := st.RecentJobs(ctx, tt.event, tt.n)
		if err != nil {
			t.Fatalf("RecentJobs error: %v", err)
		}
		var ids string
		for _, j := range got {
			ids += j.ID
		}
		if ids != tt.want {
			t.Fatalf("RecentJobs(%q, %d) = %q, want %q", tt.event, tt.n, ids, tt.want)
		}
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestRebindPlaceholders(t *testing.T) {
	t.Parallel()
	cases := []struct {
		driver string
		want   string
	}{
		{"pgx", "a = $1 AND b = $2"},
		{"sqlite", "a = ? AND b = ?"},
	}
	for _, tc := range cases {
		s := newSQLStore(sqlx.NewDb(nil, tc.driver), Config{}, logx.Nop())
		if got := s.db.Rebind("a = ? AND b = ?"); got != tc.want {
			t.Fatalf("Rebind(%s) = %q, want %q", tc.driver, got, tc.want)
		}
	}
}
