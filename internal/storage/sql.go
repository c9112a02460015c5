package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"jobmaster/internal/jobs"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// sqlStore serves both sqlite and postgres. Queries are written with "?" and
// rebound for the driver.
type sqlStore struct {
	db         *sqlx.DB
	log        logx.Logger
	retain     time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sqlx.DB, cfg Config, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, log: log, retain: cfg.ArchiveRetention, pruneEvery: 500}
}

type stateRow struct {
	EventID  string `db:"event_id"`
	Cursor   int64  `db:"cursor_at"`
	LastJob  string `db:"last_job"`
	LastCode int    `db:"last_code"`
}

// migrate runs each statement separately; postgres rejects multi-statement prepared queries.
func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrations, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LoadStates(ctx context.Context) (map[string]timing.State, error) {
	var rows []stateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT event_id, cursor_at, last_job, last_code FROM event_state`); err != nil {
		return nil, err
	}
	out := make(map[string]timing.State, len(rows))
	for _, r := range rows {
		out[r.EventID] = timing.State{Cursor: r.Cursor, LastJob: r.LastJob, LastCode: r.LastCode}
	}
	return out, nil
}

func (s *sqlStore) SaveState(ctx context.Context, eventID string, st timing.State) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO event_state(event_id, cursor_at, last_job, last_code, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(event_id) DO UPDATE SET cursor_at=excluded.cursor_at, last_job=excluded.last_job,
		 last_code=excluded.last_code, updated_at=excluded.updated_at`),
		eventID, st.Cursor, st.LastJob, st.LastCode, time.Now().Unix(),
	)
	return err
}

func (s *sqlStore) DeleteState(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM event_state WHERE event_id = ?`), eventID)
	return err
}

func (s *sqlStore) ArchiveJob(ctx context.Context, j jobs.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO job_archive(id, event_id, state, code, completed, record) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, code=excluded.code,
		 completed=excluded.completed, record=excluded.record`),
		j.ID, j.Event, string(j.State), j.Code, j.Completed, string(b),
	)
	if err == nil && s.retain > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("archive prune failed", logx.Err(err))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) prune(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retain).Unix()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM job_archive WHERE completed < ?`), cutoff)
	return err
}

func (s *sqlStore) RecentJobs(ctx context.Context, eventID string, n int) ([]jobs.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	var records []string
	var err error
	if eventID == "" {
		err = s.db.SelectContext(ctx, &records, s.db.Rebind(`SELECT record FROM job_archive ORDER BY completed DESC, id DESC LIMIT ?`), n)
	} else {
		err = s.db.SelectContext(ctx, &records, s.db.Rebind(`SELECT record FROM job_archive WHERE event_id = ? ORDER BY completed DESC, id DESC LIMIT ?`), eventID, n)
	}
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Job, 0, len(records))
	for _, raw := range records {
		var j jobs.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			s.log.Debug("archived job unreadable", logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
