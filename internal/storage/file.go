package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"jobmaster/internal/jobs"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (compacted event states)
//   - <prefix>.state.journal.jsonl (append-only state changes)
//   - <prefix>.jobs.jsonl          (append-only job archive)
//
// The journal is compacted into the snapshot on open and every 1000 writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	jobsPath     string
	jobsFile     *os.File

	states map[string]timing.State
	writes int
}

type stateRecord struct {
	Event   string       `json:"event"`
	State   timing.State `json:"state"`
	Deleted bool         `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".state.snapshot.json",
		jobsPath:     prefix + ".jobs.jsonl",
		states:       map[string]timing.State{},
	}
	if err := loadSnapshot(s.snapshotPath, s.states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	journalPath := prefix + ".state.journal.jsonl"
	if err := replayJournal(journalPath, s.states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	af, err := os.OpenFile(s.jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.jobsFile = af

	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		log.Debug("state compact failed", logx.Err(err))
	}
	s.mu.Unlock()
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.jobsFile != nil {
		errs = append(errs, s.jobsFile.Close())
		s.jobsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) LoadStates(context.Context) (map[string]timing.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]timing.State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) SaveState(_ context.Context, eventID string, st timing.State) error {
	return s.append(stateRecord{Event: eventID, State: st})
}

func (s *fileStore) DeleteState(_ context.Context, eventID string) error {
	return s.append(stateRecord{Event: eventID, Deleted: true})
}

func (s *fileStore) append(r stateRecord) error {
	if strings.TrimSpace(r.Event) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	applyRecord(s.states, r)
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ArchiveJob(_ context.Context, j jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.jobsFile).Encode(j)
}

func (s *fileStore) RecentJobs(_ context.Context, eventID string, n int) ([]jobs.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.jobsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Keep the last n matches in a ring, then reverse to newest first.
	ring := make([]jobs.Job, 0, n)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var j jobs.Job
		if err := json.Unmarshal(sc.Bytes(), &j); err != nil {
			continue
		}
		if eventID != "" && j.Event != eventID {
			continue
		}
		if len(ring) < n {
			ring = append(ring, j)
			continue
		}
		ring[next] = j
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]jobs.Job, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.states); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func applyRecord(m map[string]timing.State, r stateRecord) {
	if r.Deleted {
		delete(m, r.Event)
		return
	}
	m[r.Event] = r.State
}

func loadSnapshot(path string, out map[string]timing.State) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]timing.State
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]timing.State) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r stateRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Event == "" {
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}
