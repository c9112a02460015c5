package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmaster/internal/jobs"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"
)

// redisStore keeps states in one hash and the archive in capped lists,
// one per event plus one for all events.
type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	prefix string
	max    int64
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("redis dsn: %w", err)
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "jobmaster:"
	}
	max := int64(cfg.ArchiveMax)
	if max <= 0 {
		max = 1000
	}
	log.Info("redis storage connected", logx.String("addr", opts.Addr), logx.Int("db", opts.DB))
	return &redisStore{rdb: rdb, log: log, prefix: prefix, max: max}, nil
}

func (s *redisStore) statesKey() string { return s.prefix + "state" }

func (s *redisStore) jobsKey(eventID string) string {
	if eventID == "" {
		return s.prefix + "jobs"
	}
	return s.prefix + "jobs:" + eventID
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) LoadStates(ctx context.Context) (map[string]timing.State, error) {
	raw, err := s.rdb.HGetAll(ctx, s.statesKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]timing.State, len(raw))
	for id, v := range raw {
		var st timing.State
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			s.log.Debug("event state unreadable", logx.String("event", id), logx.Err(err))
			continue
		}
		out[id] = st
	}
	return out, nil
}

func (s *redisStore) SaveState(ctx context.Context, eventID string, st timing.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.statesKey(), eventID, b).Err()
}

func (s *redisStore) DeleteState(ctx context.Context, eventID string) error {
	return s.rdb.HDel(ctx, s.statesKey(), eventID).Err()
}

func (s *redisStore) ArchiveJob(ctx context.Context, j jobs.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range []string{s.jobsKey(j.Event), s.jobsKey("")} {
			p.LPush(ctx, key, b)
			p.LTrim(ctx, key, 0, s.max-1)
		}
		return nil
	})
	return err
}

func (s *redisStore) RecentJobs(ctx context.Context, eventID string, n int) ([]jobs.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, s.jobsKey(eventID), 0, int64(n)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Job, 0, len(raw))
	for _, v := range raw {
		var j jobs.Job
		if err := json.Unmarshal([]byte(v), &j); err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
