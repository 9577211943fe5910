package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/runflow/pkg/api"
)

// RedisStore is a RunStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>         => JSON-encoded run with its steps
//	<prefix>idx:runs         => ZSET of run ids scored by creation time
//	<prefix>events:<id>      => LIST of JSON-encoded trace events
//	<prefix>events:seq:<id>  => per-run event sequence counter
//
// Run writes are optimistic transactions (WATCH/MULTI); a transaction that
// loses a race is retried until LockOptions.MaxWait is spent.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	locks  *runLocks
	opts   LockOptions
}

var _ RunStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. The key prefix defaults to "runflow:".
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	cfg := newStoreConfig(opts)
	if cfg.prefix == "" {
		cfg.prefix = "runflow:"
	}
	return &RedisStore{client: client, prefix: cfg.prefix, locks: newRunLocks(), opts: cfg.lock}
}

// OpenRedis parses a redis:// URL and returns a store over a new client.
func OpenRedis(ctx context.Context, url string, opts ...Option) (*RedisStore, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisStore(client, opts...), nil
}

// Client returns the store's Redis client.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

// Prefix returns the key prefix the store writes under.
func (s *RedisStore) Prefix() string { return s.prefix }

func (s *RedisStore) keyRun(id string) string      { return s.prefix + "run:" + id }
func (s *RedisStore) keyIndex() string             { return s.prefix + "idx:runs" }
func (s *RedisStore) keyEvents(id string) string   { return s.prefix + "events:" + id }
func (s *RedisStore) keyEventSeq(id string) string { return s.prefix + "events:seq:" + id }

func isRedisBusy(err error) bool {
	return errors.Is(err, redis.TxFailedErr)
}

func (s *RedisStore) CreateRun(ctx context.Context, run *api.RunRecord) error {
	doc, err := toRunDoc(run)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	key := s.keyRun(run.RunID)
	return withRunLock(ctx, s.locks, s.opts, run.RunID, isRedisBusy, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return duplicateRun(run.RunID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.ZAdd(ctx, s.keyIndex(), redis.Z{Score: float64(doc.CreatedAt), Member: run.RunID})
				return nil
			})
			return err
		}, key)
	})
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c redisGetter, runID string) (runDoc, error) {
	data, err := c.Get(ctx, s.keyRun(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return runDoc{}, runNotFound(runID)
		}
		return runDoc{}, err
	}
	var doc runDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return runDoc{}, err
	}
	return doc, nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*api.RunRecord, error) {
	doc, err := s.load(ctx, s.client, runID)
	if err != nil {
		return nil, err
	}
	return doc.record()
}

func (s *RedisStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyIndex(), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.RunRecord{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.RunRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var runs []*api.RunRecord
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var doc runDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		doc.Steps = nil
		run, err := doc.record()
		if err != nil {
			return nil, err
		}
		if matchesFilter(run, filter) {
			runs = append(runs, run)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].RunID > runs[j].RunID
	})
	return page(runs, filter), nil
}

// mutate applies fn to the stored run inside a WATCH/MULTI transaction.
func (s *RedisStore) mutate(ctx context.Context, runID string, fn func(doc *runDoc) error) error {
	key := s.keyRun(runID)
	return withRunLock(ctx, s.locks, s.opts, runID, isRedisBusy, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			doc, err := s.load(ctx, tx, runID)
			if err != nil {
				return err
			}
			if err := fn(&doc); err != nil {
				return err
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
	})
}

func (s *RedisStore) UpdateRun(ctx context.Context, run *api.RunRecord, expect api.RunStatus) error {
	return s.Commit(ctx, run, nil, expect)
}

func (s *RedisStore) AppendStep(ctx context.Context, runID string, step api.StepRecord) error {
	sd, err := toStepDoc(step)
	if err != nil {
		return err
	}
	return s.mutate(ctx, runID, func(doc *runDoc) error {
		for _, existing := range doc.Steps {
			if existing.StepID == sd.StepID {
				return stepExists(runID, sd.StepID)
			}
		}
		doc.Steps = upsertStepDoc(doc.Steps, sd)
		return nil
	})
}

func (s *RedisStore) UpdateStep(ctx context.Context, runID string, step api.StepRecord) error {
	sd, err := toStepDoc(step)
	if err != nil {
		return err
	}
	return s.mutate(ctx, runID, func(doc *runDoc) error {
		for i := range doc.Steps {
			if doc.Steps[i].StepID == sd.StepID {
				doc.Steps[i] = sd
				return nil
			}
		}
		return stepNotFound(runID, sd.StepID)
	})
}

func (s *RedisStore) Commit(ctx context.Context, run *api.RunRecord, step *api.StepRecord, expect api.RunStatus) error {
	next, err := toRunDoc(run)
	if err != nil {
		return err
	}
	var sd *stepDoc
	if step != nil {
		d, err := toStepDoc(*step)
		if err != nil {
			return err
		}
		sd = &d
	}
	return s.mutate(ctx, run.RunID, func(doc *runDoc) error {
		if expect != "" && api.RunStatus(doc.Status) != expect {
			return statusMismatch(run.RunID, expect, api.RunStatus(doc.Status))
		}
		steps := doc.Steps
		if sd != nil {
			steps = upsertStepDoc(steps, *sd)
		}
		createdAt := doc.CreatedAt
		*doc = next
		doc.Steps = steps
		doc.CreatedAt = createdAt
		return nil
	})
}

// AppendEvent bumps the run's event counter and pushes the event in one
// optimistic transaction, so the list is always in sequence order.
func (s *RedisStore) AppendEvent(ctx context.Context, ev api.TraceEvent) (int64, error) {
	doc, err := toEventDoc(ev)
	if err != nil {
		return 0, err
	}
	seqKey, listKey := s.keyEventSeq(ev.RunID), s.keyEvents(ev.RunID)
	var seq int64
	err = withRunLock(ctx, s.locks, s.opts, "events:"+ev.RunID, isRedisBusy, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, seqKey).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			doc.Seq = cur + 1
			data, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, seqKey, doc.Seq, 0)
				pipe.RPush(ctx, listKey, data)
				return nil
			})
			if err == nil {
				seq = doc.Seq
			}
			return err
		}, seqKey)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *RedisStore) ListEvents(ctx context.Context, runID string) ([]api.TraceEvent, error) {
	items, err := s.client.LRange(ctx, s.keyEvents(runID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]api.TraceEvent, 0, len(items))
	for _, item := range items {
		var d eventDoc
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			return nil, err
		}
		ev, err := d.record()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
