// Package redis implements the run state store on Redis. Entries are JSON
// documents at "streaming:<kind>:<userId>::<jobId>" with a TTL refreshed on
// every write, so abandoned runs age out on their own even when no process is
// left to clean them up.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/runstate"
)

const (
	storeClientName = "runstate-redis"
	scanPattern     = "streaming:*"
	scanBatch       = 256
)

// Store is a Redis-backed runstate.Store.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// New constructs a Store on the given Redis connection.
func New(rdb *redis.Client) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{rdb: rdb, now: time.Now}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Register implements runstate.Store. The claim is atomic: a WATCH-backed
// transaction rejects the write when a running entry with a fresh heartbeat
// already holds the key.
func (s *Store) Register(ctx context.Context, st runstate.State) error {
	key := st.StoreKey()
	now := s.now().UnixMilli()
	if st.StartedAt == 0 {
		st.StartedAt = now
	}
	st.LastHeartbeatAt = now

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cur runstate.State
			if jerr := json.Unmarshal(raw, &cur); jerr == nil {
				if cur.Status == runstate.StatusRunning && !cur.Stale(s.now(), orchestrator.OrphanThreshold) {
					return runstate.ErrAlreadyActive
				}
			}
		}
		payload, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, orchestrator.StoreTTL(st.Kind))
			return nil
		})
		return err
	}
	err := s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost the claim race; whoever won is the active run.
		return runstate.ErrAlreadyActive
	}
	return err
}

// Update implements runstate.Store.
func (s *Store) Update(ctx context.Context, kind orchestrator.Kind, runKey string, p runstate.Patch) error {
	key := orchestrator.StoreKey(kind, runKey)
	st, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	st.Apply(p)
	st.LastHeartbeatAt = s.now().UnixMilli()
	return s.put(ctx, key, st)
}

// Heartbeat implements runstate.Store.
func (s *Store) Heartbeat(ctx context.Context, kind orchestrator.Kind, runKey string) error {
	key := orchestrator.StoreKey(kind, runKey)
	st, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	st.LastHeartbeatAt = s.now().UnixMilli()
	return s.put(ctx, key, st)
}

// Get implements runstate.Store.
func (s *Store) Get(ctx context.Context, kind orchestrator.Kind, runKey string) (runstate.State, error) {
	return s.get(ctx, orchestrator.StoreKey(kind, runKey))
}

// Remove implements runstate.Store.
func (s *Store) Remove(ctx context.Context, kind orchestrator.Kind, runKey string) error {
	return s.rdb.Del(ctx, orchestrator.StoreKey(kind, runKey)).Err()
}

// ListAll implements runstate.Store via SCAN over the streaming keyspace.
func (s *Store) ListAll(ctx context.Context) ([]runstate.State, error) {
	var out []runstate.State
	iter := s.rdb.Scan(ctx, 0, scanPattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		st, err := s.get(ctx, iter.Val())
		if err != nil {
			if errors.Is(err, runstate.ErrNotFound) {
				// Expired between SCAN and GET.
				continue
			}
			return nil, err
		}
		out = append(out, st)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListStale implements runstate.Store.
func (s *Store) ListStale(ctx context.Context, threshold time.Duration) ([]runstate.State, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []runstate.State
	for _, st := range all {
		if st.Stale(now, threshold) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) get(ctx context.Context, key string) (runstate.State, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return runstate.State{}, runstate.ErrNotFound
	}
	if err != nil {
		return runstate.State{}, err
	}
	var st runstate.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return runstate.State{}, fmt.Errorf("decode run state %s: %w", key, err)
	}
	return st, nil
}

func (s *Store) put(ctx context.Context, key string, st runstate.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, payload, orchestrator.StoreTTL(st.Kind)).Err()
}
