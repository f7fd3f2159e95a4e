package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// redisStore keeps definitions as JSON in one hash keyed by id, with a
// second hash indexing names.
//
// Keys:
//   - <prefix>:seq    id counter
//   - <prefix>:defs   id -> definition JSON
//   - <prefix>:names  name -> id
type redisStore struct {
	client *redis.Client
	log    logx.Logger

	seqKey   string
	defsKey  string
	namesKey string
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = "taskd"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	return &redisStore{
		client:   client,
		log:      log,
		seqKey:   prefix + ":seq",
		defsKey:  prefix + ":defs",
		namesKey: prefix + ":names",
	}
}

func (s *redisStore) GetTasks(ctx context.Context) ([]*task.Definition, error) {
	all, err := s.client.HGetAll(ctx, s.defsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*task.Definition, 0, len(all))
	for id, raw := range all {
		d, err := decodeDefinition(raw)
		if err != nil {
			s.log.Warn("skipping undecodable definition", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *task.Definition) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *redisStore) GetTask(ctx context.Context, id int64) (*task.Definition, error) {
	raw, err := s.client.HGet(ctx, s.defsKey, strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDefinition(raw)
}

func (s *redisStore) GetTaskByName(ctx context.Context, name string) (*task.Definition, error) {
	id, err := s.client.HGet(ctx, s.namesKey, name).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: name %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *redisStore) CreateTask(ctx context.Context, def *task.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	id, err := s.client.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return err
	}
	ok, err := s.client.HSetNX(ctx, s.namesKey, def.Name, id).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
	}

	def.ID = id
	stamp(ctx, def, time.Now(), true)
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.defsKey, strconv.FormatInt(id, 10), raw).Err(); err != nil {
		_ = s.client.HDel(ctx, s.namesKey, def.Name).Err()
		return err
	}
	return nil
}

func (s *redisStore) UpdateTask(ctx context.Context, def *task.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	cur, err := s.GetTask(ctx, def.ID)
	if err != nil {
		return err
	}
	if cur.Name != def.Name {
		ok, err := s.client.HSetNX(ctx, s.namesKey, def.Name, def.ID).Result()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
		}
	}

	def.CreatedAt = cur.CreatedAt
	stamp(ctx, def, time.Now(), false)
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.defsKey, strconv.FormatInt(def.ID, 10), raw)
		if cur.Name != def.Name {
			pipe.HDel(ctx, s.namesKey, cur.Name)
		}
		return nil
	})
	return err
}

func (s *redisStore) DeleteTask(ctx context.Context, id int64) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.defsKey, strconv.FormatInt(id, 10))
		pipe.HDel(ctx, s.namesKey, cur.Name)
		return nil
	})
	return err
}

// SetLastExecutionTime rewrites one definition under WATCH so a concurrent
// UpdateTask is not lost.
func (s *redisStore) SetLastExecutionTime(ctx context.Context, id int64, at time.Time) error {
	field := strconv.FormatInt(id, 10)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, s.defsKey, field).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		d, err := decodeDefinition(raw)
		if err != nil {
			return err
		}
		t := at
		d.LastExecutionTime = &t
		stamp(ctx, d, time.Now(), false)
		out, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.defsKey, field, out)
			return nil
		})
		return err
	}, s.defsKey)
}

func (s *redisStore) Close() error { return s.client.Close() }

func decodeDefinition(raw string) (*task.Definition, error) {
	var d task.Definition
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}
