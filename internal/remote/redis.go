package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/taskify/tasksync/internal/task"
)

// RedisStore is a Store backed by Redis.
//
// Layout (prefix defaults to "taskify:"):
//
//	{prefix}task:{id}        JSON document of the task
//	{prefix}owner:{owner}    set of task ids owned by owner
//	{prefix}changes:{owner}  pub/sub channel, one message per write
//
// Because every write is announced on the owner's channel, RedisStore also
// implements ChangeFeed: several server processes sharing one Redis see
// each other's writes.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DefaultRedisConfig returns the default connection settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "taskify:",
	}
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig, logger *log.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.Prefix, logger), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, logger *log.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisConfig().Prefix
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) taskKey(id string) string     { return s.prefix + "task:" + id }
func (s *RedisStore) ownerKey(owner string) string { return s.prefix + "owner:" + owner }
func (s *RedisStore) channel(owner string) string  { return s.prefix + "changes:" + owner }

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id string) (task.Task, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (task.Task, error) {
	data, err := c.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("%w: failed to get task %s: %v", ErrUnavailable, id, err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return task.Task{}, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return t, nil
}

// Upsert implements Store.Upsert.
func (s *RedisStore) Upsert(ctx context.Context, t task.Task) error {
	if err := checkUpsert(t); err != nil {
		return err
	}
	t = stored(t)

	var prevOwner string
	err := s.watch(ctx, t.ID, func(tx *redis.Tx) error {
		prev, err := s.get(ctx, tx, t.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			prevOwner = ""
		case err != nil:
			return err
		default:
			prevOwner = prev.OwnerID
		}
		return s.put(ctx, tx, t, prevOwner)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, t.OwnerID, t.ID)
	if prevOwner != "" && prevOwner != t.OwnerID {
		s.publish(ctx, prevOwner, t.ID)
	}
	return nil
}

// Patch implements Store.Patch.
func (s *RedisStore) Patch(ctx context.Context, id string, p task.Patch) error {
	var owner string
	err := s.watch(ctx, id, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := applyPatch(cur, p)
		if err != nil {
			return err
		}
		owner = next.OwnerID
		return s.put(ctx, tx, next, cur.OwnerID)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, owner, id)
	return nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var owner string
	err := s.watch(ctx, id, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		owner = cur.OwnerID

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.taskKey(id))
			pipe.SRem(ctx, s.ownerKey(owner), id)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	if owner != "" {
		s.publish(ctx, owner, id)
	}
	return nil
}

// FetchAllForOwner implements Store.FetchAllForOwner.
func (s *RedisStore) FetchAllForOwner(ctx context.Context, owner string) ([]task.Task, error) {
	ids, err := s.client.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list tasks for %s: %v", ErrUnavailable, owner, err)
	}

	out := make([]task.Task, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load tasks for %s: %v", ErrUnavailable, owner, err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a document, left by an interrupted write.
			s.client.SRem(ctx, s.ownerKey(owner), ids[i])
			continue
		}
		var t task.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.logger.Printf("WARNING: skipping undecodable task %s: %v", ids[i], err)
			continue
		}
		if t.OwnerID != owner {
			continue
		}
		out = append(out, t)
	}

	sortTasks(out)
	return out, nil
}

// Watch implements ChangeFeed using the owner's pub/sub channel.
func (s *RedisStore) Watch(ctx context.Context, owner string, onChange func()) (func(), error) {
	pubsub := s.client.Subscribe(ctx, s.channel(owner))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %v", ErrUnavailable, owner, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range pubsub.Channel() {
			onChange()
		}
	}()

	return func() {
		_ = pubsub.Close()
		<-done
	}, nil
}

// watch runs fn inside an optimistic transaction on the task key, retrying
// when another writer touched the key first.
func (s *RedisStore) watch(ctx context.Context, id string, fn func(*redis.Tx) error) error {
	const maxRetries = 5

	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, fn, s.taskKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !isDomainErr(err) {
			return fmt.Errorf("%w: failed to write task %s: %v", ErrUnavailable, id, err)
		}
		return err
	}
	return fmt.Errorf("%w: task %s kept changing, gave up after %d attempts", ErrUnavailable, id, maxRetries)
}

func (s *RedisStore) put(ctx context.Context, tx *redis.Tx, t task.Task, prevOwner string) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(t.ID), data, 0)
		pipe.SAdd(ctx, s.ownerKey(t.OwnerID), t.ID)
		if prevOwner != "" && prevOwner != t.OwnerID {
			pipe.SRem(ctx, s.ownerKey(prevOwner), t.ID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) publish(ctx context.Context, owner, id string) {
	if err := s.client.Publish(ctx, s.channel(owner), id).Err(); err != nil {
		s.logger.Printf("WARNING: failed to announce change of %s: %v", id, err)
	}
}

func isDomainErr(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected) || errors.Is(err, ErrUnavailable)
}
