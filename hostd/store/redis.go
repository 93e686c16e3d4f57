package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/itskum47/hostforge/hostd/observability"
	"github.com/redis/go-redis/v9"
)

const popDueRetries = 5

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace Namespace
}

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	mu     sync.RWMutex
	client *redis.Client
	opts   RedisOptions
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := newRedisClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	return &RedisStore{client: client, opts: opts}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, ns Namespace) *RedisStore {
	return &RedisStore{client: client, opts: RedisOptions{Addr: client.Options().Addr, Namespace: ns}}
}

func newRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

func (s *RedisStore) c() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *RedisStore) k(key string) string {
	return s.opts.Namespace.Key(key)
}

func observe(backend string, start time.Time) {
	observability.StoreLatency.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}

func (s *RedisStore) Ping(ctx context.Context) error {
	defer observe("redis", time.Now())
	return s.c().Ping(ctx).Err()
}

// Reconnect replaces the client with a fresh connection pool.
func (s *RedisStore) Reconnect(ctx context.Context) error {
	client := newRedisClient(s.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}
	s.mu.Lock()
	old := s.client
	s.client = client
	s.mu.Unlock()
	_ = old.Close()
	return nil
}

func (s *RedisStore) Close() error {
	return s.c().Close()
}

// --- Key-Value Operations ---

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	defer observe("redis", time.Now())
	v, err := s.c().Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	defer observe("redis", time.Now())
	return s.c().Set(ctx, s.k(key), value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	defer observe("redis", time.Now())
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.k(k)
	}
	return s.c().Del(ctx, full...).Err()
}

// --- List Operations ---

func (s *RedisStore) Push(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	defer observe("redis", time.Now())
	return s.c().RPush(ctx, s.k(key), toArgs(values)...).Err()
}

func (s *RedisStore) Pop(ctx context.Context, key string) ([]byte, error) {
	defer observe("redis", time.Now())
	v, err := s.c().LPop(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	return v, err
}

func (s *RedisStore) PopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	// BLPOP with 0 blocks forever; go-redis rounds sub-second timeouts up to 1s.
	if timeout <= 0 {
		return s.Pop(ctx, key)
	}
	res, err := s.c().BLPop(ctx, timeout, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	// BLPOP replies with [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}
	return []byte(res[1]), nil
}

func (s *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	defer observe("redis", time.Now())
	return s.c().LLen(ctx, s.k(key)).Result()
}

func (s *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	defer observe("redis", time.Now())
	vals, err := s.c().LRange(ctx, s.k(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// --- Schedule Operations ---

func (s *RedisStore) ScheduleAt(ctx context.Context, key string, value []byte, dueAt time.Time) error {
	defer observe("redis", time.Now())
	return s.c().ZAdd(ctx, s.k(key), redis.Z{Score: score(dueAt), Member: string(value)}).Err()
}

// PopDue reads the due range under WATCH and applies ZREM plus the planned batch in
// one MULTI/EXEC. A concurrent writer to the schedule set aborts the transaction and
// the read is retried, so no member is handed out twice.
func (s *RedisStore) PopDue(ctx context.Context, schedKey, queueKey string, now time.Time, planner DuePlanner) (int, error) {
	defer observe("redis", time.Now())

	sk, qk := s.k(schedKey), s.k(queueKey)
	popped := 0
	txf := func(tx *redis.Tx) error {
		popped = 0
		members, err := tx.ZRangeByScore(ctx, sk, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatFloat(score(now), 'f', -1, 64),
		}).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}

		due := make([][]byte, len(members))
		rem := make([]interface{}, len(members))
		for i, m := range members {
			due[i] = []byte(m)
			rem[i] = m
		}
		batch, err := planner(due)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, sk, rem...)
			if len(batch.Enqueue) > 0 {
				pipe.RPush(ctx, qk, toArgs(batch.Enqueue)...)
			}
			for _, item := range batch.Schedule {
				pipe.ZAdd(ctx, sk, redis.Z{Score: score(item.DueAt), Member: string(item.Value)})
			}
			return nil
		})
		if err == nil {
			popped = len(members)
		}
		return err
	}

	for i := 0; i < popDueRetries; i++ {
		err := s.c().Watch(ctx, txf, sk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return popped, err
	}
	return 0, fmt.Errorf("pop due %s: %w", schedKey, redis.TxFailedErr)
}

func (s *RedisStore) ScheduledCount(ctx context.Context, key string) (int64, error) {
	defer observe("redis", time.Now())
	return s.c().ZCard(ctx, s.k(key)).Result()
}

// --- Lease Operations ---

// AcquireLease uses SET key value NX PX ttl.
func (s *RedisStore) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	defer observe("redis", time.Now())
	return s.c().SetNX(ctx, s.k(key), value, ttl).Result()
}

var renewLeaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	end
	return 0
`)

var releaseLeaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// RenewLease extends the TTL if the lease is held by value.
func (s *RedisStore) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	defer observe("redis", time.Now())
	n, err := renewLeaseScript.Run(ctx, s.c(), []string{s.k(key)}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease deletes the lease if it is held by value.
func (s *RedisStore) ReleaseLease(ctx context.Context, key, value string) error {
	defer observe("redis", time.Now())
	return releaseLeaseScript.Run(ctx, s.c(), []string{s.k(key)}, value).Err()
}

// score maps a due time to the sorted-set score in epoch seconds with millisecond precision.
func score(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func toArgs(values [][]byte) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
