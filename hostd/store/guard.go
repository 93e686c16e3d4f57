package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/hostforge/hostd/observability"
	"go.uber.org/zap"
)

// Guard wraps a Store with a liveness check before storage operations.
// When the check fails it reconnects once; if that fails too the store is marked
// unavailable, every call returns ErrUnavailable and onFatal is invoked so the
// process can exit. Nothing degrades gracefully without the state store.
type Guard struct {
	inner    Store
	interval time.Duration
	logger   *zap.Logger
	onFatal  func(error)

	mu        sync.Mutex
	lastOK    time.Time
	available bool
	fatalOnce sync.Once
}

// NewGuard wraps inner. interval bounds how often Ping runs; zero pings on every call.
func NewGuard(inner Store, interval time.Duration, logger *zap.Logger, onFatal func(error)) *Guard {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Guard{
		inner:     inner,
		interval:  interval,
		logger:    logger.Named("store"),
		onFatal:   onFatal,
		available: true,
	}
}

// IsAvailable reports whether the backend is usable.
func (g *Guard) IsAvailable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.available
}

// check runs the liveness check when the last success is older than the interval.
func (g *Guard) check(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.available {
		return ErrUnavailable
	}
	if g.interval > 0 && time.Since(g.lastOK) < g.interval {
		return nil
	}

	pingErr := g.inner.Ping(ctx)
	if pingErr == nil {
		g.lastOK = time.Now()
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	g.logger.Warn("store liveness check failed, reconnecting", zap.Error(pingErr))
	if r, ok := g.inner.(Reconnector); ok {
		err := r.Reconnect(ctx)
		if err == nil {
			observability.StoreReconnects.WithLabelValues("ok").Inc()
			g.logger.Info("store reconnected")
			g.lastOK = time.Now()
			return nil
		}
		pingErr = err
	}
	observability.StoreReconnects.WithLabelValues("failed").Inc()

	g.available = false
	fatal := fmt.Errorf("%w: %v", ErrUnavailable, pingErr)
	g.logger.Error("store unavailable", zap.Error(pingErr))
	g.fatalOnce.Do(func() { go g.onFatal(fatal) })
	return fatal
}

func (g *Guard) Ping(ctx context.Context) error {
	return g.check(ctx)
}

func (g *Guard) Close() error {
	return g.inner.Close()
}

func (g *Guard) Get(ctx context.Context, key string) ([]byte, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	return g.inner.Get(ctx, key)
}

func (g *Guard) Set(ctx context.Context, key string, value []byte) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	return g.inner.Set(ctx, key, value)
}

func (g *Guard) Delete(ctx context.Context, keys ...string) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	return g.inner.Delete(ctx, keys...)
}

func (g *Guard) Push(ctx context.Context, key string, values ...[]byte) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	return g.inner.Push(ctx, key, values...)
}

func (g *Guard) Pop(ctx context.Context, key string) ([]byte, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	return g.inner.Pop(ctx, key)
}

func (g *Guard) PopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	return g.inner.PopBlocking(ctx, key, timeout)
}

func (g *Guard) Len(ctx context.Context, key string) (int64, error) {
	if err := g.check(ctx); err != nil {
		return 0, err
	}
	return g.inner.Len(ctx, key)
}

func (g *Guard) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	return g.inner.Range(ctx, key, start, stop)
}

func (g *Guard) ScheduleAt(ctx context.Context, key string, value []byte, dueAt time.Time) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	return g.inner.ScheduleAt(ctx, key, value, dueAt)
}

func (g *Guard) PopDue(ctx context.Context, schedKey, queueKey string, now time.Time, planner DuePlanner) (int, error) {
	if err := g.check(ctx); err != nil {
		return 0, err
	}
	return g.inner.PopDue(ctx, schedKey, queueKey, now, planner)
}

func (g *Guard) ScheduledCount(ctx context.Context, key string) (int64, error) {
	if err := g.check(ctx); err != nil {
		return 0, err
	}
	return g.inner.ScheduledCount(ctx, key)
}

func (g *Guard) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := g.check(ctx); err != nil {
		return false, err
	}
	return g.inner.AcquireLease(ctx, key, value, ttl)
}

func (g *Guard) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := g.check(ctx); err != nil {
		return false, err
	}
	return g.inner.RenewLease(ctx, key, value, ttl)
}

func (g *Guard) ReleaseLease(ctx context.Context, key, value string) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	return g.inner.ReleaseLease(ctx, key, value)
}

// Monitor pings the store every interval until ctx is done, so a lost connection
// is noticed even when nothing is using the store.
func (g *Guard) Monitor(ctx context.Context) error {
	interval := g.interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.check(ctx); err != nil && !g.IsAvailable() {
				return err
			}
		}
	}
}
