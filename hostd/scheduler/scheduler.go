package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/hostforge/hostd/observability"
	"github.com/itskum47/hostforge/hostd/store"
	"go.uber.org/zap"
)

// Leader grants the right to run singleton loops. HeldContext returns nil while
// the lease is not held and a context cancelled on losing it otherwise.
type Leader interface {
	HeldContext() context.Context
}

// Scheduler moves due scheduled tasks onto the task queue and reinserts
// recurring ones under a new id.
type Scheduler struct {
	store    store.Store
	leader   Leader
	interval time.Duration
	logger   *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewScheduler creates the scheduler loop. leader may be nil for a single process.
func NewScheduler(s store.Store, leader Leader, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = DefaultConfig().SchedulerInterval
	}
	return &Scheduler{
		store:    s,
		leader:   leader,
		interval: cfg.SchedulerInterval,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Run ticks until ctx is done. Tick errors are logged and the loop continues;
// only a lost store stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		tickCtx, cancel, ok := s.leaseContext(ctx)
		if !ok {
			observability.SchedulerTicks.WithLabelValues("standby").Inc()
			continue
		}
		_, err := s.Tick(tickCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.SchedulerTicks.WithLabelValues("error").Inc()
			if errors.Is(err, store.ErrUnavailable) {
				return err
			}
			s.logger.Error("scheduler tick failed", zap.Error(err))
			continue
		}
		observability.SchedulerTicks.WithLabelValues("ok").Inc()
	}
}

// leaseContext derives the tick context. A tick is cut short when the lease is
// lost mid-way, so a new holder never races this one.
func (s *Scheduler) leaseContext(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if s.leader == nil {
		return ctx, func() {}, true
	}
	held := s.leader.HeldContext()
	if held == nil || held.Err() != nil {
		return nil, nil, false
	}
	tickCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(held, cancel)
	return tickCtx, func() {
		stop()
		cancel()
	}, true
}

// Tick pops every scheduled task due now and, in the same atomic batch, enqueues
// it and reinserts its next occurrence. Undecodable entries are dropped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	enqueued, rescheduled := 0, 0

	n, err := s.store.PopDue(ctx, store.KeyScheduled, store.KeyTasks, now, func(due [][]byte) (store.Batch, error) {
		enqueued, rescheduled = 0, 0
		var batch store.Batch
		for _, raw := range due {
			var st ScheduledTask
			if err := json.Unmarshal(raw, &st); err != nil {
				s.logger.Error("dropping malformed scheduled task",
					zap.Error(&store.CorruptError{Key: store.KeyScheduled, Err: err}))
				continue
			}

			task, err := json.Marshal(st.Task)
			if err != nil {
				return store.Batch{}, err
			}
			batch.Enqueue = append(batch.Enqueue, task)
			enqueued++

			if st.RescheduleInterval > 0 {
				next := st
				next.Task.ID = s.newID()
				next.DueAt = now.Unix() + st.RescheduleInterval
				data, err := json.Marshal(next)
				if err != nil {
					return store.Batch{}, err
				}
				batch.Schedule = append(batch.Schedule, store.ScheduledItem{Value: data, DueAt: time.Unix(next.DueAt, 0)})
				rescheduled++
			}
		}
		return batch, nil
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		observability.ScheduledEnqueued.Add(float64(enqueued))
		observability.ScheduledRescheduled.Add(float64(rescheduled))
		s.logger.Info("scheduled tasks due",
			zap.Int("popped", n), zap.Int("enqueued", enqueued), zap.Int("rescheduled", rescheduled))
	}
	return enqueued, nil
}
