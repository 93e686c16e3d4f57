package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/observability"
	"github.com/itskum47/hostforge/hostd/store"
	"go.uber.org/zap"
)

// Pool runs N workers that pop tasks from the queue and execute them. Workers
// share nothing but the store; the queue pop is the only coordination.
type Pool struct {
	queue    *Queue
	executor *Executor
	sink     messages.Poster
	workers  int
	poll     time.Duration
	logger   *zap.Logger
}

func NewPool(q *Queue, exec *Executor, sink messages.Poster, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		queue:    q,
		executor: exec,
		sink:     sink,
		workers:  cfg.Workers,
		poll:     cfg.PollInterval,
		logger:   logger.Named("pool"),
	}
}

// Run blocks until ctx is done or the store becomes unavailable. A task popped
// before cancellation runs to completion.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting workers", zap.Int("workers", p.workers))

	errs := make(chan error, p.workers)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := p.worker(ctx, id); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func (p *Pool) worker(ctx context.Context, id int) error {
	logger := p.logger.With(zap.Int("worker", id))
	backoff := p.poll

	for {
		if ctx.Err() != nil {
			return nil
		}
		task, err := p.queue.Next(ctx, p.poll)
		switch {
		case err == nil:
			backoff = p.poll
		case errors.Is(err, store.ErrEmpty):
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, store.ErrUnavailable):
			logger.Error("store unavailable, stopping worker", zap.Error(err))
			return err
		case store.IsCorrupt(err):
			observability.TasksProcessed.WithLabelValues("malformed").Inc()
			logger.Error("dropping malformed task", zap.Error(err))
			continue
		default:
			logger.Warn("failed to pop task", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		p.process(context.WithoutCancel(ctx), logger, task)
	}
}

// process executes one task. Nothing escapes: errors and panics become a failure
// message and a log line.
func (p *Pool) process(ctx context.Context, logger *zap.Logger, task *Task) {
	observability.WorkersBusy.Inc()
	defer observability.WorkersBusy.Dec()

	defer func() {
		if r := recover(); r != nil {
			observability.TasksProcessed.WithLabelValues(string(StateFailed)).Inc()
			logger.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", r), zap.Stack("stack"))
			if p.sink != nil {
				_ = p.sink.Post(ctx, messages.Message{
					ID:       task.ID,
					Severity: messages.Error,
					Text:     fmt.Sprintf("Task failed: internal error: %v", r),
					Finished: true,
				})
			}
		}
	}()

	if err := p.executor.Execute(ctx, task); err != nil {
		observability.TasksProcessed.WithLabelValues(string(StateFailed)).Inc()
		return
	}
	observability.TasksProcessed.WithLabelValues(string(StateCompleted)).Inc()
}
