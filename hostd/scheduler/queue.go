package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/itskum47/hostforge/hostd/observability"
	"github.com/itskum47/hostforge/hostd/store"
	"go.uber.org/zap"
)

// Queue puts tasks on the durable FIFO and the schedule set.
type Queue struct {
	store    store.Store
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewQueue(s store.Store, logger *zap.Logger) *Queue {
	return &Queue{
		store:    s,
		validate: validator.New(),
		logger:   logger.Named("queue"),
		now:      time.Now,
	}
}

// Validate checks a task before it is queued.
func (q *Queue) Validate(t *Task) error {
	if len(t.Steps) == 0 && len(t.Group) == 0 {
		return errors.New("task has no steps")
	}
	if len(t.Steps) > 0 && len(t.Group) > 0 {
		return errors.New("task has both steps and a group")
	}
	for i := range t.Group {
		if t.Group[i].IsGroup() {
			return errors.New("nested groups are not supported")
		}
		if len(t.Group[i].Steps) == 0 {
			return fmt.Errorf("group task %d has no steps", i)
		}
	}
	return q.validate.Struct(t)
}

// Submit assigns an id if missing, validates t and appends it to the task queue.
// It returns the task id, which is also the message id.
func (q *Queue) Submit(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = q.now().UTC()
	}
	if err := q.Validate(&t); err != nil {
		return "", fmt.Errorf("invalid task %s: %w", t.ID, err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
	}
	if err := q.store.Push(ctx, store.KeyTasks, data); err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	q.logger.Info("task queued", zap.String("task_id", t.ID), zap.Int("steps", len(t.Steps)), zap.Int("group", len(t.Group)))
	return t.ID, nil
}

// Schedule adds t to the schedule set, due at dueAt and repeating every interval
// when interval is positive.
func (q *Queue) Schedule(ctx context.Context, t Task, dueAt time.Time, interval time.Duration) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := q.Validate(&t); err != nil {
		return "", fmt.Errorf("invalid task %s: %w", t.ID, err)
	}
	st := ScheduledTask{Task: t, DueAt: dueAt.Unix(), RescheduleInterval: int64(interval / time.Second)}
	data, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to marshal scheduled task %s: %w", t.ID, err)
	}
	if err := q.store.ScheduleAt(ctx, store.KeyScheduled, data, time.Unix(st.DueAt, 0)); err != nil {
		return "", fmt.Errorf("schedule task %s: %w", t.ID, err)
	}
	q.logger.Info("task scheduled",
		zap.String("task_id", t.ID),
		zap.Time("due_at", time.Unix(st.DueAt, 0)),
		zap.Int64("reschedule_interval", st.RescheduleInterval),
	)
	return t.ID, nil
}

// Next pops the oldest task, waiting up to timeout. It returns store.ErrEmpty when
// nothing arrived and a *store.CorruptError for an undecodable entry, which is
// consumed either way.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) (*Task, error) {
	data, err := q.store.PopBlocking(ctx, store.KeyTasks, timeout)
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, &store.CorruptError{Key: store.KeyTasks, Err: err}
	}
	return &t, nil
}

// Pending returns the queued tasks without removing them.
func (q *Queue) Pending(ctx context.Context) ([]Task, error) {
	raw, err := q.store.Range(ctx, store.KeyTasks, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(raw))
	for _, r := range raw {
		var t Task
		if err := json.Unmarshal(r, &t); err != nil {
			return nil, &store.CorruptError{Key: store.KeyTasks, Err: err}
		}
		out = append(out, t)
	}
	return out, nil
}

// Depth updates the queue gauges and returns the number of queued and scheduled tasks.
func (q *Queue) Depth(ctx context.Context) (int64, int64, error) {
	queued, err := q.store.Len(ctx, store.KeyTasks)
	if err != nil {
		return 0, 0, err
	}
	scheduled, err := q.store.ScheduledCount(ctx, store.KeyScheduled)
	if err != nil {
		return 0, 0, err
	}
	observability.TaskQueueDepth.Set(float64(queued))
	observability.ScheduledDepth.Set(float64(scheduled))
	return queued, scheduled, nil
}
