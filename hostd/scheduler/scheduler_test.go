package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/itskum47/hostforge/hostd/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockRunner struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]string
}

func (m *MockRunner) Run(ctx context.Context, c system.Command) (system.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ran = append(m.ran, c.Line)
	if stderr, ok := m.fail[c.Line]; ok {
		return system.Result{Stderr: stderr, ExitCode: 1}, &system.ExitError{Line: c.Line, ExitCode: 1, Stderr: stderr}
	}
	return system.Result{Stdout: "ok:" + c.Line}, nil
}

func (m *MockRunner) Ran() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ran...)
}

type MockConfig struct {
	values map[string]interface{}
}

func (m *MockConfig) Set(ctx context.Context, section, key string, value interface{}) error {
	if m.values == nil {
		m.values = map[string]interface{}{}
	}
	m.values[section+"."+key] = value
	return nil
}

type MockCaller struct {
	calls []string
	args  []map[string]interface{}
}

func (m *MockCaller) Call(ctx context.Context, component, method string, kwargs map[string]interface{}) (interface{}, error) {
	m.calls = append(m.calls, component+"."+method)
	m.args = append(m.args, kwargs)
	if method == "explode" {
		return nil, errors.New("component exploded")
	}
	return map[string]string{"called": method}, nil
}

type fixture struct {
	store  *store.MemoryStore
	sink   *messages.Sink
	runner *MockRunner
	conf   *MockConfig
	caller *MockCaller
	exec   *Executor
	queue  *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		runner: &MockRunner{fail: map[string]string{}},
		conf:   &MockConfig{},
		caller: &MockCaller{},
	}
	f.sink = messages.NewSink(f.store, zap.NewNop())
	f.exec = NewExecutor(ExecutorDeps{
		Runner: f.runner,
		Config: f.conf,
		Caller: f.caller,
		Sink:   f.sink,
	}, 0, zap.NewNop())
	f.queue = NewQueue(f.store, zap.NewNop())
	return f
}

func (f *fixture) message(t *testing.T, id string) messages.Message {
	t.Helper()
	m, ok, err := f.sink.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "no message for %s", id)
	return m
}

func TestExecutorStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["s1"] = "disk full"

	task := &Task{ID: "t1", Steps: []Step{
		{Unit: UnitShell, Order: "s0"},
		{Unit: UnitShell, Order: "s1"},
		{Unit: UnitShell, Order: "s2"},
	}, Message: &messages.Template{Error: "Install failed: {error}"}}

	err := f.exec.Execute(context.Background(), task)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, []string{"s0", "s1"}, f.runner.Ran(), "s2 never executes")

	m := f.message(t, "t1")
	assert.Equal(t, messages.Error, m.Severity)
	assert.True(t, m.Finished)
	assert.True(t, strings.HasPrefix(m.Text, "Install failed: "))
	assert.Contains(t, m.Text, "disk full")
	require.Len(t, m.Responses, 2)
	assert.Equal(t, 1, m.Responses[1].Step)
	assert.Contains(t, m.Responses[1].Error, "disk full")
}

func TestExecutorSuccessCollectsResponses(t *testing.T) {
	f := newFixture(t)

	task := &Task{ID: "t2", Steps: []Step{
		{Unit: UnitShell, Order: "echo hi", Data: map[string]interface{}{"stdin": "x"}},
		{Unit: "apps", Order: "verify", Data: map[string]interface{}{"id": "gitea"}},
		{Unit: UnitSetConf, Order: "apps.registry", Data: map[string]interface{}{"value": "https://example.org"}},
	}, Message: &messages.Template{Start: "Working", Success: "Done"}}

	require.NoError(t, f.exec.Execute(context.Background(), task))

	assert.Equal(t, []string{"apps.verify"}, f.caller.calls)
	assert.Equal(t, "t2", f.caller.args[0]["task_id"])
	assert.Equal(t, "gitea", f.caller.args[0]["id"])
	assert.Equal(t, "https://example.org", f.conf.values["apps.registry"])

	m := f.message(t, "t2")
	assert.Equal(t, messages.Success, m.Severity)
	assert.Equal(t, "Done", m.Text)
	assert.True(t, m.Finished)
	require.Len(t, m.Responses, 3)
	assert.JSONEq(t, `{"called":"verify"}`, string(m.Responses[1].Result))
}

func TestExecutorComponentError(t *testing.T) {
	f := newFixture(t)
	task := &Task{ID: "t3", Steps: []Step{{Unit: "apps", Order: "explode"}}}

	err := f.exec.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, f.message(t, "t3").Text, "component exploded")
}

func TestExecutorSetConfForms(t *testing.T) {
	f := newFixture(t)
	task := &Task{ID: "t4", Steps: []Step{
		{Unit: UnitSetConf, Data: map[string]interface{}{"section": "updates", "key": "current", "value": "42"}},
		{Unit: UnitSetConf, Order: "broken"},
	}}

	err := f.exec.Execute(context.Background(), task)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, "42", f.conf.values["updates.current"])
}

func TestExecutorGroupStopsAtFailedSubTask(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["b"] = "nope"

	task := &Task{ID: "g1", Group: []Task{
		{Steps: []Step{{Unit: UnitShell, Order: "a"}}},
		{Steps: []Step{{Unit: UnitShell, Order: "b"}}},
		{Steps: []Step{{Unit: UnitShell, Order: "c"}}},
	}}

	require.Error(t, f.exec.Execute(context.Background(), task))
	assert.Equal(t, []string{"a", "b"}, f.runner.Ran())

	m := f.message(t, "g1")
	assert.Equal(t, messages.Error, m.Severity)
	assert.True(t, m.Finished)
}

func TestExecutorGroupResponsesNameTheirSubTask(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["restart"] = "unit not found"

	task := &Task{ID: "g2", Group: []Task{
		{Steps: []Step{{Unit: UnitShell, Order: "fetch"}, {Unit: UnitShell, Order: "unpack"}}},
		{Steps: []Step{{Unit: UnitShell, Order: "restart"}}},
	}}
	require.Error(t, f.exec.Execute(context.Background(), task))

	m := f.message(t, "g2")
	require.Len(t, m.Responses, 3)
	type at struct{ task, step int }
	got := make([]at, len(m.Responses))
	for i, r := range m.Responses {
		got[i] = at{r.Task, r.Step}
	}
	assert.Equal(t, []at{{0, 0}, {0, 1}, {1, 0}}, got, "step 0 of each sub-task stays distinguishable")
	assert.Empty(t, m.Responses[0].Error)
	assert.Contains(t, m.Responses[2].Error, "unit not found")
}

func TestExecutorGroupMarkerOnFullSuccess(t *testing.T) {
	f := newFixture(t)

	task := &Task{ID: "upd", Group: []Task{
		{Steps: []Step{{Unit: UnitShell, Order: "u1"}}},
		{Steps: []Step{{Unit: UnitShell, Order: "u2"}}, OnSuccess: &ConfigMarker{Section: "updates", Key: "current", Value: "u2"}},
	}}

	require.NoError(t, f.exec.Execute(context.Background(), task))
	assert.Equal(t, "u2", f.conf.values["updates.current"])
	m := f.message(t, "upd")
	assert.Equal(t, messages.Success, m.Severity)
	assert.True(t, m.Finished)
}

func TestExecutorMarkerNotWrittenOnFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["x"] = "bad"

	task := &Task{ID: "t5", Steps: []Step{{Unit: UnitShell, Order: "x"}},
		OnSuccess: &ConfigMarker{Section: "updates", Key: "current", Value: "9"}}
	require.Error(t, f.exec.Execute(context.Background(), task))
	assert.NotContains(t, f.conf.values, "updates.current")
}

func TestQueueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, Task{})
	assert.Error(t, err, "no steps")

	_, err = f.queue.Submit(ctx, Task{Steps: []Step{{Order: "x"}}})
	assert.Error(t, err, "missing unit")

	_, err = f.queue.Submit(ctx, Task{Group: []Task{{Group: []Task{{Steps: []Step{{Unit: "shell", Order: "x"}}}}}}})
	assert.Error(t, err, "nested group")

	id, err := f.queue.Submit(ctx, Task{Steps: []Step{{Unit: UnitShell, Order: "true"}}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.False(t, pending[0].SubmittedAt.IsZero())
}

func TestSchedulerRecurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Unix(0, 0)

	_, err := f.queue.Schedule(ctx, Task{ID: "check", Steps: []Step{{Unit: "updates", Order: "check"}}}, t0, 60*time.Second)
	require.NoError(t, err)

	s := NewScheduler(f.store, nil, DefaultConfig(), zap.NewNop())
	s.now = func() time.Time { return t0 }
	ids := 0
	s.newID = func() string { ids++; return fmt.Sprintf("check-%d", ids) }

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "check", pending[0].ID)

	members := f.store.ScheduledMembers(store.KeyScheduled)
	require.Len(t, members, 1)
	for raw, due := range members {
		var st ScheduledTask
		require.NoError(t, json.Unmarshal([]byte(raw), &st))
		assert.EqualValues(t, 60, st.DueAt)
		assert.Equal(t, int64(60), due.Unix())
		assert.NotEqual(t, "check", st.Task.ID)
		assert.Equal(t, "check-1", st.Task.ID)
		assert.EqualValues(t, 60, st.RescheduleInterval)
	}

	// Nothing else due until t=60.
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerOneShotAndMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Unix(1_000, 0)

	_, err := f.queue.Schedule(ctx, Task{ID: "once", Steps: []Step{{Unit: UnitShell, Order: "true"}}}, now.Add(-time.Second), 0)
	require.NoError(t, err)
	_, err = f.queue.Schedule(ctx, Task{ID: "future", Steps: []Step{{Unit: UnitShell, Order: "true"}}}, now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.NoError(t, f.store.ScheduleAt(ctx, store.KeyScheduled, []byte("garbage"), now))

	s := NewScheduler(f.store, nil, DefaultConfig(), zap.NewNop())
	s.now = func() time.Time { return now }

	n, err := s.Tick(ctx)
	require.NoError(t, err, "one bad entry does not fail the tick")
	assert.Equal(t, 1, n)

	count, err := f.store.ScheduledCount(ctx, store.KeyScheduled)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "only the future task remains")
}

// leaseHolder hands out a fixed held context. A nil ctx means standby.
type leaseHolder struct {
	ctx context.Context
}

func (l leaseHolder) HeldContext() context.Context { return l.ctx }

func TestSchedulerStandbyDoesNotTick(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := f.queue.Schedule(ctx, Task{ID: "x", Steps: []Step{{Unit: UnitShell, Order: "true"}}}, time.Now().Add(-time.Minute), 0)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SchedulerInterval = 10 * time.Millisecond
	s := NewScheduler(f.store, leaseHolder{}, cfg, zap.NewNop())
	require.NoError(t, s.Run(ctx))

	n, err := f.store.Len(context.Background(), store.KeyTasks)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerTicksUnderHeldLease(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.queue.Schedule(ctx, Task{ID: "x", Steps: []Step{{Unit: UnitShell, Order: "true"}}}, time.Now().Add(-time.Minute), 0)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SchedulerInterval = 10 * time.Millisecond
	s := NewScheduler(f.store, leaseHolder{ctx: context.Background()}, cfg, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := f.store.Len(context.Background(), store.KeyTasks)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSchedulerLostLeaseCancelsTick(t *testing.T) {
	held, lose := context.WithCancel(context.Background())
	s := NewScheduler(store.NewMemoryStore(), leaseHolder{ctx: held}, DefaultConfig(), zap.NewNop())

	tickCtx, release, ok := s.leaseContext(context.Background())
	require.True(t, ok)
	defer release()
	require.NoError(t, tickCtx.Err())

	lose()
	require.Eventually(t, func() bool { return tickCtx.Err() != nil }, time.Second, 5*time.Millisecond)

	_, _, ok = s.leaseContext(context.Background())
	assert.False(t, ok, "a lost lease no longer grants ticks")
}

func TestPoolProcessesQueue(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["bad"] = "boom"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.store.Push(ctx, store.KeyTasks, []byte("{not a task")))
	ids := []string{}
	for _, line := range []string{"one", "bad", "two"} {
		id, err := f.queue.Submit(ctx, Task{ID: "task-" + line, Steps: []Step{{Unit: UnitShell, Order: line}}})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 20 * time.Millisecond
	pool := NewPool(f.queue, f.exec, f.sink, cfg, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			m, ok, err := f.sink.Get(context.Background(), id)
			if err != nil || !ok || !m.Finished {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, messages.Error, f.message(t, "task-bad").Severity)
	assert.Equal(t, messages.Success, f.message(t, "task-one").Severity)
	assert.Equal(t, messages.Success, f.message(t, "task-two").Severity)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop")
	}
}
