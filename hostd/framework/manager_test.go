package framework

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fakeComponent struct {
	Base
	name     string
	requires []string
	rec      *recorder
	initErr  error
	peers    []string

	active  int32
	maxSeen int32
}

func (f *fakeComponent) Name() string       { return f.name }
func (f *fakeComponent) Requires() []string { return f.requires }

func (f *fakeComponent) OnInit(ctx context.Context, rt *Runtime) error {
	f.rec.add("init:" + f.name)
	return f.initErr
}

func (f *fakeComponent) Assign(reg *Registry) {
	for _, name := range []string{"a", "b", "c"} {
		if _, ok := reg.Get(name); ok {
			f.peers = append(f.peers, name)
		}
	}
}

func (f *fakeComponent) OnStart(ctx context.Context) error {
	f.rec.add("start:" + f.name)
	return nil
}

func (f *fakeComponent) Methods() MethodTable {
	return MethodTable{
		"echo": func(ctx context.Context, args Args) (interface{}, error) {
			return map[string]string{"id": args.String("id"), "task": args.String("task_id")}, nil
		},
		"fail": func(ctx context.Context, args Args) (interface{}, error) {
			return nil, errors.New("failed on purpose")
		},
		"slow": func(ctx context.Context, args Args) (interface{}, error) {
			n := atomic.AddInt32(&f.active, 1)
			for {
				seen := atomic.LoadInt32(&f.maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&f.active, -1)
			return nil, nil
		},
	}
}

type safeComponent struct {
	fakeComponent
}

func (*safeComponent) ConcurrentSafe() {}

func TestStartOrdersByRequirements(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil, zap.NewNop())
	require.NoError(t, m.Register(&fakeComponent{name: "c", requires: []string{"b"}, rec: rec}))
	require.NoError(t, m.Register(&fakeComponent{name: "b", requires: []string{"a"}, rec: rec}))
	a := &fakeComponent{name: "a", rec: rec}
	require.NoError(t, m.Register(a))

	require.NoError(t, m.Start(context.Background(), &Runtime{}))

	assert.Equal(t, []string{"a", "b", "c"}, m.Order())
	assert.Equal(t, []string{"init:a", "init:b", "init:c", "start:a", "start:b", "start:c"}, rec.events)
	assert.Equal(t, []string{"a", "b", "c"}, a.peers, "assign sees every component")

	st, ok := m.Status("c")
	require.True(t, ok)
	assert.Equal(t, StatusStarted, st)
}

func TestStartAutoRegistersFromCatalog(t *testing.T) {
	rec := &recorder{}
	catalog := Catalog{
		"a": func() Component { return &fakeComponent{name: "a", rec: rec} },
		"b": func() Component { return &fakeComponent{name: "b", requires: []string{"a"}, rec: rec} },
	}
	m := NewManager(catalog, zap.NewNop())
	require.NoError(t, m.Register(&fakeComponent{name: "c", requires: []string{"b"}, rec: rec}))

	require.NoError(t, m.Start(context.Background(), &Runtime{}))
	assert.Equal(t, []string{"a", "b", "c"}, m.Order())
}

func TestStartUnknownRequirement(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	require.NoError(t, m.Register(&fakeComponent{name: "c", requires: []string{"ghost"}, rec: &recorder{}}))

	err := m.Start(context.Background(), &Runtime{})
	assert.ErrorIs(t, err, ErrUnknownComponent)
	assert.Contains(t, err.Error(), "ghost")
}

func TestStartRequirementCycle(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil, zap.NewNop())
	require.NoError(t, m.Register(&fakeComponent{name: "a", requires: []string{"b"}, rec: rec}))
	require.NoError(t, m.Register(&fakeComponent{name: "b", requires: []string{"a"}, rec: rec}))

	err := m.Start(context.Background(), &Runtime{})
	var cycle *RequirementCycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b", "a"}, cycle.Path)
	assert.Empty(t, rec.events, "nothing initialized")
}

func TestStartInitFailure(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	require.NoError(t, m.Register(&fakeComponent{name: "a", rec: &recorder{}, initErr: errors.New("no socket")}))

	err := m.Start(context.Background(), &Runtime{})
	require.Error(t, err)
	st, _ := m.Status("a")
	assert.Equal(t, StatusError, st)
}

func TestRegisterDuplicate(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	require.NoError(t, m.Register(&fakeComponent{name: "a", rec: &recorder{}}))
	assert.Error(t, m.Register(&fakeComponent{name: "a", rec: &recorder{}}))
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, zap.NewNop())
	require.NoError(t, m.Register(&fakeComponent{name: "a", rec: &recorder{}}))

	_, err := m.Call(ctx, "a", "echo", nil)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, m.Start(ctx, &Runtime{}))

	out, err := m.Call(ctx, "a", "echo", map[string]interface{}{"id": "x", "task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"id": "x", "task": "t1"}, out)

	_, err = m.Call(ctx, "a", "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = m.Call(ctx, "zzz", "echo", nil)
	assert.ErrorIs(t, err, ErrUnknownComponent)

	_, err = m.Call(ctx, "a", "fail", nil)
	assert.EqualError(t, err, "failed on purpose")

	assert.Equal(t, []string{"echo", "fail", "slow"}, m.Describe()["a"])
}

func callConcurrently(t *testing.T, m *Manager, name string) {
	t.Helper()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Call(context.Background(), name, "slow", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestCallSerializesPerComponent(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	serial := &fakeComponent{name: "serial", rec: &recorder{}}
	require.NoError(t, m.Register(serial))
	require.NoError(t, m.Start(context.Background(), &Runtime{}))

	callConcurrently(t, m, "serial")
	assert.EqualValues(t, 1, atomic.LoadInt32(&serial.maxSeen))
}

func TestCallConcurrentSafe(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	safe := &safeComponent{fakeComponent{name: "safe", rec: &recorder{}}}
	require.NoError(t, m.Register(safe))
	require.NoError(t, m.Start(context.Background(), &Runtime{}))

	callConcurrently(t, m, "safe")
	assert.Greater(t, atomic.LoadInt32(&safe.maxSeen), int32(1))
}

func TestArgs(t *testing.T) {
	a := Args{"n": float64(3), "s": "7", "b": "true", "x": 1.5}

	n, err := a.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = a.Int("s", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = a.Int("missing", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	assert.True(t, a.Bool("b"))
	assert.Equal(t, "1.5", a.String("x"))

	_, err = a.RequireString("missing")
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	a := &fakeComponent{name: "a", rec: &recorder{}}
	require.NoError(t, m.Register(a))
	reg := &Registry{m: m}

	got, err := Lookup[*fakeComponent](reg, "a")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = Lookup[*safeComponent](reg, "a")
	assert.Error(t, err)
	_, err = Lookup[*fakeComponent](reg, "b")
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

type stoppable struct {
	fakeComponent
}

func (s *stoppable) OnStop(ctx context.Context) error {
	s.rec.add("stop:" + s.name)
	return nil
}

func TestStopReverseOrder(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil, zap.NewNop())
	require.NoError(t, m.Register(&stoppable{fakeComponent{name: "a", rec: rec}}))
	require.NoError(t, m.Register(&stoppable{fakeComponent{name: "b", requires: []string{"a"}, rec: rec}}))
	require.NoError(t, m.Register(&fakeComponent{name: "c", requires: []string{"b"}, rec: rec}))
	require.NoError(t, m.Start(context.Background(), &Runtime{}))

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"stop:b", "stop:a"}, rec.events[len(rec.events)-2:])

	_, err := m.Call(context.Background(), "a", "echo", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}
