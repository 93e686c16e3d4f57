package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/hostforge/hostd/config"
	"github.com/itskum47/hostforge/hostd/coordination"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/services"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	component, method string
	kwargs            map[string]interface{}
}

type fakeCaller struct {
	mu     sync.Mutex
	calls  []call
	result interface{}
	err    error
}

func (f *fakeCaller) Call(ctx context.Context, component, method string, kwargs map[string]interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{component, method, kwargs})
	return f.result, f.err
}

func (f *fakeCaller) set(result interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result, f.err = result, err
}

func (f *fakeCaller) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

// trippedGuard answers pings but reports the store as given up on.
type trippedGuard struct{}

func (trippedGuard) Ping(context.Context) error { return nil }
func (trippedGuard) IsAvailable() bool          { return false }

type fixedLease coordination.LeaseState

func (l fixedLease) State() coordination.LeaseState { return coordination.LeaseState(l) }

type apiFixture struct {
	store  *store.MemoryStore
	queue  *scheduler.Queue
	sink   *messages.Sink
	caller *fakeCaller
	api    *API
	srv    *httptest.Server
}

func newAPIFixture(t *testing.T, cfg config.APIConfig) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	s := store.NewMemoryStore()
	f := &apiFixture{
		store:  s,
		queue:  scheduler.NewQueue(s, logger),
		sink:   messages.NewSink(s, logger),
		caller: &fakeCaller{},
	}
	hub := NewMessageHub(f.sink, logger)
	f.api = NewAPI(APIDeps{Store: s, Queue: f.queue, Sink: f.sink, Caller: f.caller, Hub: hub}, cfg, logger)
	f.srv = httptest.NewServer(f.api.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func defaultAPIConfig() config.APIConfig {
	return config.APIConfig{Listen: "127.0.0.1:0", RateLimit: 100, Burst: 100}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	resp := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report healthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, healthReport{Status: "ok", Store: "available", Leases: []coordination.LeaseState{}}, report)

	health := func(deps APIDeps) (int, healthReport) {
		rec := httptest.NewRecorder()
		NewAPI(deps, defaultAPIConfig(), zap.NewNop()).Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var out healthReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return rec.Code, out
	}

	lease := coordination.LeaseState{Name: "scheduler", Held: true, Owner: "host-a", Transitions: 3}
	code, report := health(APIDeps{Store: store.NewMemoryStore(), Leases: []LeaseReporter{fixedLease(lease)}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []coordination.LeaseState{lease}, report.Leases)

	code, report = health(APIDeps{Store: failingPinger{}})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unreachable", report.Store)

	code, report = health(APIDeps{Store: trippedGuard{}, Leases: []LeaseReporter{fixedLease(lease)}})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", report.Store)
	assert.Equal(t, []coordination.LeaseState{lease}, report.Leases, "leases are reported even when the store is down")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	resp := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitTaskQueues(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, defaultAPIConfig())

	resp := f.do(t, http.MethodPost, "/tasks", `{"steps":[{"unit":"shell","order":"echo hi"}],"message":{"start":"Saying hi"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["task_id"])

	task, err := f.queue.Next(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, out["task_id"], task.ID)
	require.Len(t, task.Steps, 1)
	assert.Equal(t, "echo hi", task.Steps[0].Order)
	assert.Equal(t, "Saying hi", task.Message.Start)
}

func TestSubmitTaskSchedules(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	body := fmt.Sprintf(`{"id":"nightly","steps":[{"unit":"updates","order":"check"}],"at":%q,"every":"24h"}`, at.Format(time.RFC3339))
	resp := f.do(t, http.MethodPost, "/tasks", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	members := f.store.ScheduledMembers(store.KeyScheduled)
	require.Len(t, members, 1)
	for raw, due := range members {
		var st scheduler.ScheduledTask
		require.NoError(t, json.Unmarshal([]byte(raw), &st))
		assert.Equal(t, "nightly", st.Task.ID)
		assert.Equal(t, int64(24*60*60), st.RescheduleInterval)
		assert.True(t, due.Equal(at))
	}

	depth, err := f.store.Len(context.Background(), store.KeyTasks)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSubmitTaskRejectsInvalid(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"steps":`},
		{"no steps", `{"id":"x"}`},
		{"missing unit", `{"steps":[{"order":"echo"}]}`},
		{"steps and group", `{"steps":[{"unit":"shell","order":"a"}],"group":[{"steps":[{"unit":"shell","order":"b"}]}]}`},
		{"short interval", `{"steps":[{"unit":"shell","order":"a"}],"every":"10ms"}`},
		{"bad interval", `{"steps":[{"unit":"shell","order":"a"}],"every":"daily"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	depth, err := f.store.Len(context.Background(), store.KeyTasks)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSubmitTaskRateLimited(t *testing.T) {
	f := newAPIFixture(t, config.APIConfig{Listen: "127.0.0.1:0", RateLimit: 0.001, Burst: 1})
	body := `{"steps":[{"unit":"shell","order":"true"}]}`

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/tasks", body).StatusCode)
	resp := f.do(t, http.MethodPost, "/tasks", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestGetMessage(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	require.NoError(t, f.sink.Post(context.Background(), messages.Message{ID: "t1", Severity: messages.Success, Text: "Done", Finished: true}))

	resp := f.do(t, http.MethodGet, "/messages/t1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m messages.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, "Done", m.Text)
	assert.True(t, m.Finished)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/messages/nope", "").StatusCode)
}

func TestListServices(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())
	f.caller.set([]inventory.TrackedService{{ID: "x", Name: "X App", Policy: inventory.PolicyAllowAll}}, nil)

	resp := f.do(t, http.MethodGet, "/services", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []inventory.TrackedService
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].ID)
	calls := f.caller.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, call{"security", "list", nil}, calls[0])
}

func TestUpdatePolicy(t *testing.T) {
	f := newAPIFixture(t, defaultAPIConfig())

	for _, body := range []string{`{"policy":1}`, `{"policy":"local"}`} {
		resp := f.do(t, http.MethodPut, "/services/x/policy", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	calls := f.caller.recorded()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "update_policy", c.method)
		assert.Equal(t, map[string]interface{}{"id": "x", "policy": "local"}, c.kwargs)
	}

	resp := f.do(t, http.MethodPut, "/services/x/policy", `{"policy":7}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, f.caller.recorded(), 2)

	f.caller.set(nil, fmt.Errorf("%w: ghost", services.ErrUnknownService))
	resp = f.do(t, http.MethodPut, "/services/ghost/policy", `{"policy":0}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.caller.set(nil, errors.New("iptables-restore failed"))
	resp = f.do(t, http.MethodPut, "/services/x/policy", `{"policy":0}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRequestLoggingRecoversPanics(t *testing.T) {
	h := withRequestLogging(zap.NewNop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
