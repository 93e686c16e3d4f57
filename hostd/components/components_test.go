package components

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/hostforge/hostd/config"
	"github.com/itskum47/hostforge/hostd/firewall"
	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/itskum47/hostforge/hostd/system"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockRunner struct {
	mu   sync.Mutex
	ran  []string
	in   map[string]string
	fail map[string]string
}

func (m *MockRunner) Run(ctx context.Context, c system.Command) (system.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ran = append(m.ran, c.Line)
	if c.Stdin != "" {
		if m.in == nil {
			m.in = map[string]string{}
		}
		m.in[c.Line] = c.Stdin
	}
	for prefix, stderr := range m.fail {
		if strings.HasPrefix(c.Line, prefix) {
			return system.Result{Stderr: stderr, ExitCode: 1}, &system.ExitError{Line: c.Line, ExitCode: 1, Stderr: stderr}
		}
	}
	switch {
	case strings.HasPrefix(c.Line, "systemctl is-active"):
		return system.Result{Stdout: "active\n"}, nil
	case strings.HasPrefix(c.Line, "systemctl is-enabled"):
		return system.Result{Stdout: "enabled\n"}, nil
	}
	return system.Result{}, nil
}

func (m *MockRunner) Ran() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ran...)
}

func (m *MockRunner) Stdin(line string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in[line]
}

type MockFetcher struct {
	mu      sync.Mutex
	files   map[string][]byte
	feeds   map[string][]byte
	fetched []string
}

func (m *MockFetcher) Fetch(ctx context.Context, url, dest string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.files[url]
	if !ok {
		return 0, &system.FetchError{URL: url, Code: system.FetchCodeStatus, Err: errors.New("status 404")}
	}
	m.fetched = append(m.fetched, url)
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

func (m *MockFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.feeds[url]
	if !ok {
		return nil, &system.FetchError{URL: url, Code: system.FetchCodeStatus, Err: errors.New("status 404")}
	}
	return body, nil
}

type MockBackend struct {
	mu      sync.Mutex
	applied []firewall.Ruleset
}

func (m *MockBackend) Apply(ctx context.Context, rs firewall.Ruleset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, rs)
	return nil
}

func (m *MockBackend) Save(ctx context.Context) error { return nil }

func (m *MockBackend) Last() firewall.Ruleset {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.applied) == 0 {
		return firewall.Ruleset{}
	}
	return m.applied[len(m.applied)-1]
}

type MockPackageManager struct {
	mu        sync.Mutex
	present   map[string]bool
	failing   map[string]bool
	installed []string
}

func (m *MockPackageManager) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present[pkg], nil
}

func (m *MockPackageManager) Install(ctx context.Context, pkgs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pkgs {
		if m.failing[p] {
			return fmt.Errorf("target not found: %s", p)
		}
		if m.present == nil {
			m.present = map[string]bool{}
		}
		m.present[p] = true
		m.installed = append(m.installed, p)
	}
	return nil
}

func (m *MockPackageManager) Remove(ctx context.Context, purge bool, pkgs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pkgs {
		delete(m.present, p)
	}
	return nil
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	cfg     *config.Config
	store   *store.MemoryStore
	rt      *framework.Runtime
	mgr     *framework.Manager
	runner  *MockRunner
	fetcher *MockFetcher
	backend *MockBackend
	exec    *scheduler.Executor
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Apps.ManifestDir = filepath.Join(dir, "manifests")
	cfg.Apps.DataDir = filepath.Join(dir, "apps")
	cfg.Apps.Watch = false
	cfg.Security.FirewallEnabled = true
	cfg.Security.LocalRanges = []string{"192.168.1.0/24"}
	require.NoError(t, os.MkdirAll(cfg.Apps.ManifestDir, 0o755))

	logger := zap.NewNop()
	s := store.NewMemoryStore()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		cfg:     cfg,
		store:   s,
		runner:  &MockRunner{},
		fetcher: &MockFetcher{files: map[string][]byte{}, feeds: map[string][]byte{}},
		backend: &MockBackend{},
	}
	h.rt = &framework.Runtime{
		Store:    s,
		Settings: cfg,
		Config:   config.NewLive(s, logger),
		Logger:   logger,
		Messages: messages.NewSink(s, logger),
		Queue:    scheduler.NewQueue(s, logger),
		Runner:   h.runner,
		Fetcher:  h.fetcher,
	}
	return h
}

// start registers comps, plus a security component on the mock backend unless
// one is given, and starts the manager.
func (h *harness) start(comps ...framework.Component) {
	h.t.Helper()
	h.mgr = framework.NewManager(Catalog(), zap.NewNop())
	hasSecurity := false
	for _, c := range comps {
		if c.Name() == NameSecurity {
			hasSecurity = true
		}
		require.NoError(h.t, h.mgr.Register(c))
	}
	if !hasSecurity {
		sec := NewSecurity()
		sec.Backend = h.backend
		require.NoError(h.t, h.mgr.Register(sec))
	}
	require.NoError(h.t, h.mgr.Start(h.ctx, h.rt))
	h.t.Cleanup(func() { _ = h.mgr.Stop(context.Background()) })

	h.exec = scheduler.NewExecutor(scheduler.ExecutorDeps{
		Runner:  h.runner,
		Fetcher: h.fetcher,
		Config:  h.rt.Config,
		Caller:  h.mgr,
		Sink:    h.rt.Messages,
	}, 5*time.Second, zap.NewNop())
}

func (h *harness) call(component, method string, kwargs map[string]interface{}) (interface{}, error) {
	return h.mgr.Call(h.ctx, component, method, kwargs)
}

// drain executes every queued task in order and returns them with their errors.
func (h *harness) drain() ([]*scheduler.Task, []error) {
	h.t.Helper()
	var tasks []*scheduler.Task
	var errs []error
	for {
		task, err := h.rt.Queue.Next(h.ctx, 10*time.Millisecond)
		if errors.Is(err, store.ErrEmpty) {
			return tasks, errs
		}
		require.NoError(h.t, err)
		tasks = append(tasks, task)
		errs = append(errs, h.exec.Execute(h.ctx, task))
	}
}

func (h *harness) message(id string) messages.Message {
	h.t.Helper()
	m, ok, err := h.rt.Messages.Get(h.ctx, id)
	require.NoError(h.t, err)
	require.True(h.t, ok, "no message %s", id)
	return m
}

func (h *harness) writeManifest(dir, body string) {
	h.t.Helper()
	path := filepath.Join(h.cfg.Apps.ManifestDir, dir, "manifest.yaml")
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte(body), 0o644))
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func contains(lines []string, line string) bool {
	for _, l := range lines {
		if l == line {
			return true
		}
	}
	return false
}
