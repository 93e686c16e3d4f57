package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/itskum47/hostforge/hostd/firewall"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockRegenerator struct {
	calls    int
	services []inventory.TrackedService
	ranges   []string
}

func (m *MockRegenerator) Regenerate(ctx context.Context, svcs []inventory.TrackedService, ranges []string) (firewall.Ruleset, error) {
	m.calls++
	m.services = svcs
	m.ranges = ranges
	return firewall.Build("", svcs, ranges), nil
}

func newRegistry(t *testing.T, enabled bool) (*Registry, *store.MemoryStore, *MockRegenerator) {
	t.Helper()
	s := store.NewMemoryStore()
	regen := &MockRegenerator{}
	r := NewRegistry(s, regen, Config{
		FirewallEnabled: enabled,
		Ranges: func(ctx context.Context) ([]string, error) {
			return []string{"192.168.1.0/24"}, nil
		},
	}, zap.NewNop())
	return r, s, regen
}

func TestScanBuildsFromAppsAndWebsites(t *testing.T) {
	ctx := context.Background()
	r, s, regen := newRegistry(t, true)

	require.NoError(t, store.SetJSON(ctx, s, store.KeyAppsInstalled, []inventory.Application{
		{ID: "gitea", Name: "Gitea", Installed: true, Services: []inventory.ServicePort{{Protocol: "tcp", Port: 3000}}},
		{ID: "notes", Name: "Notes", Installed: true},
	}))
	require.NoError(t, store.SetJSON(ctx, s, store.KeyWebsites, []inventory.Website{
		{ID: "blog.example", Name: "Blog", Type: "static"},
	}))
	require.NoError(t, store.SetJSON(ctx, s, store.KeyPolicies, map[string]inventory.Policy{
		"blog.example": inventory.PolicyLocalOnly,
	}))

	svcs, err := r.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, svcs, 2)

	byID := map[string]inventory.TrackedService{}
	for _, s := range svcs {
		byID[s.ID] = s
	}
	assert.Equal(t, inventory.PolicyAllowAll, byID["gitea"].Policy, "default policy")
	assert.Equal(t, "gitea", byID["gitea"].Ports[0].Owner)
	assert.Equal(t, inventory.PolicyLocalOnly, byID["blog.example"].Policy, "saved policy")
	assert.Equal(t, 80, byID["blog.example"].Ports[0].Port)

	assert.Equal(t, 1, regen.calls)
	assert.Equal(t, []string{"192.168.1.0/24"}, regen.ranges)

	persisted, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestScanKeepsSystemServices(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRegistry(t, false)

	require.NoError(t, r.Register(ctx, inventory.TrackedService{
		ID: "ssh", Kind: inventory.ServiceKindSystem, Policy: inventory.PolicyLocalOnly,
		Ports: []inventory.ServicePort{{Protocol: "tcp", Port: 22}},
	}))
	svcs, err := r.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, svcs, 1)
	assert.Equal(t, "ssh", svcs[0].ID)
}

func TestRegisterDeregisterTriggersRegeneration(t *testing.T) {
	ctx := context.Background()
	r, _, regen := newRegistry(t, true)

	svc := inventory.TrackedService{ID: "app", Policy: inventory.PolicyAllowAll,
		Ports: []inventory.ServicePort{{Protocol: "tcp", Port: 8500}}}
	require.NoError(t, r.Register(ctx, svc))
	assert.Equal(t, 1, regen.calls)
	require.Len(t, regen.services, 1)

	svc.Ports = append(svc.Ports, inventory.ServicePort{Protocol: "udp", Port: 8501})
	require.NoError(t, r.Register(ctx, svc))
	got, err := r.Get(ctx, "app")
	require.NoError(t, err)
	assert.Len(t, got.Ports, 2, "register replaces")

	require.NoError(t, r.Deregister(ctx, "app"))
	assert.Equal(t, 3, regen.calls)
	assert.Empty(t, regen.services)

	_, err = r.Get(ctx, "app")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestFirewallDisabledSkipsRegeneration(t *testing.T) {
	ctx := context.Background()
	r, _, regen := newRegistry(t, false)

	require.NoError(t, r.Register(ctx, inventory.TrackedService{ID: "x"}))
	assert.Zero(t, regen.calls)

	_, err := r.RegenerateFirewall(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, regen.calls, "explicit regeneration always runs")
}

func TestUpdatePolicy(t *testing.T) {
	ctx := context.Background()
	r, s, regen := newRegistry(t, true)

	require.NoError(t, r.Register(ctx, inventory.TrackedService{ID: "blog.example", Policy: inventory.PolicyAllowAll,
		Ports: []inventory.ServicePort{{Protocol: "tcp", Port: 80}}}))
	require.NoError(t, r.UpdatePolicy(ctx, "blog.example", inventory.PolicyLocalOnly))

	rs := firewall.Build("", regen.services, regen.ranges)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, "192.168.1.0/24", rs.Rules[0].Source)

	var policies map[string]inventory.Policy
	require.NoError(t, store.GetJSON(ctx, s, store.KeyPolicies, &policies))
	assert.Equal(t, inventory.PolicyLocalOnly, policies["blog.example"])

	assert.ErrorIs(t, r.UpdatePolicy(ctx, "nope", inventory.PolicyBlocked), ErrUnknownService)
	assert.Error(t, r.UpdatePolicy(ctx, "blog.example", inventory.Policy(7)))

	// Saved policy survives re-registration.
	require.NoError(t, r.Register(ctx, inventory.TrackedService{ID: "blog.example", Policy: inventory.PolicyAllowAll}))
	got, err := r.Get(ctx, "blog.example")
	require.NoError(t, err)
	assert.Equal(t, inventory.PolicyLocalOnly, got.Policy)
}

func TestGetOpenPortNeverCollides(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRegistry(t, false)
	r.Seed(42)

	used := map[int]bool{}
	for i := 0; i < 50; i++ {
		port := OpenPortMin + i*13
		used[port] = true
		require.NoError(t, r.Register(ctx, inventory.TrackedService{
			ID:    fmt.Sprintf("svc-%d", i),
			Ports: []inventory.ServicePort{{Protocol: "tcp", Port: port}},
		}))
	}

	for i := 0; i < 1000; i++ {
		port, err := r.GetOpenPort(ctx, i%2 == 0)
		require.NoError(t, err)
		assert.False(t, used[port], "port %d is taken", port)
		assert.GreaterOrEqual(t, port, OpenPortMin)
		assert.Less(t, port, OpenPortMax)
		if i%2 == 1 {
			assert.False(t, commonPorts[port], "common port %d returned", port)
		}
	}
}

func TestGetOpenPortCorruptRegistry(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newRegistry(t, false)
	require.NoError(t, s.Set(ctx, store.KeyServices, []byte("not json")))

	_, err := r.GetOpenPort(ctx, false)
	assert.True(t, store.IsCorrupt(err))
}

func TestRegisterRejectsUnloadablePorts(t *testing.T) {
	ctx := context.Background()
	r, _, regen := newRegistry(t, true)

	tests := []struct {
		name string
		port inventory.ServicePort
	}{
		{"protocol", inventory.ServicePort{Protocol: "icmp", Port: 8000}},
		{"zero port", inventory.ServicePort{Protocol: "tcp", Port: 0}},
		{"port too large", inventory.ServicePort{Protocol: "tcp", Port: 70000}},
		{"bad range", inventory.ServicePort{Protocol: "tcp", Port: 8000, AllowedRanges: []string{"not-a-cidr"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(ctx, inventory.TrackedService{ID: "bad", Policy: inventory.PolicyAllowAll,
				Ports: []inventory.ServicePort{tt.port}})
			assert.ErrorIs(t, err, ErrInvalidService)
		})
	}
	assert.ErrorIs(t, r.Register(ctx, inventory.TrackedService{}), ErrInvalidService)
	assert.ErrorIs(t, r.Register(ctx, inventory.TrackedService{ID: "x", Policy: 5}), ErrInvalidService)

	svcs, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, svcs)
	assert.Zero(t, regen.calls)
}

func TestScanSkipsInvalidServices(t *testing.T) {
	ctx := context.Background()
	r, s, regen := newRegistry(t, true)

	require.NoError(t, store.SetJSON(ctx, s, store.KeyWebsites, []inventory.Website{
		{ID: "blog", Type: "nginx-static"},
		{ID: "odd", Type: "nginx-static", Ports: []inventory.ServicePort{{Protocol: "sctp", Port: 0}}},
	}))
	require.NoError(t, store.SetJSON(ctx, s, store.KeyServices, []inventory.TrackedService{
		{ID: "legacy", Kind: inventory.ServiceKindSystem, Ports: []inventory.ServicePort{{Protocol: "tcp", Port: 70000}}},
	}))

	svcs, err := r.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, svcs, 1)
	assert.Equal(t, "blog", svcs[0].ID)
	require.Len(t, regen.services, 1)

	persisted, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	require.NoError(t, r.UpdatePolicy(ctx, "blog", inventory.PolicyBlocked))
}
