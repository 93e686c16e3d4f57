// Package services maintains the tracked-service registry, the authoritative
// mapping of apps and websites to exposed ports and access policies.
package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/itskum47/hostforge/hostd/firewall"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/store"
	"go.uber.org/zap"
)

// Open ports are drawn from [OpenPortMin, OpenPortMax).
const (
	OpenPortMin = 8001
	OpenPortMax = 65534

	openPortAttempts = 1000
)

// commonPorts are well-known application ports left free unless ignoreCommon is set.
var commonPorts = map[int]bool{
	8008: true, 8080: true, 8081: true, 8088: true, 8443: true, 8888: true,
	9000: true, 9001: true, 9090: true, 9091: true, 9100: true, 9200: true,
	9300: true, 9418: true, 9443: true, 10000: true, 11211: true, 27017: true,
	28017: true, 32400: true, 50000: true,
}

var (
	// ErrUnknownService is returned for operations on an id that is not registered.
	ErrUnknownService = errors.New("unknown tracked service")
	// ErrInvalidService is returned when a service or one of its ports would not
	// produce a loadable firewall rule.
	ErrInvalidService = errors.New("invalid tracked service")
)

// Regenerator rebuilds the firewall from the registry.
type Regenerator interface {
	Regenerate(ctx context.Context, services []inventory.TrackedService, ranges []string) (firewall.Ruleset, error)
}

// RangeFunc returns the local networks LocalOnly services accept from.
type RangeFunc func(ctx context.Context) ([]string, error)

// Config controls firewall synchronization.
type Config struct {
	FirewallEnabled bool
	Ranges          RangeFunc
}

// Registry is the tracked-service registry. It is persisted at store.KeyServices
// with policies at store.KeyPolicies.
type Registry struct {
	store  store.Store
	regen  Regenerator
	cfg      Config
	validate *validator.Validate
	logger   *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRegistry(s store.Store, regen Regenerator, cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		store:    s,
		regen:    regen,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.Named("services"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed makes GetOpenPort deterministic.
func (r *Registry) Seed(seed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng = rand.New(rand.NewSource(seed))
}

// check rejects services whose ports the firewall could not load: protocols
// other than tcp or udp, ports outside 1-65535 and malformed CIDRs.
func (r *Registry) check(svc inventory.TrackedService) error {
	if !svc.Policy.Valid() {
		return fmt.Errorf("%w %s: policy %d", ErrInvalidService, svc.ID, svc.Policy)
	}
	if err := r.validate.Struct(svc); err != nil {
		return fmt.Errorf("%w %s: %v", ErrInvalidService, svc.ID, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context) ([]inventory.TrackedService, error) {
	var svcs []inventory.TrackedService
	if err := store.GetJSONOrEmpty(ctx, r.store, store.KeyServices, &svcs); err != nil {
		return nil, err
	}
	return svcs, nil
}

func (r *Registry) loadPolicies(ctx context.Context) (map[string]inventory.Policy, error) {
	policies := make(map[string]inventory.Policy)
	if err := store.GetJSONOrEmpty(ctx, r.store, store.KeyPolicies, &policies); err != nil {
		return nil, err
	}
	return policies, nil
}

func (r *Registry) save(ctx context.Context, svcs []inventory.TrackedService) error {
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].ID < svcs[j].ID })
	if svcs == nil {
		svcs = []inventory.TrackedService{}
	}
	return store.SetJSON(ctx, r.store, store.KeyServices, svcs)
}

// List returns the registered services sorted by id.
func (r *Registry) List(ctx context.Context) ([]inventory.TrackedService, error) {
	return r.load(ctx)
}

// Get returns one service.
func (r *Registry) Get(ctx context.Context, id string) (inventory.TrackedService, error) {
	svcs, err := r.load(ctx)
	if err != nil {
		return inventory.TrackedService{}, err
	}
	for _, s := range svcs {
		if s.ID == id {
			return s, nil
		}
	}
	return inventory.TrackedService{}, fmt.Errorf("%w: %s", ErrUnknownService, id)
}

// Scan rebuilds the registry from the installed apps and websites plus the saved
// policies. Services registered with kind "system" are carried over unchanged.
func (r *Registry) Scan(ctx context.Context) ([]inventory.TrackedService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var apps []inventory.Application
	if err := store.GetJSONOrEmpty(ctx, r.store, store.KeyAppsInstalled, &apps); err != nil {
		return nil, fmt.Errorf("read applications: %w", err)
	}
	var sites []inventory.Website
	if err := store.GetJSONOrEmpty(ctx, r.store, store.KeyWebsites, &sites); err != nil {
		return nil, fmt.Errorf("read websites: %w", err)
	}
	policies, err := r.loadPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read policies: %w", err)
	}
	existing, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	policyFor := func(id string) inventory.Policy {
		if p, ok := policies[id]; ok {
			return p
		}
		return inventory.DefaultPolicy
	}

	var svcs []inventory.TrackedService
	for _, a := range apps {
		if !a.Installed || len(a.Services) == 0 {
			continue
		}
		svcs = append(svcs, inventory.TrackedService{
			ID:     a.ID,
			Name:   a.Name,
			Kind:   inventory.ServiceKindApp,
			Ports:  ownedPorts(a.ID, a.Services),
			Policy: policyFor(a.ID),
		})
	}
	for _, w := range sites {
		svcs = append(svcs, inventory.TrackedService{
			ID:     w.ID,
			Name:   w.Name,
			Kind:   inventory.ServiceKindWebsite,
			Ports:  ownedPorts(w.ID, WebsitePorts(w)),
			Policy: policyFor(w.ID),
		})
	}
	for _, s := range existing {
		if s.Kind == inventory.ServiceKindSystem {
			s.Policy = policyFor(s.ID)
			svcs = append(svcs, s)
		}
	}

	valid := svcs[:0]
	for _, s := range svcs {
		if err := r.check(s); err != nil {
			r.logger.Warn("skipping invalid tracked service", zap.String("service_id", s.ID), zap.Error(err))
			continue
		}
		valid = append(valid, s)
	}
	svcs = valid

	if err := r.save(ctx, svcs); err != nil {
		return nil, err
	}
	r.logger.Info("tracked services scanned", zap.Int("count", len(svcs)))
	if err := r.regenerateLocked(ctx, svcs); err != nil {
		return svcs, err
	}
	return svcs, nil
}

// WebsitePorts returns the website's declared ports, or http (and https when SSL
// is on) if it declares none.
func WebsitePorts(w inventory.Website) []inventory.ServicePort {
	if len(w.Ports) > 0 {
		return w.Ports
	}
	ports := []inventory.ServicePort{{Protocol: "tcp", Port: 80}}
	if w.SSL {
		ports = append(ports, inventory.ServicePort{Protocol: "tcp", Port: 443})
	}
	return ports
}

func ownedPorts(owner string, ports []inventory.ServicePort) []inventory.ServicePort {
	out := make([]inventory.ServicePort, len(ports))
	for i, p := range ports {
		out[i] = p
		out[i].Owner = owner
		if out[i].Protocol == "" {
			out[i].Protocol = "tcp"
		}
	}
	return out
}

// Register adds or replaces one service. A saved policy for the id takes precedence
// over svc.Policy.
func (r *Registry) Register(ctx context.Context, svc inventory.TrackedService) error {
	svc.Ports = ownedPorts(svc.ID, svc.Ports)
	if err := r.check(svc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	policies, err := r.loadPolicies(ctx)
	if err != nil {
		return err
	}
	if p, ok := policies[svc.ID]; ok {
		svc.Policy = p
	}

	svcs, err := r.load(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range svcs {
		if svcs[i].ID == svc.ID {
			svcs[i] = svc
			replaced = true
		}
	}
	if !replaced {
		svcs = append(svcs, svc)
	}
	if err := r.save(ctx, svcs); err != nil {
		return err
	}
	r.logger.Info("tracked service registered", zap.String("service_id", svc.ID), zap.Stringer("policy", svc.Policy))
	return r.regenerateLocked(ctx, svcs)
}

// Deregister removes a service and its saved policy. Unknown ids are a no-op.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svcs, err := r.load(ctx)
	if err != nil {
		return err
	}
	kept := svcs[:0]
	for _, s := range svcs {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(svcs) {
		return nil
	}
	if err := r.save(ctx, kept); err != nil {
		return err
	}

	policies, err := r.loadPolicies(ctx)
	if err != nil {
		return err
	}
	if _, ok := policies[id]; ok {
		delete(policies, id)
		if err := store.SetJSON(ctx, r.store, store.KeyPolicies, policies); err != nil {
			return err
		}
	}
	r.logger.Info("tracked service deregistered", zap.String("service_id", id))
	return r.regenerateLocked(ctx, kept)
}

// UpdatePolicy changes one service's policy and persists it in the policy map.
func (r *Registry) UpdatePolicy(ctx context.Context, id string, policy inventory.Policy) error {
	if !policy.Valid() {
		return fmt.Errorf("invalid policy %d", policy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	svcs, err := r.load(ctx)
	if err != nil {
		return err
	}
	found := false
	for i := range svcs {
		if svcs[i].ID == id {
			svcs[i].Policy = policy
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}

	policies, err := r.loadPolicies(ctx)
	if err != nil {
		return err
	}
	policies[id] = policy
	if err := store.SetJSON(ctx, r.store, store.KeyPolicies, policies); err != nil {
		return err
	}
	if err := r.save(ctx, svcs); err != nil {
		return err
	}
	r.logger.Info("tracked service policy updated", zap.String("service_id", id), zap.Stringer("policy", policy))
	return r.regenerateLocked(ctx, svcs)
}

// RegenerateFirewall rebuilds the firewall from the persisted registry. It runs
// even when automatic regeneration is disabled.
func (r *Registry) RegenerateFirewall(ctx context.Context) (firewall.Ruleset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svcs, err := r.load(ctx)
	if err != nil {
		return firewall.Ruleset{}, err
	}
	ranges, err := r.ranges(ctx)
	if err != nil {
		return firewall.Ruleset{}, err
	}
	return r.regen.Regenerate(ctx, svcs, ranges)
}

func (r *Registry) regenerateLocked(ctx context.Context, svcs []inventory.TrackedService) error {
	if !r.cfg.FirewallEnabled || r.regen == nil {
		return nil
	}
	ranges, err := r.ranges(ctx)
	if err != nil {
		return err
	}
	_, err = r.regen.Regenerate(ctx, svcs, ranges)
	return err
}

func (r *Registry) ranges(ctx context.Context) ([]string, error) {
	if r.cfg.Ranges == nil {
		return nil, nil
	}
	ranges, err := r.cfg.Ranges(ctx)
	if err != nil {
		return nil, fmt.Errorf("local ranges: %w", err)
	}
	return ranges, nil
}

// GetOpenPort picks a random port in [OpenPortMin, OpenPortMax) that no tracked
// service uses. Common application ports are skipped unless ignoreCommon is set.
func (r *Registry) GetOpenPort(ctx context.Context, ignoreCommon bool) (int, error) {
	svcs, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool)
	for _, s := range svcs {
		for _, p := range s.Ports {
			used[p.Port] = true
		}
	}
	free := func(port int) bool {
		return !used[port] && (ignoreCommon || !commonPorts[port])
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < openPortAttempts; i++ {
		port := OpenPortMin + r.rng.Intn(OpenPortMax-OpenPortMin)
		if free(port) {
			return port, nil
		}
	}
	for port := OpenPortMin; port < OpenPortMax; port++ {
		if free(port) {
			return port, nil
		}
	}
	return 0, errors.New("no open port available")
}
