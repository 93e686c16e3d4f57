package components

import (
	"context"
	"fmt"

	"github.com/itskum47/hostforge/hostd/firewall"
	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/services"
	"github.com/itskum47/hostforge/hostd/system"
	"go.uber.org/zap"
)

// Security exposes the tracked-service registry and firewall synchronization.
type Security struct {
	framework.Base
	registry *services.Registry
	logger   *zap.Logger

	// Backend replaces the iptables backend when set before init.
	Backend firewall.Backend
}

func NewSecurity() *Security {
	return &Security{}
}

func (s *Security) Name() string { return NameSecurity }

func (s *Security) OnInit(ctx context.Context, rt *framework.Runtime) error {
	s.logger = rt.Logger.Named(NameSecurity)
	cfg := rt.Settings.Security

	backend := s.Backend
	if backend == nil {
		backend = firewall.NewIPTables(rt.Runner, cfg.RulesPath)
	}
	synchronizer := firewall.NewSynchronizer(backend, cfg.Chain, rt.Logger)

	ranges := system.LocalRanges
	if len(cfg.LocalRanges) > 0 {
		fixed := append([]string(nil), cfg.LocalRanges...)
		ranges = func(context.Context) ([]string, error) { return fixed, nil }
	}

	s.registry = services.NewRegistry(rt.Store, synchronizer, services.Config{
		FirewallEnabled: cfg.FirewallEnabled,
		Ranges:          ranges,
	}, rt.Logger)
	return nil
}

// OnStart rebuilds the registry from the current inventory. A firewall failure
// is logged, the registry itself stays authoritative.
func (s *Security) OnStart(ctx context.Context) error {
	if _, err := s.registry.Scan(ctx); err != nil {
		if _, listErr := s.registry.List(ctx); listErr != nil {
			return fmt.Errorf("scan tracked services: %w", err)
		}
		s.logger.Warn("initial firewall regeneration failed", zap.Error(err))
	}
	return nil
}

// Registry returns the tracked-service registry.
func (s *Security) Registry() *services.Registry {
	return s.registry
}

func (s *Security) Methods() framework.MethodTable {
	return framework.MethodTable{
		"list": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			return s.registry.List(ctx)
		},
		"scan": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			return s.registry.Scan(ctx)
		},
		"register":      s.register,
		"deregister":    s.deregister,
		"update_policy": s.updatePolicy,
		"regenerate": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			rs, err := s.registry.RegenerateFirewall(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"chain": rs.Chain, "rules": len(rs.Rules)}, nil
		},
		"open_port": func(ctx context.Context, args framework.Args) (interface{}, error) {
			port, err := s.registry.GetOpenPort(ctx, args.Bool("ignore_common"))
			if err != nil {
				return nil, err
			}
			return map[string]int{"port": port}, nil
		},
	}
}

func (s *Security) register(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	svc := inventory.TrackedService{
		ID:     id,
		Name:   args.String("name"),
		Icon:   args.String("icon"),
		Kind:   args.String("kind"),
		Policy: inventory.DefaultPolicy,
	}
	if svc.Kind == "" {
		svc.Kind = inventory.ServiceKindSystem
	}
	if err := decodeArg(args, "ports", &svc.Ports); err != nil {
		return nil, err
	}
	if _, ok := args["policy"]; ok {
		if svc.Policy, err = inventory.ParsePolicy(args.String("policy")); err != nil {
			return nil, err
		}
	}
	if err := s.registry.Register(ctx, svc); err != nil {
		return nil, err
	}
	return s.registry.Get(ctx, id)
}

func (s *Security) deregister(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	return nil, s.registry.Deregister(ctx, id)
}

func (s *Security) updatePolicy(ctx context.Context, args framework.Args) (interface{}, error) {
	id, err := args.RequireString("id")
	if err != nil {
		return nil, err
	}
	policy, err := inventory.ParsePolicy(args.String("policy"))
	if err != nil {
		return nil, err
	}
	if err := s.registry.UpdatePolicy(ctx, id, policy); err != nil {
		return nil, err
	}
	return s.registry.Get(ctx, id)
}
