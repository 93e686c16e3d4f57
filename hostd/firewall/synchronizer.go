package firewall

import (
	"context"
	"sync"

	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/observability"
	"go.uber.org/zap"
)

// Synchronizer rebuilds the managed chain from the tracked services.
type Synchronizer struct {
	backend Backend
	chain   string
	logger  *zap.Logger

	// mu orders concurrent regenerations so the last caller's view wins.
	mu   sync.Mutex
	last Ruleset
}

func NewSynchronizer(backend Backend, chain string, logger *zap.Logger) *Synchronizer {
	if chain == "" {
		chain = DefaultChain
	}
	return &Synchronizer{backend: backend, chain: chain, logger: logger.Named("firewall")}
}

// Regenerate flushes and rewrites the managed chain for services, then saves.
func (s *Synchronizer) Regenerate(ctx context.Context, services []inventory.TrackedService, ranges []string) (Ruleset, error) {
	rs := Build(s.chain, services, ranges)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Apply(ctx, rs); err != nil {
		observability.FirewallRegenerations.WithLabelValues("failed").Inc()
		s.logger.Error("failed to apply firewall rules", zap.Error(err))
		return rs, err
	}
	if err := s.backend.Save(ctx); err != nil {
		observability.FirewallRegenerations.WithLabelValues("failed").Inc()
		s.logger.Error("failed to save firewall rules", zap.Error(err))
		return rs, err
	}

	s.last = rs
	observability.FirewallRegenerations.WithLabelValues("ok").Inc()
	observability.FirewallRules.Set(float64(len(rs.Rules)))
	s.logger.Info("firewall regenerated",
		zap.String("chain", rs.Chain),
		zap.Int("services", len(services)),
		zap.Int("rules", len(rs.Rules)),
	)
	return rs, nil
}

// Last returns the most recently applied ruleset.
func (s *Synchronizer) Last() Ruleset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
