package firewall

import (
	"context"
	"fmt"

	"github.com/itskum47/hostforge/hostd/system"
)

// Backend is the packet-filter primitive the synchronizer drives.
type Backend interface {
	// Apply atomically replaces the managed chain with the rendered script.
	Apply(ctx context.Context, rs Ruleset) error
	// Save persists the live rules so they survive a packet-filter restart.
	Save(ctx context.Context) error
}

// IPTables applies rulesets with iptables-restore.
type IPTables struct {
	runner   system.Runner
	savePath string
	// hook is the built-in chain that jumps into the managed chain.
	hook string
}

// NewIPTables creates the iptables backend. savePath is where iptables-save output
// is written, e.g. /etc/iptables/iptables.rules.
func NewIPTables(runner system.Runner, savePath string) *IPTables {
	return &IPTables{runner: runner, savePath: savePath, hook: "INPUT"}
}

func (b *IPTables) Apply(ctx context.Context, rs Ruleset) error {
	if _, err := b.runner.Run(ctx, system.Command{
		Line:  "iptables-restore --noflush",
		Stdin: rs.Render(),
	}); err != nil {
		return fmt.Errorf("iptables-restore: %w", err)
	}

	chain := system.Quote(rs.Chain)
	jump := fmt.Sprintf("iptables -C %s -j %s 2>/dev/null || iptables -I %s -j %s", b.hook, chain, b.hook, chain)
	if _, err := b.runner.Run(ctx, system.Command{Line: jump}); err != nil {
		return fmt.Errorf("hook %s into %s: %w", rs.Chain, b.hook, err)
	}
	return nil
}

func (b *IPTables) Save(ctx context.Context) error {
	if b.savePath == "" {
		return nil
	}
	line := "iptables-save > " + system.Quote(b.savePath)
	if _, err := b.runner.Run(ctx, system.Command{Line: line}); err != nil {
		return fmt.Errorf("iptables-save: %w", err)
	}
	return nil
}
