package system

import (
	"context"
	"errors"
	"fmt"
)

// PackageManager is a shell-driven package manager: pacman for system packages,
// pip for language packages.
type PackageManager struct {
	runner  Runner
	query   func(pkg string) string
	install func(pkgs []string) string
	remove  func(pkgs []string, purge bool) string
}

// NewPacman drives the system package manager.
func NewPacman(runner Runner) *PackageManager {
	return &PackageManager{
		runner: runner,
		query:  func(pkg string) string { return "pacman -Q " + Quote(pkg) },
		install: func(pkgs []string) string {
			return "pacman -S --noconfirm --needed " + QuoteAll(pkgs)
		},
		remove: func(pkgs []string, purge bool) string {
			flags := "-R"
			if purge {
				flags = "-Rn"
			}
			return fmt.Sprintf("pacman %s --noconfirm %s", flags, QuoteAll(pkgs))
		},
	}
}

// NewApt drives apt on Debian-family hosts.
func NewApt(runner Runner) *PackageManager {
	return &PackageManager{
		runner: runner,
		query:  func(pkg string) string { return "dpkg-query -W -f='${Status}' " + Quote(pkg) + " | grep -q 'ok installed'" },
		install: func(pkgs []string) string {
			return "DEBIAN_FRONTEND=noninteractive apt-get install -y " + QuoteAll(pkgs)
		},
		remove: func(pkgs []string, purge bool) string {
			verb := "remove"
			if purge {
				verb = "purge"
			}
			return fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get %s -y %s", verb, QuoteAll(pkgs))
		},
	}
}

// NewPip drives pip for language packages.
func NewPip(runner Runner) *PackageManager {
	return &PackageManager{
		runner:  runner,
		query:   func(pkg string) string { return "pip show -q " + Quote(pkg) },
		install: func(pkgs []string) string { return "pip install " + QuoteAll(pkgs) },
		remove:  func(pkgs []string, _ bool) string { return "pip uninstall -y " + QuoteAll(pkgs) },
	}
}

func (p *PackageManager) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	_, err := p.runner.Run(ctx, Command{Line: p.query(pkg)})
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return err == nil, err
}

func (p *PackageManager) Install(ctx context.Context, pkgs ...string) error {
	if len(pkgs) == 0 {
		return nil
	}
	_, err := p.runner.Run(ctx, Command{Line: p.install(pkgs)})
	return err
}

func (p *PackageManager) Remove(ctx context.Context, purge bool, pkgs ...string) error {
	if len(pkgs) == 0 {
		return nil
	}
	_, err := p.runner.Run(ctx, Command{Line: p.remove(pkgs, purge)})
	return err
}
