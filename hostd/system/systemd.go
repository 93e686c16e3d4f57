package system

import (
	"context"
	"errors"
	"strings"
)

// UnitStatus is the state of a systemd unit.
type UnitStatus struct {
	Name    string `json:"name"`
	Active  string `json:"active"`
	Enabled string `json:"enabled"`
}

// Systemd controls units through systemctl.
type Systemd struct {
	runner Runner
}

func NewSystemd(runner Runner) *Systemd {
	return &Systemd{runner: runner}
}

func (s *Systemd) ctl(ctx context.Context, verb, unit string) error {
	_, err := s.runner.Run(ctx, Command{Line: "systemctl " + verb + " " + Quote(unit)})
	return err
}

func (s *Systemd) Start(ctx context.Context, unit string) error   { return s.ctl(ctx, "start", unit) }
func (s *Systemd) Stop(ctx context.Context, unit string) error    { return s.ctl(ctx, "stop", unit) }
func (s *Systemd) Restart(ctx context.Context, unit string) error { return s.ctl(ctx, "restart", unit) }
func (s *Systemd) Enable(ctx context.Context, unit string) error  { return s.ctl(ctx, "enable", unit) }
func (s *Systemd) Disable(ctx context.Context, unit string) error { return s.ctl(ctx, "disable", unit) }

// Status queries is-active and is-enabled. Both exit non-zero for inactive or
// disabled units, which is not an error here.
func (s *Systemd) Status(ctx context.Context, unit string) (UnitStatus, error) {
	st := UnitStatus{Name: unit}
	var err error
	if st.Active, err = s.query(ctx, "is-active", unit); err != nil {
		return st, err
	}
	if st.Enabled, err = s.query(ctx, "is-enabled", unit); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Systemd) query(ctx context.Context, verb, unit string) (string, error) {
	res, err := s.runner.Run(ctx, Command{Line: "systemctl " + verb + " " + Quote(unit)})
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
