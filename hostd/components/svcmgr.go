package components

import (
	"context"
	"strings"

	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/system"
)

// ServiceManager starts, stops and queries systemd units.
type ServiceManager struct {
	framework.Base
	systemd *system.Systemd
}

func NewServiceManager() *ServiceManager {
	return &ServiceManager{}
}

func (s *ServiceManager) Name() string { return NameServices }

func (s *ServiceManager) OnInit(ctx context.Context, rt *framework.Runtime) error {
	s.systemd = system.NewSystemd(rt.Runner)
	return nil
}

func (s *ServiceManager) Methods() framework.MethodTable {
	verb := func(fn func(context.Context, string) error) framework.Method {
		return func(ctx context.Context, args framework.Args) (interface{}, error) {
			unit, err := unitArg(args)
			if err != nil {
				return nil, err
			}
			if err := fn(ctx, unit); err != nil {
				return nil, err
			}
			return s.systemd.Status(ctx, unit)
		}
	}
	return framework.MethodTable{
		"start":   verb(s.systemd.Start),
		"stop":    verb(s.systemd.Stop),
		"restart": verb(s.systemd.Restart),
		"enable":  verb(s.systemd.Enable),
		"disable": verb(s.systemd.Disable),
		"status": func(ctx context.Context, args framework.Args) (interface{}, error) {
			unit, err := unitArg(args)
			if err != nil {
				return nil, err
			}
			return s.systemd.Status(ctx, unit)
		},
	}
}

var unitSuffixes = []string{".service", ".timer", ".socket", ".target", ".mount", ".path"}

// unitArg returns the "unit" argument, completed to a .service unit when it has
// no unit type suffix.
func unitArg(args framework.Args) (string, error) {
	unit, err := args.RequireString("unit")
	if err != nil {
		return "", err
	}
	if err := checkID("unit", unit); err != nil {
		return "", err
	}
	for _, suffix := range unitSuffixes {
		if strings.HasSuffix(unit, suffix) {
			return unit, nil
		}
	}
	return unit + ".service", nil
}
