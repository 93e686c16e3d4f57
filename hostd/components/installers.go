package components

import (
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/system"
)

// Installable turns an application of one type into task steps. The archive, if
// any, is already extracted into dir when InstallSteps runs.
type Installable interface {
	Type() string
	InstallSteps(app inventory.Application, dir string) []scheduler.Step
	RemoveSteps(app inventory.Application, dir string) []scheduler.Step
}

// StaticInstaller handles apps that are nothing but their extracted files.
type StaticInstaller struct{}

func (StaticInstaller) Type() string { return "static" }

func (StaticInstaller) InstallSteps(app inventory.Application, dir string) []scheduler.Step {
	return nil
}

func (StaticInstaller) RemoveSteps(app inventory.Application, dir string) []scheduler.Step {
	return []scheduler.Step{{Unit: scheduler.UnitShell, Order: "rm -rf " + system.Quote(dir)}}
}

// SystemdInstaller runs an app as the systemd unit <id>.service shipped in its
// archive.
type SystemdInstaller struct{}

func (SystemdInstaller) Type() string { return "systemd" }

func (SystemdInstaller) InstallSteps(app inventory.Application, dir string) []scheduler.Step {
	unit := app.ID + ".service"
	return []scheduler.Step{
		{Unit: scheduler.UnitShell, Order: "install -m 0644 " + system.Quote(dir+"/"+unit) + " /etc/systemd/system/ && systemctl daemon-reload"},
		{Unit: NameServices, Order: "enable", Data: map[string]interface{}{"unit": unit}},
		{Unit: NameServices, Order: "start", Data: map[string]interface{}{"unit": unit}},
	}
}

func (SystemdInstaller) RemoveSteps(app inventory.Application, dir string) []scheduler.Step {
	unit := app.ID + ".service"
	return []scheduler.Step{
		{Unit: NameServices, Order: "stop", Data: map[string]interface{}{"unit": unit}},
		{Unit: NameServices, Order: "disable", Data: map[string]interface{}{"unit": unit}},
		{Unit: scheduler.UnitShell, Order: "rm -f " + system.Quote("/etc/systemd/system/"+unit) + " && systemctl daemon-reload"},
		{Unit: scheduler.UnitShell, Order: "rm -rf " + system.Quote(dir)},
	}
}
