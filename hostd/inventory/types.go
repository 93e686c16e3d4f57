// Package inventory holds the host inventory records shared by the verifier,
// the tracked-service registry and the framework components.
package inventory

import (
	"fmt"
	"strings"
)

// DependencyKind classifies what a Dependency names.
type DependencyKind string

const (
	KindSystem   DependencyKind = "system"
	KindLanguage DependencyKind = "language"
	KindApp      DependencyKind = "app"
)

// Verify records the outcome of checking one dependency.
type Verify struct {
	Checked   bool   `json:"checked"`
	Installed bool   `json:"installed"`
	Error     string `json:"error,omitempty"`
}

// Dependency is one requirement of an Application.
type Dependency struct {
	Kind    DependencyKind `json:"kind" yaml:"kind" validate:"required,oneof=system language app"`
	Package string         `json:"package" yaml:"package" validate:"required"`
	// Internal dependencies are needed by the daemon itself; failing one requires a restart.
	Internal bool    `json:"internal,omitempty" yaml:"internal"`
	Verify   *Verify `json:"verify,omitempty" yaml:"-"`
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s:%s", d.Kind, d.Package)
}

// Policy is the access level for a tracked service's ports.
type Policy int

const (
	PolicyBlocked   Policy = 0
	PolicyLocalOnly Policy = 1
	PolicyAllowAll  Policy = 2
)

// DefaultPolicy applies to services without a saved policy.
const DefaultPolicy = PolicyAllowAll

func (p Policy) Valid() bool {
	return p >= PolicyBlocked && p <= PolicyAllowAll
}

func (p Policy) String() string {
	switch p {
	case PolicyBlocked:
		return "blocked"
	case PolicyLocalOnly:
		return "local"
	case PolicyAllowAll:
		return "all"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the numeric form or the names returned by String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "blocked":
		return PolicyBlocked, nil
	case "1", "local", "localonly":
		return PolicyLocalOnly, nil
	case "2", "all", "allowall":
		return PolicyAllowAll, nil
	}
	return 0, fmt.Errorf("invalid policy %q", s)
}

// ServicePort is one network port exposed by an app or website.
type ServicePort struct {
	Protocol string `json:"protocol" yaml:"protocol" validate:"required,oneof=tcp udp"`
	Port     int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	// Owner is the id of the owning entity. Filled in on registration.
	Owner string `json:"owner,omitempty" yaml:"-"`
	// AllowedRanges overrides the local ranges for LocalOnly services.
	AllowedRanges []string `json:"allowed_ranges,omitempty" yaml:"allowed_ranges" validate:"dive,cidrv4"`
}

// Application is an installable unit of functionality.
type Application struct {
	ID           string        `json:"id" yaml:"id" validate:"required"`
	Name         string        `json:"name" yaml:"name"`
	Version      string        `json:"version" yaml:"version"`
	Type         string        `json:"type,omitempty" yaml:"type"`
	Dependencies []Dependency  `json:"dependencies,omitempty" yaml:"dependencies" validate:"dive"`
	Services     []ServicePort `json:"services,omitempty" yaml:"services" validate:"dive"`
	// Download is the archive fetched on install.
	Download   string `json:"download,omitempty" yaml:"download"`
	Loadable   bool   `json:"loadable"`
	Error      string `json:"error,omitempty"`
	Installed  bool   `json:"installed"`
	Upgradable string `json:"upgradable,omitempty"`
}

// AppDependencies returns the ids of app-kind dependencies in declared order.
func (a *Application) AppDependencies() []string {
	var ids []string
	for _, d := range a.Dependencies {
		if d.Kind == KindApp {
			ids = append(ids, d.Package)
		}
	}
	return ids
}

// Website is a hosted site.
type Website struct {
	ID      string        `json:"id" validate:"required"`
	Name    string        `json:"name"`
	Type    string        `json:"type" validate:"required"`
	Addr    string        `json:"addr" validate:"omitempty,hostname_rfc1123|ip"`
	Path    string        `json:"path"`
	Enabled bool          `json:"enabled"`
	SSL     bool          `json:"ssl"`
	Ports   []ServicePort `json:"ports,omitempty" validate:"dive"`
}

// Database is a database, or a user account, on one of the database engines.
type Database struct {
	ID     string `json:"id"`
	Engine string `json:"engine"`
}

// TrackedService is the firewall-relevant view of an app or website.
type TrackedService struct {
	ID     string        `json:"id" validate:"required"`
	Name   string        `json:"name"`
	Icon   string        `json:"icon,omitempty"`
	Kind   string        `json:"kind"`
	Ports  []ServicePort `json:"ports" validate:"dive"`
	Policy Policy        `json:"policy"`
}

// TrackedService kinds.
const (
	ServiceKindApp     = "app"
	ServiceKindWebsite = "website"
	ServiceKindSystem  = "system"
)

// Copy returns a deep copy.
func (s TrackedService) Copy() TrackedService {
	out := s
	out.Ports = make([]ServicePort, len(s.Ports))
	for i, p := range s.Ports {
		out.Ports[i] = p
		out.Ports[i].AllowedRanges = append([]string(nil), p.AllowedRanges...)
	}
	return out
}

// Device is a block device seen by the filesystems component.
type Device struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	FSType string `json:"fstype"`
}

// MountPoint is a mounted filesystem.
type MountPoint struct {
	ID     string  `json:"id"`
	Device string  `json:"device"`
	Path   string  `json:"path"`
	FSType string  `json:"fstype"`
	Opts   string  `json:"opts"`
	Total  uint64  `json:"total"`
	Used   uint64  `json:"used"`
	Usage  float64 `json:"usage_percent"`
}

// Update is one entry of the update feed.
type Update struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Info  string   `json:"info,omitempty"`
	Tasks []string `json:"tasks,omitempty"`
}
