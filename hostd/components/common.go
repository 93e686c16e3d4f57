// Package components holds the framework components that make up a running
// daemon: apps, websites, databases, filesystems, sysstats, services, security
// and updates.
package components

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/itskum47/hostforge/hostd/framework"
)

// Component names, also the step units that address them.
const (
	NameApps        = "apps"
	NameWebsites    = "websites"
	NameDatabases   = "databases"
	NameFilesystems = "filesystems"
	NameSysstats    = "sysstats"
	NameServices    = "services"
	NameSecurity    = "security"
	NameUpdates     = "updates"
)

// Catalog returns factories for every component so that requirements can be
// auto-registered.
func Catalog() framework.Catalog {
	return framework.Catalog{
		NameApps:        func() framework.Component { return NewApps() },
		NameWebsites:    func() framework.Component { return NewWebsites() },
		NameDatabases:   func() framework.Component { return NewDatabases() },
		NameFilesystems: func() framework.Component { return NewFilesystems() },
		NameSysstats:    func() framework.Component { return NewSysstats() },
		NameServices:    func() framework.Component { return NewServiceManager() },
		NameSecurity:    func() framework.Component { return NewSecurity() },
		NameUpdates:     func() framework.Component { return NewUpdates() },
	}
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]{0,127}$`)

// checkID rejects identifiers that could not be used safely as file or unit names.
func checkID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid %s %q", kind, id)
	}
	return nil
}

// decodeArg converts a loosely typed argument, usually decoded JSON, into dst.
func decodeArg(args framework.Args, key string, dst interface{}) error {
	v, ok := args[key]
	if !ok {
		return fmt.Errorf("missing argument %q", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("argument %q: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("argument %q: %w", key, err)
	}
	return nil
}
