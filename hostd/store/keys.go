package store

import (
	"fmt"
)

// Persisted inventory keys.
const (
	KeyAppsInstalled  = "apps:installed"
	KeyAppsUpdateable = "apps:updateable"
	KeyWebsites       = "websites"
	KeyDatabases      = "databases:databases"
	KeyDatabaseUsers  = "databases:users"
	KeyServices       = "services"
	KeyPolicies       = "services:policies"
	KeyFilesystemDevs = "filesystems:devs"
	KeyFilesystemPts  = "filesystems:points"
	KeyUpdates        = "updates"
	KeyTasks          = "tasks"
	KeyScheduled      = "scheduled"
	KeyMessages       = "messages"
	KeyLeaseScheduler = "lease:scheduler"
)

// Namespace prefixes every key a backend writes so several daemons can share one
// Redis database.
type Namespace string

// Key qualifies k with the namespace. An empty namespace leaves k unchanged.
func (n Namespace) Key(k string) string {
	if n == "" {
		return k
	}
	return fmt.Sprintf("%s:%s", n, k)
}

// MessageKey is the per-message log key.
func MessageKey(id string) string {
	return fmt.Sprintf("%s:%s", KeyMessages, id)
}

// ConfigKey is the live configuration mirror key for a section.
func ConfigKey(section string) string {
	return fmt.Sprintf("config:%s", section)
}
