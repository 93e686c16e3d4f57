package framework

import (
	"context"
	"fmt"
	"strconv"
)

// Args are the keyword parameters of a component method call. Task steps always
// add "task_id".
type Args map[string]interface{}

// String returns a string argument, or "" when absent.
func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// RequireString returns a non-empty string argument.
func (a Args) RequireString(key string) (string, error) {
	s := a.String(key)
	if s == "" {
		return "", fmt.Errorf("missing argument %q", key)
	}
	return s, nil
}

// Int returns an integer argument. JSON numbers arrive as float64.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("argument %q: unexpected type %T", key, v)
}

// Bool returns a boolean argument.
func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Method is one entry of a component's capability table. Results must be
// JSON-serializable.
type Method func(ctx context.Context, args Args) (interface{}, error)

// MethodTable maps method names to their implementation.
type MethodTable map[string]Method

// Component is a named, lifecycle-managed part of the daemon.
type Component interface {
	Name() string
	// Requires names the components that must be initialized first.
	Requires() []string
	OnInit(ctx context.Context, rt *Runtime) error
	// Assign runs after every component is initialized.
	Assign(reg *Registry)
	OnStart(ctx context.Context) error
	Methods() MethodTable
}

// ConcurrentSafe marks a component whose methods may run concurrently. Calls to
// any other component are serialized.
type ConcurrentSafe interface {
	ConcurrentSafe()
}

// Stopper is implemented by components holding resources to release on shutdown.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// Base provides no-op lifecycle hooks for embedding.
type Base struct{}

func (Base) Requires() []string { return nil }
func (Base) OnInit(ctx context.Context, rt *Runtime) error { return nil }
func (Base) Assign(reg *Registry) {}
func (Base) OnStart(ctx context.Context) error { return nil }
func (Base) Methods() MethodTable { return nil }

// Status of a registered component.
type Status string

const (
	StatusRegistered  Status = "registered"
	StatusInitialized Status = "initialized"
	StatusStarted     Status = "started"
	StatusStopped     Status = "stopped"
	StatusError       Status = "error"
)
