package deps

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRestartRequired means an internal dependency could not be satisfied and the
// daemon must be restarted before its own capabilities can be trusted again.
var ErrRestartRequired = errors.New("internal dependency unsatisfied, restart required")

// CycleError reports a loop among not-yet-installed app dependencies.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// UnknownAppError is returned when an app dependency names no known application.
type UnknownAppError struct {
	ID         string
	RequiredBy string
}

func (e *UnknownAppError) Error() string {
	if e.RequiredBy == "" {
		return fmt.Sprintf("unknown application %q", e.ID)
	}
	return fmt.Sprintf("unknown application %q required by %q", e.ID, e.RequiredBy)
}
