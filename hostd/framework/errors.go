package framework

import (
	"errors"
	"strings"
)

var (
	ErrUnknownComponent = errors.New("unknown component")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrNotStarted       = errors.New("framework not started")
)

// RequirementCycleError reports a loop in component requirements.
type RequirementCycleError struct {
	Path []string
}

func (e *RequirementCycleError) Error() string {
	return "component requirement cycle: " + strings.Join(e.Path, " -> ")
}
