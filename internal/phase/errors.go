package phase

import (
	"fmt"
	"strings"
)

// CyclicDependencyError reports a dependency cycle. Cycle lists the phase
// ids along the cycle with the first id repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

// DuplicatePhaseIDError reports two phases sharing an id.
type DuplicatePhaseIDError struct {
	ID string
}

func (e *DuplicatePhaseIDError) Error() string {
	return fmt.Sprintf("duplicate phase id %q", e.ID)
}

// UnknownDependencyError reports a reference to a phase id that does not exist.
type UnknownDependencyError struct {
	Phase      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("phase %q depends on unknown phase %q", e.Phase, e.Dependency)
}

// ValidationError represents a structural problem that is not a graph error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
