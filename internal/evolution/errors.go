package evolution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/uke16/Helix-sub001/internal/retry"
)

var (
	// ErrNotFound is returned for unknown projects.
	ErrNotFound = errors.New("evolution project not found")
	// ErrExists is returned by Create for an existing project.
	ErrExists = errors.New("evolution project already exists")
)

// DeployConflictError reports that a test environment is occupied.
type DeployConflictError struct {
	Env     string
	Project string
	Holder  string
}

func (e *DeployConflictError) Error() string {
	return fmt.Sprintf("deploy %s: test environment %q is held by %s", e.Project, e.Env, e.Holder)
}

func (e *DeployConflictError) Kind() retry.Kind { return retry.Conflict }

// PreconditionError reports an operation called in the wrong state. Nothing
// was changed.
type PreconditionError struct {
	Op      string
	Project string
	Status  Status
	Want    []Status
}

func (e *PreconditionError) Error() string {
	want := make([]string, len(e.Want))
	for i, s := range e.Want {
		want[i] = string(s)
	}
	return fmt.Sprintf("%s %s: project is %s, requires %s", e.Op, e.Project, e.Status, strings.Join(want, " or "))
}

func (e *PreconditionError) Kind() retry.Kind { return retry.Permanent }

// EnvironmentError reports a failed filesystem or service operation on an
// environment. The environment has been rolled back where possible.
type EnvironmentError struct {
	Op  string
	Env string
	Err error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s on environment %q: %v", e.Op, e.Env, e.Err)
}

func (e *EnvironmentError) Unwrap() error    { return e.Err }
func (e *EnvironmentError) Kind() retry.Kind { return retry.Environment }
