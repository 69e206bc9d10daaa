package evolution

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an evolution project.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusDeveloping Status = "DEVELOPING"
	StatusReady      Status = "READY"
	StatusDeployed   Status = "DEPLOYED"
	StatusValidated  Status = "VALIDATED"
	StatusIntegrated Status = "INTEGRATED"
	StatusFailed     Status = "FAILED"
	StatusRollback   Status = "ROLLBACK"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusDeveloping, StatusReady, StatusDeployed,
	StatusValidated, StatusIntegrated, StatusFailed, StatusRollback,
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusDeveloping},
	StatusDeveloping: {StatusReady},
	StatusReady:      {StatusDeployed},
	StatusDeployed:   {StatusValidated, StatusFailed},
	StatusValidated:  {StatusIntegrated, StatusFailed},
	StatusFailed:     {StatusRollback},
	StatusRollback:   {StatusReady},
	StatusIntegrated: {},
}

// ErrInvalidTransition is wrapped by every rejected status change.
var ErrInvalidTransition = errors.New("invalid evolution transition")

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// HoldsEnvironment reports whether a project in s occupies its test
// environment.
func (s Status) HoldsEnvironment() bool {
	return s == StatusDeployed || s == StatusValidated
}

// Transition is one entry in a project's history.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// transition moves p to status to, recording history.
func (p *Project) transition(to Status, reason string) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s for project %s", ErrInvalidTransition, p.Status, to, p.Name)
	}
	p.History = append(p.History, Transition{From: p.Status, To: to, At: time.Now().UTC(), Reason: reason})
	p.Status = to
	return nil
}
