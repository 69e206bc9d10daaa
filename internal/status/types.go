package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ProjectState is the overall state of a project run.
type ProjectState string

const (
	ProjectPending   ProjectState = "pending"
	ProjectRunning   ProjectState = "running"
	ProjectPaused    ProjectState = "paused"
	ProjectCompleted ProjectState = "completed"
	ProjectFailed    ProjectState = "failed"
)

// PhaseState is the state of a single phase within a project.
type PhaseState string

const (
	PhasePending        PhaseState = "pending"
	PhaseRunning        PhaseState = "running"
	PhaseCompleted      PhaseState = "completed"
	PhaseFailed         PhaseState = "failed"
	PhaseInterrupted    PhaseState = "interrupted"
	PhasePausedForHuman PhaseState = "paused_for_human"
	PhaseSkipped        PhaseState = "skipped"
)

// Stamp is a UTC timestamp that tolerates legacy files where the field is
// missing, null or an empty string. Those decode to the zero time.
type Stamp struct {
	time.Time
}

// Now returns the current time as a Stamp.
func Now() Stamp { return Stamp{time.Now().UTC()} }

func (s Stamp) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(s.UTC().Format(time.RFC3339Nano))
}

func (s *Stamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		s.Time = time.Time{}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if str == "" {
		s.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", str, err)
	}
	s.Time = t.UTC()
	return nil
}

// PhaseRecord is the persisted state of one phase.
type PhaseRecord struct {
	Status     PhaseState `json:"status"`
	Attempts   int        `json:"attempts"`
	StartedAt  Stamp      `json:"started_at"`
	FinishedAt Stamp      `json:"finished_at"`
	LastError  string     `json:"last_error,omitempty"`
	PID        int        `json:"pid,omitempty"`
	Profile    string     `json:"profile,omitempty"`
}

// Failure is the structured terminal cause of a failed project.
type Failure struct {
	Phase   string `json:"phase"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	At      Stamp  `json:"at"`
}

// ProjectStatus is the top-level persisted state of a project.
type ProjectStatus struct {
	ID         string                  `json:"id"`
	Status     ProjectState            `json:"status"`
	RunID      string                  `json:"run_id,omitempty"`
	OwnerPID   int                     `json:"owner_pid,omitempty"`
	WorkDir    string                  `json:"workdir"`
	PhasesFile string                  `json:"phases_file,omitempty"`
	PhaseOrder []string                `json:"phase_order"`
	Phases     map[string]*PhaseRecord `json:"phases"`
	Baseline   bool                    `json:"baseline_captured"`
	Error      *Failure                `json:"error,omitempty"`
	CreatedAt  Stamp                   `json:"created_at"`
	UpdatedAt  Stamp                   `json:"updated_at"`
}

// Phase returns the record for id, creating a pending one if absent.
func (p *ProjectStatus) Phase(id string) *PhaseRecord {
	if p.Phases == nil {
		p.Phases = make(map[string]*PhaseRecord)
	}
	rec, ok := p.Phases[id]
	if !ok {
		rec = &PhaseRecord{Status: PhasePending}
		p.Phases[id] = rec
	}
	return rec
}

// Done reports whether phase id completed or was skipped by an operator.
func (p *ProjectStatus) Done(id string) bool {
	rec, ok := p.Phases[id]
	return ok && (rec.Status == PhaseCompleted || rec.Status == PhaseSkipped)
}

// Counts returns the number of phases in each state.
func (p *ProjectStatus) Counts() map[PhaseState]int {
	out := make(map[PhaseState]int)
	for _, rec := range p.Phases {
		out[rec.Status]++
	}
	return out
}

// Clone returns a deep copy safe to hand to callers.
func (p *ProjectStatus) Clone() *ProjectStatus {
	cp := *p
	cp.PhaseOrder = append([]string(nil), p.PhaseOrder...)
	cp.Phases = make(map[string]*PhaseRecord, len(p.Phases))
	for id, rec := range p.Phases {
		r := *rec
		cp.Phases[id] = &r
	}
	if p.Error != nil {
		e := *p.Error
		cp.Error = &e
	}
	return &cp
}
