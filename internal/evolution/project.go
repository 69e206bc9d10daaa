package evolution

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uke16/Helix-sub001/internal/status"
)

// ModifiedFile is a production file replaced by a project. OriginalContent
// is captured when the project is integrated.
type ModifiedFile struct {
	Path            string `json:"path"`
	OriginalContent []byte `json:"original_content,omitempty"`
	BackedUp        bool   `json:"backed_up,omitempty"`
}

// StepResult is one validation command.
type StepResult struct {
	Name     string        `json:"name"`
	Command  string        `json:"command,omitempty"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped,omitempty"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	Passed     bool         `json:"passed"`
	Steps      []StepResult `json:"steps"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Failed returns the first failed step, or nil.
func (r *ValidationReport) Failed() *StepResult {
	for i := range r.Steps {
		if !r.Steps[i].Passed && !r.Steps[i].Skipped {
			return &r.Steps[i]
		}
	}
	return nil
}

// Project is a change moving from a source tree through the test
// environment into production.
type Project struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Env       string `json:"env"`
	SourceDir string `json:"source_dir"`
	// Include holds glob patterns, relative to SourceDir, selecting the
	// files the project ships. Empty means every file.
	Include       []string          `json:"include,omitempty"`
	NewFiles      []string          `json:"new_files"`
	ModifiedFiles []ModifiedFile    `json:"modified_files"`
	History       []Transition      `json:"history"`
	Validation    *ValidationReport `json:"validation,omitempty"`
	LockToken     string            `json:"lock_token,omitempty"`
	// ProdTouched is set once integration has started writing production.
	ProdTouched bool      `json:"prod_touched,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Files returns every path the project writes, new files first.
func (p *Project) Files() []string {
	out := append([]string(nil), p.NewFiles...)
	for _, m := range p.ModifiedFiles {
		out = append(out, m.Path)
	}
	return out
}

// Store persists projects as JSON files under dir.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid project name %q", name)
	}
	return nil
}

// Create writes a new project.
func (s *Store) Create(p *Project) error {
	if err := validName(p.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(p.Name)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, p.Name)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return status.WriteJSON(s.path(p.Name), p)
}

// Get loads a project.
func (s *Store) Get(name string) (*Project, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	var p Project
	if err := status.ReadJSON(s.path(name), &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return &p, nil
}

// Save writes p, stamping UpdatedAt.
func (s *Store) Save(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	return status.WriteJSON(s.path(p.Name), p)
}

// List returns all projects sorted by name.
func (s *Store) List() ([]*Project, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.dir, err)
	}
	var out []*Project
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok {
			continue
		}
		p, err := s.Get(name)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
