package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a project has no status file.
	ErrNotFound = errors.New("project not found")
	// ErrExists is returned by Create for an existing project.
	ErrExists = errors.New("project already exists")
	// ErrArtifactExists is returned by WriteOnce when the artifact is already stored.
	ErrArtifactExists = errors.New("artifact already exists")
)

const statusFile = "status.json"

// Tracker persists project status under baseDir/<project>/.
type Tracker struct {
	baseDir string
	log     *zap.Logger
	alive   func(pid int) bool

	mu sync.Mutex
}

// NewTracker creates a Tracker rooted at baseDir.
func NewTracker(baseDir string, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{baseDir: baseDir, log: log.Named("status"), alive: ProcessAlive}
}

// SetProcessProbe replaces the PID liveness check used by Load.
func (t *Tracker) SetProcessProbe(fn func(pid int) bool) {
	t.alive = fn
}

// BaseDir returns the tracker's root directory.
func (t *Tracker) BaseDir() string { return t.baseDir }

// ProjectDir returns the directory holding all state for a project.
func (t *Tracker) ProjectDir(id string) string {
	return filepath.Join(t.baseDir, id)
}

func (t *Tracker) statusPath(id string) string {
	return filepath.Join(t.ProjectDir(id), statusFile)
}

// AttemptDir returns the directory for one phase attempt's artifacts.
func (t *Tracker) AttemptDir(id, phaseID string, attempt int) string {
	return filepath.Join(t.ProjectDir(id), "attempts", phaseID, strconv.Itoa(attempt))
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid project id %q", id)
	}
	return nil
}

// Create writes a new project. It fails with ErrExists if one is present.
func (t *Tracker) Create(p *ProjectStatus) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := os.Stat(t.statusPath(p.ID)); err == nil {
		return fmt.Errorf("project %q: %w", p.ID, ErrExists)
	}
	if p.Status == "" {
		p.Status = ProjectPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = Now()
	}
	return t.save(p)
}

// Load reads a project. Phases left running by a process that no longer
// exists are reclassified as interrupted and the change is persisted.
func (t *Tracker) Load(id string) (*ProjectStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.read(id)
	if err != nil {
		return nil, err
	}
	if t.reclassifyOrphans(p) {
		if err := t.save(p); err != nil {
			return nil, fmt.Errorf("persist reclassified status: %w", err)
		}
	}
	return p, nil
}

func (t *Tracker) reclassifyOrphans(p *ProjectStatus) bool {
	if t.alive(p.OwnerPID) {
		return false
	}
	changed := false
	for phaseID, rec := range p.Phases {
		if rec.Status != PhaseRunning || t.alive(rec.PID) {
			continue
		}
		t.log.Warn("reclassifying orphaned phase",
			zap.String("project", p.ID),
			zap.String("phase", phaseID),
			zap.Int("pid", rec.PID))
		_ = Transition(phaseID, rec, PhaseInterrupted)
		changed = true
	}
	if p.Status == ProjectRunning {
		p.Status = ProjectPending
		p.OwnerPID = 0
		changed = true
	}
	return changed
}

func (t *Tracker) read(id string) (*ProjectStatus, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var p ProjectStatus
	if err := ReadJSON(t.statusPath(id), &p); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if p.Phases == nil {
		p.Phases = make(map[string]*PhaseRecord)
	}
	return &p, nil
}

// Save persists p, always stamping UpdatedAt.
func (t *Tracker) Save(p *ProjectStatus) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.save(p)
}

func (t *Tracker) save(p *ProjectStatus) error {
	p.UpdatedAt = Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	if err := WriteJSON(t.statusPath(p.ID), p); err != nil {
		return fmt.Errorf("write %s: %w", statusFile, err)
	}
	return nil
}

// Update performs a serialised read-modify-write of a project. If fn
// returns an error nothing is written.
func (t *Tracker) Update(id string, fn func(*ProjectStatus) error) (*ProjectStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := t.save(p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns all readable projects sorted by id. Broken entries are skipped.
func (t *Tracker) List() ([]*ProjectStatus, error) {
	entries, err := os.ReadDir(t.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", t.baseDir, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*ProjectStatus
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := t.read(entry.Name())
		if err != nil {
			t.log.Debug("skipping unreadable project", zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListByUpdated returns all projects, most recently updated first.
func (t *Tracker) ListByUpdated() ([]*ProjectStatus, error) {
	ps, err := t.List()
	if err != nil {
		return nil, err
	}
	SortByUpdated(ps)
	return ps, nil
}

// SortByUpdated orders projects by UpdatedAt descending. Zero timestamps
// sort as the oldest; ties fall back to id.
func SortByUpdated(ps []*ProjectStatus) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i].UpdatedAt.Time, ps[j].UpdatedAt.Time
		if a.Equal(b) {
			return ps[i].ID < ps[j].ID
		}
		return a.After(b)
	})
}

// Delete removes all data for a project.
func (t *Tracker) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	dir := t.ProjectDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	return os.RemoveAll(dir)
}

// WriteOnce stores a named JSON artifact in the project directory. An
// artifact can be written exactly once; later writes fail with
// ErrArtifactExists and leave the stored value untouched.
func (t *Tracker) WriteOnce(id, name string, v any) error {
	if err := validID(id); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	path := filepath.Join(t.ProjectDir(id), name)
	staging := path + ".staging"
	if err := WriteJSON(staging, v); err != nil {
		return err
	}
	defer os.Remove(staging)

	// Link refuses to replace an existing file, which makes the write-once
	// check and the publish a single step.
	if err := os.Link(staging, path); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", name, ErrArtifactExists)
		}
		return fmt.Errorf("publish %s: %w", name, err)
	}
	_ = syncDir(filepath.Dir(path))
	return nil
}

// ReadArtifact reads a named JSON artifact. A missing artifact yields an
// error satisfying os.IsNotExist.
func (t *Tracker) ReadArtifact(id, name string, v any) error {
	if err := validID(id); err != nil {
		return err
	}
	return ReadJSON(filepath.Join(t.ProjectDir(id), name), v)
}

// SaveAttemptReport writes an attempt artifact such as gates.json.
func (t *Tracker) SaveAttemptReport(id, phaseID string, attempt int, name string, v any) error {
	if err := validID(id); err != nil {
		return err
	}
	return WriteJSON(filepath.Join(t.AttemptDir(id, phaseID, attempt), name), v)
}
