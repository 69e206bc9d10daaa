package dataflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/phase"
)

// InputCollisionError reports two sources producing the same relative path
// in a phase's input directory.
type InputCollisionError struct {
	Phase   string
	Path    string
	Sources []string
}

func (e *InputCollisionError) Error() string {
	return fmt.Sprintf("phase %q: input %q provided by multiple sources: %s",
		e.Phase, e.Path, strings.Join(e.Sources, ", "))
}

// MissingSourceError reports an input source phase that has not completed.
type MissingSourceError struct {
	Phase  string
	Source string
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("phase %q: input source %q has not completed", e.Phase, e.Source)
}

// Workspace lays out per-phase directories under Root.
type Workspace struct {
	Root string
}

// PhaseDir returns the directory for all of a phase's files.
func (w Workspace) PhaseDir(id string) string {
	return filepath.Join(w.Root, "phases", id)
}

// InputDir returns the directory the agent reads upstream artifacts from.
func (w Workspace) InputDir(id string) string {
	return filepath.Join(w.PhaseDir(id), "input")
}

// OutputDir returns the directory the agent writes artifacts to.
func (w Workspace) OutputDir(id string) string {
	return filepath.Join(w.PhaseDir(id), "output")
}

// FeedbackFile returns the path of the feedback file for the next attempt.
func (w Workspace) FeedbackFile(id string) string {
	return filepath.Join(w.PhaseDir(id), "feedback.md")
}

// Ensure creates the input and output directories of a phase.
func (w Workspace) Ensure(id string) error {
	for _, dir := range []string{w.InputDir(id), w.OutputDir(id)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// Manager copies upstream phase outputs into downstream input directories.
type Manager struct {
	log *zap.Logger
}

// NewManager creates a Manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log.Named("dataflow")}
}

type plannedCopy struct {
	src    string
	dst    string
	source string
}

// PrepareInputs resolves every input source of def against the output
// directories in completed (phase id -> output dir) and copies the matches
// into inputDir, preserving paths relative to the source output directory.
// inputDir is emptied first. All copies are planned before the first write,
// so a collision or missing source leaves inputDir untouched.
func (m *Manager) PrepareInputs(ctx context.Context, def *phase.Definition, inputDir string, completed map[string]string) ([]string, error) {
	var plan []plannedCopy
	owners := make(map[string][]string)

	for _, in := range def.Inputs {
		srcDir, ok := completed[in.From]
		if !ok {
			return nil, &MissingSourceError{Phase: def.ID, Source: in.From}
		}
		matches, err := Glob(srcDir, in.Pattern)
		if err != nil {
			return nil, fmt.Errorf("phase %q: resolving %s:%s: %w", def.ID, in.From, in.Pattern, err)
		}
		if len(matches) == 0 {
			m.log.Warn("input pattern matched nothing",
				zap.String("phase", def.ID),
				zap.String("from", in.From),
				zap.String("pattern", in.Pattern))
		}
		for _, rel := range matches {
			label := in.From + ":" + in.Pattern
			if prev := owners[rel]; len(prev) > 0 && samePhase(prev, in.From) {
				// Two patterns of the same source selecting one file is a no-op.
				continue
			}
			owners[rel] = append(owners[rel], label)
			plan = append(plan, plannedCopy{
				src:    filepath.Join(srcDir, filepath.FromSlash(rel)),
				dst:    filepath.Join(inputDir, filepath.FromSlash(rel)),
				source: label,
			})
		}
	}

	var collisions []string
	for rel, srcs := range owners {
		if len(srcs) > 1 {
			collisions = append(collisions, rel)
		}
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		first := collisions[0]
		return nil, &InputCollisionError{Phase: def.ID, Path: first, Sources: owners[first]}
	}

	if err := os.RemoveAll(inputDir); err != nil {
		return nil, fmt.Errorf("clearing %s: %w", inputDir, err)
	}
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", inputDir, err)
	}

	copied := make([]string, 0, len(plan))
	for _, c := range plan {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		if err := CopyFile(c.src, c.dst); err != nil {
			return copied, fmt.Errorf("phase %q: copying %s: %w", def.ID, c.source, err)
		}
		rel, _ := filepath.Rel(inputDir, c.dst)
		copied = append(copied, filepath.ToSlash(rel))
	}
	sort.Strings(copied)

	m.log.Debug("inputs prepared", zap.String("phase", def.ID), zap.Int("files", len(copied)))
	return copied, nil
}

func samePhase(labels []string, from string) bool {
	for _, l := range labels {
		if strings.HasPrefix(l, from+":") {
			return true
		}
	}
	return false
}

// CopyFile copies src to dst, creating parent directories and preserving
// the file mode.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CopyTree copies every regular file under src into dst.
func CopyTree(src, dst string) error {
	files, err := Glob(src, "**")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, rel := range files {
		if err := CopyFile(filepath.Join(src, filepath.FromSlash(rel)), filepath.Join(dst, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
	}
	return nil
}
