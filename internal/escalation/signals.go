package escalation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/status"
)

// ErrHumanTimeout is returned by Wait when no resume signal arrives in time.
var ErrHumanTimeout = errors.New("timed out waiting for resume signal")

// Action is what an operator asks a paused phase to do.
type Action string

const (
	ActionRetry Action = "retry"
	ActionSkip  Action = "skip"
	ActionAbort Action = "abort"
)

// ParseAction reads the content of a signal file. Empty content means retry.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionRetry, nil
	case ActionRetry, ActionSkip, ActionAbort:
		return a, nil
	default:
		return "", fmt.Errorf("unknown resume action %q (want retry, skip or abort)", s)
	}
}

const signalSuffix = ".resume"

// settleDelay lets writers that create then fill a signal file finish
// before it is read.
const settleDelay = 50 * time.Millisecond

// SignalBox delivers resume signals to paused phases. Signals arrive either
// as files <baseDir>/<project>/signals/<phase>.resume or in-process through
// Resume.
type SignalBox struct {
	baseDir string
	log     *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan Action
}

// NewSignalBox creates a SignalBox rooted at the status state directory.
func NewSignalBox(baseDir string, log *zap.Logger) *SignalBox {
	if log == nil {
		log = zap.NewNop()
	}
	return &SignalBox{
		baseDir: baseDir,
		log:     log.Named("signals"),
		waiters: make(map[string]chan Action),
	}
}

// Dir returns the signal directory for a project.
func (b *SignalBox) Dir(project string) string {
	return filepath.Join(b.baseDir, project, "signals")
}

// Path returns the signal file for a phase.
func (b *SignalBox) Path(project, phaseID string) string {
	return filepath.Join(b.Dir(project), phaseID+signalSuffix)
}

// Send writes a signal file. It works across processes.
func (b *SignalBox) Send(project, phaseID string, action Action) error {
	if _, err := ParseAction(string(action)); err != nil {
		return err
	}
	path := b.Path(project, phaseID)
	if err := status.WriteAtomic(path, []byte(string(action)+"\n")); err != nil {
		return fmt.Errorf("write signal %s: %w", path, err)
	}
	b.log.Info("resume signal written",
		zap.String("project", project),
		zap.String("phase", phaseID),
		zap.String("action", string(action)))
	return nil
}

// Resume signals a phase waiting in this process, or writes the signal
// file when nothing here is waiting.
func (b *SignalBox) Resume(project, phaseID string, action Action) error {
	if _, err := ParseAction(string(action)); err != nil {
		return err
	}
	b.mu.Lock()
	ch, ok := b.waiters[waiterKey(project, phaseID)]
	b.mu.Unlock()
	if ok {
		select {
		case ch <- action:
		default:
		}
		return nil
	}
	return b.Send(project, phaseID, action)
}

// Waiting reports whether a phase is blocked in Wait in this process.
func (b *SignalBox) Waiting(project, phaseID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiters[waiterKey(project, phaseID)]
	return ok
}

func waiterKey(project, phaseID string) string { return project + "/" + phaseID }

// Wait blocks until a resume signal for the phase arrives, timeout elapses
// (ErrHumanTimeout) or ctx is done. A signal file already present when Wait
// starts is consumed immediately. Consumed signal files are removed.
func (b *SignalBox) Wait(ctx context.Context, project, phaseID string, timeout time.Duration) (Action, error) {
	key := waiterKey(project, phaseID)
	ch := make(chan Action, 1)

	b.mu.Lock()
	if _, dup := b.waiters[key]; dup {
		b.mu.Unlock()
		return "", fmt.Errorf("phase %s/%s is already waiting for a signal", project, phaseID)
	}
	b.waiters[key] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, key)
		b.mu.Unlock()
	}()

	dir := b.Dir(project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create signal dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("watch %s: %w", dir, err)
	}

	path := b.Path(project, phaseID)
	if a, ok := b.consume(path); ok {
		return a, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// settle is armed on each change to the signal file.
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w after %s", ErrHumanTimeout, timeout)
		case a := <-ch:
			return a, nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("signal watcher closed")
			}
			if filepath.Base(ev.Name) != phaseID+signalSuffix {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				settle.Reset(settleDelay)
			}
		case <-settle.C:
			if a, ok := b.consume(path); ok {
				return a, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("signal watcher closed")
			}
			b.log.Warn("signal watcher error", zap.Error(err))
		}
	}
}

// consume reads and removes a signal file. Invalid signals are removed and
// ignored.
func (b *SignalBox) consume(path string) (Action, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.log.Warn("read signal", zap.String("path", path), zap.Error(err))
		}
		return "", false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.log.Warn("remove signal", zap.String("path", path), zap.Error(err))
	}
	a, err := ParseAction(string(data))
	if err != nil {
		b.log.Warn("ignoring invalid signal", zap.String("path", path), zap.Error(err))
		return "", false
	}
	return a, true
}
