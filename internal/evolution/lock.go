package evolution

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/status"
)

// LockInfo is the content of an environment lock file.
type LockInfo struct {
	Env        string    `json:"env"`
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Locker grants exclusive use of a test environment. Exclusion is held
// in-process by a map and across processes by an O_EXCL lock file; a lock
// file whose PID is dead is treated as stale and replaced. Reading,
// replacing and removing lock files happens under an advisory flock on a
// guard file so two processes cannot both take over the same stale lock.
type Locker struct {
	dir   string
	log   *zap.Logger
	alive func(pid int) bool

	mu   sync.Mutex
	held map[string]LockInfo
}

// NewLocker creates a Locker keeping lock files in dir.
func NewLocker(dir string, log *zap.Logger) *Locker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locker{
		dir:   dir,
		log:   log.Named("lock"),
		alive: status.ProcessAlive,
		held:  make(map[string]LockInfo),
	}
}

// SetProcessProbe replaces the PID liveness check used for stale locks.
func (l *Locker) SetProcessProbe(fn func(pid int) bool) { l.alive = fn }

func (l *Locker) path(env string) string {
	return filepath.Join(l.dir, env+".lock")
}

// guard takes the cross-process flock for env. The caller must call the
// returned unlock.
func (l *Locker) guard(env string) (func(), error) {
	fl := flock.New(l.path(env) + ".guard")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock guard for %s: %w", env, err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			l.log.Warn("unlock guard", zap.String("env", env), zap.Error(err))
		}
	}, nil
}

// Acquire locks env for owner. It fails fast with *DeployConflictError when
// another owner holds the environment. Re-acquiring by the same owner
// returns the existing lock.
func (l *Locker) Acquire(env, owner string) (LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[env]; ok {
		if h.Owner == owner {
			return h, nil
		}
		return LockInfo{}, &DeployConflictError{Env: env, Project: owner, Holder: h.Owner}
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return LockInfo{}, fmt.Errorf("create lock dir: %w", err)
	}
	unlock, err := l.guard(env)
	if err != nil {
		return LockInfo{}, err
	}
	defer unlock()

	info := LockInfo{
		Env:        env,
		Owner:      owner,
		PID:        os.Getpid(),
		Token:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return LockInfo{}, err
	}

	for try := 0; try < 2; try++ {
		err := writeExclusive(l.path(env), data)
		if err == nil {
			l.held[env] = info
			l.log.Info("environment locked", zap.String("env", env), zap.String("owner", owner))
			return info, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return LockInfo{}, fmt.Errorf("create lock file: %w", err)
		}

		existing, rerr := readLock(l.path(env))
		switch {
		case rerr != nil && recentlyModified(l.path(env), 5*time.Second):
			// Another process may still be writing it.
			return LockInfo{}, &DeployConflictError{Env: env, Project: owner, Holder: "another process"}
		case rerr != nil:
			l.log.Warn("removing unreadable lock file", zap.String("env", env), zap.Error(rerr))
		case existing.Owner == owner && existing.PID == os.Getpid():
			l.held[env] = existing
			return existing, nil
		case l.alive(existing.PID):
			return LockInfo{}, &DeployConflictError{Env: env, Project: owner, Holder: existing.Owner}
		default:
			l.log.Warn("removing stale lock",
				zap.String("env", env),
				zap.String("holder", existing.Owner),
				zap.Int("pid", existing.PID))
		}
		if err := os.Remove(l.path(env)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return LockInfo{}, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return LockInfo{}, &DeployConflictError{Env: env, Project: owner, Holder: "another process"}
}

// Release drops owner's lock on env. Releasing a lock that is not held by
// owner is a no-op.
func (l *Locker) Release(env, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[env]; ok && h.Owner != owner {
		return nil
	}
	delete(l.held, env)

	if _, err := os.Stat(l.dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	unlock, err := l.guard(env)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := readLock(l.path(env))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Owner != owner {
		return nil
	}
	if err := os.Remove(l.path(env)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	l.log.Info("environment released", zap.String("env", env), zap.String("owner", owner))
	return nil
}

// Holder returns the current lock on env, if any.
func (l *Locker) Holder(env string) (LockInfo, bool) {
	l.mu.Lock()
	h, ok := l.held[env]
	l.mu.Unlock()
	if ok {
		return h, true
	}
	info, err := readLock(l.path(env))
	if err != nil {
		return LockInfo{}, false
	}
	return info, true
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func recentlyModified(path string, within time.Duration) bool {
	fi, err := os.Stat(path)
	return err == nil && time.Since(fi.ModTime()) < within
}

func readLock(path string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse lock %s: %w", path, err)
	}
	return info, nil
}
