// Package lock serialises upgrade and rollback attempts for one service.
//
// The lock is an flock(2) on a marker file. The kernel drops the flock when
// the holder exits, so a crashed attempt never blocks the next one. The
// marker's content records who holds it and which phase they reached; a
// marker that survives its holder is how an interrupted attempt is noticed.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/swapr/internal/detector"
)

// ErrLocked is returned by Acquire when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Info is the attempt description stored in the marker.
type Info struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Phase     string    `json:"phase"`
	Service   string    `json:"service"`
	StartedAt time.Time `json:"started_at"`
}

// Holder describes the content of a marker file.
type Holder struct {
	PID   int  `json:"pid"`
	Info  Info `json:"info"`
	Alive bool `json:"alive"`
}

// HeldError carries the current holder alongside ErrLocked.
type HeldError struct {
	Path   string
	Holder *Holder
}

func (e *HeldError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s: %v", e.Path, ErrLocked)
	}
	return fmt.Sprintf("%s: %v (pid %d, %s attempt %s in phase %s)",
		e.Path, ErrLocked, e.Holder.PID, e.Holder.Info.Op, e.Holder.Info.ID, e.Holder.Info.Phase)
}

func (e *HeldError) Unwrap() error { return ErrLocked }

// Lock is a held lock. Release must be called on every exit path.
type Lock struct {
	path string
	f    *os.File
	pf   detector.PIDFile
	info Info
}

// Acquire takes the lock at path without blocking.
// The returned error wraps ErrLocked on contention; in that case the marker
// is left untouched.
func Acquire(path string, info Info) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			_ = f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				h, _ := readHolder(path)
				return nil, &HeldError{Path: path, Holder: h}
			}
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		// The previous holder may have unlinked the marker between our open
		// and flock; then we hold a lock on an orphaned inode.
		if !samePath(f, path) {
			_ = f.Close()
			continue
		}
		pf, err := detector.NewPIDFile(os.Getpid(), nil)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		l := &Lock{path: path, f: f, pf: pf, info: info}
		if err := l.write(); err != nil {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			return nil, err
		}
		return l, nil
	}
	return nil, &HeldError{Path: path}
}

func samePath(f *os.File, path string) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	pi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(fi, pi)
}

func (l *Lock) write() error {
	b, err := json.Marshal(l.info)
	if err != nil {
		return err
	}
	l.pf.Info = b
	data := l.pf.Encode()
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return l.f.Sync()
}

// Path returns the marker path.
func (l *Lock) Path() string { return l.path }

// SetPhase records the phase the holder has reached.
func (l *Lock) SetPhase(phase string) error {
	l.info.Phase = phase
	return l.write()
}

// Release removes the marker and drops the lock. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if rmErr != nil {
		return rmErr
	}
	return cerr
}

// State is the observed condition of a lock marker.
type State string

const (
	StateFree  State = "free"
	StateHeld  State = "held"
	StateStale State = "stale"
)

// Status is returned by Inspect.
type Status struct {
	State  State   `json:"state"`
	Holder *Holder `json:"holder,omitempty"`
}

// Inspect reports whether the lock is free, held by a live process, or
// represented by a marker whose holder is gone. It never modifies the marker.
func Inspect(path string) (Status, error) {
	h, err := readHolder(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Status{State: StateFree}, nil
		}
		return Status{}, err
	}
	held, err := isHeld(path)
	if err != nil {
		return Status{}, err
	}
	switch {
	case held:
		return Status{State: StateHeld, Holder: h}, nil
	case h != nil:
		return Status{State: StateStale, Holder: h}, nil
	default:
		return Status{State: StateFree}, nil
	}
}

func isHeld(path string) (bool, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = f.Close() }()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}
		return false, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}

// readHolder returns nil, nil for an empty marker.
func readHolder(path string) (*Holder, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	pf, err := detector.ParsePIDFile(b, path)
	if err != nil {
		return nil, nil
	}
	h := &Holder{PID: pf.PID, Alive: pf.Alive()}
	if len(pf.Info) > 0 {
		_ = json.Unmarshal(pf.Info, &h.Info)
	}
	return h, nil
}
