// Package backup keeps timestamped copies of an installed executable.
//
// Records live as plain files in one directory, named
// <service>-<UTC timestamp>.bak. The timestamp layout is fixed width so the
// lexicographic order of names is also their chronological order.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/swapr/internal/fsutil"
)

// DefaultMax is the retention used when Store.Max is not positive.
const DefaultMax = 5

const (
	stampLayout = "20060102T150405.000000000Z"
	suffix      = ".bak"
)

// Record is one stored copy of the executable.
type Record struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Store manages the backups of a single service.
type Store struct {
	Dir  string
	Name string
	Max  int
	// Now is the clock used for new record names. Defaults to time.Now.
	Now func() time.Time
}

func New(dir, name string, max int) *Store {
	return &Store{Dir: dir, Name: name, Max: max}
}

func (s *Store) max() int {
	if s.Max <= 0 {
		return DefaultMax
	}
	return s.Max
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) prefix() string { return s.Name + "-" }

func (s *Store) pathFor(ts time.Time) string {
	return filepath.Join(s.Dir, s.prefix()+ts.UTC().Format(stampLayout)+suffix)
}

// parse extracts the timestamp from a record file name; ok is false for
// names that do not belong to this store.
func (s *Store) parse(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, s.prefix()) || !strings.HasSuffix(name, suffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, s.prefix()), suffix)
	ts, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Snapshot copies the executable at installPath into a new record. It
// returns nil, nil when nothing is installed. The caller is expected to
// Prune afterwards.
func (s *Store) Snapshot(installPath string) (*Record, error) {
	fi, err := os.Stat(installPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", installPath, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", installPath)
	}
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	ts := s.now()
	path := s.pathFor(ts)
	for {
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		ts = ts.Add(time.Nanosecond)
		path = s.pathFor(ts)
	}

	if err := fsutil.CopyFileAtomic(installPath, path, fi.Mode().Perm()); err != nil {
		return nil, err
	}
	return &Record{Path: path, Timestamp: ts, Size: fi.Size()}, nil
}

// List returns every record, newest first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ts, ok := s.parse(e.Name())
		if !ok {
			continue
		}
		rec := Record{Path: filepath.Join(s.Dir, e.Name()), Timestamp: ts}
		if info, err := e.Info(); err == nil {
			rec.Size = info.Size()
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Latest returns the newest record, or nil when the store is empty.
func (s *Store) Latest() (*Record, error) {
	recs, err := s.List()
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	r := recs[0]
	return &r, nil
}

// Prune deletes the oldest records so that at most max remain, and removes
// temporary files left behind by an interrupted snapshot. A max <= 0 uses
// the store's configured retention. It returns the records removed.
func (s *Store) Prune(max int) ([]Record, error) {
	if max <= 0 {
		max = s.max()
	}
	s.sweepTemp()
	recs, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(recs) <= max {
		return nil, nil
	}
	removed := make([]Record, 0, len(recs)-max)
	for _, r := range recs[max:] {
		if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("removing %s: %w", r.Path, err)
		}
		removed = append(removed, r)
	}
	fsutil.SyncDir(s.Dir)
	return removed, nil
}

// Consume deletes the record's file. A record already gone is not an error.
func (s *Store) Consume(rec *Record) error {
	if rec == nil {
		return nil
	}
	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", rec.Path, err)
	}
	fsutil.SyncDir(s.Dir)
	return nil
}

// Restore copies the record back over installPath atomically.
func (s *Store) Restore(rec *Record, installPath string) error {
	if rec == nil {
		return errors.New("nil backup record")
	}
	return fsutil.CopyFileAtomic(rec.Path, installPath, 0o755)
}

func (s *Store) sweepTemp() {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), fsutil.TempPrefix+s.prefix()) {
			_ = os.Remove(filepath.Join(s.Dir, e.Name()))
		}
	}
}
