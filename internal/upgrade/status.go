package upgrade

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/swapr/internal/backup"
	"github.com/loykin/swapr/internal/fsutil"
	"github.com/loykin/swapr/internal/lock"
	"github.com/loykin/swapr/internal/service"
)

const (
	VersionUnknown      = "unknown"
	VersionNotInstalled = "not installed"

	versionTimeout = 5 * time.Second
)

// Report is a point-in-time view of the managed service. Producing it never
// takes the lock and never changes anything on disk.
type Report struct {
	Service         string           `json:"service"`
	InstallPath     string           `json:"install_path"`
	Installed       bool             `json:"installed"`
	Version         string           `json:"version"`
	Digest          string           `json:"digest,omitempty"`
	State           service.RunState `json:"state"`
	HealthURL       string           `json:"health_url"`
	BackupDir       string           `json:"backup_dir"`
	Backups         []backup.Record  `json:"backups"`
	Lock            lock.Status      `json:"lock"`
	Inconsistencies []string         `json:"inconsistencies"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// Status gathers a Report. Partial failures are listed as inconsistencies;
// an error is returned only when the backup directory cannot be read.
func (o *Orchestrator) Status(ctx context.Context) (Report, error) {
	rep := Report{
		Service:         o.cfg.Service,
		InstallPath:     o.cfg.InstallPath,
		HealthURL:       o.cfg.HealthURL,
		BackupDir:       o.store.Dir,
		Backups:         []backup.Record{},
		Inconsistencies: []string{},
		GeneratedAt:     o.now(),
	}

	rep.Installed = fsutil.IsRegular(o.cfg.InstallPath)
	if rep.Installed {
		rep.Version = Version(ctx, o.cfg.InstallPath)
		if d, err := fsutil.Digest(o.cfg.InstallPath); err == nil {
			rep.Digest = d
		}
	} else {
		rep.Version = VersionNotInstalled
	}
	rep.State = o.sup.State(ctx)

	recs, err := o.store.List()
	if err != nil {
		return rep, fmt.Errorf("listing backups: %w", err)
	}
	if recs != nil {
		rep.Backups = recs
	}

	st, err := lock.Inspect(o.cfg.LockPath)
	if err != nil {
		rep.Inconsistencies = append(rep.Inconsistencies, fmt.Sprintf("lock marker unreadable: %v", err))
	}
	rep.Lock = st
	rep.Inconsistencies = append(rep.Inconsistencies, inconsistencies(rep)...)
	if leftovers := o.partialInstalls(); len(leftovers) > 0 {
		rep.Inconsistencies = append(rep.Inconsistencies,
			fmt.Sprintf("partial install files left behind: %s", strings.Join(leftovers, ", ")))
	}
	return rep, nil
}

func inconsistencies(rep Report) []string {
	var out []string
	if rep.Lock.State == lock.StateStale && rep.Lock.Holder != nil {
		h := rep.Lock.Holder
		out = append(out, fmt.Sprintf("interrupted %s attempt %s (pid %d) stopped in phase %s",
			h.Info.Op, h.Info.ID, h.PID, h.Info.Phase))
	}
	if rep.Lock.State == lock.StateHeld {
		// an attempt in flight explains any other oddity
		return out
	}
	if rep.Installed && rep.State == service.StateNotRunning {
		out = append(out, "service is not running although a binary is installed")
	}
	if !rep.Installed && len(rep.Backups) > 0 {
		out = append(out, fmt.Sprintf("no binary installed but %d backup(s) exist; run rollback", len(rep.Backups)))
	}
	if !rep.Installed && rep.State == service.StateRunning {
		out = append(out, "service is running but its binary is missing")
	}
	return out
}

func (o *Orchestrator) partialInstalls() []string {
	pattern := filepath.Join(filepath.Dir(o.cfg.InstallPath), fsutil.TempPrefix+filepath.Base(o.cfg.InstallPath)+"-*")
	matches, _ := filepath.Glob(pattern)
	return matches
}

// Version runs "<path> --version" and returns the first non-empty output
// line, or VersionUnknown when that fails.
func Version(ctx context.Context, path string) string {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return VersionNotInstalled
		}
		return VersionUnknown
	}
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	// #nosec G204
	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.WaitDelay = time.Second
	out, err := cmd.Output()
	if err != nil {
		return VersionUnknown
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return VersionUnknown
}
