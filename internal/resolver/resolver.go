// Package resolver finds the executable an upgrade should install when the
// operator does not name one: a pre-staged file, a previous build's output,
// or the product of running the project's build.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/swapr/internal/fsutil"
)

// DefaultBuildTimeout bounds one build when build_timeout is unset.
const DefaultBuildTimeout = 10 * time.Minute

var (
	ErrNoBuildDescription   = errors.New("no build description found")
	ErrToolchainUnavailable = errors.New("build toolchain unavailable")
	ErrBuildFailed          = errors.New("build failed")
	ErrArtifactMissing      = errors.New("build produced no artifact")
)

// Config controls where Resolve looks.
type Config struct {
	Binary     string   `mapstructure:"-"`
	InstallDir string   `mapstructure:"-"`
	SourceDir  string   `mapstructure:"source_dir"`
	Candidates []string `mapstructure:"candidates"`
	// BuildCommand and Artifact override build detection. Artifact is
	// relative to SourceDir unless absolute.
	BuildCommand string `mapstructure:"build_command"`
	Artifact     string `mapstructure:"artifact"`
	// NoBuild disables the build step.
	NoBuild bool `mapstructure:"no_build"`
	// BuildTimeout kills a build that runs longer.
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
}

// Build is a detected way to produce the executable.
type Build struct {
	Kind     string   `json:"kind"`
	Tool     string   `json:"tool"`
	Args     []string `json:"args"`
	Artifact string   `json:"artifact"`
}

type Resolver struct {
	cfg    Config
	logger *slog.Logger
	// lookPath is exec.LookPath; replaced in tests.
	lookPath func(string) (string, error)
}

func New(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SourceDir == "" {
		cfg.SourceDir = "."
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	return &Resolver{cfg: cfg, logger: logger, lookPath: exec.LookPath}
}

// Candidates lists the locations checked before building, in order.
func (r *Resolver) Candidates() []string {
	out := append([]string(nil), r.cfg.Candidates...)
	if r.cfg.InstallDir != "" {
		out = append(out,
			filepath.Join(r.cfg.InstallDir, r.cfg.Binary+".new"),
			filepath.Join(r.cfg.InstallDir, "releases", r.cfg.Binary),
		)
	}
	out = append(out,
		filepath.Join(r.cfg.SourceDir, "target", "release", r.cfg.Binary),
		filepath.Join(r.cfg.SourceDir, "bin", r.cfg.Binary),
	)
	return out
}

// BuildBudget is the longest Resolve can spend building; zero when building
// is disabled.
func (r *Resolver) BuildBudget() time.Duration {
	if r.cfg.NoBuild {
		return 0
	}
	return r.cfg.BuildTimeout
}

// Find returns the first existing candidate without building.
func (r *Resolver) Find() (string, bool) {
	for _, c := range r.Candidates() {
		if fsutil.IsRegular(c) {
			abs, err := filepath.Abs(c)
			if err != nil {
				abs = c
			}
			return abs, true
		}
	}
	return "", false
}

// Resolve returns a candidate executable, building one when none exists.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if p, ok := r.Find(); ok {
		r.logger.Info("resolved candidate", "path", p)
		return p, nil
	}
	if r.cfg.NoBuild {
		return "", fmt.Errorf("%w: no candidate in %s", ErrArtifactMissing, strings.Join(r.Candidates(), ", "))
	}
	b, err := r.Detect()
	if err != nil {
		return "", err
	}
	return r.run(ctx, b)
}

// Detect inspects SourceDir for a build description.
func (r *Resolver) Detect() (Build, error) {
	src := r.cfg.SourceDir
	if r.cfg.BuildCommand != "" {
		if r.cfg.Artifact == "" {
			return Build{}, fmt.Errorf("%w: build_command requires artifact", ErrNoBuildDescription)
		}
		return Build{Kind: "command", Tool: r.cfg.BuildCommand, Artifact: r.artifactPath(r.cfg.Artifact)}, nil
	}
	switch {
	case fsutil.IsRegular(filepath.Join(src, "Cargo.toml")):
		return Build{Kind: "cargo", Tool: "cargo", Args: []string{"build", "--release"},
			Artifact: r.artifactPath(filepath.Join("target", "release", r.cfg.Binary))}, nil
	case fsutil.IsRegular(filepath.Join(src, "go.mod")):
		out := filepath.Join("bin", r.cfg.Binary)
		return Build{Kind: "go", Tool: "go", Args: []string{"build", "-o", out, "."},
			Artifact: r.artifactPath(out)}, nil
	case fsutil.IsRegular(filepath.Join(src, "Makefile")):
		return Build{Kind: "make", Tool: "make", Artifact: r.artifactPath(filepath.Join("bin", r.cfg.Binary))}, nil
	}
	return Build{}, fmt.Errorf("%w in %s", ErrNoBuildDescription, src)
}

func (r *Resolver) artifactPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.cfg.SourceDir, p)
}

func (r *Resolver) run(ctx context.Context, b Build) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BuildTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if b.Kind == "command" {
		// #nosec G204
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", b.Tool)
	} else {
		tool, err := r.lookPath(b.Tool)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrToolchainUnavailable, b.Tool, err)
		}
		// #nosec G204
		cmd = exec.CommandContext(ctx, tool, b.Args...)
	}
	cmd.Dir = r.cfg.SourceDir
	// compilers left behind by a killed shell still hold the output pipe
	cmd.WaitDelay = time.Second
	r.logger.Info("building candidate", "kind", b.Kind, "dir", r.cfg.SourceDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: timed out after %s: %s", ErrBuildFailed, r.cfg.BuildTimeout, tail(out, 2048))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", ErrToolchainUnavailable, err)
		}
		return "", fmt.Errorf("%w: %v: %s", ErrBuildFailed, err, tail(out, 2048))
	}
	if !fsutil.IsRegular(b.Artifact) {
		return "", fmt.Errorf("%w: %s", ErrArtifactMissing, b.Artifact)
	}
	abs, err := filepath.Abs(b.Artifact)
	if err != nil {
		return b.Artifact, nil
	}
	return abs, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

// Exists reports whether path names a regular file; used for explicit
// candidates.
func Exists(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}
