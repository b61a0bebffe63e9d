// Package logger builds the slog logger used across swapr and opens the
// files that capture a supervised service's output.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	FormatColor = "color"
	FormatText  = "text"
	FormatJSON  = "json"
)

// FileConfig describes file destinations. Path is swapr's own log file.
// If StdoutPath/StderrPath are empty and Dir is set, a service's output goes
// to Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics and apply to Path.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	File   FileConfig `mapstructure:"file"`
}

// New returns a logger writing to w and, when File.Path is set, also to a
// rotating file. The closer releases the file; it is never nil.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var closer io.Closer = nopCloser{}
	var fileHandler slog.Handler
	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log dir: %w", err)
		}
		fw := cfg.File.rotating(cfg.File.Path)
		closer = fw
		// files never get ANSI colours
		if strings.EqualFold(cfg.Format, FormatJSON) {
			fileHandler = slog.NewJSONHandler(fw, opts)
		} else {
			fileHandler = slog.NewTextHandler(fw, opts)
		}
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatText:
		h = slog.NewTextHandler(w, opts)
	case "", FormatColor:
		h = NewColorTextHandler(w, opts, true)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	if fileHandler != nil {
		h = fanout{h, fileHandler}
	}
	return slog.New(h), closer, nil
}

// ParseLevel maps debug|info|warn|error to a slog level; empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ProcessLogPaths returns the stdout and stderr log files for a service.
// Either is empty when no destination is configured.
func (c Config) ProcessLogPaths(name string) (stdout, stderr string) {
	stdout, stderr = c.File.StdoutPath, c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return stdout, stderr
}

// ProcessFiles opens a service's stdout and stderr logs for appending.
// They are handed to the child as plain descriptors so its output does not
// depend on swapr staying alive; rotation is left to the operator
// (logrotate copytruncate). Unconfigured streams are nil.
func (c Config) ProcessFiles(name string) (stdout, stderr *os.File, err error) {
	outPath, errPath := c.ProcessLogPaths(name)
	if outPath != "" {
		if stdout, err = openAppend(outPath); err != nil {
			return nil, nil, err
		}
	}
	if errPath != "" {
		if stderr, err = openAppend(errPath); err != nil {
			if stdout != nil {
				_ = stdout.Close()
			}
			return nil, nil, err
		}
	}
	return stdout, stderr, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening service log: %w", err)
	}
	return f, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
