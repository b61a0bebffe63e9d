package main

import (
	"time"

	"github.com/spf13/pflag"
)

const envAPIToken = "SWAPR_API_TOKEN"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote agent connection; empty runs locally.
	APIUrl     string
	APITimeout time.Duration
	// APIToken falls back to $SWAPR_API_TOKEN.
	APIToken string
	APICA    string
}

// Flag structs to decouple cobra from logic for testing.

type UpgradeFlags struct {
	NoBuild bool
}

type StatusFlags struct {
	JSON bool
}

type ServeFlags struct {
	Listen   string
	BasePath string
}

type IssueFlags struct {
	Subject string
	Scopes  []string
	TTL     time.Duration
}

// configFlags maps persistent flag names to config keys. Values are passed
// through as strings so durations keep accepting bare seconds.
var configFlags = []struct {
	name, key, usage string
}{
	{"service", "service.name", "service name (default wolfserve)"},
	{"controller", "service.controller", "service controller: systemd, exec or command"},
	{"port", "service.port", "service port used for the default health URL"},
	{"install-dir", "install.dir", "directory holding the installed binary"},
	{"binary", "install.binary", "installed binary name (default: service name)"},
	{"backup-dir", "backup.dir", "backup directory (default <install-dir>/backups)"},
	{"max-backups", "backup.max", "number of backups to retain"},
	{"health-url", "health.url", "health check URL"},
	{"health-timeout", "health.timeout", "overall health check budget (e.g. 30s or 30)"},
	{"health-interval", "health.interval", "delay between health probes"},
	{"stop-timeout", "stop.timeout", "graceful stop budget before a forced kill"},
	{"source-dir", "resolver.source_dir", "source tree searched for candidates and builds"},
	{"log-level", "log.level", "log level: debug, info, warn, error"},
	{"log-format", "log.format", "log format: color, text or json"},
	{"log-file", "log.file.path", "also write logs to this rotating file"},
	{"history-dsn", "history.dsn", "attempt history sink DSN"},
	{"metrics-textfile", "metrics.textfile", "write metrics to this file after each run"},
}

func addConfigFlags(fs *pflag.FlagSet) {
	for _, f := range configFlags {
		fs.String(f.name, "", f.usage)
	}
}

// configOverrides returns the config keys for the flags set on the command
// line. Flags left at their zero value do not override file or environment.
func configOverrides(fs *pflag.FlagSet) map[string]any {
	out := map[string]any{}
	for _, f := range configFlags {
		fl := fs.Lookup(f.name)
		if fl == nil || !fl.Changed {
			continue
		}
		out[f.key] = fl.Value.String()
	}
	return out
}
