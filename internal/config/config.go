// Package config loads swapr's settings from an optional TOML file, SWAPR_
// environment variables and command-line overrides, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/swapr/internal/auth"
	"github.com/loykin/swapr/internal/backup"
	"github.com/loykin/swapr/internal/health"
	"github.com/loykin/swapr/internal/logger"
	"github.com/loykin/swapr/internal/process"
	"github.com/loykin/swapr/internal/resolver"
	"github.com/loykin/swapr/internal/service"
	"github.com/loykin/swapr/internal/tls"
)

const EnvPrefix = "SWAPR"

// Controller kinds
const (
	ControllerSystemd = "systemd"
	ControllerExec    = "exec"
	ControllerCommand = "command"
)

type Config struct {
	Service  ServiceConfig   `mapstructure:"service"`
	Install  InstallConfig   `mapstructure:"install"`
	Backup   BackupConfig    `mapstructure:"backup"`
	Health   HealthConfig    `mapstructure:"health"`
	Stop     StopConfig      `mapstructure:"stop"`
	Start    StartConfig     `mapstructure:"start"`
	Resolver resolver.Config `mapstructure:"resolver"`
	Log      logger.Config   `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	History  HistoryConfig   `mapstructure:"history"`
	Server   ServerConfig    `mapstructure:"server"`
}

type ServiceConfig struct {
	Name       string `mapstructure:"name"`
	Controller string `mapstructure:"controller"`
	Port       int    `mapstructure:"port"`

	// exec controller
	Args     []string `mapstructure:"args"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	WorkDir  string   `mapstructure:"work_dir"`
	LogDir   string   `mapstructure:"log_dir"`

	// command controller
	StartCommand  string `mapstructure:"start_command"`
	StopCommand   string `mapstructure:"stop_command"`
	StatusCommand string `mapstructure:"status_command"`
	KillCommand   string `mapstructure:"kill_command"`
}

type InstallConfig struct {
	Dir    string `mapstructure:"dir"`
	Binary string `mapstructure:"binary"`
}

type BackupConfig struct {
	Dir string `mapstructure:"dir"`
	Max int    `mapstructure:"max"`
}

type HealthConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type StopConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type StartConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
	Listen   string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Auth     auth.Config `mapstructure:"auth"`
	TLS      tls.Config  `mapstructure:"tls"`
}

// envAliases are variables whose names do not follow the key-derived form.
var envAliases = map[string]string{
	"backup.max":          "SWAPR_MAX_BACKUPS",
	"resolver.source_dir": "SWAPR_SOURCE_DIR",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "wolfserve")
	v.SetDefault("service.controller", ControllerSystemd)
	v.SetDefault("service.port", 3000)
	v.SetDefault("service.args", []string{})
	v.SetDefault("service.env", []string{})
	v.SetDefault("service.env_files", []string{})
	v.SetDefault("service.work_dir", "")
	v.SetDefault("service.log_dir", "")
	v.SetDefault("service.start_command", "")
	v.SetDefault("service.stop_command", "")
	v.SetDefault("service.status_command", "")
	v.SetDefault("service.kill_command", "")
	v.SetDefault("install.dir", "/opt/wolfserve")
	v.SetDefault("install.binary", "")
	v.SetDefault("backup.dir", "")
	v.SetDefault("backup.max", backup.DefaultMax)
	v.SetDefault("health.url", "")
	v.SetDefault("health.timeout", health.DefaultTimeout)
	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.request_timeout", health.DefaultRequestTimeout)
	v.SetDefault("stop.timeout", service.DefaultStopTimeout)
	v.SetDefault("stop.poll_interval", service.DefaultPollInterval)
	v.SetDefault("start.settle_delay", service.DefaultSettleDelay)
	v.SetDefault("resolver.source_dir", ".")
	v.SetDefault("resolver.candidates", []string{})
	v.SetDefault("resolver.build_command", "")
	v.SetDefault("resolver.artifact", "")
	v.SetDefault("resolver.no_build", false)
	v.SetDefault("resolver.build_timeout", resolver.DefaultBuildTimeout)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatColor)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("server.listen", "127.0.0.1:9360")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.auth.token_hash", "")
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.issuer", auth.DefaultIssuer)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.3")
	v.SetDefault("server.tls.hosts", []string{})
}

// Load reads path (optional), the SWAPR_ environment and overrides, then
// fills derived defaults and validates the result. Override keys use the
// dotted form, e.g. "install.dir".
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, env, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for k, val := range overrides {
		v.Set(k, val)
	}

	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseDuration accepts Go duration syntax ("30s", "1m30s") or a bare
// number of seconds ("30", "0.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || f < 0 || f >= float64(math.MaxInt64/int64(time.Second)) {
			return 0, fmt.Errorf("duration out of range: %q", s)
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration: %q", s)
	}
	return d, nil
}

func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		return ParseDuration(data.(string))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if from == to {
			return data, nil
		}
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	}
	return data, nil
}

func (c *Config) normalize() {
	c.Service.Name = strings.TrimSpace(c.Service.Name)
	c.Service.Controller = strings.ToLower(strings.TrimSpace(c.Service.Controller))
	if c.Install.Binary == "" {
		c.Install.Binary = c.Service.Name
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.Install.Dir, "backups")
	}
	if c.Health.URL == "" {
		c.Health.URL = fmt.Sprintf("http://127.0.0.1:%d/", c.Service.Port)
	}
	if c.Service.LogDir == "" {
		c.Service.LogDir = filepath.Join(c.Install.Dir, "logs")
	}
	c.Resolver.Binary = c.Install.Binary
	c.Resolver.InstallDir = c.Install.Dir
}

func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !validName(c.Service.Name) {
		return fmt.Errorf("invalid service.name %q", c.Service.Name)
	}
	if !validName(c.Install.Binary) {
		return fmt.Errorf("invalid install.binary %q", c.Install.Binary)
	}
	switch c.Service.Controller {
	case ControllerSystemd, ControllerExec, ControllerCommand:
	default:
		return fmt.Errorf("unknown service.controller %q (want systemd, exec or command)", c.Service.Controller)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service.port %d", c.Service.Port)
	}
	if c.Install.Dir == "" {
		return errors.New("install.dir is required")
	}
	if c.Backup.Max < 1 {
		return fmt.Errorf("backup.max must be at least 1, got %d", c.Backup.Max)
	}
	u, err := url.Parse(c.Health.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid health.url %q", c.Health.URL)
	}
	for key, d := range map[string]time.Duration{
		"health.timeout":         c.Health.Timeout,
		"health.interval":        c.Health.Interval,
		"health.request_timeout": c.Health.RequestTimeout,
		"stop.timeout":           c.Stop.Timeout,
		"stop.poll_interval":     c.Stop.PollInterval,
		"resolver.build_timeout": c.Resolver.BuildTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.Start.SettleDelay < 0 {
		return errors.New("start.settle_delay must not be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// InstallPath is the location of the installed executable.
func (c *Config) InstallPath() string {
	return filepath.Join(c.Install.Dir, c.Install.Binary)
}

// LockPath is the attempt lock marker inside the backup directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Backup.Dir, "."+c.Service.Name+".lock")
}

// PIDFile is where the exec controller records the service's PID.
func (c *Config) PIDFile() string {
	return filepath.Join(c.Backup.Dir, "."+c.Service.Name+".pid")
}

// ProcessSpec describes how the exec controller launches the service.
func (c *Config) ProcessSpec() (process.Spec, error) {
	env, err := c.serviceEnv()
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Name:    c.Service.Name,
		Path:    c.InstallPath(),
		Args:    c.Service.Args,
		WorkDir: c.Service.WorkDir,
		Env:     env,
		PIDFile: c.PIDFile(),
		Log: logger.Config{File: logger.FileConfig{
			Dir:        c.Service.LogDir,
			MaxSizeMB:  c.Log.File.MaxSizeMB,
			MaxBackups: c.Log.File.MaxBackups,
			MaxAgeDays: c.Log.File.MaxAgeDays,
			Compress:   c.Log.File.Compress,
		}},
	}, nil
}

// serviceEnv merges env_files in order, then the inline env list.
func (c *Config) serviceEnv() ([]string, error) {
	var out []string
	for _, p := range c.Service.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("service.env_files: %w", err)
		}
		out = append(out, pairs...)
	}
	return append(out, c.Service.Env...), nil
}

// Controller builds the service controller selected by service.controller.
func (c *Config) Controller() (service.Controller, error) {
	switch c.Service.Controller {
	case ControllerSystemd:
		return service.NewSystemdController(), nil
	case ControllerExec:
		spec, err := c.ProcessSpec()
		if err != nil {
			return nil, err
		}
		return service.NewExecController(spec), nil
	case ControllerCommand:
		return &service.CommandController{
			StartCommand:  c.Service.StartCommand,
			StopCommand:   c.Service.StopCommand,
			StatusCommand: c.Service.StatusCommand,
			KillCommand:   c.Service.KillCommand,
		}, nil
	}
	return nil, fmt.Errorf("unknown service.controller %q", c.Service.Controller)
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are skipped.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
