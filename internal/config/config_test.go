package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/swapr/internal/service"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "swapr.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Service.Name != "wolfserve" || c.Service.Controller != ControllerSystemd || c.Service.Port != 3000 {
		t.Fatalf("unexpected service defaults: %+v", c.Service)
	}
	if c.InstallPath() != "/opt/wolfserve/wolfserve" {
		t.Fatalf("install path %q", c.InstallPath())
	}
	if c.Backup.Dir != "/opt/wolfserve/backups" || c.Backup.Max != 5 {
		t.Fatalf("unexpected backup defaults: %+v", c.Backup)
	}
	if c.Health.URL != "http://127.0.0.1:3000/" || c.Health.Timeout != 30*time.Second ||
		c.Health.Interval != time.Second || c.Health.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected health defaults: %+v", c.Health)
	}
	if c.Stop.Timeout != 30*time.Second || c.Stop.PollInterval != time.Second || c.Start.SettleDelay != 2*time.Second {
		t.Fatalf("unexpected stop/start defaults: %+v %+v", c.Stop, c.Start)
	}
	if c.Resolver.SourceDir != "." || c.Resolver.Binary != "wolfserve" || c.Resolver.InstallDir != "/opt/wolfserve" ||
		c.Resolver.BuildTimeout != 10*time.Minute {
		t.Fatalf("unexpected resolver config: %+v", c.Resolver)
	}
	if c.LockPath() != "/opt/wolfserve/backups/.wolfserve.lock" {
		t.Fatalf("lock path %q", c.LockPath())
	}
	if c.Server.Listen != "127.0.0.1:9360" {
		t.Fatalf("server listen %q", c.Server.Listen)
	}
}

func TestLoad_TOML(t *testing.T) {
	file := writeTOML(t, `
[service]
name = "api"
controller = "exec"
port = 8080
args = ["--listen", ":8080"]

[install]
dir = "/srv/api"

[backup]
max = 3

[health]
timeout = "45s"
interval = 2

[stop]
timeout = "1m"

[resolver]
source_dir = "/src/api"
candidates = ["/tmp/api.new"]

[log]
level = "debug"
format = "json"
`)
	c, err := Load(file, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Service.Name != "api" || c.Service.Controller != ControllerExec || len(c.Service.Args) != 2 {
		t.Fatalf("unexpected service: %+v", c.Service)
	}
	if c.Backup.Dir != "/srv/api/backups" || c.Backup.Max != 3 {
		t.Fatalf("unexpected backup: %+v", c.Backup)
	}
	if c.Health.URL != "http://127.0.0.1:8080/" || c.Health.Timeout != 45*time.Second || c.Health.Interval != 2*time.Second {
		t.Fatalf("unexpected health: %+v", c.Health)
	}
	if c.Stop.Timeout != time.Minute {
		t.Fatalf("stop timeout %v", c.Stop.Timeout)
	}
	if c.Resolver.SourceDir != "/src/api" || len(c.Resolver.Candidates) != 1 {
		t.Fatalf("unexpected resolver: %+v", c.Resolver)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" {
		t.Fatalf("unexpected log: %+v", c.Log)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	file := writeTOML(t, `
[install]
dir = "/from/file"
[backup]
max = 2
`)
	t.Setenv("SWAPR_INSTALL_DIR", "/from/env")
	t.Setenv("SWAPR_MAX_BACKUPS", "7")
	t.Setenv("SWAPR_HEALTH_URL", "http://localhost:9999/healthz")
	t.Setenv("SWAPR_HEALTH_TIMEOUT", "12")
	t.Setenv("SWAPR_SERVICE_NAME", "wolf2")
	t.Setenv("SWAPR_SOURCE_DIR", "/src/wolf")

	c, err := Load(file, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Install.Dir != "/from/env" || c.Backup.Max != 7 {
		t.Fatalf("env not applied: %+v %+v", c.Install, c.Backup)
	}
	if c.Health.URL != "http://localhost:9999/healthz" || c.Health.Timeout != 12*time.Second {
		t.Fatalf("health env not applied: %+v", c.Health)
	}
	if c.Service.Name != "wolf2" || c.Install.Binary != "wolf2" {
		t.Fatalf("service name env not applied: %+v", c.Service)
	}
	if c.Resolver.SourceDir != "/src/wolf" {
		t.Fatalf("source dir env not applied: %q", c.Resolver.SourceDir)
	}
}

func TestLoad_OverridesWin(t *testing.T) {
	t.Setenv("SWAPR_INSTALL_DIR", "/from/env")
	c, err := Load("", map[string]any{"install.dir": "/from/flag", "health.timeout": "5s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Install.Dir != "/from/flag" || c.Backup.Dir != "/from/flag/backups" {
		t.Fatalf("override not applied: %+v %+v", c.Install, c.Backup)
	}
	if c.Health.Timeout != 5*time.Second {
		t.Fatalf("health timeout %v", c.Health.Timeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]any{
		"controller": {"service.controller": "launchd"},
		"max":        {"backup.max": 0},
		"name":       {"service.name": "../etc"},
		"url":        {"health.url": "ftp://x"},
		"timeout":    {"health.timeout": "0"},
		"level":      {"log.level": "loud"},
		"duration":   {"stop.timeout": "soon"},
		"build":      {"resolver.build_timeout": "0s"},
	}
	for name, ov := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load("", ov); err == nil {
				t.Fatalf("expected error for %v", ov)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"30", 30 * time.Second, true},
		{" 1.5 ", 1500 * time.Millisecond, true},
		{"1m30s", 90 * time.Second, true},
		{"", 0, false},
		{"-1", 0, false},
		{"-5s", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.ok != (err == nil) || (tt.ok && got != tt.want) {
			t.Errorf("ParseDuration(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestController_Kinds(t *testing.T) {
	for kind, want := range map[string]any{
		ControllerSystemd: &service.SystemdController{},
		ControllerExec:    &service.ExecController{},
		ControllerCommand: &service.CommandController{},
	} {
		c, err := Load("", map[string]any{"service.controller": kind})
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		ctl, err := c.Controller()
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		switch want.(type) {
		case *service.SystemdController:
			_, ok := ctl.(*service.SystemdController)
			if !ok {
				t.Fatalf("%s: got %T", kind, ctl)
			}
		case *service.ExecController:
			ec, ok := ctl.(*service.ExecController)
			if !ok || ec.Spec.PIDFile != "/opt/wolfserve/backups/.wolfserve.pid" || ec.Spec.Path != "/opt/wolfserve/wolfserve" {
				t.Fatalf("%s: got %T %+v", kind, ctl, ctl)
			}
		case *service.CommandController:
			if _, ok := ctl.(*service.CommandController); !ok {
				t.Fatalf("%s: got %T", kind, ctl)
			}
		}
	}
}

func TestProcessSpec_EnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "wolf.env")
	data := "# comment\nA=1\n\n B = two \nnoequals\n"
	if err := os.WriteFile(envFile, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load("", map[string]any{
		"service.env_files": []string{envFile},
		"service.env":       []string{"A=override"},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := c.ProcessSpec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	want := []string{"A=1", "B=two", "A=override"}
	if len(spec.Env) != len(want) {
		t.Fatalf("env = %v, want %v", spec.Env, want)
	}
	for i := range want {
		if spec.Env[i] != want[i] {
			t.Fatalf("env = %v, want %v", spec.Env, want)
		}
	}
	if spec.Log.File.Dir != "/opt/wolfserve/logs" {
		t.Fatalf("log dir %q", spec.Log.File.Dir)
	}

	c.Service.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := c.ProcessSpec(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestLoad_ServerSection(t *testing.T) {
	file := writeTOML(t, `
[server]
listen = "0.0.0.0:9443"
base_path = "/swapr"

[server.auth]
jwt_secret = "0123456789abcdef0123456789abcdef"

[server.tls]
dir = "/etc/swapr/tls"
auto_generate = true
hosts = ["wolf.internal"]
`)
	c, err := Load(file, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "0.0.0.0:9443" || c.Server.BasePath != "/swapr" {
		t.Fatalf("unexpected server: %+v", c.Server)
	}
	if c.Server.Auth.Issuer != "swapr" || c.Server.Auth.JWTSecret == "" {
		t.Fatalf("unexpected auth: %+v", c.Server.Auth)
	}
	if !c.Server.TLS.Enabled() || !c.Server.TLS.AutoGenerate || c.Server.TLS.MinVersion != "1.3" || len(c.Server.TLS.Hosts) != 1 {
		t.Fatalf("unexpected tls: %+v", c.Server.TLS)
	}

	t.Setenv("SWAPR_SERVER_AUTH_TOKEN_HASH", "$2a$10$abc")
	c, err = Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Auth.TokenHash != "$2a$10$abc" || c.Server.TLS.Enabled() {
		t.Fatalf("unexpected server from env: %+v", c.Server)
	}
}
