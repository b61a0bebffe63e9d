// Package swapr upgrades and rolls back a single service binary in place.
// It is a thin facade over the internal packages for embedding and for the
// swapr CLI.
package swapr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/swapr/internal/auth"
	"github.com/loykin/swapr/internal/backup"
	cfg "github.com/loykin/swapr/internal/config"
	"github.com/loykin/swapr/internal/health"
	"github.com/loykin/swapr/internal/history"
	"github.com/loykin/swapr/internal/history/factory"
	"github.com/loykin/swapr/internal/logger"
	"github.com/loykin/swapr/internal/metrics"
	"github.com/loykin/swapr/internal/resolver"
	iapi "github.com/loykin/swapr/internal/server"
	"github.com/loykin/swapr/internal/service"
	itls "github.com/loykin/swapr/internal/tls"
	"github.com/loykin/swapr/internal/upgrade"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Result = upgrade.Result

type Report = upgrade.Report

type Controller = service.Controller

type HistorySink = history.Sink

// Exit codes returned by Result.ExitCode.
const (
	ExitOK         = upgrade.ExitOK
	ExitRolledBack = upgrade.ExitRolledBack
	ExitFailed     = upgrade.ExitFailed
	ExitContention = upgrade.ExitContention
)

// LoadConfig reads the optional TOML file at path, applies SWAPR_*
// environment variables and then overrides (keyed like "backup.max").
func LoadConfig(path string, overrides map[string]any) (*Config, error) {
	return cfg.Load(path, overrides)
}

// Agent owns one orchestrator built from a Config plus the resources it
// holds open (log file, history sink).
type Agent struct {
	inner    *upgrade.Orchestrator
	resolver *resolver.Resolver
	cfg      *Config
	logger   *slog.Logger
	closers  []io.Closer
}

type options struct {
	ctl       Controller
	sink      HistorySink
	logWriter io.Writer
	logger    *slog.Logger
}

// OpenOption customises Open.
type OpenOption func(*options)

// WithController replaces the controller selected by service.controller.
func WithController(c Controller) OpenOption { return func(o *options) { o.ctl = c } }

// WithHistorySink replaces the sink selected by history.dsn.
func WithHistorySink(s HistorySink) OpenOption { return func(o *options) { o.sink = s } }

// WithLogWriter sets the console destination of the built logger (default stderr).
func WithLogWriter(w io.Writer) OpenOption { return func(o *options) { o.logWriter = w } }

// WithLogger skips building a logger from log.* and uses l instead.
func WithLogger(l *slog.Logger) OpenOption { return func(o *options) { o.logger = l } }

// Open wires an Agent from c. The caller must Close it.
func Open(c *Config, opts ...OpenOption) (*Agent, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &Agent{cfg: c}

	lg := o.logger
	if lg == nil {
		l, closer, err := logger.New(c.Log, o.logWriter)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		lg = l
		a.closers = append(a.closers, closer)
	}
	a.logger = lg

	ctl := o.ctl
	if ctl == nil {
		var err error
		if ctl, err = c.Controller(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	sink := o.sink
	if sink == nil && c.History.DSN != "" {
		s, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sink = s
		a.closers = append(a.closers, sinkCloser{s})
	}

	sup := service.NewSupervisor(ctl, c.Service.Name, lg)
	sup.PollInterval = c.Stop.PollInterval
	sup.SettleDelay = c.Start.SettleDelay

	prober := health.NewProber()
	prober.RequestTimeout = c.Health.RequestTimeout

	store := backup.New(c.Backup.Dir, c.Install.Binary, c.Backup.Max)
	a.resolver = resolver.New(c.Resolver, lg)

	upOpts := []upgrade.Option{upgrade.WithLogger(lg), upgrade.WithResolver(a.resolver)}
	if sink != nil {
		upOpts = append(upOpts, upgrade.WithHistory(sink))
	}
	a.inner = upgrade.New(upgrade.Config{
		Service:        c.Service.Name,
		InstallPath:    c.InstallPath(),
		LockPath:       c.LockPath(),
		HealthURL:      c.Health.URL,
		HealthTimeout:  c.Health.Timeout,
		HealthInterval: c.Health.Interval,
		StopTimeout:    c.Stop.Timeout,
	}, store, sup, prober, upOpts...)
	return a, nil
}

type sinkCloser struct{ s HistorySink }

func (c sinkCloser) Close() error { return factory.Close(c.s) }

func (a *Agent) Upgrade(ctx context.Context, candidate string) Result {
	return a.inner.Upgrade(ctx, candidate)
}
func (a *Agent) Rollback(ctx context.Context) Result         { return a.inner.Rollback(ctx) }
func (a *Agent) Status(ctx context.Context) (Report, error)  { return a.inner.Status(ctx) }
func (a *Agent) Resolve(ctx context.Context) (string, error) { return a.resolver.Resolve(ctx) }
func (a *Agent) Config() *Config                             { return a.cfg }
func (a *Agent) Logger() *slog.Logger                        { return a.logger }
func (a *Agent) Orchestrator() *upgrade.Orchestrator         { return a.inner }

// AttemptBudget is an upper bound on one upgrade attempt including a build
// of the candidate and its automatic rollback.
func (a *Agent) AttemptBudget() time.Duration {
	c := a.cfg
	return a.resolver.BuildBudget() + 2*(c.Stop.Timeout+c.Start.SettleDelay+c.Health.Timeout) + time.Minute
}

// Close releases the history sink and log file.
func (a *Agent) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewHTTPServer builds the agent server from the [server] section. Auth
// and TLS settings are validated here; TLSConfig is set when TLS is enabled,
// in which case serve it with ListenAndServeTLS("", "").
func NewHTTPServer(a *Agent) (*http.Server, error) {
	svc, err := auth.New(a.cfg.Server.Auth)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := itls.Setup(a.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	srv := iapi.NewServer(a.cfg.Server.Listen, a.cfg.Server.BasePath, a, a.AttemptBudget(), iapi.WithAuth(svc))
	srv.TLSConfig = tlsCfg
	return srv, nil
}

// NewHandler returns the agent endpoints under basePath for mounting in an
// existing server, guarded by the configured server.auth settings.
func NewHandler(a *Agent, basePath string) (http.Handler, error) {
	svc, err := auth.New(a.cfg.Server.Auth)
	if err != nil {
		return nil, err
	}
	return iapi.NewRouter(a, basePath, iapi.WithAuth(svc)).Handler(), nil
}

// Token helpers for server.auth.

func GenerateAPIToken() (string, error)         { return auth.GenerateToken() }
func HashAPIToken(token string) (string, error) { return auth.HashToken(token) }

// IssueAPIToken signs a JWT for subject with server.auth.jwt_secret from c.
func IssueAPIToken(c *Config, subject string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	svc, err := auth.New(c.Server.Auth)
	if err != nil {
		return "", time.Time{}, err
	}
	return svc.Issue(subject, scopes, ttl)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func WriteMetricsTextfile(path string) error        { return metrics.WriteTextfile(path) }

// NewMetricsServer builds a server exposing /metrics from the default
// registry on addr.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
