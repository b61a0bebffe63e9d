package swapr

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/swapr/internal/history/sqlite"
	"github.com/loykin/swapr/internal/upgrade"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// commandConfig drives a fake service through shell commands that toggle a
// state file.
func commandConfig(t *testing.T, healthURL string, extra map[string]any) *Config {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, "running")
	ov := map[string]any{
		"service.controller":     "command",
		"service.start_command":  "touch " + state,
		"service.stop_command":   "rm -f " + state,
		"service.status_command": "test -f " + state,
		"service.kill_command":   "rm -f " + state,
		"install.dir":            filepath.Join(dir, "opt"),
		"health.url":             healthURL,
		"health.timeout":         "2s",
		"health.interval":        "50ms",
		"stop.timeout":           "1s",
		"stop.poll_interval":     "50ms",
		"start.settle_delay":     "50ms",
		"log.level":              "error",
	}
	for k, v := range extra {
		ov[k] = v
	}
	c, err := LoadConfig("", ov)
	require.NoError(t, err)
	return c
}

func healthServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/"
}

func writeCandidate(t *testing.T, version string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "wolfserve")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\necho "+version+"\n"), 0o755))
	return p
}

func TestAgentUpgradeRollbackStatus(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	c := commandConfig(t, healthServer(t), map[string]any{"history.dsn": "sqlite://" + dbPath})

	var logs bytes.Buffer
	a, err := Open(c, WithLogWriter(&logs))
	require.NoError(t, err)

	ctx := context.Background()
	res := a.Upgrade(ctx, writeCandidate(t, "wolfserve 1.0"))
	require.Equal(t, upgrade.OutcomeCommitted, res.Outcome, res.Line())
	assert.Equal(t, ExitOK, res.ExitCode())

	res = a.Upgrade(ctx, writeCandidate(t, "wolfserve 2.0"))
	require.Equal(t, upgrade.OutcomeCommitted, res.Outcome, res.Line())

	rep, err := a.Status(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Installed)
	assert.Equal(t, "wolfserve 2.0", rep.Version)
	assert.Len(t, rep.Backups, 1)
	assert.Empty(t, rep.Inconsistencies)

	res = a.Rollback(ctx)
	require.Equal(t, upgrade.OutcomeRolledBack, res.Outcome, res.Line())
	assert.Equal(t, ExitOK, res.ExitCode())

	rep, err = a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wolfserve 1.0", rep.Version)
	assert.Empty(t, rep.Backups)

	require.NoError(t, a.Close())

	sink, err := sqlite.New(dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(ctx, "wolfserve")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAgentResolveFromInstallDir(t *testing.T) {
	requireUnix(t)
	c := commandConfig(t, healthServer(t), nil)
	require.NoError(t, os.MkdirAll(c.Install.Dir, 0o755))
	next := filepath.Join(c.Install.Dir, "wolfserve.new")
	require.NoError(t, os.WriteFile(next, []byte("#!/bin/sh\necho next\n"), 0o755))

	a, err := Open(c, WithLogger(quiet()))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	got, err := a.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, next, got)

	res := a.Upgrade(context.Background(), "")
	require.Equal(t, upgrade.OutcomeCommitted, res.Outcome, res.Line())
}

func TestAgentRollbackWithoutBackup(t *testing.T) {
	requireUnix(t)
	a, err := Open(commandConfig(t, healthServer(t), nil), WithLogger(quiet()))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	res := a.Rollback(context.Background())
	assert.Equal(t, upgrade.OutcomeFailed, res.Outcome)
	assert.Equal(t, upgrade.KindNoBackupAvailable, res.Kind)
	assert.Equal(t, ExitFailed, res.ExitCode())
}

func TestOpenRejectsBadHistoryDSN(t *testing.T) {
	c := commandConfig(t, "http://127.0.0.1:1/", map[string]any{"history.dsn": "mongodb://x"})
	_, err := Open(c, WithLogger(quiet()))
	require.Error(t, err)
}

func TestNewHTTPServerUsesConfig(t *testing.T) {
	c := commandConfig(t, "http://127.0.0.1:1/", map[string]any{"server.listen": "127.0.0.1:0"})
	a, err := Open(c, WithLogger(quiet()))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	srv, err := NewHTTPServer(a)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.Greater(t, srv.WriteTimeout, a.AttemptBudget())
	assert.Nil(t, srv.TLSConfig)
}

func TestAttemptBudgetCoversBuild(t *testing.T) {
	c := commandConfig(t, "http://127.0.0.1:1/", map[string]any{"resolver.build_timeout": "3m"})
	a, err := Open(c, WithLogger(quiet()))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	// 2*(1s stop + 50ms settle + 2s health) + 1m
	assert.Equal(t, 3*time.Minute+6100*time.Millisecond+time.Minute, a.AttemptBudget())

	c = commandConfig(t, "http://127.0.0.1:1/", map[string]any{"resolver.no_build": true})
	b, err := Open(c, WithLogger(quiet()))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	assert.Equal(t, 6100*time.Millisecond+time.Minute, b.AttemptBudget())
}

func TestNewHTTPServerAuthAndTLS(t *testing.T) {
	dir := t.TempDir()
	c := commandConfig(t, "http://127.0.0.1:1/", map[string]any{
		"server.auth.jwt_secret":   "0123456789abcdef0123456789abcdef",
		"server.tls.dir":           filepath.Join(dir, "tls"),
		"server.tls.auto_generate": true,
	})
	a, err := Open(c, WithLogger(quiet()))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	srv, err := NewHTTPServer(a)
	require.NoError(t, err)
	require.NotNil(t, srv.TLSConfig)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	h, err := NewHandler(a, "/swapr")
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/swapr/rollback", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewHTTPServerRejectsBadAuth(t *testing.T) {
	c := commandConfig(t, "http://127.0.0.1:1/", map[string]any{"server.auth.token_hash": "not-bcrypt"})
	a, err := Open(c, WithLogger(quiet()))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	_, err = NewHTTPServer(a)
	require.Error(t, err)
	_, err = NewHandler(a, "")
	require.Error(t, err)
}

func TestMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))

	srv := NewMetricsServer(":0")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
