package upgrade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/swapr/internal/backup"
	"github.com/loykin/swapr/internal/health"
	"github.com/loykin/swapr/internal/history"
	"github.com/loykin/swapr/internal/service"
)

// fakeService is an in-memory service manager.
type fakeService struct {
	mu         sync.Mutex
	running    bool
	ignoreStop bool
	// startErr decides the result of the n-th start (1-based).
	startErr func(n int) error

	starts, stops, kills int

	stopGate    chan struct{}
	stopEntered chan struct{}
	enterOnce   sync.Once
}

func (f *fakeService) Start(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		if err := f.startErr(f.starts); err != nil {
			return err
		}
	}
	f.running = true
	return nil
}

func (f *fakeService) Stop(ctx context.Context, _ string) error {
	if f.stopEntered != nil {
		f.enterOnce.Do(func() { close(f.stopEntered) })
	}
	if f.stopGate != nil {
		select {
		case <-f.stopGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if !f.ignoreStop {
		f.running = false
	}
	return nil
}

func (f *fakeService) IsRunning(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeService) ForceKill(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	f.running = false
	return nil
}

func (f *fakeService) counts() (starts, stops, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.kills
}

func failStarts(which ...int) func(int) error {
	return func(n int) error {
		for _, w := range which {
			if w == n || w == -1 {
				return errors.New("unit failed to start")
			}
		}
		return nil
	}
}

// recordingSink keeps exported events in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (s *recordingSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

type testEnv struct {
	dir     string
	install string
	store   *backup.Store
	svc     *fakeService
	orch    *Orchestrator
	cfg     Config
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func healthyURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable) // any completed response counts
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/"
}

// deadURL returns a URL nothing listens on.
func deadURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "http://" + addr + "/"
}

func newEnv(t *testing.T, healthURL string, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	e := &testEnv{
		dir:     dir,
		install: filepath.Join(dir, "opt", "wolfserve"),
		svc:     &fakeService{running: true},
	}
	e.store = backup.New(filepath.Join(dir, "opt", "backups"), "wolfserve", backup.DefaultMax)

	sup := service.NewSupervisor(e.svc, "wolfserve", quietLogger())
	sup.PollInterval = 10 * time.Millisecond
	sup.SettleDelay = 0

	e.cfg = Config{
		Service:        "wolfserve",
		InstallPath:    e.install,
		HealthURL:      healthURL,
		HealthTimeout:  300 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
		StopTimeout:    200 * time.Millisecond,
	}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	e.orch = New(e.cfg, e.store, sup, health.NewProber(), opts...)
	return e
}

// writeBinary writes a script that reports version on --version.
func writeBinary(t *testing.T, path, version string) []byte {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	body := []byte("#!/bin/sh\necho " + version + "\n")
	require.NoError(t, os.WriteFile(path, body, 0o755))
	return body
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func (e *testEnv) records(t *testing.T) []backup.Record {
	t.Helper()
	recs, err := e.store.List()
	require.NoError(t, err)
	return recs
}
