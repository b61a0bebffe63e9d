// Package upgrade sequences the replacement of an installed service binary:
// back up the current one, stop the service, install the candidate, start it,
// wait for it to answer on its health URL, and roll back when any of that
// fails.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/swapr/internal/backup"
	"github.com/loykin/swapr/internal/fsutil"
	"github.com/loykin/swapr/internal/health"
	"github.com/loykin/swapr/internal/history"
	"github.com/loykin/swapr/internal/lock"
	"github.com/loykin/swapr/internal/metrics"
	"github.com/loykin/swapr/internal/service"
)

const historyTimeout = 5 * time.Second

// Resolver supplies a candidate when the caller does not name one.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Config holds the orchestrator's paths and wait budgets.
type Config struct {
	Service        string
	InstallPath    string
	LockPath       string
	HealthURL      string
	HealthTimeout  time.Duration
	HealthInterval time.Duration
	StopTimeout    time.Duration
}

// Orchestrator runs upgrade and rollback attempts for one service. Attempts
// are serialised across processes by the lock at Config.LockPath.
type Orchestrator struct {
	cfg      Config
	store    *backup.Store
	sup      *service.Supervisor
	prober   *health.Prober
	resolver Resolver
	history  history.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

func WithResolver(r Resolver) Option        { return func(o *Orchestrator) { o.resolver = r } }
func WithHistory(s history.Sink) Option     { return func(o *Orchestrator) { o.history = s } }
func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(cfg Config, store *backup.Store, sup *service.Supervisor, prober *health.Prober, opts ...Option) *Orchestrator {
	if cfg.Service == "" {
		cfg.Service = sup.Name
	}
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(store.Dir, "."+cfg.Service+".lock")
	}
	o := &Orchestrator{
		cfg:    cfg,
		store:  store,
		sup:    sup,
		prober: prober,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("service", cfg.Service)

	name := cfg.Service
	if sup.OnForceKill == nil {
		sup.OnForceKill = func() { metrics.IncForcedKill(name) }
	}
	if prober.OnProbe == nil {
		prober.OnProbe = func(r health.Result, attempt int) {
			metrics.IncHealthProbe(name, r.Success)
			if !r.Success {
				o.logger.Debug("health probe failed", "attempt", attempt, "error", r.Error)
			}
		}
	}
	return o
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Store returns the backup store.
func (o *Orchestrator) Store() *backup.Store { return o.store }

// run carries the per-attempt state shared by the phase functions.
type run struct {
	a   *Attempt
	lk  *lock.Lock
	log *slog.Logger
}

func (o *Orchestrator) begin(op Op) *run {
	now := o.now()
	a := &Attempt{ID: uuid.NewString(), Op: op, Phase: PhaseIdle, StartedAt: now, phaseStarted: now}
	return &run{a: a, log: o.logger.With("attempt", a.ID, "op", string(op))}
}

func (o *Orchestrator) acquire(r *run) error {
	lk, err := lock.Acquire(o.cfg.LockPath, lock.Info{
		ID:        r.a.ID,
		Op:        string(r.a.Op),
		Phase:     string(r.a.Phase),
		Service:   o.cfg.Service,
		StartedAt: r.a.StartedAt,
	})
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w: %w", ErrLockContention, err)
		}
		return fmt.Errorf("acquiring lock: %w", err)
	}
	r.lk = lk
	return nil
}

func (o *Orchestrator) release(r *run) {
	if err := r.lk.Release(); err != nil {
		r.log.Warn("releasing lock", "error", err)
	}
}

// enter moves the attempt to phase, recording how long the previous phase took.
func (o *Orchestrator) enter(r *run, phase Phase) {
	now := o.now()
	metrics.ObservePhase(o.cfg.Service, string(r.a.Phase), now.Sub(r.a.phaseStarted).Seconds())
	r.a.Phase = phase
	r.a.phaseStarted = now
	if r.lk != nil {
		if err := r.lk.SetPhase(string(phase)); err != nil {
			r.log.Warn("recording phase in lock marker", "phase", phase, "error", err)
		}
	}
	r.log.Info("phase", "phase", phase)
}

// Upgrade installs candidate, or the resolver's answer when candidate is
// empty, and verifies it. See Result for how the outcome is reported.
func (o *Orchestrator) Upgrade(ctx context.Context, candidate string) Result {
	r := o.begin(OpUpgrade)
	if err := o.acquire(r); err != nil {
		return o.finish(ctx, r, OutcomeFailed, err)
	}
	defer o.release(r)

	path, err := o.candidate(ctx, candidate)
	if err != nil {
		return o.finish(ctx, r, OutcomeFailed, err)
	}
	r.a.CandidatePath = path
	r.log = r.log.With("candidate", path)

	o.enter(r, PhaseBackingUp)
	rec, err := o.store.Snapshot(o.cfg.InstallPath)
	if err != nil {
		return o.finish(ctx, r, OutcomeFailed, fmt.Errorf("%w: snapshot: %w", ErrCopyFailed, err))
	}
	r.a.Backup = rec
	if rec != nil {
		r.log.Info("backup taken", "backup", rec.Path, "size", rec.Size)
	}
	o.prune(r)

	o.enter(r, PhaseStopping)
	if err := o.stop(ctx, r); err != nil {
		return o.finish(ctx, r, OutcomeFailed, err)
	}

	o.enter(r, PhaseInstalling)
	if err := o.install(path); err != nil {
		return o.rollBack(ctx, r, fmt.Errorf("%w: %w", ErrCopyFailed, err))
	}

	o.enter(r, PhaseStarting)
	if err := o.sup.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return o.finish(ctx, r, OutcomeFailed, ctx.Err())
		}
		return o.rollBack(ctx, r, fmt.Errorf("%w: %w", ErrServiceStartFailed, err))
	}

	o.enter(r, PhaseHealthChecking)
	if err := o.prober.Check(ctx, o.cfg.HealthURL, o.cfg.HealthTimeout, o.cfg.HealthInterval); err != nil {
		if ctx.Err() != nil {
			return o.finish(ctx, r, OutcomeFailed, ctx.Err())
		}
		return o.rollBack(ctx, r, err)
	}

	o.enter(r, PhaseCommitted)
	return o.finish(ctx, r, OutcomeCommitted, nil)
}

func (o *Orchestrator) candidate(ctx context.Context, candidate string) (string, error) {
	if candidate == "" {
		if o.resolver == nil {
			return "", fmt.Errorf("%w: no candidate given and no resolver configured", ErrNoCandidateBinary)
		}
		p, err := o.resolver.Resolve(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNoCandidateBinary, err)
		}
		candidate = p
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoCandidateBinary, err)
	}
	if !fsutil.IsRegular(abs) {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrNoCandidateBinary, abs)
	}
	return abs, nil
}

func (o *Orchestrator) prune(r *run) {
	removed, err := o.store.Prune(o.store.Max)
	if err != nil {
		r.log.Warn("pruning backups", "error", err)
	}
	for _, rec := range removed {
		r.log.Info("backup evicted", "backup", rec.Path)
	}
	if recs, err := o.store.List(); err == nil {
		metrics.SetBackups(o.cfg.Service, len(recs))
	}
}

func (o *Orchestrator) stop(ctx context.Context, r *run) error {
	forced, err := o.sup.Stop(ctx, o.cfg.StopTimeout)
	if err != nil {
		return err
	}
	if forced {
		r.log.Warn("service force-killed", "kind", KindServiceStopTimeout)
	}
	return nil
}

// install replaces the installed binary with candidate and checks the result
// matches byte for byte.
func (o *Orchestrator) install(candidate string) error {
	if err := os.MkdirAll(filepath.Dir(o.cfg.InstallPath), 0o755); err != nil {
		return err
	}
	if err := fsutil.CopyFileAtomic(candidate, o.cfg.InstallPath, 0o755); err != nil {
		return err
	}
	same, err := fsutil.SameContent(candidate, o.cfg.InstallPath)
	if err != nil {
		return fmt.Errorf("verifying install: %w", err)
	}
	if !same {
		return errors.New("installed binary does not match candidate")
	}
	return nil
}

// rollBack restores what was installed before the attempt after cause.
func (o *Orchestrator) rollBack(ctx context.Context, r *run, cause error) Result {
	r.log.Warn("rolling back", "kind", Kind(cause), "error", cause)
	o.enter(r, PhaseRollingBack)

	if err := o.restore(ctx, r); err != nil {
		o.enter(r, PhaseFailed)
		return o.finish(ctx, r, OutcomeFailed,
			fmt.Errorf("%w: %w (after %s: %v)", ErrRollbackFailed, err, Kind(cause), cause))
	}
	o.enter(r, PhaseIdle)
	return o.finish(ctx, r, OutcomeRolledBack,
		fmt.Errorf("rolled back after health-check/start failure: %w", cause))
}

func (o *Orchestrator) restore(ctx context.Context, r *run) error {
	if err := o.stop(ctx, r); err != nil {
		return err
	}
	if r.a.Backup == nil {
		// Nothing was installed before; put that state back.
		if err := os.Remove(o.cfg.InstallPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing installed binary: %w", err)
		}
		fsutil.SyncDir(filepath.Dir(o.cfg.InstallPath))
		r.log.Info("no previous binary; removed the installed candidate")
		return nil
	}
	if err := o.store.Restore(r.a.Backup, o.cfg.InstallPath); err != nil {
		return fmt.Errorf("%w: restore %s: %w", ErrCopyFailed, r.a.Backup.Path, err)
	}
	if err := o.sup.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrServiceStartFailed, err)
	}
	r.log.Info("previous binary restored and running", "backup", r.a.Backup.Path)
	return nil
}

// Rollback reinstalls the newest backup, starts it and checks its health.
// The backup is consumed on success. A failed manual rollback is reported
// as such and is not itself rolled back.
func (o *Orchestrator) Rollback(ctx context.Context) Result {
	r := o.begin(OpRollback)
	// with no store directory there is nothing to restore, so leave the disk untouched
	if _, err := os.Stat(o.store.Dir); errors.Is(err, os.ErrNotExist) {
		return o.finish(ctx, r, OutcomeFailed, ErrNoBackupAvailable)
	}
	if err := o.acquire(r); err != nil {
		return o.finish(ctx, r, OutcomeFailed, err)
	}
	defer o.release(r)

	rec, err := o.store.Latest()
	if err != nil {
		return o.finish(ctx, r, OutcomeFailed, fmt.Errorf("listing backups: %w", err))
	}
	if rec == nil {
		return o.finish(ctx, r, OutcomeFailed, ErrNoBackupAvailable)
	}
	r.a.Backup = rec
	r.log = r.log.With("backup", rec.Path)

	o.enter(r, PhaseRollingBack)
	if err := o.stop(ctx, r); err != nil {
		return o.finish(ctx, r, OutcomeFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(o.cfg.InstallPath), 0o755); err != nil {
		return o.fail(ctx, r, fmt.Errorf("%w: %w", ErrCopyFailed, err))
	}
	if err := o.store.Restore(rec, o.cfg.InstallPath); err != nil {
		return o.fail(ctx, r, fmt.Errorf("%w: %w", ErrCopyFailed, err))
	}
	if err := o.sup.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return o.finish(ctx, r, OutcomeFailed, ctx.Err())
		}
		return o.fail(ctx, r, fmt.Errorf("%w: %w", ErrServiceStartFailed, err))
	}
	if err := o.prober.Check(ctx, o.cfg.HealthURL, o.cfg.HealthTimeout, o.cfg.HealthInterval); err != nil {
		if ctx.Err() != nil {
			return o.finish(ctx, r, OutcomeFailed, ctx.Err())
		}
		return o.fail(ctx, r, err)
	}
	if err := o.store.Consume(rec); err != nil {
		r.log.Warn("consuming backup", "error", err)
	}
	if recs, err := o.store.List(); err == nil {
		metrics.SetBackups(o.cfg.Service, len(recs))
	}
	o.enter(r, PhaseIdle)
	return o.finish(ctx, r, OutcomeRolledBack, nil)
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error) Result {
	o.enter(r, PhaseFailed)
	return o.finish(ctx, r, OutcomeFailed, err)
}

func (o *Orchestrator) finish(ctx context.Context, r *run, outcome Outcome, err error) Result {
	now := o.now()
	res := Result{
		Outcome:  outcome,
		Kind:     Kind(err),
		Phase:    r.a.Phase,
		Err:      err,
		Attempt:  r.a,
		Duration: now.Sub(r.a.StartedAt),
	}
	metrics.ObservePhase(o.cfg.Service, string(r.a.Phase), now.Sub(r.a.phaseStarted).Seconds())

	attrs := []any{"outcome", outcome, "kind", res.Kind, "phase", res.Phase, "duration", res.Duration}
	switch {
	case res.Succeeded():
		r.log.Info("attempt finished", attrs...)
	case outcome == OutcomeFailed:
		r.log.Error("attempt finished", append(attrs, "error", err)...)
	default:
		r.log.Warn("attempt finished", append(attrs, "error", err)...)
	}

	metrics.IncAttempt(o.cfg.Service, string(r.a.Op), string(outcome))
	metrics.SetLastAttempt(o.cfg.Service, string(r.a.Op), float64(now.Unix()))
	o.record(ctx, r, res)
	return res
}

func (o *Orchestrator) record(ctx context.Context, r *run, res Result) {
	if o.history == nil {
		return
	}
	rec := history.Record{
		ID:         r.a.ID,
		Service:    o.cfg.Service,
		Candidate:  r.a.CandidatePath,
		Outcome:    string(res.Outcome),
		Kind:       res.Kind,
		Phase:      string(res.Phase),
		StartedAt:  r.a.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
	}
	if r.a.Backup != nil {
		rec.Backup = r.a.Backup.Path
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	e := history.Event{Type: history.EventType(r.a.Op), OccurredAt: o.now().UTC(), Record: rec}
	if err := o.history.Send(hctx, e); err != nil {
		r.log.Warn("exporting attempt history", "error", err)
	}
}
