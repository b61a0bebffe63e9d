package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultStopTimeout  = 30 * time.Second
	DefaultPollInterval = 1 * time.Second
	DefaultSettleDelay  = 2 * time.Second
)

// Supervisor applies swapr's stop and start policy to a Controller.
type Supervisor struct {
	Ctl          Controller
	Name         string
	PollInterval time.Duration
	SettleDelay  time.Duration
	Logger       *slog.Logger
	// OnForceKill is called whenever a stop escalates to a forced kill.
	OnForceKill func()
}

func NewSupervisor(ctl Controller, name string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		Ctl:          ctl,
		Name:         name,
		PollInterval: DefaultPollInterval,
		SettleDelay:  DefaultSettleDelay,
		Logger:       logger.With("service", name),
	}
}

func (s *Supervisor) poll() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

// Stop asks the service to stop and waits up to timeout for it to go away,
// checking every PollInterval. When the budget runs out the service is
// force-killed and considered stopped. forced reports whether that happened.
// Only a cancelled ctx makes Stop fail.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) (forced bool, err error) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.Ctl.Stop(tctx, s.Name); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.Logger.Warn("graceful stop request failed", "error", err)
	}

	ticker := time.NewTicker(s.poll())
	defer ticker.Stop()
	for {
		running, err := s.Ctl.IsRunning(tctx, s.Name)
		if err == nil && !running {
			return false, nil
		}
		if err != nil && tctx.Err() == nil {
			s.Logger.Debug("run state query failed", "error", err)
		}
		select {
		case <-tctx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return true, s.forceKill(ctx, timeout)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) forceKill(ctx context.Context, timeout time.Duration) error {
	s.Logger.Warn("escalating to forced kill", "error", ErrStopTimeout, "timeout", timeout)
	if s.OnForceKill != nil {
		s.OnForceKill()
	}
	if err := s.Ctl.ForceKill(ctx, s.Name); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Logger.Error("forced kill failed; treating service as stopped", "error", err)
	}
	return nil
}

// Start issues the start command, waits SettleDelay, and checks the run
// state once. It does not retry.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Ctl.Start(ctx, s.Name); err != nil {
		return fmt.Errorf("start %s: %w", s.Name, err)
	}
	if s.SettleDelay > 0 {
		t := time.NewTimer(s.SettleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	running, err := s.Ctl.IsRunning(ctx, s.Name)
	if err != nil {
		return fmt.Errorf("%w: %s state unknown: %v", ErrNotRunning, s.Name, err)
	}
	if !running {
		return fmt.Errorf("%w: %s", ErrNotRunning, s.Name)
	}
	return nil
}

// State queries the run state, mapping query errors to StateUnknown.
func (s *Supervisor) State(ctx context.Context) RunState {
	running, err := s.Ctl.IsRunning(ctx, s.Name)
	switch {
	case err != nil:
		return StateUnknown
	case running:
		return StateRunning
	default:
		return StateNotRunning
	}
}
