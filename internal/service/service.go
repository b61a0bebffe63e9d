// Package service controls the background service whose executable swapr
// replaces. Controller is the minimal contract a service manager has to
// offer; Supervisor layers the stop and start policy on top of it.
package service

import (
	"context"
	"errors"
)

var (
	// ErrNotRunning is returned by Supervisor.Start when the service is not
	// observed running after the settle delay.
	ErrNotRunning = errors.New("service not running after start")
	// ErrStopTimeout is logged when a graceful stop does not finish in time.
	ErrStopTimeout = errors.New("service stop timeout")
)

// Controller starts, stops and queries a named service. Start on a running
// service and Stop on a stopped one must be no-ops.
type Controller interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) (bool, error)
	ForceKill(ctx context.Context, name string) error
}

// RunState is the observed state of the service.
type RunState string

const (
	StateRunning    RunState = "running"
	StateNotRunning RunState = "not running"
	StateUnknown    RunState = "unknown"
)
