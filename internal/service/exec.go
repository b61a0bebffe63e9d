package service

import (
	"context"
	"syscall"

	"github.com/loykin/swapr/internal/process"
)

// ExecController runs the installed executable as a detached child of swapr
// and tracks it through a PID file. The name argument is ignored; the spec
// identifies the service.
type ExecController struct {
	Spec process.Spec
}

func NewExecController(spec process.Spec) *ExecController {
	return &ExecController{Spec: spec}
}

func (c *ExecController) IsRunning(_ context.Context, _ string) (bool, error) {
	alive, _, err := process.Running(c.Spec.PIDFile)
	return alive, err
}

func (c *ExecController) Start(ctx context.Context, name string) error {
	if alive, _ := c.IsRunning(ctx, name); alive {
		return nil
	}
	_, err := process.Start(c.Spec)
	return err
}

func (c *ExecController) Stop(_ context.Context, _ string) error {
	return process.Signal(c.Spec.PIDFile, syscall.SIGTERM)
}

func (c *ExecController) ForceKill(_ context.Context, _ string) error {
	return process.Signal(c.Spec.PIDFile, syscall.SIGKILL)
}
