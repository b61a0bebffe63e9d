package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/swapr/internal/detector"
)

// Default command lines used by CommandController. {name} is replaced by the
// service name.
const (
	DefaultStartCommand  = "systemctl start {name}"
	DefaultStopCommand   = "systemctl stop {name}"
	DefaultStatusCommand = "systemctl is-active --quiet {name}"
	DefaultKillCommand   = "systemctl kill --signal=SIGKILL {name}"
)

// CommandController shells out to operator-supplied commands. The status
// command must exit 0 while the service runs.
type CommandController struct {
	StartCommand  string
	StopCommand   string
	StatusCommand string
	KillCommand   string
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func expand(cmd, name string) string { return strings.ReplaceAll(cmd, "{name}", name) }

func (c *CommandController) run(ctx context.Context, cmdline, name string) error {
	line := expand(cmdline, name)
	out, err := detector.ShellCommand(ctx, line).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%q: %w: %s", line, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *CommandController) IsRunning(ctx context.Context, name string) (bool, error) {
	d := detector.CommandDetector{Command: expand(orDefault(c.StatusCommand, DefaultStatusCommand), name)}
	return d.Alive(ctx)
}

func (c *CommandController) Start(ctx context.Context, name string) error {
	if ok, err := c.IsRunning(ctx, name); err == nil && ok {
		return nil
	}
	return c.run(ctx, orDefault(c.StartCommand, DefaultStartCommand), name)
}

func (c *CommandController) Stop(ctx context.Context, name string) error {
	if ok, err := c.IsRunning(ctx, name); err == nil && !ok {
		return nil
	}
	return c.run(ctx, orDefault(c.StopCommand, DefaultStopCommand), name)
}

func (c *CommandController) ForceKill(ctx context.Context, name string) error {
	return c.run(ctx, orDefault(c.KillCommand, DefaultKillCommand), name)
}
