package service

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DBusAPI is the subset of *dbus.Conn used by SystemdController.
type DBusAPI interface {
	Close()
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	KillUnitContext(ctx context.Context, name string, signal int32)
}

// DBusAPIFactory opens a new connection.
type DBusAPIFactory func(ctx context.Context) (DBusAPI, error)

func newSystemBus(ctx context.Context) (DBusAPI, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SystemdController drives a unit through the systemd D-Bus API.
type SystemdController struct {
	newConn DBusAPIFactory
}

func NewSystemdController() *SystemdController {
	return &SystemdController{newConn: newSystemBus}
}

// NewSystemdControllerWithFactory is used by tests to substitute the bus.
func NewSystemdControllerWithFactory(f DBusAPIFactory) *SystemdController {
	return &SystemdController{newConn: f}
}

// UnitName maps a service name to its unit name.
func UnitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func (c *SystemdController) IsRunning(ctx context.Context, name string) (bool, error) {
	conn, err := c.newConn(ctx)
	if err != nil {
		return false, fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()
	return running(ctx, conn, UnitName(name))
}

func running(ctx context.Context, conn DBusAPI, unit string) (bool, error) {
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return false, fmt.Errorf("querying %s from dbus: %w", unit, err)
	}
	for _, u := range units {
		if u.Name == unit {
			return u.LoadState == "loaded" && u.ActiveState == "active", nil
		}
	}
	return false, nil
}

func (c *SystemdController) Start(ctx context.Context, name string) error {
	unit := UnitName(name)
	conn, err := c.newConn(ctx)
	if err != nil {
		return fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()
	if ok, err := running(ctx, conn, unit); err == nil && ok {
		return nil
	}
	ch := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("dbus start request for %s failed: %w", unit, err)
	}
	return wait(ctx, "start", unit, ch)
}

func (c *SystemdController) Stop(ctx context.Context, name string) error {
	unit := UnitName(name)
	conn, err := c.newConn(ctx)
	if err != nil {
		return fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()
	if ok, err := running(ctx, conn, unit); err == nil && !ok {
		return nil
	}
	ch := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("dbus stop request for %s failed: %w", unit, err)
	}
	return wait(ctx, "stop", unit, ch)
}

func (c *SystemdController) ForceKill(ctx context.Context, name string) error {
	conn, err := c.newConn(ctx)
	if err != nil {
		return fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()
	conn.KillUnitContext(ctx, UnitName(name), int32(syscall.SIGKILL))
	return nil
}

// wait blocks for the job result. Any result other than "done" is a failure.
func wait(ctx context.Context, op, unit string, ch <-chan string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case status := <-ch:
		if status != "done" {
			return fmt.Errorf("failed to %s %s (job result %q)", op, unit, status)
		}
		return nil
	}
}
