package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// PIDAlive returns true if a process with given pid exists (or EPERM).
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDFileDetector detects a process via a PID file written by WritePIDFile.
// When the file carries a start time, a live PID whose start time differs is
// treated as reused and therefore not alive.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive(_ context.Context) (bool, error) {
	pf, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return pf.Alive(), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(_ context.Context) (bool, error) { return PIDAlive(d.PID), nil }
func (d PIDDetector) Describe() string                       { return fmt.Sprintf("pid:%d", d.PID) }
