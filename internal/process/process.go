// Package process launches and signals a service that runs as a detached
// child of swapr. State lives in a PID file so a later swapr invocation can
// find the child again.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/loykin/swapr/internal/detector"
	"github.com/loykin/swapr/internal/env"
)

type pidInfo struct {
	Name string   `json:"name"`
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

// Start launches the spec and writes its PID file. The child is reaped in
// the background while this process lives; afterwards it is reparented.
func Start(spec Spec) (int, error) {
	if spec.PIDFile == "" {
		return 0, errors.New("process spec requires pid_file")
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = env.FromOS().Merge(spec.Env)
	}
	configureSysProcAttr(cmd)

	// *os.File outputs are inherited directly; any other writer would make
	// the child's output flow through a pipe that dies with swapr.
	outF, errF, err := spec.Log.ProcessFiles(spec.Name)
	if err != nil {
		return 0, err
	}
	var files []*os.File
	if outF != nil {
		cmd.Stdout = outF
		files = append(files, outF)
	}
	if errF != nil {
		cmd.Stderr = errF
		files = append(files, errF)
	}
	// the child holds its own descriptors once started
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", spec.Path, err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	pf, err := detector.NewPIDFile(pid, pidInfo{Name: spec.Name, Path: spec.Path, Args: spec.Args})
	if err == nil {
		err = detector.WritePIDFile(spec.PIDFile, pf)
	}
	if err != nil {
		_ = killProcess(pid, syscall.SIGKILL)
		return 0, fmt.Errorf("writing pid file: %w", err)
	}
	return pid, nil
}

// Running reports whether the process recorded in pidFile is alive.
// Zombies count as exited.
func Running(pidFile string) (bool, int, error) {
	pf, err := detector.ReadPIDFile(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if !pf.Alive() || isZombieLinux(pf.PID) {
		return false, pf.PID, nil
	}
	return true, pf.PID, nil
}

// Signal delivers sig to the recorded process group. A missing PID file or
// an already exited process is not an error.
func Signal(pidFile string, sig syscall.Signal) error {
	alive, pid, err := Running(pidFile)
	if err != nil || !alive {
		return err
	}
	return killProcess(pid, sig)
}

// RemovePIDFile best-effort
func RemovePIDFile(pidFile string) {
	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
