package process

import (
	"os/exec"

	"github.com/loykin/swapr/internal/logger"
)

// Spec describes how to launch the service executable directly.
type Spec struct {
	Name    string        `json:"name"`
	Path    string        `json:"path"`     // executable to run
	Args    []string      `json:"args"`     // arguments passed verbatim
	WorkDir string        `json:"work_dir"` // optional working dir
	Env     []string      `json:"env"`      // extra KEY=VALUE entries appended to the current environment
	PIDFile string        `json:"pid_file"` // required; ties later invocations to the running child
	Log     logger.Config `json:"-"`        // destinations for the child's stdout/stderr
}

// BuildCommand constructs the *exec.Cmd for the spec. No shell is involved.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command(s.Path, s.Args...)
}
