package upgrade

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/swapr/internal/backup"
)

// Phase is a state of the attempt state machine.
type Phase string

const (
	PhaseIdle           Phase = "IDLE"
	PhaseBackingUp      Phase = "BACKING_UP"
	PhaseStopping       Phase = "STOPPING"
	PhaseInstalling     Phase = "INSTALLING"
	PhaseStarting       Phase = "STARTING"
	PhaseHealthChecking Phase = "HEALTH_CHECKING"
	PhaseCommitted      Phase = "COMMITTED"
	PhaseRollingBack    Phase = "ROLLING_BACK"
	PhaseFailed         Phase = "FAILED"
)

// Op names the state machine being run.
type Op string

const (
	OpUpgrade  Op = "upgrade"
	OpRollback Op = "rollback"
)

// Outcome is the terminal classification of an attempt.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled-back"
	OutcomeFailed     Outcome = "failed"
)

// Attempt is one run of the upgrade or rollback state machine. It is passed
// through every phase and discarded once the outcome is known.
type Attempt struct {
	ID            string         `json:"id"`
	Op            Op             `json:"op"`
	CandidatePath string         `json:"candidate_path,omitempty"`
	Backup        *backup.Record `json:"backup,omitempty"`
	Phase         Phase          `json:"phase"`
	StartedAt     time.Time      `json:"started_at"`

	phaseStarted time.Time
}

// Result is returned by every state machine run.
type Result struct {
	Outcome  Outcome       `json:"outcome"`
	Kind     string        `json:"kind"`
	Phase    Phase         `json:"phase"`
	Err      error         `json:"-"`
	Attempt  *Attempt      `json:"attempt"`
	Duration time.Duration `json:"duration"`
}

// Process exit codes
const (
	ExitOK         = 0
	ExitRolledBack = 1
	ExitFailed     = 2
	ExitContention = 3
)

// Succeeded reports whether the caller got what it asked for: a committed
// upgrade or a completed manual rollback.
func (r Result) Succeeded() bool {
	if r.Outcome == OutcomeCommitted {
		return true
	}
	return r.Outcome == OutcomeRolledBack && r.Attempt != nil && r.Attempt.Op == OpRollback
}

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	switch {
	case r.Succeeded():
		return ExitOK
	case r.Kind == KindLockContention:
		return ExitContention
	case r.Outcome == OutcomeRolledBack:
		return ExitRolledBack
	default:
		return ExitFailed
	}
}

// Line renders the single summary line printed for every outcome.
func (r Result) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "outcome=%s kind=%s phase=%s", r.Outcome, r.Kind, r.Phase)
	if r.Attempt != nil {
		fmt.Fprintf(&b, " op=%s attempt=%s", r.Attempt.Op, r.Attempt.ID)
		if r.Attempt.CandidatePath != "" {
			fmt.Fprintf(&b, " candidate=%q", r.Attempt.CandidatePath)
		}
		if r.Attempt.Backup != nil {
			fmt.Fprintf(&b, " backup=%q", r.Attempt.Backup.Path)
		}
	}
	if r.Err != nil {
		fmt.Fprintf(&b, " error=%q", r.Err.Error())
	}
	return b.String()
}
