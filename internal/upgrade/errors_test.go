package upgrade

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/swapr/internal/backup"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, KindNone},
		{ErrNoCandidateBinary, KindNoCandidateBinary},
		{fmt.Errorf("x: %w", ErrCopyFailed), KindCopyFailed},
		{ErrServiceStopTimeout, KindServiceStopTimeout},
		{fmt.Errorf("%w: boom", ErrServiceStartFailed), KindServiceStartFailed},
		{fmt.Errorf("rolled back: %w", ErrHealthCheckTimeout), KindHealthCheckTimeout},
		{fmt.Errorf("%w: %w", ErrRollbackFailed, ErrServiceStartFailed), KindRollbackFailed},
		{ErrLockContention, KindLockContention},
		{ErrNoBackupAvailable, KindNoBackupAvailable},
		{context.Canceled, KindCanceled},
		{errors.New("disk on fire"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "Kind(%v)", tt.err)
	}
}

func TestResult_ExitCodeAndLine(t *testing.T) {
	up := &Attempt{ID: "id-1", Op: OpUpgrade, CandidatePath: "/srv/wolfserve"}
	rb := &Attempt{ID: "id-2", Op: OpRollback, Backup: &backup.Record{Path: "/b/wolfserve-x.bak"}}

	committed := Result{Outcome: OutcomeCommitted, Kind: KindNone, Phase: PhaseCommitted, Attempt: up}
	assert.Equal(t, ExitOK, committed.ExitCode())
	assert.Equal(t, `outcome=committed kind=none phase=COMMITTED op=upgrade attempt=id-1 candidate="/srv/wolfserve"`, committed.Line())

	rolled := Result{Outcome: OutcomeRolledBack, Kind: KindHealthCheckTimeout, Phase: PhaseIdle, Attempt: up, Err: ErrHealthCheckTimeout}
	assert.Equal(t, ExitRolledBack, rolled.ExitCode())
	assert.Contains(t, rolled.Line(), `error="health check timeout"`)

	manual := Result{Outcome: OutcomeRolledBack, Kind: KindNone, Phase: PhaseIdle, Attempt: rb}
	assert.True(t, manual.Succeeded())
	assert.Equal(t, ExitOK, manual.ExitCode())
	assert.Contains(t, manual.Line(), `backup="/b/wolfserve-x.bak"`)

	busy := Result{Outcome: OutcomeFailed, Kind: KindLockContention, Attempt: up}
	assert.Equal(t, ExitContention, busy.ExitCode())

	failed := Result{Outcome: OutcomeFailed, Kind: KindRollbackFailed, Attempt: up}
	assert.Equal(t, ExitFailed, failed.ExitCode())
}
