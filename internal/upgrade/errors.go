package upgrade

import (
	"context"
	"errors"

	"github.com/loykin/swapr/internal/health"
	"github.com/loykin/swapr/internal/service"
)

var (
	ErrNoCandidateBinary  = errors.New("no candidate binary")
	ErrCopyFailed         = errors.New("copy failed")
	ErrServiceStopTimeout = service.ErrStopTimeout
	ErrServiceStartFailed = errors.New("service start failed")
	ErrHealthCheckTimeout = health.ErrHealthCheckTimeout
	ErrRollbackFailed     = errors.New("rollback failed")
	ErrLockContention     = errors.New("another attempt is in progress")
	ErrNoBackupAvailable  = errors.New("no backup available")
)

// Error kinds reported alongside every outcome.
const (
	KindNone               = "none"
	KindNoCandidateBinary  = "NoCandidateBinary"
	KindCopyFailed         = "CopyFailed"
	KindServiceStopTimeout = "ServiceStopTimeout"
	KindServiceStartFailed = "ServiceStartFailed"
	KindHealthCheckTimeout = "HealthCheckTimeout"
	KindRollbackFailed     = "RollbackFailed"
	KindLockContention     = "LockContention"
	KindNoBackupAvailable  = "NoBackupAvailable"
	KindCanceled           = "Canceled"
	KindInternal           = "Internal"
)

// kinds is ordered by severity; the first match wins.
var kinds = []struct {
	err  error
	name string
}{
	{ErrRollbackFailed, KindRollbackFailed},
	{ErrLockContention, KindLockContention},
	{ErrNoBackupAvailable, KindNoBackupAvailable},
	{ErrNoCandidateBinary, KindNoCandidateBinary},
	{ErrCopyFailed, KindCopyFailed},
	{ErrServiceStartFailed, KindServiceStartFailed},
	{ErrHealthCheckTimeout, KindHealthCheckTimeout},
	{ErrServiceStopTimeout, KindServiceStopTimeout},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindInternal
}
