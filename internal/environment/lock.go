package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName is the inter-process lock inside the install root.
const LockFileName = ".lock"

const lockRetryDelay = 250 * time.Millisecond

// installLock serializes provisioning across processes sharing an install
// root. Locks are advisory and released by the OS if the holder dies.
type installLock struct {
	fl *flock.Flock
}

// acquireInstallLock blocks until the lock is held, ctx ends or timeout
// elapses. A zero timeout waits for ctx only.
func acquireInstallLock(ctx context.Context, installDir string, timeout time.Duration) (*installLock, error) {
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return nil, fmt.Errorf("create install dir: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fl := flock.New(filepath.Join(installDir, LockFileName))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", fl.Path())
	}
	return &installLock{fl: fl}, nil
}

func (l *installLock) release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
