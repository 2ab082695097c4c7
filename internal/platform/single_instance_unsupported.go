//go:build !unix && !windows

package platform

import (
	"fmt"
	"runtime"
)

func acquireInstanceLock(appID string, scope LockScope) (InstanceLock, error) {
	return nil, fmt.Errorf("%w: %s %s lock on %s", ErrInstanceLockUnsupported, appID, scope, runtime.GOOS)
}
