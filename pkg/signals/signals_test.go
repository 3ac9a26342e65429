package signals

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(500 * time.Millisecond):
		require.FailNow(t, "timeout waiting for "+what)
	}
}

// TestSetupSIGTERM ensures SIGTERM triggers stopCh closure and ctx cancellation.
func TestSetupSIGTERM(t *testing.T) {
	stopCh := make(chan struct{})
	ctx := Setup(stopCh)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	})

	waitClosed(t, stopCh, "stopCh after SIGTERM")
	waitClosed(t, ctx.Done(), "ctx.Done() after SIGTERM")
}

// TestSetupSIGINTWithoutStopCh ensures a nil stopCh is tolerated.
func TestSetupSIGINTWithoutStopCh(t *testing.T) {
	ctx := Setup(nil)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	})

	waitClosed(t, ctx.Done(), "ctx.Done() after SIGINT")
}
