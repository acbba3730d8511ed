//go:build !windows

package runner

import (
	"os"
	"syscall"
)

// sendInterrupt hands Ctrl+C read in raw mode back to the NotifyContext
// handler in Run so a keypress stops the sweep like a real SIGINT.
func sendInterrupt() {
	_ = syscall.Kill(os.Getpid(), syscall.SIGINT)
}
