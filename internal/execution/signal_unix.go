//go:build !windows

package execution

import (
	"os"
	"syscall"
)

// terminateProcess sends SIGTERM to the process for graceful shutdown.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
