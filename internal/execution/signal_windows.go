//go:build windows

package execution

import "os"

// terminateProcess kills the process on Windows.
// Windows does not support SIGTERM; process termination is immediate.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
