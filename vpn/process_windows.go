//go:build windows

package vpn

import (
	"os/exec"
	"syscall"
)

// detach starts the client in a new process group so console Ctrl+C
// reaches the orchestrator only.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
