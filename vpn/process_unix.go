//go:build !windows

package vpn

import (
	"os/exec"
	"syscall"
)

// detach puts the client in its own process group so a terminal Ctrl+C
// reaches the orchestrator only.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
