// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup configures cmd so the child becomes the leader of a new
// process group, letting stop() signal the whole group (child plus any
// grandchildren it spawns) in one call.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends sig to every process in pid's process group.
func terminateGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// processAlive is the health probe's OS-level liveness check: signal 0
// performs no action but still reports ESRCH if the pid is gone.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
