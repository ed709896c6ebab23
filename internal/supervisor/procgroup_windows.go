// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup configures cmd to start in its own process group so a
// later terminateGroup reaches any children it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateGroup always fails on Windows: there is no signal equivalent
// to a POSIX process-group kill, so callers fall back to killing the
// direct child process only.
func terminateGroup(pid int, sig syscall.Signal) error {
	return errors.New("process-group signalling is not supported on windows")
}

// processAlive uses FindProcess, which on Windows only succeeds for a
// pid that currently exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil || proc == nil {
		return false
	}
	return true
}
