//go:build linux || darwin

package job

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/coderunr/coderunner/internal/types"
	"golang.org/x/sys/unix"
)

// setupProcessGroup starts cmd as the leader of a new process group so the
// deadline can kill everything the script spawned.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0
}

// killProcessGroup sends SIGKILL to the group led by p. ESRCH is reported as
// os.ErrProcessDone.
func killProcessGroup(p *os.Process) error {
	pid := p.Pid
	// kill(0) and kill(-1) would hit the server itself
	if pid <= 1 {
		return os.ErrProcessDone
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

// processStatus converts the exit state into the reported diagnostics.
// Signalled processes report 128+signal as their code.
func processStatus(state *os.ProcessState) types.ProcessStatus {
	if state == nil {
		return types.ProcessStatus{Code: -1}
	}

	status := types.ProcessStatus{
		Success: state.Success(),
		Code:    state.ExitCode(),
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		status.Signal = unix.SignalName(sig)
		status.Code = 128 + int(sig)
	}
	return status
}
