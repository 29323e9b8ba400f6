//go:build !linux && !darwin

package job

import (
	"errors"
	"os"
	"os/exec"

	"github.com/coderunr/coderunner/internal/types"
)

func setupProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(p *os.Process) error {
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

func processStatus(state *os.ProcessState) types.ProcessStatus {
	if state == nil {
		return types.ProcessStatus{Code: -1}
	}
	return types.ProcessStatus{
		Success: state.Success(),
		Code:    state.ExitCode(),
	}
}
