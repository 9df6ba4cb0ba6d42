//go:build !unix

package build

import (
	"errors"
	"os"
	"os/exec"
)

// groupTerminator falls back to killing the direct child where process
// groups are unavailable
type groupTerminator struct{}

func (groupTerminator) Prepare(*exec.Cmd) {}

func (groupTerminator) Terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
