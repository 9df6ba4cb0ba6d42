package build

import (
	"os"
	"os/exec"
)

// ProcessTerminator kills a subprocess together with everything it spawned
type ProcessTerminator interface {
	// Prepare configures cmd before it starts so its descendants can be found
	Prepare(cmd *exec.Cmd)
	// Terminate forcibly kills p and its descendants
	Terminate(p *os.Process) error
}

// NewProcessTerminator returns the terminator for the current platform
func NewProcessTerminator() ProcessTerminator {
	return groupTerminator{}
}
