//go:build !unix

package runner

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// No graceful signal outside unix; terminate kills.
func terminate(cmd *exec.Cmd) error { return kill(cmd) }

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
