//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// configureWindow places hidden processes in their own process group and
// visible ones in a new session.
func configureWindow(cmd *exec.Cmd, w Window) {
	attrs := &syscall.SysProcAttr{}
	if w == WindowNew {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
