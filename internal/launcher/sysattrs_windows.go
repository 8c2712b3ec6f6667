//go:build windows

package launcher

import (
	"os/exec"
	"syscall"
)

const (
	createNewConsole      = 0x00000010
	createNewProcessGroup = 0x00000200
)

func configureWindow(cmd *exec.Cmd, w Window) {
	attrs := &syscall.SysProcAttr{}
	if w == WindowNew {
		attrs.CreationFlags = createNewConsole
	} else {
		attrs.HideWindow = true
		attrs.CreationFlags = createNewProcessGroup
	}
	cmd.SysProcAttr = attrs
}
