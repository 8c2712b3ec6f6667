package launcher

import (
	"fmt"
	"strings"
)

// Window selects how a launched process is attached to the daemon.
type Window int

const (
	// WindowHidden detaches the process into its own group; output goes to
	// the per-process log files when configured, otherwise it is discarded.
	WindowHidden Window = iota
	// WindowNew starts the process in a new session sharing the daemon's stdio.
	WindowNew
)

func (w Window) String() string {
	if w == WindowNew {
		return "new"
	}
	return "hidden"
}

func ParseWindow(s string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hidden":
		return WindowHidden, nil
	case "new", "visible":
		return WindowNew, nil
	}
	return WindowHidden, fmt.Errorf("unknown window preference %q", s)
}
