// Package proctable queries and signals live OS processes by name.
package proctable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/procmon/internal/validator"
)

// Proc is a live OS process matched by name.
type Proc struct {
	PID  int32
	Name string
	Exe  string
}

// Table is the view of the OS process table used by the launcher.
type Table interface {
	List(ctx context.Context, name string) ([]Proc, error)
	Count(ctx context.Context, name string) (int, error)
	// Terminate asks pid to exit and force-kills it if it is still alive after grace.
	Terminate(ctx context.Context, pid int32, grace time.Duration) error
}

// shells whose first script argument identifies the program
var interpreters = []string{"sh", "bash", "dash", "zsh", "ksh", "pwsh", "powershell", "cmd"}

// OS implements Table on top of gopsutil.
type OS struct {
	log *slog.Logger
}

func NewOS(l *slog.Logger) *OS {
	if l == nil {
		l = slog.Default()
	}
	return &OS{log: l}
}

func (t *OS) List(ctx context.Context, name string) ([]Proc, error) {
	if name == "" {
		return nil, nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	var out []Proc
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			if isPermission(err) {
				t.log.Warn("skipping process", "pid", p.Pid, "err", &validator.PermissionError{Path: fmt.Sprintf("pid:%d", p.Pid), Err: err})
			}
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		if !Matches(name, pname, exe, func() []string {
			args, _ := p.CmdlineSliceWithContext(ctx)
			return args
		}) {
			continue
		}
		if isZombie(ctx, p) {
			continue
		}
		out = append(out, Proc{PID: p.Pid, Name: pname, Exe: exe})
	}
	return out, nil
}

func (t *OS) Count(ctx context.Context, name string) (int, error) {
	procs, err := t.List(ctx, name)
	if err != nil {
		return 0, err
	}
	return len(procs), nil
}

func (t *OS) Terminate(ctx context.Context, pid int32, grace time.Duration) error {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		if isPermission(err) {
			return &validator.PermissionError{Path: fmt.Sprintf("pid:%d", pid), Err: err}
		}
		if gone(ctx, p) {
			return nil
		}
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	if waitGone(ctx, p, grace) {
		return nil
	}
	if err := p.KillWithContext(ctx); err != nil && !gone(ctx, p) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	if waitGone(ctx, p, 2*time.Second) {
		return nil
	}
	return fmt.Errorf("process %d still running after kill", pid)
}

// Matches reports whether a process with the given OS name, executable and
// command line belongs to the named program. The executable's base name is
// compared without its extension; processes running under a shell are
// matched by their script argument.
func Matches(name, procName, exe string, cmdline func() []string) bool {
	if eq(name, procName) || eq(name, baseNoExt(procName)) {
		return true
	}
	if exe != "" && eq(name, baseNoExt(exe)) {
		return true
	}
	base := baseNoExt(procName)
	if exe != "" {
		base = baseNoExt(exe)
	}
	if !slices.Contains(interpreters, strings.ToLower(base)) || cmdline == nil {
		return false
	}
	args := cmdline()
	for _, a := range args[min(1, len(args)):] {
		if strings.HasPrefix(a, "-") || strings.HasPrefix(a, "/") && runtime.GOOS == "windows" {
			continue
		}
		return eq(name, baseNoExt(a))
	}
	return false
}

func baseNoExt(p string) string {
	b := filepath.Base(p)
	return strings.TrimSuffix(b, filepath.Ext(b))
}

func eq(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func isZombie(ctx context.Context, p *gopsproc.Process) bool {
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(st, gopsproc.Zombie)
}

func gone(ctx context.Context, p *gopsproc.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return true
	}
	return isZombie(ctx, p)
}

func waitGone(ctx context.Context, p *gopsproc.Process, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if gone(ctx, p) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return gone(ctx, p)
		case <-tick.C:
		}
	}
}

func isPermission(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)
}
