package launcher

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/procmon/internal/inventory"
)

// buildCommand prepares the command line for spec. Scripts are routed through
// their interpreter unless they can be executed directly.
func buildCommand(spec inventory.ProcessSpec) (*exec.Cmd, error) {
	args, err := splitArgs(spec.Arguments)
	if err != nil {
		return nil, err
	}
	path := spec.ExecutablePath
	var cmd *exec.Cmd
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".sh" && !directlyExecutable(path):
		// #nosec G204 -- path passed validation
		cmd = exec.Command("/bin/sh", append([]string{path}, args...)...)
	case ext == ".ps1":
		// #nosec G204
		cmd = exec.Command(powershell(), append([]string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File", path}, args...)...)
	case (ext == ".bat" || ext == ".cmd") && runtime.GOOS == "windows":
		// #nosec G204
		cmd = exec.Command("cmd.exe", append([]string{"/C", path}, args...)...)
	default:
		// #nosec G204
		cmd = exec.Command(path, args...)
	}
	cmd.Dir = spec.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(path)
	}
	// pipes to log writers are closed this long after the child exits
	cmd.WaitDelay = time.Second
	return cmd, nil
}

func directlyExecutable(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().Perm()&0o111 != 0
}

func powershell() string {
	if p, err := exec.LookPath("pwsh"); err == nil {
		return p
	}
	return "powershell.exe"
}

var errUnterminatedQuote = errors.New("unterminated quote in arguments")

// splitArgs splits an argument string on whitespace. Single and double quotes
// group words; a backslash escapes the next character outside single quotes.
func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'' && runtime.GOOS != "windows":
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, errUnterminatedQuote
	}
	if escaped {
		cur.WriteRune('\\')
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
