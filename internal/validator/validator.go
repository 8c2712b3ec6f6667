// Package validator decides whether a process spec is safe to launch.
package validator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/loykin/procmon/internal/inventory"
)

const maxNameLength = 260

var (
	timePattern = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

	executableExts = map[string]struct{}{
		".exe": {}, ".bat": {}, ".cmd": {}, ".ps1": {}, ".sh": {},
	}

	// shell metacharacters rejected in arguments
	dangerousArgs = []string{";", "|", "&", "`", "$("}
)

type Options struct {
	AllowedPaths         []string
	EnablePathValidation bool
}

// Result lists every rule a spec violates, in check order.
type Result struct {
	Valid  bool
	Errors []string
}

type Validator struct {
	allowed []string
	enforce bool
}

func New(opts Options) *Validator {
	v := &Validator{enforce: opts.EnablePathValidation}
	for _, p := range opts.AllowedPaths {
		if p = strings.TrimSpace(p); p != "" {
			p = filepath.Clean(p)
			if real, err := filepath.EvalSymlinks(p); err == nil {
				p = real
			}
			v.allowed = append(v.allowed, p)
		}
	}
	return v
}

// ValidatePath reports whether path is an absolute path to an existing
// executable file that lies under one of the allowed prefixes.
func (v *Validator) ValidatePath(path string) bool {
	return v.checkPath(path) == nil
}

func (v *Validator) checkPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("path is empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path is not absolute: %s", path)
	}
	norm, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return err
	}
	// the allow-list applies to the real file, not to a link pointing at it
	norm, err = filepath.EvalSymlinks(norm)
	if err != nil {
		return fmt.Errorf("file does not exist: %s", path)
	}
	st, err := os.Stat(norm)
	if err != nil {
		return fmt.Errorf("file does not exist: %s", norm)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", norm)
	}
	if v.enforce && len(v.allowed) > 0 && !v.allowedPrefix(norm) {
		return fmt.Errorf("path not in allowed list: %s", norm)
	}
	if !isExecutable(norm, st.Mode()) {
		return fmt.Errorf("file is not an executable: %s", norm)
	}
	return nil
}

// allowedPrefix matches whole path components, case-insensitively.
func (v *Validator) allowedPrefix(p string) bool {
	lp := strings.ToLower(p)
	for _, a := range v.allowed {
		la := strings.ToLower(a)
		rest, ok := strings.CutPrefix(lp, la)
		if !ok {
			continue
		}
		if rest == "" || strings.HasSuffix(la, string(filepath.Separator)) || rest[0] == filepath.Separator {
			return true
		}
	}
	return false
}

func isExecutable(path string, mode fs.FileMode) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := executableExts[ext]; ok {
		return true
	}
	// native binaries on unix carry no extension
	return runtime.GOOS != "windows" && ext == "" && mode.Perm()&0o111 != 0
}

// ValidateSpec checks every rule and reports all violations together.
func (v *Validator) ValidateSpec(spec inventory.ProcessSpec) Result {
	var errs []string

	switch name := strings.TrimSpace(spec.Name); {
	case name == "":
		errs = append(errs, "process name is required")
	case len(spec.Name) > maxNameLength:
		errs = append(errs, fmt.Sprintf("process name is too long (%d > %d)", len(spec.Name), maxNameLength))
	}

	if err := v.checkPath(spec.ExecutablePath); err != nil {
		errs = append(errs, fmt.Sprintf("invalid process path %q: %v", spec.ExecutablePath, err))
	}

	if spec.DesiredCount < 0 || spec.DesiredCount > 100 {
		errs = append(errs, fmt.Sprintf("process count must be between 0 and 100, got %d", spec.DesiredCount))
	}

	if spec.ScheduleTime != "" && !timePattern.MatchString(spec.ScheduleTime) {
		errs = append(errs, fmt.Sprintf("invalid time format %q, expected HH:MM", spec.ScheduleTime))
	}

	if spec.IntervalMinutes != nil && *spec.IntervalMinutes <= 0 {
		errs = append(errs, fmt.Sprintf("interval must be positive, got %d", *spec.IntervalMinutes))
	}

	if spec.WorkingDirectory != "" {
		if st, err := os.Stat(spec.WorkingDirectory); err != nil || !st.IsDir() {
			errs = append(errs, fmt.Sprintf("working directory does not exist: %s", spec.WorkingDirectory))
		}
	}

	if spec.Arguments != "" {
		for _, d := range dangerousArgs {
			if strings.Contains(spec.Arguments, d) {
				errs = append(errs, "arguments contain potentially dangerous characters")
				break
			}
		}
	}

	if spec.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("maxRetries must not be negative, got %d", spec.MaxRetries))
	}
	if spec.RetryDelaySeconds < 0 {
		errs = append(errs, fmt.Sprintf("retryDelaySeconds must not be negative, got %d", spec.RetryDelaySeconds))
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// CheckPermissions verifies the file can be opened for reading. Failures are
// advisory and reported as *PermissionError.
func (v *Validator) CheckPermissions(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return &PermissionError{Path: path, Err: err}
	}
	return f.Close()
}
