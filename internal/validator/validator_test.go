package validator

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/loykin/procmon/internal/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExec(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), mode))
	return p
}

func intp(i int) *int { return &i }

func TestValidatePath(t *testing.T) {
	dir := t.TempDir()
	script := writeExec(t, dir, "run.sh", 0o755)
	text := writeExec(t, dir, "notes.txt", 0o644)
	v := New(Options{})

	assert.True(t, v.ValidatePath(script))
	assert.True(t, v.ValidatePath(writeExec(t, dir, "UPPER.SH", 0o755)), "extension match ignores case")
	assert.False(t, v.ValidatePath("run.sh"), "relative")
	assert.False(t, v.ValidatePath(""))
	assert.False(t, v.ValidatePath(filepath.Join(dir, "missing.sh")))
	assert.False(t, v.ValidatePath(dir), "directory")
	assert.False(t, v.ValidatePath(text), "extension not executable")

	if runtime.GOOS != "windows" {
		bin := writeExec(t, dir, "daemon", 0o755)
		plain := writeExec(t, dir, "data", 0o644)
		assert.True(t, v.ValidatePath(bin))
		assert.False(t, v.ValidatePath(plain))
	}
}

func TestValidatePathAllowList(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()
	in := writeExec(t, allowed, "a.sh", 0o755)
	out := writeExec(t, other, "b.sh", 0o755)

	v := New(Options{AllowedPaths: []string{allowed}, EnablePathValidation: true})
	assert.True(t, v.ValidatePath(in))
	assert.False(t, v.ValidatePath(out))

	// list ignored when enforcement is off
	v = New(Options{AllowedPaths: []string{allowed}, EnablePathValidation: false})
	assert.True(t, v.ValidatePath(out))

	// empty list means no restriction
	v = New(Options{EnablePathValidation: true})
	assert.True(t, v.ValidatePath(out))
}

func TestValidatePathAllowListMatchesWholeDirectories(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "app")
	evil := filepath.Join(root, "apps-evil")
	require.NoError(t, os.Mkdir(app, 0o755))
	require.NoError(t, os.Mkdir(evil, 0o755))
	in := writeExec(t, app, "run.sh", 0o755)
	sibling := writeExec(t, evil, "x.sh", 0o755)

	v := New(Options{AllowedPaths: []string{app}, EnablePathValidation: true})
	assert.True(t, v.ValidatePath(in))
	assert.False(t, v.ValidatePath(sibling), "a sibling sharing the prefix string is not inside the allowed directory")

	v = New(Options{AllowedPaths: []string{app + string(filepath.Separator)}, EnablePathValidation: true})
	assert.True(t, v.ValidatePath(in))
	assert.False(t, v.ValidatePath(sibling))
}

func TestValidatePathResolvesSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	allowed := t.TempDir()
	outside := writeExec(t, t.TempDir(), "payload.sh", 0o755)
	link := filepath.Join(allowed, "innocent.sh")
	require.NoError(t, os.Symlink(outside, link))

	v := New(Options{AllowedPaths: []string{allowed}, EnablePathValidation: true})
	assert.False(t, v.ValidatePath(link), "a link inside the allow-list pointing outside it is rejected")

	v = New(Options{})
	assert.True(t, v.ValidatePath(link))

	dangling := filepath.Join(allowed, "dangling.sh")
	require.NoError(t, os.Symlink(filepath.Join(allowed, "missing.sh"), dangling))
	assert.False(t, v.ValidatePath(dangling))
}

func TestValidateSpecAggregates(t *testing.T) {
	v := New(Options{})
	res := v.ValidateSpec(inventory.ProcessSpec{
		Name:              "",
		ExecutablePath:    "relative.sh",
		DesiredCount:      101,
		ScheduleTime:      "25:99",
		IntervalMinutes:   intp(-1),
		WorkingDirectory:  "/definitely/not/here",
		Arguments:         "--x; rm -rf /",
		MaxRetries:        -1,
		RetryDelaySeconds: -2,
	})
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 9)
	assert.Contains(t, res.Errors[0], "name")
	assert.Contains(t, res.Errors[1], "path")
	assert.Contains(t, res.Errors[2], "count")
	assert.Contains(t, res.Errors[3], "time")
	assert.Contains(t, res.Errors[4], "interval")
	assert.Contains(t, res.Errors[5], "working directory")
	assert.Contains(t, res.Errors[6], "dangerous")
}

func TestValidateSpecTimeAndInterval(t *testing.T) {
	dir := t.TempDir()
	script := writeExec(t, dir, "job.sh", 0o755)
	v := New(Options{})
	base := inventory.ProcessSpec{Name: "job", ExecutablePath: script, DesiredCount: 1}

	for _, tm := range []string{"0:00", "00:00", "9:05", "23:59"} {
		s := base
		s.ScheduleTime = tm
		assert.True(t, v.ValidateSpec(s).Valid, tm)
	}
	for _, tm := range []string{"24:00", "12:60", "1200", "ab:cd"} {
		s := base
		s.ScheduleTime = tm
		assert.False(t, v.ValidateSpec(s).Valid, tm)
	}

	s := base
	s.ScheduleTime = "25:99"
	s.IntervalMinutes = intp(-1)
	res := v.ValidateSpec(s)
	assert.GreaterOrEqual(t, len(res.Errors), 2)

	s = base
	s.Arguments = `--name "a b" --dir ./x`
	s.WorkingDirectory = dir
	assert.True(t, v.ValidateSpec(s).Valid)

	for _, a := range []string{"a|b", "a&b", "`id`", "$(id)"} {
		s := base
		s.Arguments = a
		assert.False(t, v.ValidateSpec(s).Valid, a)
	}
}

func TestCheckPermissions(t *testing.T) {
	dir := t.TempDir()
	script := writeExec(t, dir, "ok.sh", 0o755)
	v := New(Options{})
	assert.NoError(t, v.CheckPermissions(script))

	err := v.CheckPermissions(filepath.Join(dir, "absent.sh"))
	require.Error(t, err)
	assert.True(t, IsPermission(err))
}
