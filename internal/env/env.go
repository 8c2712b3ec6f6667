package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to launched processes.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

// Isolate drops the OS environment from the base so only globals and
// per-process overrides reach launched processes.
func (e *Env) Isolate() {
	e.env = make(Var)
}

// WithSet returns a copy of e with K=V added to the globals.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		cp.Var[kk] = vv
	}
	if k != "" {
		cp.Var[k] = v
	}
	return cp
}

// SetPairs adds "K=V" entries to the globals; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	for _, kv := range pairs {
		if k, v, ok := split(kv); ok {
			e.Var[k] = v
		}
	}
}

// LoadFiles reads .env style files in order and adds their entries to the globals.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		pairs, err := LoadFile(p)
		if err != nil {
			return err
		}
		e.SetPairs(pairs)
	}
	return nil
}

// Merge composes the final environment applying order:
// OS env, then globals, then the per-process overrides.
// Values get a single pass of ${VAR} expansion against the composed map.
// The result is sorted by key.
func (e *Env) Merge(perProc map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range perProc {
		if k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

// LoadFile parses a simple .env file with KEY=VALUE lines. Blank lines and
// lines starting with # are ignored.
func LoadFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := split(line)
		if !ok {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
