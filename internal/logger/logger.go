package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Rotation follows lumberjack semantics. Zero values fall back to the defaults above.
type Rotation struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

func (r Rotation) writer(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(r.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(r.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(r.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   r.Compress,
	}
}

// Config describes the daemon's own log output.
// Format is one of "text", "json" or "color"; File, when set, receives a rotated copy.
type Config struct {
	Level    string   `mapstructure:"level"`
	Format   string   `mapstructure:"format"`
	File     string   `mapstructure:"file"`
	Rotation Rotation `mapstructure:",squash"`
}

// OutputConfig describes where stdout/stderr of launched processes go.
// If StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type OutputConfig struct {
	Dir        string   `mapstructure:"dir"`
	StdoutPath string   `mapstructure:"stdout"`
	StderrPath string   `mapstructure:"stderr"`
	Rotation   Rotation `mapstructure:",squash"`
}

// Enabled reports whether any destination is configured.
func (c OutputConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Writers returns rotating writers for the stdout and stderr of the named process.
// Either may be nil when no destination is configured for that stream.
func (c OutputConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		if stdout == "" {
			stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
		}
		if stderr == "" {
			stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.Rotation.writer(stdout)
	}
	if stderr != "" {
		errW = c.Rotation.writer(stderr)
	}
	return outW, errW, nil
}

// New builds the daemon logger. The returned closer releases the log file, if any.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f := cfg.Rotation.writer(cfg.File)
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		// colour codes only make sense on the terminal copy
		if cfg.File != "" {
			h = slog.NewTextHandler(w, opts)
		} else {
			h = NewColorTextHandler(w, opts)
		}
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// ParseLevel maps a level name to slog.Level; unknown names yield Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything; handy for tests and optional wiring.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
