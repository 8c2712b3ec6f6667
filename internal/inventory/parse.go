package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/tailscale/hujson"
)

// fileSpec mirrors ProcessSpec with pointers where absence must be detected.
type fileSpec struct {
	Name                 string            `json:"name"`
	Path                 string            `json:"path"`
	Count                int               `json:"count"`
	Time                 string            `json:"time"`
	Interval             *int              `json:"interval"`
	Enable               bool              `json:"enable"`
	Arguments            string            `json:"arguments"`
	WorkingDirectory     string            `json:"workingDirectory"`
	EnvironmentVariables map[string]string `json:"environmentVariables"`
	MaxRetries           *int              `json:"maxRetries"`
	RetryDelaySeconds    *int              `json:"retryDelaySeconds"`
}

type fileInventory struct {
	Processes    *[]fileSpec `json:"processes"`
	Version      string      `json:"version"`
	LastModified string      `json:"lastModified"`
}

var errNoProcesses = errors.New("missing processes list")

// Parse decodes an inventory document. Comments and trailing commas are
// accepted, unknown fields ignored and keys matched case-insensitively.
func Parse(data []byte) (*Inventory, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(std, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var fi fileInventory
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &fi,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if fi.Processes == nil {
		return nil, errNoProcesses
	}

	inv := &Inventory{
		Processes: make([]ProcessSpec, 0, len(*fi.Processes)),
		Version:   fi.Version,
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(fi.LastModified)); err == nil {
		inv.LastModified = ts
	}
	for _, f := range *fi.Processes {
		inv.Processes = append(inv.Processes, f.toSpec())
	}
	return inv, nil
}

func (f fileSpec) toSpec() ProcessSpec {
	s := ProcessSpec{
		Name:                 strings.TrimSpace(f.Name),
		ExecutablePath:       f.Path,
		DesiredCount:         f.Count,
		ScheduleTime:         strings.TrimSpace(f.Time),
		IntervalMinutes:      f.Interval,
		Enabled:              f.Enable,
		Arguments:            f.Arguments,
		WorkingDirectory:     f.WorkingDirectory,
		EnvironmentOverrides: f.EnvironmentVariables,
		MaxRetries:           DefaultMaxRetries,
		RetryDelaySeconds:    DefaultRetryDelaySeconds,
	}
	if f.MaxRetries != nil {
		s.MaxRetries = *f.MaxRetries
	}
	if f.RetryDelaySeconds != nil {
		s.RetryDelaySeconds = *f.RetryDelaySeconds
	}
	return s
}

// Load reads and parses the inventory at path. LastModified is taken from the
// file's modification time.
func Load(path string) (*Inventory, error) {
	clean := filepath.Clean(path)
	st, err := os.Stat(clean)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	inv, err := Parse(b)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	inv.LastModified = st.ModTime().UTC()
	return inv, nil
}
