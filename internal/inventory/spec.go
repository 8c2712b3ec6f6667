package inventory

import "time"

// Mode is the scheduling mode of a ProcessSpec.
type Mode int

const (
	ModeContinuous Mode = iota // kept at DesiredCount by the reconcile loop
	ModeDaily                  // single launch at ScheduleTime
	ModePeriodic               // at most one instance, checked every IntervalMinutes
)

func (m Mode) String() string {
	switch m {
	case ModeDaily:
		return "daily"
	case ModePeriodic:
		return "periodic"
	default:
		return "continuous"
	}
}

const (
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 5
)

// ProcessSpec describes one supervised program.
type ProcessSpec struct {
	Name                 string            `json:"name"`
	ExecutablePath       string            `json:"path"`
	DesiredCount         int               `json:"count"`
	ScheduleTime         string            `json:"time,omitempty"`     // "HH:MM", local time
	IntervalMinutes      *int              `json:"interval,omitempty"` // wins over ScheduleTime
	Enabled              bool              `json:"enable"`
	Arguments            string            `json:"arguments,omitempty"`
	WorkingDirectory     string            `json:"workingDirectory,omitempty"`
	EnvironmentOverrides map[string]string `json:"environmentVariables,omitempty"`
	MaxRetries           int               `json:"maxRetries"`
	RetryDelaySeconds    int               `json:"retryDelaySeconds"`
}

// Mode selects the scheduling mode. An interval takes precedence over a time of day.
func (s ProcessSpec) Mode() Mode {
	if s.IntervalMinutes != nil {
		return ModePeriodic
	}
	if s.ScheduleTime != "" {
		return ModeDaily
	}
	return ModeContinuous
}

// Interval returns the period of a periodic spec, or zero.
func (s ProcessSpec) Interval() time.Duration {
	if s.IntervalMinutes == nil {
		return 0
	}
	return time.Duration(*s.IntervalMinutes) * time.Minute
}

// Inventory is an immutable snapshot of the process list. It is replaced as a
// whole on reload and must not be modified by consumers.
type Inventory struct {
	Processes    []ProcessSpec `json:"processes"`
	Version      string        `json:"version"`
	LastModified time.Time     `json:"lastModified"`
}

// Lookup returns the spec with the given name.
func (inv *Inventory) Lookup(name string) (ProcessSpec, bool) {
	if inv == nil {
		return ProcessSpec{}, false
	}
	for _, p := range inv.Processes {
		if p.Name == name {
			return p, true
		}
	}
	return ProcessSpec{}, false
}

// Enabled returns the enabled specs in file order.
func (inv *Inventory) Enabled() []ProcessSpec {
	if inv == nil {
		return nil
	}
	out := make([]ProcessSpec, 0, len(inv.Processes))
	for _, p := range inv.Processes {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
