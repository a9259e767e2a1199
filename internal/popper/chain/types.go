package chain

import (
	"fmt"
	"strings"
)

// Priority determines execution order. Lower values run first.
type Priority int

const (
	// PriorityCritical runs before everything else (security checks)
	PriorityCritical Priority = iota
	// PriorityHigh is used for cheap structural checks (size, method, rate limit)
	PriorityHigh
	// PriorityMedium is used for format checks
	PriorityMedium
	// PriorityLow is used for content heuristics
	PriorityLow
)

// String returns the string representation of Priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name as used in configuration files
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium", "normal":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("%w: priority %q", ErrUnknownValue, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is the verdict of a validation. Values are ordered by severity;
// StatusSkipped ranks lowest so it is the identity of Merge.
type Status int

const (
	StatusSkipped Status = iota
	StatusSuccess
	StatusWarning
	StatusError
	StatusCritical
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IsValid reports whether the status lets a request through
func (s Status) IsValid() bool {
	return s == StatusSuccess || s == StatusWarning || s == StatusSkipped
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	for v := StatusSkipped; v <= StatusCritical; v++ {
		if v.String() == strings.ToLower(string(text)) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("%w: status %q", ErrUnknownValue, text)
}

func maxStatus(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Severity classifies a single validation error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of Severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity name
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("%w: severity %q", ErrUnknownValue, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// status returns the result status an error of this severity implies
func (s Severity) status() Status {
	if s == SeverityCritical {
		return StatusCritical
	}
	return StatusError
}

// Mode controls how the executor reacts to invalid results
type Mode int

const (
	// ModeContinue runs every validator
	ModeContinue Mode = iota
	// ModeFailFast stops at the first invalid result
	ModeFailFast
	// ModeStrict runs every validator and treats warnings as errors
	ModeStrict
	// ModeLenient runs every validator and downgrades low severity errors to warnings
	ModeLenient
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModeContinue:
		return "continue"
	case ModeFailFast:
		return "fail_fast"
	case ModeStrict:
		return "strict"
	case ModeLenient:
		return "lenient"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name. Both "fail_fast" and "fail-fast" are accepted.
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "continue", "":
		return ModeContinue, nil
	case "fail_fast", "failfast":
		return ModeFailFast, nil
	case "strict":
		return ModeStrict, nil
	case "lenient":
		return ModeLenient, nil
	default:
		return 0, fmt.Errorf("%w: mode %q", ErrUnknownValue, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// StepState is the lifecycle state of a single validator within a run
type StepState int

const (
	StepPending StepState = iota
	StepSkipped
	StepRunning
	StepSucceeded
	StepFailed
)

// String returns the string representation of StepState
func (s StepState) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepSkipped:
		return "skipped"
	case StepRunning:
		return "running"
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s StepState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *StepState) UnmarshalText(text []byte) error {
	for v := StepPending; v <= StepFailed; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("%w: step state %q", ErrUnknownValue, text)
}

// Error codes produced by the executor itself
const (
	CodeValidatorExecutionError = "VALIDATOR_EXECUTION_ERROR"
	CodeValidationTimeout       = "VALIDATION_TIMEOUT"
	CodeValidationCancelled     = "VALIDATION_CANCELLED"
)

// ExecutorName is the validator name attached to errors raised by the executor
const ExecutorName = "executor"
