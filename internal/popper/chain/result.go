package chain

import (
	"fmt"
	"sort"
	"time"
)

// ValidationError is a single structured, actionable finding.
// It is a value type; options apply only at construction.
type ValidationError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Field      string         `json:"field,omitempty"`
	Value      any            `json:"value,omitempty"`
	Validator  string         `json:"validator"`
	Severity   Severity       `json:"severity"`
	Suggestion string         `json:"suggestion,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ErrorOption customizes a ValidationError under construction
type ErrorOption func(*ValidationError)

// WithField sets the offending field path
func WithField(field string) ErrorOption {
	return func(e *ValidationError) { e.Field = field }
}

// WithValue attaches the offending value
func WithValue(v any) ErrorOption {
	return func(e *ValidationError) { e.Value = v }
}

// WithSeverity overrides the default MEDIUM severity
func WithSeverity(s Severity) ErrorOption {
	return func(e *ValidationError) { e.Severity = s }
}

// WithSuggestion adds a remediation hint
func WithSuggestion(s string) ErrorOption {
	return func(e *ValidationError) { e.Suggestion = s }
}

// WithErrorMetadata adds a metadata entry
func WithErrorMetadata(key string, value any) ErrorOption {
	return func(e *ValidationError) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// NewError creates a validation error with severity MEDIUM unless overridden
func NewError(code, message, validator string, opts ...ErrorOption) ValidationError {
	e := ValidationError{
		Code:      code,
		Message:   message,
		Validator: validator,
		Severity:  SeverityMedium,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Error implements the error interface
func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e ValidationError) clone() ValidationError {
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

// Metrics holds execution counters of a run
type Metrics struct {
	ValidatorsTotal    int           `json:"validators_total"`
	ValidatorsExecuted int           `json:"validators_executed"`
	ValidatorsSkipped  int           `json:"validators_skipped"`
	ValidatorsFailed   int           `json:"validators_failed"`
	ExecutionTime      time.Duration `json:"execution_time"`
	CacheHits          int           `json:"cache_hits"`
	CacheMisses        int           `json:"cache_misses"`
}

// SuccessRate returns the fraction of executed validators that passed
func (m Metrics) SuccessRate() float64 {
	if m.ValidatorsExecuted == 0 {
		return 0
	}
	return float64(m.ValidatorsExecuted-m.ValidatorsFailed) / float64(m.ValidatorsExecuted)
}

// CacheHitRate returns the fraction of cache lookups that hit
func (m Metrics) CacheHitRate() float64 {
	total := m.CacheHits + m.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(total)
}

// AverageExecutionTime returns the execution time per executed validator
func (m Metrics) AverageExecutionTime() time.Duration {
	if m.ValidatorsExecuted == 0 {
		return 0
	}
	return m.ExecutionTime / time.Duration(m.ValidatorsExecuted)
}

func (m *Metrics) add(o Metrics) {
	m.ValidatorsTotal += o.ValidatorsTotal
	m.ValidatorsExecuted += o.ValidatorsExecuted
	m.ValidatorsSkipped += o.ValidatorsSkipped
	m.ValidatorsFailed += o.ValidatorsFailed
	m.ExecutionTime += o.ExecutionTime
	m.CacheHits += o.CacheHits
	m.CacheMisses += o.CacheMisses
}

// StepRecord describes what happened to one validator during a run
type StepRecord struct {
	Name     string        `json:"name"`
	State    StepState     `json:"state"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached,omitempty"`
}

// Result is the outcome of one validator or of a whole chain.
// Status always equals the highest status implied by Errors and Warnings.
type Result struct {
	Status          Status            `json:"status"`
	Errors          []ValidationError `json:"errors"`
	Warnings        []ValidationError `json:"warnings"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Metrics         Metrics           `json:"metrics"`
	RequestID       string            `json:"request_id,omitempty"`
	ValidatorStatus map[string]Status `json:"validator_status,omitempty"`
	ExecutionPath   []string          `json:"execution_path"`

	completed bool
}

// NewResult creates an empty successful result
func NewResult() *Result {
	return &Result{
		Status:          StatusSuccess,
		Errors:          make([]ValidationError, 0),
		Warnings:        make([]ValidationError, 0),
		Metadata:        make(map[string]any),
		ValidatorStatus: make(map[string]Status),
		ExecutionPath:   make([]string, 0),
	}
}

// NewSkippedResult creates a result for which nothing ran
func NewSkippedResult() *Result {
	r := NewResult()
	r.Status = StatusSkipped
	return r
}

// Fail creates a result holding a single error
func Fail(e ValidationError) *Result {
	r := NewResult()
	r.AddError(e)
	return r
}

// ExecutionError converts an internal validator fault into a result
func ExecutionError(validator string, err error) *Result {
	return Fail(NewError(CodeValidatorExecutionError,
		fmt.Sprintf("validator %s failed: %v", validator, err),
		validator,
		WithSeverity(SeverityHigh)))
}

// AddError appends an error and raises the status accordingly
func (r *Result) AddError(e ValidationError) {
	if r.completed {
		return
	}
	r.Errors = append(r.Errors, e)
	r.Status = maxStatus(r.Status, e.Severity.status())
}

// AddWarning appends a warning and raises the status to at least WARNING
func (r *Result) AddWarning(e ValidationError) {
	if r.completed {
		return
	}
	r.Warnings = append(r.Warnings, e)
	r.Status = maxStatus(r.Status, StatusWarning)
}

// SetMetadata sets a metadata value
func (r *Result) SetMetadata(key string, value any) {
	if r.completed {
		return
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// IsValid reports whether the request may pass
func (r *Result) IsValid() bool {
	return r.Status.IsValid()
}

// HasErrors reports whether any error was recorded
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// HasWarnings reports whether any warning was recorded
func (r *Result) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// HasCode reports whether an error with the given code was recorded
func (r *Result) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// ErrorCodes returns the error codes in order
func (r *Result) ErrorCodes() []string {
	codes := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		codes[i] = e.Code
	}
	return codes
}

// Complete freezes the result. Later mutating calls are ignored.
func (r *Result) Complete() {
	r.completed = true
}

// IsComplete reports whether Complete was called
func (r *Result) IsComplete() bool {
	return r.completed
}

// Merge folds other into r and returns r. Lists are concatenated in order,
// metrics are summed and the status is the maximum of both.
func (r *Result) Merge(other *Result) *Result {
	if other == nil || r.completed {
		return r
	}

	r.Status = maxStatus(r.Status, other.Status)
	for _, e := range other.Errors {
		r.Errors = append(r.Errors, e.clone())
	}
	for _, w := range other.Warnings {
		r.Warnings = append(r.Warnings, w.clone())
	}
	if len(other.Metadata) > 0 && r.Metadata == nil {
		r.Metadata = make(map[string]any, len(other.Metadata))
	}
	for k, v := range other.Metadata {
		r.Metadata[k] = v
	}
	r.Metrics.add(other.Metrics)
	if r.RequestID == "" {
		r.RequestID = other.RequestID
	}
	if len(other.ValidatorStatus) > 0 && r.ValidatorStatus == nil {
		r.ValidatorStatus = make(map[string]Status, len(other.ValidatorStatus))
	}
	for name, s := range other.ValidatorStatus {
		r.ValidatorStatus[name] = maxStatus(r.ValidatorStatus[name], s)
	}
	r.ExecutionPath = append(r.ExecutionPath, other.ExecutionPath...)
	return r
}

// Merge combines results into a fresh result without modifying the inputs
func Merge(results ...*Result) *Result {
	out := NewSkippedResult()
	for _, r := range results {
		out.Merge(r)
	}
	return out
}

// Clone returns a deep copy. The copy is not frozen.
func (r *Result) Clone() *Result {
	c := &Result{
		Status:          r.Status,
		Errors:          make([]ValidationError, len(r.Errors)),
		Warnings:        make([]ValidationError, len(r.Warnings)),
		Metadata:        make(map[string]any, len(r.Metadata)),
		Metrics:         r.Metrics,
		RequestID:       r.RequestID,
		ValidatorStatus: make(map[string]Status, len(r.ValidatorStatus)),
		ExecutionPath:   make([]string, len(r.ExecutionPath)),
	}
	for i, e := range r.Errors {
		c.Errors[i] = e.clone()
	}
	for i, w := range r.Warnings {
		c.Warnings[i] = w.clone()
	}
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	for k, v := range r.ValidatorStatus {
		c.ValidatorStatus[k] = v
	}
	copy(c.ExecutionPath, r.ExecutionPath)
	return c
}

// recomputeStatus derives the status from the error and warning lists.
// base is the status to start from when both lists are empty.
func (r *Result) recomputeStatus(base Status) {
	s := base
	for _, e := range r.Errors {
		s = maxStatus(s, e.Severity.status())
	}
	if len(r.Warnings) > 0 {
		s = maxStatus(s, StatusWarning)
	}
	r.Status = s
}

// ErrorDetail is the outbound rendering of a ValidationError
type ErrorDetail struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Severity   string         `json:"severity"`
	Field      string         `json:"field,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Response is the transport-independent rendering of a Result
type Response struct {
	Success       bool          `json:"success"`
	Status        string        `json:"status"`
	Errors        []ErrorDetail `json:"errors"`
	Warnings      []ErrorDetail `json:"warnings"`
	ExecutionTime float64       `json:"execution_time"` // seconds
	RequestID     string        `json:"request_id,omitempty"`
}

// ToResponse renders the result for a host adapter
func (r *Result) ToResponse() Response {
	resp := Response{
		Success:       r.IsValid(),
		Status:        r.Status.String(),
		Errors:        make([]ErrorDetail, 0, len(r.Errors)),
		Warnings:      make([]ErrorDetail, 0, len(r.Warnings)),
		ExecutionTime: r.Metrics.ExecutionTime.Seconds(),
		RequestID:     r.RequestID,
	}
	for _, e := range r.Errors {
		resp.Errors = append(resp.Errors, detail(e))
	}
	for _, w := range r.Warnings {
		resp.Warnings = append(resp.Warnings, detail(w))
	}
	return resp
}

func detail(e ValidationError) ErrorDetail {
	return ErrorDetail{
		Code:       e.Code,
		Message:    e.Message,
		Severity:   e.Severity.String(),
		Field:      e.Field,
		Suggestion: e.Suggestion,
		Metadata:   e.Metadata,
	}
}

// Steps returns the step records attached by the executor, in run order
func (r *Result) Steps() []StepRecord {
	steps, _ := r.Metadata[MetaSteps].([]StepRecord)
	return steps
}

// FailedValidators returns the names of validators whose status is invalid, sorted
func (r *Result) FailedValidators() []string {
	var names []string
	for name, s := range r.ValidatorStatus {
		if !s.IsValid() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Metadata keys written by the executor
const (
	MetaSteps    = "steps"
	MetaMode     = "mode"
	MetaParallel = "parallel"
	MetaChain    = "chain"
)

// ChainName returns the name of the chain that produced the result
func (r *Result) ChainName() string {
	name, _ := r.Metadata[MetaChain].(string)
	return name
}
