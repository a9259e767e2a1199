package chain

// Validator is a named unit of work producing a Result from a ValidationContext.
// Validate must not mutate the context except through SetMetadata and must turn
// internal failures into a result carrying VALIDATOR_EXECUTION_ERROR.
type Validator interface {
	// Name returns the unique validator name
	Name() string

	// Priority determines execution order (lower = earlier)
	Priority() Priority

	// CanCache reports whether results may be memoized
	CanCache() bool

	// CacheKey returns the cache key for this context, false means never cached
	CacheKey(vctx *ValidationContext) (string, bool)

	// Validate checks the request
	Validate(vctx *ValidationContext) *Result
}

// Volatile is implemented by validators whose verdict depends on state outside
// the request (rate limits, session lookups). Volatile validators are never cached.
type Volatile interface {
	Volatile() bool
}

// IsVolatile reports whether v declares itself volatile
func IsVolatile(v Validator) bool {
	vol, ok := v.(Volatile)
	return ok && vol.Volatile()
}

// Cacheable reports whether the executor may cache results of v
func Cacheable(v Validator) bool {
	return v.CanCache() && !IsVolatile(v)
}

// ValidatorInfo describes a validator
type ValidatorInfo struct {
	Name      string   `json:"name"`
	Priority  Priority `json:"priority"`
	Cacheable bool     `json:"cacheable"`
}

// Describe returns information about v
func Describe(v Validator) ValidatorInfo {
	return ValidatorInfo{
		Name:      v.Name(),
		Priority:  v.Priority(),
		Cacheable: Cacheable(v),
	}
}

// FuncValidator adapts a function to the Validator interface. It is never cached.
type FuncValidator struct {
	name     string
	priority Priority
	fn       func(*ValidationContext) *Result
}

// NewFunc creates an ad-hoc validator
func NewFunc(name string, priority Priority, fn func(*ValidationContext) *Result) *FuncValidator {
	return &FuncValidator{name: name, priority: priority, fn: fn}
}

// Name returns the validator name
func (f *FuncValidator) Name() string { return f.name }

// Priority returns the validator priority
func (f *FuncValidator) Priority() Priority { return f.priority }

// CanCache returns false
func (f *FuncValidator) CanCache() bool { return false }

// CacheKey returns no key
func (f *FuncValidator) CacheKey(*ValidationContext) (string, bool) { return "", false }

// Validate calls the wrapped function
func (f *FuncValidator) Validate(vctx *ValidationContext) *Result {
	if f.fn == nil {
		return NewResult()
	}
	return f.fn(vctx)
}
