package chain

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ValidationContext carries everything validators need for a single request.
// It is created once per request and never shared between requests.
type ValidationContext struct {
	// Go context for cancellation and timeouts
	ctx context.Context

	// Request content, opaque to the executor
	Payload any

	// Request description
	Method  string
	Path    string
	Size    int64
	Headers map[string]string

	// Request identification
	RequestID string
	ClientIP  string
	UserID    string
	SessionID string

	// Execution control
	Mode              Mode
	SkipValidators    map[string]struct{}
	EnabledValidators map[string]struct{}
	CacheEnabled      bool
	CacheTTL          time.Duration

	StartTime time.Time

	mu            sync.RWMutex
	executionPath []string
	metadata      map[string]any
}

// ContextOption configures a ValidationContext
type ContextOption func(*ValidationContext)

// WithMethod sets the request method
func WithMethod(method string) ContextOption {
	return func(c *ValidationContext) { c.Method = strings.ToUpper(method) }
}

// WithPath sets the request path
func WithPath(path string) ContextOption {
	return func(c *ValidationContext) { c.Path = path }
}

// WithSize sets the raw request size in bytes
func WithSize(size int64) ContextOption {
	return func(c *ValidationContext) { c.Size = size }
}

// WithHeaders sets request headers. Names are matched case-insensitively.
func WithHeaders(headers map[string]string) ContextOption {
	return func(c *ValidationContext) {
		for k, v := range headers {
			c.Headers[strings.ToLower(k)] = v
		}
	}
}

// WithRequestID sets the request id. An empty id keeps the generated one.
func WithRequestID(id string) ContextOption {
	return func(c *ValidationContext) {
		if id != "" {
			c.RequestID = id
		}
	}
}

// WithClientIP sets the client address used for rate limiting
func WithClientIP(ip string) ContextOption {
	return func(c *ValidationContext) { c.ClientIP = ip }
}

// WithUserID sets the authenticated user id
func WithUserID(id string) ContextOption {
	return func(c *ValidationContext) { c.UserID = id }
}

// WithSessionID sets the session id
func WithSessionID(id string) ContextOption {
	return func(c *ValidationContext) { c.SessionID = id }
}

// WithMode sets the execution mode used by RunParallel
func WithMode(m Mode) ContextOption {
	return func(c *ValidationContext) { c.Mode = m }
}

// WithSkip marks validators that must not run
func WithSkip(names ...string) ContextOption {
	return func(c *ValidationContext) {
		for _, n := range names {
			c.SkipValidators[n] = struct{}{}
		}
	}
}

// WithEnabled restricts the run to the named validators
func WithEnabled(names ...string) ContextOption {
	return func(c *ValidationContext) {
		for _, n := range names {
			c.EnabledValidators[n] = struct{}{}
		}
	}
}

// WithCache enables or disables result caching for this request.
// A zero ttl uses the cache default.
func WithCache(enabled bool, ttl time.Duration) ContextOption {
	return func(c *ValidationContext) {
		c.CacheEnabled = enabled
		c.CacheTTL = ttl
	}
}

// NewValidationContext creates a context for one request. Caching is enabled by default.
func NewValidationContext(ctx context.Context, payload any, opts ...ContextOption) *ValidationContext {
	if ctx == nil {
		ctx = context.Background()
	}

	c := &ValidationContext{
		ctx:               ctx,
		Payload:           payload,
		Headers:           make(map[string]string),
		RequestID:         uuid.New().String(),
		SkipValidators:    make(map[string]struct{}),
		EnabledValidators: make(map[string]struct{}),
		CacheEnabled:      true,
		StartTime:         time.Now(),
		executionPath:     make([]string, 0),
		metadata:          make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Context returns the Go context
func (c *ValidationContext) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// swapContext replaces the Go context and returns a function restoring the previous one
func (c *ValidationContext) swapContext(ctx context.Context) func() {
	c.mu.Lock()
	prev := c.ctx
	c.ctx = ctx
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.ctx = prev
		c.mu.Unlock()
	}
}

// Header returns a request header by case-insensitive name
func (c *ValidationContext) Header(name string) string {
	return c.Headers[strings.ToLower(name)]
}

// ShouldSkip reports whether the named validator must not run
func (c *ValidationContext) ShouldSkip(name string) bool {
	if _, skip := c.SkipValidators[name]; skip {
		return true
	}
	if len(c.EnabledValidators) > 0 {
		_, enabled := c.EnabledValidators[name]
		return !enabled
	}
	return false
}

// AppendPath records that a validator ran. Only the executor calls it.
func (c *ValidationContext) AppendPath(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executionPath = append(c.executionPath, name)
}

// ExecutionPath returns a copy of the validator names in run order
func (c *ValidationContext) ExecutionPath() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path := make([]string, len(c.executionPath))
	copy(path, c.executionPath)
	return path
}

// SetMetadata sets a metadata value (thread-safe)
func (c *ValidationContext) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// GetMetadata gets a metadata value (thread-safe)
func (c *ValidationContext) GetMetadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.metadata[key]
	return val, ok
}

// Metadata returns a copy of all metadata
func (c *ValidationContext) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// Identity returns the identifier used to key per-client state.
// keyBy is "ip", "user" or "session"; missing identifiers fall back to the client IP.
func (c *ValidationContext) Identity(keyBy string) string {
	switch keyBy {
	case "user":
		if c.UserID != "" {
			return "user:" + c.UserID
		}
	case "session":
		if c.SessionID != "" {
			return "session:" + c.SessionID
		}
	}
	if c.ClientIP == "" {
		return "ip:unknown"
	}
	return "ip:" + c.ClientIP
}

// Duration returns the time since the context was created
func (c *ValidationContext) Duration() time.Duration {
	return time.Since(c.StartTime)
}
