package validators

import (
	"errors"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/ratelimit"
	"github.com/msto63/popper/internal/popper/registry"
)

// Built-in type names
const (
	TypeSecurity  = "security"
	TypeSize      = "size"
	TypeMethod    = "method"
	TypeFormat    = "format"
	TypeContent   = "content"
	TypeRateLimit = "rate_limit"
	TypeSession   = "session"
)

// Dependencies are the shared collaborators of the built-in validators
type Dependencies struct {
	Limiter  *ratelimit.Limiter
	Sessions SessionStore
}

// Register adds all built-in validator types to reg
func Register(reg *registry.Registry, deps Dependencies) error {
	registrations := map[string]registry.Registration{
		TypeSecurity: {
			Constructor: func(name string, cfg map[string]any) (chain.Validator, error) {
				return NewSecurityValidator(name, cfg)
			},
			Description: "XSS, SQL injection, path traversal and command injection patterns",
		},
		TypeSize: {
			Constructor: func(name string, cfg map[string]any) (chain.Validator, error) {
				return NewSizeValidator(name, cfg)
			},
			Description: "payload size, field length, depth and item limits",
		},
		TypeMethod: {
			Constructor: func(name string, cfg map[string]any) (chain.Validator, error) {
				return NewMethodValidator(name, cfg)
			},
			Description: "allowed request methods",
		},
		TypeFormat: {
			Constructor: func(name string, cfg map[string]any) (chain.Validator, error) {
				return NewFormatValidator(name, cfg)
			},
			Description: "required fields and field format rules",
		},
		TypeContent: {
			Constructor: func(name string, cfg map[string]any) (chain.Validator, error) {
				return NewContentValidator(name, cfg)
			},
			Description: "blocked terms, length and repetition heuristics",
		},
		TypeRateLimit: {
			Constructor: func(name string, cfg map[string]any) (chain.Validator, error) {
				return NewRateLimitValidator(name, cfg, deps.Limiter)
			},
			// a dedicated limiter must survive chain rebuilds
			Singleton:   true,
			Description: "sliding-window rate limit per ip, user or session",
		},
		TypeSession: {
			Constructor: func(name string, cfg map[string]any) (chain.Validator, error) {
				return NewSessionValidator(name, cfg, deps.Sessions)
			},
			Description: "bearer token or session id check",
		},
	}

	var errs []error
	for _, typ := range []string{TypeSecurity, TypeSize, TypeMethod, TypeFormat, TypeContent, TypeRateLimit, TypeSession} {
		if err := reg.Register(typ, registrations[typ]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
