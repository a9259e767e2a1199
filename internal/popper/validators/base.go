package validators

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/pkg/core/cache"
)

// ErrInvalidConfig is returned by constructors for malformed config blobs
var ErrInvalidConfig = errors.New("invalid validator config")

// Common holds the settings every validator accepts
type Common struct {
	Type      string `json:"type"`
	Priority  string `json:"priority"`
	Cacheable *bool  `json:"cacheable"`
	Enabled   *bool  `json:"enabled"`
}

// Base implements the identity part of chain.Validator
type Base struct {
	name        string
	priority    chain.Priority
	cacheable   bool
	fingerprint string

	// keyParts adds the context fields beyond method, path and payload that
	// the validator reads
	keyParts func(vctx *chain.ValidationContext) []string
}

// NewBase creates a base. settings is fingerprinted into every cache key so a
// config change never reuses old results.
func NewBase(name string, priority chain.Priority, cacheable bool, settings any) Base {
	b, _ := json.Marshal(settings)
	return Base{
		name:        name,
		priority:    priority,
		cacheable:   cacheable,
		fingerprint: cache.Fingerprint(string(b)),
	}
}

// newBase applies the common overrides to the type defaults
func newBase(name string, def chain.Priority, cacheable bool, common Common, settings any) (Base, error) {
	prio := def
	if common.Priority != "" {
		p, err := chain.ParsePriority(common.Priority)
		if err != nil {
			return Base{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
		prio = p
	}
	if common.Cacheable != nil {
		cacheable = *common.Cacheable
	}
	return NewBase(name, prio, cacheable, settings), nil
}

// Name returns the validator name
func (b Base) Name() string { return b.name }

// Priority returns the validator priority
func (b Base) Priority() chain.Priority { return b.priority }

// CanCache reports whether results may be cached
func (b Base) CanCache() bool { return b.cacheable }

// CacheKey fingerprints name, config, method, path, payload and the extra
// fields declared with withKeyParts
func (b Base) CacheKey(vctx *chain.ValidationContext) (string, bool) {
	if !b.cacheable {
		return "", false
	}
	parts := []string{b.name, b.fingerprint, vctx.Method, vctx.Path, digest(vctx.Payload)}
	if b.keyParts != nil {
		parts = append(parts, b.keyParts(vctx)...)
	}
	return cache.Fingerprint(parts...), true
}

// withKeyParts declares additional context fields that decide the verdict
func (b Base) withKeyParts(fn func(vctx *chain.ValidationContext) []string) Base {
	b.keyParts = fn
	return b
}

func (b Base) newError(code, message string, opts ...chain.ErrorOption) chain.ValidationError {
	return chain.NewError(code, message, b.name, opts...)
}

// decode fills out from a config blob
func decode(name string, raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	return nil
}
