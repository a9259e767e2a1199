package validators

import (
	"fmt"
	"strings"

	"github.com/msto63/popper/internal/popper/chain"
)

// CodeMethodNotAllowed is reported for methods outside the allowed set
const CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"

// MethodConfig configures the method validator
type MethodConfig struct {
	Common
	Allowed []string `json:"allowed"`
}

// MethodValidator restricts request methods
type MethodValidator struct {
	Base
	allowed map[string]bool
	list    []string
}

// NewMethodValidator creates a method validator
func NewMethodValidator(name string, raw map[string]any) (*MethodValidator, error) {
	cfg := MethodConfig{Allowed: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}}
	if err := decode(name, raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Allowed) == 0 {
		return nil, fmt.Errorf("%w: %s: allowed must list at least one method", ErrInvalidConfig, name)
	}

	base, err := newBase(name, chain.PriorityHigh, true, cfg.Common, cfg)
	if err != nil {
		return nil, err
	}

	v := &MethodValidator{Base: base, allowed: make(map[string]bool)}
	for _, m := range cfg.Allowed {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !v.allowed[m] {
			v.allowed[m] = true
			v.list = append(v.list, m)
		}
	}
	return v, nil
}

// Validate passes requests without a method, e.g. non-HTTP callers
func (v *MethodValidator) Validate(vctx *chain.ValidationContext) *chain.Result {
	result := chain.NewResult()
	method := strings.ToUpper(vctx.Method)
	if method == "" || v.allowed[method] {
		return result
	}

	result.AddError(v.newError(CodeMethodNotAllowed,
		fmt.Sprintf("method %s is not allowed", method),
		chain.WithValue(method),
		chain.WithSuggestion("use one of "+strings.Join(v.list, ", ")),
		chain.WithErrorMetadata("allowed", v.list)))
	return result
}
