package validators

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/msto63/popper/internal/popper/chain"
)

// Size codes
const (
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeFieldTooLong    = "FIELD_TOO_LONG"
	CodePayloadTooDeep  = "PAYLOAD_TOO_DEEP"
	CodeTooManyItems    = "TOO_MANY_ITEMS"
)

// SizeConfig configures the size validator. Zero disables a limit.
type SizeConfig struct {
	Common
	MaxBytes       int `json:"max_bytes"`
	MaxFieldLength int `json:"max_field_length"`
	MaxDepth       int `json:"max_depth"`
	MaxItems       int `json:"max_items"`
}

// DefaultSizeConfig returns default limits
func DefaultSizeConfig() SizeConfig {
	return SizeConfig{
		MaxBytes:       1 << 20,
		MaxFieldLength: 10000,
		MaxDepth:       32,
		MaxItems:       1000,
	}
}

// SizeValidator enforces structural limits on the payload
type SizeValidator struct {
	Base
	cfg SizeConfig
}

// NewSizeValidator creates a size validator from a config blob
func NewSizeValidator(name string, raw map[string]any) (*SizeValidator, error) {
	cfg := DefaultSizeConfig()
	if err := decode(name, raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxBytes < 0 || cfg.MaxFieldLength < 0 || cfg.MaxDepth < 0 || cfg.MaxItems < 0 {
		return nil, fmt.Errorf("%w: %s: limits must not be negative", ErrInvalidConfig, name)
	}

	base, err := newBase(name, chain.PriorityHigh, true, cfg.Common, cfg)
	if err != nil {
		return nil, err
	}
	v := &SizeValidator{cfg: cfg}
	v.Base = base.withKeyParts(func(vctx *chain.ValidationContext) []string {
		if cfg.MaxBytes <= 0 {
			return nil
		}
		return []string{strconv.FormatBool(v.size(vctx) > cfg.MaxBytes)}
	})
	return v, nil
}

// size is the declared request size, or the encoded payload size without one
func (v *SizeValidator) size(vctx *chain.ValidationContext) int {
	if vctx.Size > 0 {
		return int(vctx.Size)
	}
	return EncodedSize(vctx.Payload)
}

// Validate checks total size, field length, nesting depth and collection size
func (v *SizeValidator) Validate(vctx *chain.ValidationContext) *chain.Result {
	result := chain.NewResult()

	size := v.size(vctx)
	if v.cfg.MaxBytes > 0 && size > v.cfg.MaxBytes {
		result.AddError(v.newError(CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", size, v.cfg.MaxBytes),
			chain.WithSeverity(chain.SeverityHigh),
			chain.WithValue(size),
			chain.WithSuggestion("reduce the request size"),
			chain.WithErrorMetadata("limit", v.cfg.MaxBytes)))
		// the structure of an oversized payload is not inspected
		return result
	}

	if v.cfg.MaxFieldLength > 0 {
		for _, f := range Strings(vctx.Payload) {
			if n := utf8.RuneCountInString(f.Value); n > v.cfg.MaxFieldLength {
				result.AddError(v.newError(CodeFieldTooLong,
					fmt.Sprintf("field is %d characters, limit is %d", n, v.cfg.MaxFieldLength),
					chain.WithField(f.Path),
					chain.WithValue(n),
					chain.WithSuggestion("shorten the field"),
					chain.WithErrorMetadata("limit", v.cfg.MaxFieldLength)))
				break
			}
		}
	}

	if v.cfg.MaxDepth > 0 {
		if d := Depth(vctx.Payload); d > v.cfg.MaxDepth {
			result.AddError(v.newError(CodePayloadTooDeep,
				fmt.Sprintf("payload nesting depth is %d, limit is %d", d, v.cfg.MaxDepth),
				chain.WithSeverity(chain.SeverityHigh),
				chain.WithValue(d),
				chain.WithErrorMetadata("limit", v.cfg.MaxDepth)))
		}
	}

	if v.cfg.MaxItems > 0 {
		if path, n := LargestCollection(vctx.Payload); n > v.cfg.MaxItems {
			result.AddError(v.newError(CodeTooManyItems,
				fmt.Sprintf("collection has %d items, limit is %d", n, v.cfg.MaxItems),
				chain.WithField(path),
				chain.WithValue(n),
				chain.WithErrorMetadata("limit", v.cfg.MaxItems)))
		}
	}

	return result
}
