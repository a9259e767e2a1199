package validators

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/msto63/popper/internal/popper/chain"
)

// Format codes
const (
	CodeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	CodeInvalidFormat        = "INVALID_FORMAT"
	CodeInvalidContentType   = "INVALID_CONTENT_TYPE"
)

// FormatConfig configures the format validator.
// Fields maps a dotted path to go-playground/validator tags, e.g. "email" or "min=3,max=64".
type FormatConfig struct {
	Common
	Required      []string          `json:"required"`
	Fields        map[string]string `json:"fields"`
	ContentTypes  []string          `json:"content_types"`
	RequireObject bool              `json:"require_object"`
}

type fieldRule struct {
	path string
	tag  string
}

// FormatValidator checks required fields and per-field formats
type FormatValidator struct {
	Base
	cfg      FormatConfig
	rules    []fieldRule
	validate *validator.Validate
}

// NewFormatValidator creates a format validator. Unknown tags are rejected here
// because the tag engine panics on them at validation time.
func NewFormatValidator(name string, raw map[string]any) (*FormatValidator, error) {
	var cfg FormatConfig
	if err := decode(name, raw, &cfg); err != nil {
		return nil, err
	}

	base, err := newBase(name, chain.PriorityMedium, true, cfg.Common, cfg)
	if err != nil {
		return nil, err
	}

	if len(cfg.ContentTypes) > 0 {
		base = base.withKeyParts(func(vctx *chain.ValidationContext) []string {
			return []string{vctx.Header("content-type")}
		})
	}
	v := &FormatValidator{Base: base, cfg: cfg, validate: validator.New()}
	paths := make([]string, 0, len(cfg.Fields))
	for p := range cfg.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		tag := cfg.Fields[p]
		if err := v.checkTag(tag); err != nil {
			return nil, fmt.Errorf("%w: %s: field %s: %v", ErrInvalidConfig, name, p, err)
		}
		v.rules = append(v.rules, fieldRule{path: p, tag: tag})
	}
	return v, nil
}

func (v *FormatValidator) checkTag(tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid tag %q: %v", tag, r)
		}
	}()
	_ = v.validate.Var("probe", tag)
	return nil
}

// Validate checks content type, required fields and field formats
func (v *FormatValidator) Validate(vctx *chain.ValidationContext) *chain.Result {
	result := chain.NewResult()

	if len(v.cfg.ContentTypes) > 0 {
		ct := vctx.Header("content-type")
		if ct != "" && !matchesContentType(ct, v.cfg.ContentTypes) {
			result.AddError(v.newError(CodeInvalidContentType,
				fmt.Sprintf("content type %s is not accepted", ct),
				chain.WithValue(ct),
				chain.WithSuggestion("send one of "+strings.Join(v.cfg.ContentTypes, ", "))))
		}
	}

	payload := Normalize(vctx.Payload)
	if v.cfg.RequireObject || len(v.cfg.Required) > 0 {
		if _, ok := payload.(map[string]any); !ok {
			result.AddError(v.newError(CodeInvalidFormat,
				"payload must be a JSON object",
				chain.WithSuggestion("send a JSON object body")))
			return result
		}
	}

	for _, path := range v.cfg.Required {
		val, ok := Lookup(payload, path)
		if !ok || isEmpty(val) {
			result.AddError(v.newError(CodeMissingRequiredField,
				fmt.Sprintf("field %s is required", path),
				chain.WithField(path),
				chain.WithSuggestion("provide a value for "+path)))
		}
	}

	for _, rule := range v.rules {
		val, ok := Lookup(payload, rule.path)
		if !ok {
			continue
		}
		if err := v.validate.Var(val, rule.tag); err != nil {
			result.AddError(v.newError(CodeInvalidFormat,
				fmt.Sprintf("field %s does not satisfy %s", rule.path, describeFailure(err, rule.tag)),
				chain.WithField(rule.path),
				chain.WithErrorMetadata("rule", rule.tag)))
		}
	}

	return result
}

func describeFailure(err error, tag string) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fe.Tag() + "=" + fe.Param()
		}
		return fe.Tag()
	}
	return tag
}

func matchesContentType(ct string, accepted []string) bool {
	ct = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	for _, a := range accepted {
		if strings.EqualFold(ct, a) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
