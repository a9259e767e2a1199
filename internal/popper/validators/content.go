package validators

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/msto63/popper/internal/popper/chain"
)

// Content codes
const (
	CodeContentBlocked      = "CONTENT_BLOCKED"
	CodeEmptyContent        = "EMPTY_CONTENT"
	CodeExcessiveRepetition = "EXCESSIVE_REPETITION"
	CodeContentTooShort     = "CONTENT_TOO_SHORT"
	CodeContentTooLong      = "CONTENT_TOO_LONG"
)

// ContentConfig configures the content validator
type ContentConfig struct {
	Common
	Fields        []string `json:"fields"`
	BlockedTerms  []string `json:"blocked_terms"`
	MinLength     int      `json:"min_length"`
	MaxLength     int      `json:"max_length"`
	MaxRepetition float64  `json:"max_repetition"`
	MaxCharRun    int      `json:"max_char_run"`
	MinWords      int      `json:"min_words"`
}

// ContentValidator applies text heuristics to user content
type ContentValidator struct {
	Base
	cfg     ContentConfig
	blocked []string
}

// NewContentValidator creates a content validator
func NewContentValidator(name string, raw map[string]any) (*ContentValidator, error) {
	cfg := ContentConfig{MaxRepetition: 0.5, MaxCharRun: 50, MinWords: 10}
	if err := decode(name, raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxLength > 0 && cfg.MinLength > cfg.MaxLength {
		return nil, fmt.Errorf("%w: %s: min_length exceeds max_length", ErrInvalidConfig, name)
	}
	if cfg.MaxRepetition < 0 || cfg.MaxRepetition > 1 {
		return nil, fmt.Errorf("%w: %s: max_repetition must be within [0,1]", ErrInvalidConfig, name)
	}

	base, err := newBase(name, chain.PriorityLow, true, cfg.Common, cfg)
	if err != nil {
		return nil, err
	}

	v := &ContentValidator{Base: base, cfg: cfg}
	for _, term := range cfg.BlockedTerms {
		if t := v.normalize(term); t != "" {
			v.blocked = append(v.blocked, t)
		}
	}
	return v, nil
}

func (v *ContentValidator) normalize(s string) string {
	return strings.TrimSpace(fold(norm.NFKC.String(s)))
}

// fold lowercases for caseless matching. A Caser is stateful, so one is made per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// text collects the content fields, or every string when none are configured
func (v *ContentValidator) text(payload any) []Field {
	if len(v.cfg.Fields) == 0 {
		return Strings(payload)
	}
	var out []Field
	for _, path := range v.cfg.Fields {
		if val, ok := Lookup(payload, path); ok {
			if s, ok := val.(string); ok {
				out = append(out, Field{Path: path, Value: s})
			}
		}
	}
	return out
}

// Validate checks emptiness, length, blocked terms and repetition
func (v *ContentValidator) Validate(vctx *chain.ValidationContext) *chain.Result {
	result := chain.NewResult()

	fields := v.text(vctx.Payload)
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(f.Value)
	}
	text := strings.TrimSpace(sb.String())

	if text == "" {
		result.AddWarning(v.newError(CodeEmptyContent, "request contains no text content",
			chain.WithSeverity(chain.SeverityLow)))
		return result
	}

	length := utf8.RuneCountInString(text)
	if v.cfg.MinLength > 0 && length < v.cfg.MinLength {
		result.AddError(v.newError(CodeContentTooShort,
			fmt.Sprintf("content is %d characters, minimum is %d", length, v.cfg.MinLength),
			chain.WithSeverity(chain.SeverityLow),
			chain.WithValue(length)))
	}
	if v.cfg.MaxLength > 0 && length > v.cfg.MaxLength {
		result.AddError(v.newError(CodeContentTooLong,
			fmt.Sprintf("content is %d characters, maximum is %d", length, v.cfg.MaxLength),
			chain.WithSeverity(chain.SeverityLow),
			chain.WithValue(length)))
	}

	for _, f := range fields {
		folded := v.normalize(f.Value)
		for _, term := range v.blocked {
			if strings.Contains(folded, term) {
				result.AddError(v.newError(CodeContentBlocked,
					"content contains a blocked term",
					chain.WithField(f.Path),
					chain.WithSeverity(chain.SeverityHigh),
					chain.WithSuggestion("rephrase the request")))
				return result
			}
		}
	}

	if msg, ok := v.repetition(text); ok {
		result.AddWarning(v.newError(CodeExcessiveRepetition, msg,
			chain.WithSeverity(chain.SeverityLow)))
	}
	return result
}

// repetition detects long runs of a single character or a dominating word
func (v *ContentValidator) repetition(text string) (string, bool) {
	if v.cfg.MaxCharRun > 0 {
		run, prev := 0, rune(-1)
		for _, r := range text {
			if r == prev && !unicode.IsSpace(r) {
				run++
			} else {
				run, prev = 1, r
			}
			if run > v.cfg.MaxCharRun {
				return fmt.Sprintf("character %q repeated more than %d times", r, v.cfg.MaxCharRun), true
			}
		}
	}

	if v.cfg.MaxRepetition > 0 {
		words := strings.Fields(fold(text))
		if len(words) >= v.cfg.MinWords && len(words) > 0 {
			counts := make(map[string]int, len(words))
			top, topWord := 0, ""
			for _, w := range words {
				counts[w]++
				if counts[w] > top {
					top, topWord = counts[w], w
				}
			}
			if ratio := float64(top) / float64(len(words)); ratio > v.cfg.MaxRepetition {
				return fmt.Sprintf("word %q makes up %.0f%% of the content", topWord, ratio*100), true
			}
		}
	}
	return "", false
}
