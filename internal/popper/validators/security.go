package validators

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/msto63/popper/internal/popper/chain"
)

// Threat codes
const (
	CodeXSS              = "XSS_DETECTED"
	CodeSQLInjection     = "SQL_INJECTION_DETECTED"
	CodePathTraversal    = "PATH_TRAVERSAL_DETECTED"
	CodeCommandInjection = "COMMAND_INJECTION_DETECTED"
)

// Check categories
const (
	CheckXSS     = "xss"
	CheckSQL     = "sql"
	CheckPath    = "path"
	CheckCommand = "command"
)

type threatCategory struct {
	check      string
	code       string
	message    string
	suggestion string
	patterns   []*regexp.Regexp
}

// Illustrative, not exhaustive
var defaultCategories = []threatCategory{
	{
		check:      CheckXSS,
		code:       CodeXSS,
		message:    "potential cross-site scripting payload",
		suggestion: "remove HTML tags and script content",
		patterns: compileAll(
			`(?i)<\s*script\b`,
			`(?i)<\s*/\s*script\s*>`,
			`(?i)javascript\s*:`,
			`(?i)<[^>]+\bon[a-z]+\s*=`,
			`(?i)<\s*(iframe|object|embed)\b`,
			`(?i)<\s*(img|svg)\b[^>]*\b(src|href)\s*=\s*["']?\s*(javascript|data):`,
		),
	},
	{
		check:      CheckSQL,
		code:       CodeSQLInjection,
		message:    "potential SQL injection",
		suggestion: "do not embed SQL fragments in input",
		patterns: compileAll(
			`(?i)\bunion\b\s+(all\s+)?\bselect\b`,
			`(?i)'\s*(or|and)\s+'?[^']*'?\s*=\s*'?`,
			`(?i)\b(or|and)\s+\d+\s*=\s*\d+`,
			`(?i);\s*(drop|delete|truncate|alter|insert|update)\s+`,
			`(?i)\b(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`,
			`(?i)'\s*;\s*--`,
		),
	},
	{
		check:      CheckPath,
		code:       CodePathTraversal,
		message:    "path traversal sequence",
		suggestion: "use plain file names without parent directory references",
		patterns: compileAll(
			`\.\.[/\\]`,
			`(?i)(^|[/\\])\.\.$`,
			`(?i)/etc/(passwd|shadow|hosts)\b`,
			`(?i)[a-z]:\\windows\\`,
		),
	},
	{
		check:      CheckCommand,
		code:       CodeCommandInjection,
		message:    "potential shell command injection",
		suggestion: "remove shell metacharacters",
		patterns: compileAll(
			`(?i)[;&|]\s*(rm|cat|ls|wget|curl|bash|sh|nc|python|perl|chmod|chown)\b`,
			"\\$\\([^)]*\\)",
			"`[^`]+`",
		),
	},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// CustomPattern is a user supplied detection rule
type CustomPattern struct {
	Code    string `json:"code"`
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

// SecurityConfig configures the security validator
type SecurityConfig struct {
	Common
	Checks         []string        `json:"checks"`
	CustomPatterns []CustomPattern `json:"custom_patterns"`
	ScanKeys       bool            `json:"scan_keys"`
}

// SecurityValidator detects common injection payloads after Unicode and
// entity normalization
type SecurityValidator struct {
	Base
	categories []threatCategory
	scanKeys   bool
}

// NewSecurityValidator creates a security validator from a config blob
func NewSecurityValidator(name string, raw map[string]any) (*SecurityValidator, error) {
	var cfg SecurityConfig
	if err := decode(name, raw, &cfg); err != nil {
		return nil, err
	}

	base, err := newBase(name, chain.PriorityCritical, true, cfg.Common, cfg)
	if err != nil {
		return nil, err
	}

	enabled := make(map[string]bool)
	for _, c := range cfg.Checks {
		enabled[strings.ToLower(c)] = true
	}

	var categories []threatCategory
	for _, cat := range defaultCategories {
		if len(enabled) == 0 || enabled[cat.check] {
			categories = append(categories, cat)
		}
	}
	for _, cp := range cfg.CustomPatterns {
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: pattern %q: %v", ErrInvalidConfig, name, cp.Pattern, err)
		}
		code := cp.Code
		if code == "" {
			code = "CUSTOM_PATTERN_DETECTED"
		}
		msg := cp.Message
		if msg == "" {
			msg = "input matches a blocked pattern"
		}
		categories = append(categories, threatCategory{check: "custom", code: code, message: msg, patterns: []*regexp.Regexp{re}})
	}

	return &SecurityValidator{Base: base, categories: categories, scanKeys: cfg.ScanKeys}, nil
}

// Validate scans the request path and every string in the payload.
// Each category is reported at most once.
func (v *SecurityValidator) Validate(vctx *chain.ValidationContext) *chain.Result {
	result := chain.NewResult()

	fields := Strings(vctx.Payload)
	if v.scanKeys {
		Walk(Normalize(vctx.Payload), func(path string, node any, _ int) {
			if m, ok := node.(map[string]any); ok {
				for k := range m {
					fields = append(fields, Field{Path: joinPath(path, k), Value: k})
				}
			}
		})
	}
	if vctx.Path != "" {
		fields = append(fields, Field{Path: "$path", Value: vctx.Path})
	}

	for _, cat := range v.categories {
		if f, ok := firstMatch(cat.patterns, fields); ok {
			result.AddError(v.newError(cat.code, cat.message,
				chain.WithField(f.Path),
				chain.WithSeverity(chain.SeverityCritical),
				chain.WithSuggestion(cat.suggestion),
				chain.WithErrorMetadata("category", cat.check)))
		}
	}
	return result
}

func firstMatch(patterns []*regexp.Regexp, fields []Field) (Field, bool) {
	for _, f := range fields {
		for _, variant := range variants(f.Value) {
			for _, re := range patterns {
				if re.MatchString(variant) {
					return f, true
				}
			}
		}
	}
	return Field{}, false
}

// variants returns the normalized forms of s that are scanned
func variants(s string) []string {
	normalized := html.UnescapeString(norm.NFKC.String(s))
	out := []string{normalized}
	if strings.Contains(normalized, "%") {
		if decoded, err := url.PathUnescape(normalized); err == nil && decoded != normalized {
			out = append(out, html.UnescapeString(norm.NFKC.String(decoded)))
		}
	}
	return out
}
