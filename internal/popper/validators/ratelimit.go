package validators

import (
	"fmt"
	"math"
	"time"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/ratelimit"
)

// CodeRateLimitExceeded is reported when a window is exhausted
const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// Metadata keys set by the rate limit validator
const (
	MetaRetryAfter         = "retry_after"
	MetaRateLimitRemaining = "rate_limit_remaining"
)

// RateLimitConfig configures the rate limit validator. Any limit set here gives
// the validator its own limiter instead of the shared one.
type RateLimitConfig struct {
	Common
	KeyBy       string `json:"key_by"`
	Burst       *int   `json:"burst"`
	BurstWindow string `json:"burst_window"`
	PerMinute   *int   `json:"per_minute"`
	PerHour     *int   `json:"per_hour"`
}

func (c RateLimitConfig) overrides() bool {
	return c.Burst != nil || c.PerMinute != nil || c.PerHour != nil || c.BurstWindow != ""
}

// RateLimitValidator consults a sliding-window limiter. It is volatile and
// therefore never cached.
type RateLimitValidator struct {
	Base
	limiter *ratelimit.Limiter
	keyBy   string
}

// NewRateLimitValidator creates a rate limit validator using shared unless the
// config carries its own limits
func NewRateLimitValidator(name string, raw map[string]any, shared *ratelimit.Limiter) (*RateLimitValidator, error) {
	cfg := RateLimitConfig{KeyBy: "ip"}
	if err := decode(name, raw, &cfg); err != nil {
		return nil, err
	}
	switch cfg.KeyBy {
	case "ip", "user", "session":
	default:
		return nil, fmt.Errorf("%w: %s: key_by must be ip, user or session", ErrInvalidConfig, name)
	}

	base, err := newBase(name, chain.PriorityHigh, false, cfg.Common, cfg)
	if err != nil {
		return nil, err
	}

	limiter := shared
	if cfg.overrides() || limiter == nil {
		lc := ratelimit.DefaultConfig()
		if cfg.Burst != nil {
			lc.Burst = *cfg.Burst
		}
		if cfg.PerMinute != nil {
			lc.PerMinute = *cfg.PerMinute
		}
		if cfg.PerHour != nil {
			lc.PerHour = *cfg.PerHour
		}
		if cfg.BurstWindow != "" {
			d, err := time.ParseDuration(cfg.BurstWindow)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("%w: %s: burst_window %q", ErrInvalidConfig, name, cfg.BurstWindow)
			}
			lc.BurstWindow = d
		}
		limiter = ratelimit.New(lc)
	}

	return &RateLimitValidator{Base: base, limiter: limiter, keyBy: cfg.KeyBy}, nil
}

// Volatile returns true
func (v *RateLimitValidator) Volatile() bool { return true }

// CanCache returns false
func (v *RateLimitValidator) CanCache() bool { return false }

// CacheKey returns no key
func (v *RateLimitValidator) CacheKey(*chain.ValidationContext) (string, bool) { return "", false }

// Limiter returns the limiter in use
func (v *RateLimitValidator) Limiter() *ratelimit.Limiter { return v.limiter }

// Validate records the request against the identity selected by key_by
func (v *RateLimitValidator) Validate(vctx *chain.ValidationContext) *chain.Result {
	result := chain.NewResult()
	id := vctx.Identity(v.keyBy)

	d := v.limiter.Check(id)
	if d.Allowed {
		result.SetMetadata(MetaRateLimitRemaining, d.Remaining)
		return result
	}

	retry := RetryAfterSeconds(d.RetryAfter)
	result.AddError(v.newError(CodeRateLimitExceeded,
		fmt.Sprintf("%s rate limit of %d requests exceeded", d.LimitType, d.Limit),
		chain.WithSeverity(chain.SeverityHigh),
		chain.WithSuggestion(fmt.Sprintf("retry after %d seconds", retry)),
		chain.WithErrorMetadata(MetaRetryAfter, retry),
		chain.WithErrorMetadata("limit_type", string(d.LimitType)),
		chain.WithErrorMetadata("limit", d.Limit),
		chain.WithErrorMetadata("current", d.Current)))
	result.SetMetadata(MetaRetryAfter, retry)
	return result
}

// RetryAfterSeconds rounds a wait up to whole seconds, at least one
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
