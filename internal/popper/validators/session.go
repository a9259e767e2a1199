package validators

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/msto63/popper/internal/popper/chain"
)

// Session codes
const (
	CodeSessionMissing  = "SESSION_MISSING"
	CodeSessionInvalid  = "SESSION_INVALID"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
)

// SessionStore answers whether a session is still active
type SessionStore interface {
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// SessionConfig configures the session validator
type SessionConfig struct {
	Common
	Secret     string `json:"secret"`
	Issuer     string `json:"issuer"`
	Header     string `json:"header"`
	Optional   bool   `json:"optional"`
	CheckStore bool   `json:"check_store"`
}

// SessionValidator checks a bearer JWT (HS256) or a plain session id and
// optionally confirms it against a SessionStore. It is volatile.
type SessionValidator struct {
	Base
	cfg    SessionConfig
	secret []byte
	store  SessionStore
	parser *jwt.Parser
}

// NewSessionValidator creates a session validator. store may be nil.
func NewSessionValidator(name string, raw map[string]any, store SessionStore) (*SessionValidator, error) {
	cfg := SessionConfig{Header: "Authorization", CheckStore: true}
	if err := decode(name, raw, &cfg); err != nil {
		return nil, err
	}

	base, err := newBase(name, chain.PriorityHigh, false, cfg.Common, SessionConfig{
		Common: cfg.Common, Issuer: cfg.Issuer, Header: cfg.Header, Optional: cfg.Optional, CheckStore: cfg.CheckStore,
	})
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &SessionValidator{
		Base:   base,
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		store:  store,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Volatile returns true
func (v *SessionValidator) Volatile() bool { return true }

// CanCache returns false
func (v *SessionValidator) CanCache() bool { return false }

// CacheKey returns no key
func (v *SessionValidator) CacheKey(*chain.ValidationContext) (string, bool) { return "", false }

// Validate resolves the session id from the token or the context and checks it
func (v *SessionValidator) Validate(vctx *chain.ValidationContext) *chain.Result {
	result := chain.NewResult()

	sessionID := vctx.SessionID
	if token := bearer(vctx.Header(v.cfg.Header)); token != "" {
		if len(v.secret) == 0 {
			// opaque token
			sessionID = token
		} else {
			id, userID, code, err := v.parse(token)
			if err != nil {
				msg := "session token is invalid"
				if code == CodeSessionExpired {
					msg = "session token has expired"
				}
				result.AddError(v.newError(code, msg,
					chain.WithSeverity(chain.SeverityHigh),
					chain.WithField(v.cfg.Header),
					chain.WithSuggestion("sign in again"),
					chain.WithErrorMetadata("reason", err.Error())))
				return result
			}
			if id != "" {
				sessionID = id
			}
			if userID != "" {
				vctx.SetMetadata("user_id", userID)
			}
		}
	}

	if sessionID == "" {
		if v.cfg.Optional {
			return result
		}
		result.AddError(v.newError(CodeSessionMissing, "no session provided",
			chain.WithSeverity(chain.SeverityHigh),
			chain.WithSuggestion("send a bearer token or a session id")))
		return result
	}
	vctx.SetMetadata("session_id", sessionID)

	if v.store != nil && v.cfg.CheckStore {
		ok, err := v.store.Exists(vctx.Context(), sessionID)
		if err != nil {
			return chain.ExecutionError(v.Name(), fmt.Errorf("session lookup: %w", err))
		}
		if !ok {
			result.AddError(v.newError(CodeSessionNotFound, "session does not exist or was revoked",
				chain.WithSeverity(chain.SeverityHigh),
				chain.WithSuggestion("sign in again")))
		}
	}
	return result
}

// parse verifies the token and extracts the session and user id
func (v *SessionValidator) parse(raw string) (sessionID, userID, code string, err error) {
	token, err := v.parser.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", CodeSessionExpired, err
		}
		return "", "", CodeSessionInvalid, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", CodeSessionInvalid, errors.New("invalid token claims")
	}
	sub, _ := claims.GetSubject()
	sid, _ := claims["sid"].(string)
	if sid == "" {
		sid = sub
	}
	return sid, sub, "", nil
}

func bearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
