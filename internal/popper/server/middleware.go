package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/service"
	"github.com/msto63/popper/internal/popper/validators"
	"github.com/msto63/popper/pkg/core/logging"
)

// Request headers read by the adapters
const (
	HeaderRequestID        = "X-Request-ID"
	HeaderUserID           = "X-User-ID"
	HeaderSessionID        = "X-Session-ID"
	HeaderValidationStatus = "X-Validation-Status"
	SessionCookie          = "session_id"
)

// Validator is the part of the service used by the adapters
type Validator interface {
	Validate(ctx context.Context, req service.Request) (*chain.Result, error)
}

// Middleware validates each request before next sees it. Requests whose path
// has no configured chain pass through untouched. Blocked requests get the
// JSON rendering of the result and the mapped status. Forwarding headers
// name the client only when the peer is one of proxies.
func Middleware(v Validator, maxBody int64, proxies *TrustedProxies, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := readBody(r, maxBody)
			if err != nil {
				if errors.Is(err, errBodyTooLarge) {
					writeResult(w, tooLarge(maxBody))
					return
				}
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body", err.Error())
				return
			}

			res, err := v.Validate(r.Context(), requestFrom(r, body, proxies))
			switch {
			case errors.Is(err, service.ErrNoChain):
				next.ServeHTTP(w, r)
				return
			case errors.Is(err, service.ErrClosed):
				writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "validation service is shutting down", "")
				return
			case err != nil:
				logger.Error("Validation failed to run", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusInternalServerError, "INTERNAL", "validation failed to run", "")
				return
			}

			w.Header().Set(HeaderRequestID, res.RequestID)
			if !res.IsValid() {
				writeResult(w, res)
				return
			}

			w.Header().Set(HeaderValidationStatus, res.Status.String())
			next.ServeHTTP(w, r)
		})
	}
}

var errBodyTooLarge = errors.New("request body too large")

// readBody reads up to maxBody bytes and puts an equivalent body back on r
func readBody(r *http.Request, maxBody int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	return body, nil
}

func tooLarge(maxBody int64) *chain.Result {
	res := chain.Fail(chain.NewError(validators.CodePayloadTooLarge,
		fmt.Sprintf("request body exceeds %d bytes", maxBody), "server",
		chain.WithSeverity(chain.SeverityHigh),
		chain.WithErrorMetadata("max_bytes", maxBody)))
	res.Complete()
	return res
}

// requestFrom describes an HTTP request for the service
func requestFrom(r *http.Request, body []byte, proxies *TrustedProxies) service.Request {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			sessionID = c.Value
		}
	}

	return service.Request{
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		Payload:   decodePayload(body, r.Header.Get("Content-Type")),
		Size:      int64(len(body)),
		Headers:   headers,
		RequestID: r.Header.Get(HeaderRequestID),
		ClientIP:  proxies.ClientIP(r),
		UserID:    r.Header.Get(HeaderUserID),
		SessionID: sessionID,
	}
}

// decodePayload decodes JSON bodies and falls back to the raw text
func decodePayload(body []byte, contentType string) any {
	if len(body) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(contentType, "json") || (len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')) {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// writeResult renders a blocked result with its mapped status
func writeResult(w http.ResponseWriter, res *chain.Result) {
	if secs, ok := RetryAfter(res); ok {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, HTTPStatus(res), res.ToResponse())
}

// ErrorResponse is the body of non-validation failures
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
