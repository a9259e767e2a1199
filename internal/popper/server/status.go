package server

import (
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/validators"
)

var (
	securityCodes = codeSet(validators.CodeXSS, validators.CodeSQLInjection, validators.CodePathTraversal, validators.CodeCommandInjection)
	sizeCodes     = codeSet(validators.CodePayloadTooLarge, validators.CodeFieldTooLong, validators.CodePayloadTooDeep, validators.CodeTooManyItems)
	sessionCodes  = codeSet(validators.CodeSessionMissing, validators.CodeSessionInvalid, validators.CodeSessionExpired, validators.CodeSessionNotFound)
	formatCodes   = codeSet(validators.CodeMissingRequiredField, validators.CodeInvalidFormat, validators.CodeInvalidContentType)
)

func codeSet(codes ...string) map[string]bool {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

func hasAny(res *chain.Result, set map[string]bool) bool {
	for _, e := range res.Errors {
		if set[e.Code] {
			return true
		}
	}
	return false
}

// HTTPStatus maps a result to a response status. A run that timed out is
// 504 and one cancelled is 503; otherwise checks run from the most severe
// class down: critical or security 403, size 413, rate limit 429, session
// 401, method 405, format 422, anything else 400.
func HTTPStatus(res *chain.Result) int {
	switch {
	case res == nil || res.IsValid():
		return http.StatusOK
	case res.HasCode(chain.CodeValidationTimeout):
		return http.StatusGatewayTimeout
	case res.HasCode(chain.CodeValidationCancelled):
		return http.StatusServiceUnavailable
	case res.Status == chain.StatusCritical || hasAny(res, securityCodes):
		return http.StatusForbidden
	case hasAny(res, sizeCodes):
		return http.StatusRequestEntityTooLarge
	case res.HasCode(validators.CodeRateLimitExceeded):
		return http.StatusTooManyRequests
	case hasAny(res, sessionCodes):
		return http.StatusUnauthorized
	case res.HasCode(validators.CodeMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case hasAny(res, formatCodes):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// GRPCCode maps a result to a gRPC status code
func GRPCCode(res *chain.Result) codes.Code {
	switch HTTPStatus(res) {
	case http.StatusOK:
		return codes.OK
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusServiceUnavailable:
		return codes.Canceled
	default:
		return codes.InvalidArgument
	}
}

// RetryAfter returns the longest wait in seconds requested by a rate limit
// error
func RetryAfter(res *chain.Result) (int, bool) {
	if res == nil {
		return 0, false
	}
	longest, found := 0, false
	for _, e := range res.Errors {
		if e.Code != validators.CodeRateLimitExceeded {
			continue
		}
		var secs int
		switch v := e.Metadata[validators.MetaRetryAfter].(type) {
		case int:
			secs = v
		case int64:
			secs = int(v)
		case float64:
			secs = int(v)
		default:
			continue
		}
		if !found || secs > longest {
			longest, found = secs, true
		}
	}
	return longest, found
}
