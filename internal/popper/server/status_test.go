package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/validators"
)

func failed(code string, opts ...chain.ErrorOption) *chain.Result {
	return chain.Fail(chain.NewError(code, "rejected", "test", opts...))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		res  *chain.Result
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"valid", chain.NewResult(), http.StatusOK},
		{"security", failed(validators.CodeXSS), http.StatusForbidden},
		{"critical", failed("CUSTOM", chain.WithSeverity(chain.SeverityCritical)), http.StatusForbidden},
		{"size", failed(validators.CodePayloadTooLarge), http.StatusRequestEntityTooLarge},
		{"rate", failed(validators.CodeRateLimitExceeded), http.StatusTooManyRequests},
		{"session", failed(validators.CodeSessionExpired), http.StatusUnauthorized},
		{"method", failed(validators.CodeMethodNotAllowed), http.StatusMethodNotAllowed},
		{"format", failed(validators.CodeMissingRequiredField), http.StatusUnprocessableEntity},
		{"other", failed(validators.CodeContentBlocked), http.StatusBadRequest},
		{"timeout", failed(chain.CodeValidationTimeout, chain.WithSeverity(chain.SeverityHigh)), http.StatusGatewayTimeout},
		{"cancelled", failed(chain.CodeValidationCancelled, chain.WithSeverity(chain.SeverityHigh)), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.res))
		})
	}
}

func TestHTTPStatus_SecurityWinsOverSize(t *testing.T) {
	res := failed(validators.CodePayloadTooLarge)
	res.AddError(chain.NewError(validators.CodeSQLInjection, "sql", "security"))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(res))
}

func TestGRPCCode(t *testing.T) {
	assert.Equal(t, codes.OK, GRPCCode(chain.NewResult()))
	assert.Equal(t, codes.PermissionDenied, GRPCCode(failed(validators.CodeXSS)))
	assert.Equal(t, codes.ResourceExhausted, GRPCCode(failed(validators.CodeTooManyItems)))
	assert.Equal(t, codes.ResourceExhausted, GRPCCode(failed(validators.CodeRateLimitExceeded)))
	assert.Equal(t, codes.Unauthenticated, GRPCCode(failed(validators.CodeSessionMissing)))
	assert.Equal(t, codes.InvalidArgument, GRPCCode(failed(validators.CodeInvalidFormat)))
	assert.Equal(t, codes.DeadlineExceeded, GRPCCode(failed(chain.CodeValidationTimeout)))
	assert.Equal(t, codes.Canceled, GRPCCode(failed(chain.CodeValidationCancelled)))
}

func TestRetryAfter(t *testing.T) {
	_, ok := RetryAfter(failed(validators.CodeXSS))
	assert.False(t, ok)

	res := failed(validators.CodeRateLimitExceeded, chain.WithErrorMetadata(validators.MetaRetryAfter, 3))
	res.AddError(chain.NewError(validators.CodeRateLimitExceeded, "hour", "limit",
		chain.WithErrorMetadata(validators.MetaRetryAfter, float64(40))))

	secs, ok := RetryAfter(res)
	assert.True(t, ok)
	assert.Equal(t, 40, secs)
}
