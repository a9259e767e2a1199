package observer

import (
	"context"
	"time"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/store"
	"github.com/msto63/popper/pkg/core/logging"
)

// AuditObserver persists one record per completed run
type AuditObserver struct {
	chain.NopObserver
	store   store.AuditStore
	logger  *logging.Logger
	timeout time.Duration
}

// NewAuditObserver creates an audit observer writing to s
func NewAuditObserver(s store.AuditStore, logger *logging.Logger) *AuditObserver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &AuditObserver{store: s, logger: logger, timeout: 2 * time.Second}
}

// OnComplete writes the audit record. The write outlives a cancelled request.
func (o *AuditObserver) OnComplete(vctx *chain.ValidationContext, res *chain.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(vctx.Context()), o.timeout)
	defer cancel()

	userID := vctx.UserID
	if userID == "" {
		if v, ok := vctx.GetMetadata("user_id"); ok {
			userID, _ = v.(string)
		}
	}

	rec := &store.Record{
		RequestID:  vctx.RequestID,
		Method:     vctx.Method,
		Path:       vctx.Path,
		ClientIP:   vctx.ClientIP,
		UserID:     userID,
		Status:     res.Status.String(),
		Valid:      res.IsValid(),
		ErrorCodes: res.ErrorCodes(),
		DurationMS: res.Metrics.ExecutionTime.Milliseconds(),
	}
	if err := o.store.Record(ctx, rec); err != nil {
		o.logger.Warn("Failed to write audit record", "request_id", vctx.RequestID, "error", err)
	}
}
