package observer

import (
	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/pkg/core/logging"
)

// LogObserver writes one structured line per step and per verdict
type LogObserver struct {
	logger *logging.Logger
}

// NewLogObserver creates a log observer. A nil logger discards everything.
func NewLogObserver(logger *logging.Logger) *LogObserver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogObserver{logger: logger}
}

// OnStart logs at debug level
func (o *LogObserver) OnStart(vctx *chain.ValidationContext) {
	o.logger.Debug("Validation started",
		"request_id", vctx.RequestID,
		"method", vctx.Method,
		"path", vctx.Path,
		"mode", vctx.Mode.String())
}

// OnStep logs each validator verdict at debug level
func (o *LogObserver) OnStep(vctx *chain.ValidationContext, name string, res *chain.Result) {
	o.logger.Debug("Validator finished",
		"request_id", vctx.RequestID,
		"validator", name,
		"status", res.Status.String(),
		"errors", len(res.Errors))
}

// OnComplete logs the final verdict. Rejections are logged as warnings.
func (o *LogObserver) OnComplete(vctx *chain.ValidationContext, res *chain.Result) {
	kv := []interface{}{
		"request_id", vctx.RequestID,
		"chain", res.ChainName(),
		"path", vctx.Path,
		"status", res.Status.String(),
		"executed", res.Metrics.ValidatorsExecuted,
		"duration_ms", res.Metrics.ExecutionTime.Milliseconds(),
	}
	if res.IsValid() {
		o.logger.Info("Request accepted", kv...)
		return
	}
	kv = append(kv, "codes", res.ErrorCodes(), "client_ip", vctx.ClientIP)
	o.logger.Warn("Request rejected", kv...)
}

// OnError logs executor faults
func (o *LogObserver) OnError(err error, vctx *chain.ValidationContext) {
	o.logger.Error("Validation fault",
		"request_id", vctx.RequestID,
		"path", vctx.Path,
		"kind", faultKind(err),
		"error", err)
}
