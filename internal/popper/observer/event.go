package observer

import (
	"context"
	"errors"
	"time"

	"github.com/msto63/popper/internal/popper/chain"
)

// EventType names a lifecycle point
type EventType string

const (
	EventStart    EventType = "start"
	EventStep     EventType = "step"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is the serializable form of a lifecycle notification
type Event struct {
	Type       EventType `json:"type"`
	RequestID  string    `json:"request_id"`
	Path       string    `json:"path,omitempty"`
	Method     string    `json:"method,omitempty"`
	Chain      string    `json:"chain,omitempty"`
	Validator  string    `json:"validator,omitempty"`
	Status     string    `json:"status,omitempty"`
	Valid      bool      `json:"valid"`
	ErrorCodes []string  `json:"error_codes,omitempty"`
	Warnings   int       `json:"warnings,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

func baseEvent(typ EventType, vctx *chain.ValidationContext) Event {
	return Event{
		Type:      typ,
		RequestID: vctx.RequestID,
		Path:      vctx.Path,
		Method:    vctx.Method,
		Time:      time.Now().UTC(),
	}
}

func stepEvent(vctx *chain.ValidationContext, name string, res *chain.Result) Event {
	ev := baseEvent(EventStep, vctx)
	ev.Validator = name
	ev.Status = res.Status.String()
	ev.Valid = res.IsValid()
	ev.ErrorCodes = res.ErrorCodes()
	ev.Warnings = len(res.Warnings)
	return ev
}

func completeEvent(vctx *chain.ValidationContext, res *chain.Result) Event {
	ev := baseEvent(EventComplete, vctx)
	ev.Chain = res.ChainName()
	ev.Status = res.Status.String()
	ev.Valid = res.IsValid()
	ev.ErrorCodes = res.ErrorCodes()
	ev.Warnings = len(res.Warnings)
	ev.DurationMS = res.Metrics.ExecutionTime.Milliseconds()
	return ev
}

func errorEvent(err error, vctx *chain.ValidationContext) Event {
	ev := baseEvent(EventError, vctx)
	ev.Error = err.Error()
	return ev
}

// faultKind classifies executor-level errors for labels
func faultKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, chain.ErrValidatorPanic):
		return "panic"
	default:
		return "other"
	}
}
