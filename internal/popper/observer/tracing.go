package observer

import (
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msto63/popper/internal/popper/chain"
)

// TracerName is the instrumentation scope of validation spans
const TracerName = "github.com/msto63/popper/internal/popper/observer"

// TracingObserver opens one span per run and adds a span event per step
type TracingObserver struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[*chain.ValidationContext]trace.Span
}

// NewTracingObserver creates a tracing observer using tracer
func NewTracingObserver(tracer trace.Tracer) *TracingObserver {
	return &TracingObserver{tracer: tracer, spans: make(map[*chain.ValidationContext]trace.Span)}
}

// NewTracingObserverFromProvider is a convenience for NewTracingObserver(tp.Tracer(TracerName))
func NewTracingObserverFromProvider(tp trace.TracerProvider) *TracingObserver {
	return NewTracingObserver(tp.Tracer(TracerName))
}

func (o *TracingObserver) OnStart(vctx *chain.ValidationContext) {
	_, span := o.tracer.Start(vctx.Context(), "popper.validate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("popper.request_id", vctx.RequestID),
			attribute.String("popper.path", vctx.Path),
			attribute.String("popper.method", vctx.Method),
			attribute.String("popper.mode", vctx.Mode.String()),
		))

	o.mu.Lock()
	o.spans[vctx] = span
	o.mu.Unlock()
}

func (o *TracingObserver) OnStep(vctx *chain.ValidationContext, name string, res *chain.Result) {
	span, ok := o.span(vctx, false)
	if !ok {
		return
	}
	span.AddEvent("validator", trace.WithAttributes(
		attribute.String("popper.validator", name),
		attribute.String("popper.status", res.Status.String()),
		attribute.StringSlice("popper.error_codes", res.ErrorCodes()),
	))
}

func (o *TracingObserver) OnComplete(vctx *chain.ValidationContext, res *chain.Result) {
	span, ok := o.span(vctx, true)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("popper.chain", res.ChainName()),
		attribute.String("popper.status", res.Status.String()),
		attribute.Bool("popper.valid", res.IsValid()),
		attribute.Int("popper.errors", len(res.Errors)),
		attribute.Int("popper.validators_executed", res.Metrics.ValidatorsExecuted),
	)
	if !res.IsValid() {
		span.SetStatus(codes.Error, "request rejected")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (o *TracingObserver) OnError(err error, vctx *chain.ValidationContext) {
	span, ok := o.span(vctx, false)
	if !ok {
		return
	}
	span.RecordError(err, trace.WithAttributes(attribute.String("popper.fault", faultKind(err))))
}

// span returns the open span of vctx, removing it when end is set
func (o *TracingObserver) span(vctx *chain.ValidationContext, end bool) (trace.Span, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	span, ok := o.spans[vctx]
	if ok && end {
		delete(o.spans, vctx)
	}
	return span, ok
}

// Open returns the number of runs with an unfinished span
func (o *TracingObserver) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.spans)
}
