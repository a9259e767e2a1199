package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/store"
	"github.com/msto63/popper/pkg/core/logging"
)

func pass(name string, p chain.Priority) chain.Validator {
	return chain.NewFunc(name, p, func(*chain.ValidationContext) *chain.Result { return chain.NewResult() })
}

func block(name string, p chain.Priority) chain.Validator {
	return chain.NewFunc(name, p, func(*chain.ValidationContext) *chain.Result {
		return chain.Fail(chain.NewError("XSS_DETECTED", "script tag", name, chain.WithSeverity(chain.SeverityCritical)))
	})
}

func slow(name string, d time.Duration) chain.Validator {
	return chain.NewFunc(name, chain.PriorityLow, func(*chain.ValidationContext) *chain.Result {
		time.Sleep(d)
		return chain.NewResult()
	})
}

func newChain(obs []chain.Observer, opts []chain.Option, validators ...chain.Validator) *chain.Chain {
	bus := chain.NewBus(nil)
	bus.Subscribe(obs...)
	return chain.New("/api/chat", append([]chain.Option{chain.WithBus(bus)}, opts...)...).Add(validators...)
}

func vctx(id string) *chain.ValidationContext {
	return chain.NewValidationContext(context.Background(), map[string]any{"message": "hi"},
		chain.WithRequestID(id),
		chain.WithMethod("POST"),
		chain.WithPath("/api/chat"),
		chain.WithClientIP("10.1.2.3"))
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("popper-test").WithOutput(&buf)

	c := newChain([]chain.Observer{NewLogObserver(logger)}, nil, pass("size", chain.PriorityHigh), block("security", chain.PriorityCritical))
	c.Run(vctx("req-1"), chain.ModeContinue)

	out := buf.String()
	assert.Contains(t, out, "Request rejected")
	assert.Contains(t, out, "XSS_DETECTED")
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.NotContains(t, out, "Validator finished", "step lines are debug")

	buf.Reset()
	newChain([]chain.Observer{NewLogObserver(logger)}, nil, pass("size", chain.PriorityHigh)).Run(vctx("req-2"), chain.ModeContinue)
	assert.Contains(t, buf.String(), "Request accepted")
}

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetricsObserver(reg)
	require.NoError(t, err)

	c := newChain([]chain.Observer{m}, nil, pass("size", chain.PriorityHigh), block("security", chain.PriorityCritical))
	c.Run(vctx("r1"), chain.ModeContinue)
	c.Run(vctx("r2"), chain.ModeFailFast)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("/api/chat", "critical")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.codes.WithLabelValues("XSS_DETECTED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("security", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("size", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	_, err = NewMetricsObserver(reg)
	assert.Error(t, err, "collectors are already registered")
}

func TestMetricsObserver_Faults(t *testing.T) {
	m, err := NewMetricsObserver(prometheus.NewRegistry())
	require.NoError(t, err)

	c := newChain([]chain.Observer{m}, []chain.Option{chain.WithTimeout(5 * time.Millisecond)}, slow("slow", 50*time.Millisecond))
	r := c.Run(vctx("r1"), chain.ModeContinue)
	require.Equal(t, []string{chain.CodeValidationTimeout}, r.ErrorCodes())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.faults.WithLabelValues("timeout")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

func TestFaultKind(t *testing.T) {
	assert.Equal(t, "timeout", faultKind(context.DeadlineExceeded))
	assert.Equal(t, "cancelled", faultKind(context.Canceled))
	assert.Equal(t, "panic", faultKind(chain.ErrValidatorPanic))
	assert.Equal(t, "other", faultKind(errors.New("x")))
}

func TestTracingObserver(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	obs := NewTracingObserverFromProvider(tp)
	c := newChain([]chain.Observer{obs}, nil, pass("size", chain.PriorityHigh), block("security", chain.PriorityCritical))
	c.Run(vctx("req-1"), chain.ModeContinue)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "popper.validate", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	require.Len(t, span.Events(), 2)
	assert.Equal(t, "validator", span.Events()[0].Name)
	assert.Contains(t, span.Attributes(), attribute.String("popper.chain", "/api/chat"))
	assert.Contains(t, span.Attributes(), attribute.String("popper.request_id", "req-1"))
	assert.Equal(t, 0, obs.Open())

	c = newChain([]chain.Observer{obs}, nil, pass("size", chain.PriorityHigh))
	c.Run(vctx("req-2"), chain.ModeContinue)
	require.Len(t, sr.Ended(), 2)
	assert.Equal(t, codes.Ok, sr.Ended()[1].Status().Code)
}

func TestTracingObserver_RecordsFaults(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	obs := NewTracingObserver(tp.Tracer("test"))
	c := newChain([]chain.Observer{obs}, []chain.Option{chain.WithTimeout(5 * time.Millisecond)}, slow("slow", 50*time.Millisecond))
	c.Run(vctx("req-1"), chain.ModeContinue)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStreamHub_FanOut(t *testing.T) {
	hub := NewStreamHub(nil)
	all := hub.Subscribe("")
	mine := hub.Subscribe("req-1")
	other := hub.Subscribe("req-2")
	assert.Equal(t, 3, hub.Subscribers())

	c := newChain([]chain.Observer{hub}, nil, pass("size", chain.PriorityHigh), block("security", chain.PriorityCritical))
	c.Run(vctx("req-1"), chain.ModeContinue)

	var types []EventType
	for _, ev := range drain(all.Events()) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventStart, EventStep, EventStep, EventComplete}, types)

	evs := drain(mine.Events())
	require.Len(t, evs, 4)
	assert.Equal(t, "security", evs[1].Validator)
	assert.Equal(t, []string{"XSS_DETECTED"}, evs[3].ErrorCodes)
	assert.Equal(t, "/api/chat", evs[3].Chain)
	assert.False(t, evs[3].Valid)

	assert.Empty(t, drain(other.Events()))

	other.Unsubscribe()
	_, ok := <-other.Events()
	assert.False(t, ok)
	assert.Equal(t, 2, hub.Subscribers())

	hub.Close()
	_, ok = <-all.Events()
	assert.False(t, ok)
	_, ok = <-hub.Subscribe("").Events()
	assert.False(t, ok, "subscribe after close yields a closed channel")
}

func TestStreamHub_DropsForSlowSubscribers(t *testing.T) {
	hub := NewStreamHub(nil, WithStreamBuffer(1))
	sub := hub.Subscribe("")
	for i := 0; i < 3; i++ {
		hub.Publish(Event{Type: EventStart, RequestID: "r"})
	}
	assert.Len(t, drain(sub.Events()), 1)
	assert.Equal(t, uint64(2), hub.Dropped())
}

func TestStreamHub_WebSocket(t *testing.T) {
	hub := NewStreamHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?request_id=req-9"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(Event{Type: EventStart, RequestID: "other"})
	hub.Publish(Event{Type: EventComplete, RequestID: "req-9", Status: "success", Valid: true})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventComplete, ev.Type)
	assert.Equal(t, "req-9", ev.RequestID)
	assert.True(t, ev.Valid)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestEventPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewEventPublisher(w, PublisherConfig{Source: "popper-test"}, nil)

	c := newChain([]chain.Observer{p}, nil, pass("size", chain.PriorityHigh), block("security", chain.PriorityCritical))
	c.Run(vctx("req-1"), chain.ModeContinue)
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "req-1", string(msg.Key))
	assert.True(t, w.closed)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, VerdictEventType, env.Type)
	assert.Equal(t, "popper-test", env.Source)
	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, "critical", env.Payload.Status)
	assert.Equal(t, []string{"XSS_DETECTED"}, env.Payload.ErrorCodes)

	published, dropped, failed := p.Stats()
	assert.Equal(t, [3]uint64{1, 0, 0}, [3]uint64{published, dropped, failed})

	assert.ErrorIs(t, p.Publish(Event{}), ErrPublisherClosed)
	assert.ErrorIs(t, p.Close(), ErrPublisherClosed)
}

func TestEventPublisher_OnlyRejectedAndFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewEventPublisher(w, PublisherConfig{OnlyRejected: true}, nil)

	newChain([]chain.Observer{p}, nil, pass("size", chain.PriorityHigh)).Run(vctx("ok"), chain.ModeContinue)
	newChain([]chain.Observer{p}, nil, block("security", chain.PriorityHigh)).Run(vctx("bad"), chain.ModeContinue)
	require.NoError(t, p.Close())

	published, _, failed := p.Stats()
	assert.Equal(t, uint64(0), published)
	assert.Equal(t, uint64(1), failed, "only the rejected run was attempted")
}

func TestAuditObserver(t *testing.T) {
	s := store.NewMemoryStore(nil)
	obs := NewAuditObserver(s, nil)

	c := newChain([]chain.Observer{obs}, nil, pass("size", chain.PriorityHigh), block("security", chain.PriorityCritical))
	c.Run(vctx("req-1"), chain.ModeContinue)

	recs, err := s.Query(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, "POST", rec.Method)
	assert.Equal(t, "/api/chat", rec.Path)
	assert.Equal(t, "10.1.2.3", rec.ClientIP)
	assert.Equal(t, "critical", rec.Status)
	assert.False(t, rec.Valid)
	assert.Equal(t, []string{"XSS_DETECTED"}, rec.ErrorCodes)
	assert.NotEmpty(t, rec.ID)
}

func TestAuditObserver_ClosedStoreIsLogged(t *testing.T) {
	var buf bytes.Buffer
	s := store.NewMemoryStore(nil)
	require.NoError(t, s.Close())

	obs := NewAuditObserver(s, logging.New("test").WithOutput(&buf))
	newChain([]chain.Observer{obs}, nil, pass("size", chain.PriorityHigh)).Run(vctx("req-1"), chain.ModeContinue)
	assert.Contains(t, buf.String(), "Failed to write audit record")
}
