package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/msto63/popper/internal/popper/observer"
	"github.com/msto63/popper/internal/popper/store"
	"github.com/msto63/popper/internal/popper/validators"
	"github.com/msto63/popper/pkg/core/logging"
)

// Option configures a Service
type Option func(*options)

type options struct {
	logger         *logging.Logger
	writer         observer.MessageWriter
	sessions       validators.SessionStore
	audit          store.AuditStore
	promRegistry   *prometheus.Registry
	tracerProvider trace.TracerProvider
	clock          func() time.Time
}

// WithLogger sets the service logger
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMessageWriter replaces the Kafka writer built from the kafka section
func WithMessageWriter(w observer.MessageWriter) Option {
	return func(o *options) { o.writer = w }
}

// WithSessionStore sets the store session validators consult. Without one the
// SQLite audit database serves sessions when auditing is enabled.
func WithSessionStore(s validators.SessionStore) Option {
	return func(o *options) { o.sessions = s }
}

// WithAuditStore replaces the SQLite audit store. The caller keeps ownership.
func WithAuditStore(s store.AuditStore) Option {
	return func(o *options) { o.audit = s }
}

// WithPrometheusRegistry registers the collectors with reg instead of a
// private registry
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.promRegistry = reg }
}

// WithTracerProvider sets the provider used when tracing is enabled
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithClock sets the time source of the limiter, cache and audit store
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}
