// Package service assembles the validation engine from a configuration: the
// validator registry, chain factory, shared limiter, result cache, observer
// bus and the optional audit, metrics, tracing, stream and Kafka outputs.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/observer"
	"github.com/msto63/popper/internal/popper/ratelimit"
	"github.com/msto63/popper/internal/popper/registry"
	"github.com/msto63/popper/internal/popper/store"
	"github.com/msto63/popper/internal/popper/validators"
	"github.com/msto63/popper/pkg/core/cache"
	"github.com/msto63/popper/pkg/core/config"
	"github.com/msto63/popper/pkg/core/health"
	"github.com/msto63/popper/pkg/core/logging"
	"github.com/msto63/popper/pkg/core/version"
)

var (
	// ErrNoChain is returned when no endpoint pattern matches the request path
	ErrNoChain = errors.New("no validation chain for endpoint")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("service closed")
)

// Request describes one request to validate
type Request struct {
	Endpoint  string            `json:"endpoint"`
	Method    string            `json:"method,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`

	// Mode and Parallel override the pipeline defaults when set
	Mode     string `json:"mode,omitempty"`
	Parallel *bool  `json:"parallel,omitempty"`

	Skip     []string       `json:"skip,omitempty"`
	Only     []string       `json:"only,omitempty"`
	NoCache  bool           `json:"no_cache,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type settings struct {
	mode     chain.Mode
	parallel bool
}

// Service owns every long-lived component of the engine
type Service struct {
	logger *logging.Logger

	registry *registry.Registry
	factory  *registry.Factory
	limiter  *ratelimit.Limiter
	cache    *cache.Sharded
	results  *chain.ResultCache
	bus      *chain.Bus

	promRegistry   *prometheus.Registry
	hub            *observer.StreamHub
	publisher      *observer.EventPublisher
	tracerProvider *sdktrace.TracerProvider
	audit          store.AuditStore
	ownedStore     *store.SQLiteStore
	health         *health.Registry

	mu       sync.RWMutex
	cfg      *config.Config
	settings settings

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// New builds a service from cfg
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New("popper")
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	st, err := settingsFrom(cfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		logger:   o.logger,
		cfg:      cfg,
		settings: st,
		bus:      chain.NewBus(o.logger),
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		Burst:       cfg.RateLimit.Burst,
		BurstWindow: cfg.RateLimit.BurstWindow.Duration,
		PerMinute:   cfg.RateLimit.PerMinute,
		PerHour:     cfg.RateLimit.PerHour,
		Clock:       o.clock,
	})

	if err := s.openAudit(cfg, o); err != nil {
		return nil, err
	}
	sessions := o.sessions
	if sessions == nil && s.ownedStore != nil {
		sessions = s.ownedStore
	}

	s.registry = registry.New(o.logger)
	if err := validators.Register(s.registry, validators.Dependencies{Limiter: s.limiter, Sessions: sessions}); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	if cfg.Cache.Enabled {
		s.cache = cache.NewSharded(cache.ShardedConfig{
			Shards:        cfg.Cache.Shards,
			ShardCapacity: cfg.Cache.ShardCapacity,
			TTL:           cfg.Cache.TTL.Duration,
			SweepInterval: cfg.Cache.SweepInterval.Duration,
			Clock:         o.clock,
		})
		s.results = chain.NewResultCache(s.cache, cfg.Cache.TTL.Duration)
	}

	if err := s.subscribeObservers(cfg, o); err != nil {
		s.Close()
		return nil, err
	}

	chainOpts := []chain.Option{
		chain.WithLogger(o.logger),
		chain.WithBus(s.bus),
		chain.WithTimeout(cfg.Pipeline.Timeout.Duration),
	}
	if s.results != nil {
		chainOpts = append(chainOpts, chain.WithResultCache(s.results))
	}
	s.factory = registry.NewFactory(s.registry, registryConfig(cfg),
		registry.WithChainOptions(chainOpts...),
		registry.WithFactoryLogger(o.logger))

	s.startBackground(cfg)
	s.health = s.buildHealth()

	s.logger.Info("Validation service ready",
		"endpoints", len(cfg.Endpoints),
		"validator_types", len(s.registry.Types()),
		"mode", st.mode.String(),
		"parallel", st.parallel,
		"cache", cfg.Cache.Enabled,
		"audit", s.audit != nil,
		"observers", s.bus.Len())
	return s, nil
}

func settingsFrom(cfg *config.Config) (settings, error) {
	mode, err := chain.ParseMode(cfg.Pipeline.Mode)
	if err != nil {
		return settings{}, fmt.Errorf("invalid pipeline mode: %w", err)
	}
	return settings{mode: mode, parallel: cfg.Pipeline.Parallel}, nil
}

func registryConfig(cfg *config.Config) registry.Config {
	return registry.Config{Endpoints: cfg.Endpoints, Validators: cfg.Validators}
}

func (s *Service) openAudit(cfg *config.Config, o options) error {
	if o.audit != nil {
		s.audit = o.audit
		return nil
	}
	if !cfg.Audit.Enabled {
		return nil
	}
	st, err := store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Audit.Path, Clock: o.clock})
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	s.audit = st
	s.ownedStore = st
	return nil
}

func (s *Service) subscribeObservers(cfg *config.Config, o options) error {
	s.bus.Subscribe(observer.NewLogObserver(o.logger))

	if cfg.Observability.Metrics {
		reg := o.promRegistry
		if reg == nil {
			reg = prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		m, err := observer.NewMetricsObserver(reg)
		if err != nil {
			return err
		}
		if err := s.registerGauges(reg); err != nil {
			return err
		}
		s.promRegistry = reg
		s.bus.Subscribe(m)
	}

	if cfg.Observability.Tracing {
		tp := o.tracerProvider
		if tp == nil {
			s.tracerProvider = sdktrace.NewTracerProvider()
			tp = s.tracerProvider
		}
		s.bus.Subscribe(observer.NewTracingObserverFromProvider(tp))
	}

	if cfg.Observability.Stream {
		s.hub = observer.NewStreamHub(o.logger)
		s.bus.Subscribe(s.hub)
	}

	if cfg.Kafka.Enabled || o.writer != nil {
		w := o.writer
		if w == nil {
			w = observer.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		}
		s.publisher = observer.NewEventPublisher(w, observer.PublisherConfig{
			Source:       cfg.General.Name,
			OnlyRejected: cfg.Kafka.OnlyRejected,
		}, o.logger)
		s.bus.Subscribe(s.publisher)
	}

	if s.audit != nil {
		s.bus.Subscribe(observer.NewAuditObserver(s.audit, o.logger))
	}
	return nil
}

func (s *Service) registerGauges(reg prometheus.Registerer) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "popper",
			Name:      "rate_limit_identities",
			Help:      "Client identities tracked by the rate limiter.",
		}, func() float64 { return float64(s.limiter.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "popper",
			Name:      "result_cache_entries",
			Help:      "Validator results held in the result cache.",
		}, func() float64 {
			if s.results == nil {
				return 0
			}
			return float64(s.results.Len())
		}),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

func (s *Service) startBackground(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if interval := cfg.RateLimit.SweepInterval.Duration; interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.limiter.Run(ctx, interval)
		}()
	}

	if s.audit != nil && cfg.Audit.Retention.Duration > 0 {
		retention := cfg.Audit.Retention.Duration
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pruneLoop(ctx, retention)
		}()
	}
}

func (s *Service) pruneLoop(ctx context.Context, retention time.Duration) {
	interval := retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.audit.Prune(ctx, retention)
			if err != nil {
				if !errors.Is(err, store.ErrStoreClosed) && ctx.Err() == nil {
					s.logger.Warn("Failed to prune audit records", "error", err)
				}
				continue
			}
			if n > 0 {
				s.logger.Info("Audit records pruned", "count", n)
			}
		}
	}
}

func (s *Service) buildHealth() *health.Registry {
	h := health.NewRegistry(s.cfgName(), version.Popper)

	h.RegisterFunc("endpoints", func(ctx context.Context) health.CheckResult {
		res := health.CheckResult{Status: health.StatusHealthy, Details: map[string]interface{}{
			"endpoints": len(s.factory.Endpoints()),
		}}
		if w := s.factory.Warnings(); len(w) > 0 {
			res.Status = health.StatusDegraded
			res.Message = fmt.Sprintf("%d configuration problems", len(w))
			res.Details["warnings"] = w
		}
		return res
	})

	h.RegisterFunc("rate_limiter", func(ctx context.Context) health.CheckResult {
		st := s.limiter.Stats()
		return health.CheckResult{Status: health.StatusHealthy, Details: map[string]interface{}{
			"allowed": st.Allowed, "denied": st.Denied, "identities": st.Identities,
		}}
	})

	if s.results != nil {
		h.RegisterFunc("cache", func(ctx context.Context) health.CheckResult {
			st := s.results.Stats()
			return health.CheckResult{Status: health.StatusHealthy, Details: map[string]interface{}{
				"size": st.Size, "capacity": st.Capacity, "hit_rate": st.HitRate, "evictions": st.Evictions,
			}}
		})
	}

	if s.audit != nil {
		h.Register(health.ErrorCheck("audit", health.StatusUnhealthy, func(ctx context.Context) error {
			_, err := s.audit.Query(ctx, store.Filter{Limit: 1})
			return err
		}))
	}

	if s.publisher != nil {
		h.RegisterFunc("kafka", func(ctx context.Context) health.CheckResult {
			published, dropped, failed := s.publisher.Stats()
			res := health.CheckResult{Status: health.StatusHealthy, Details: map[string]interface{}{
				"published": published, "dropped": dropped, "failed": failed,
			}}
			if failed > published {
				res.Status = health.StatusDegraded
				res.Message = "most verdict events failed to publish"
			}
			return res
		})
	}
	return h
}

func (s *Service) cfgName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.General.Name
}

// Validate runs req through the chain configured for req.Endpoint. It returns
// ErrNoChain when nothing matches; validation failures are reported in the
// result, never as an error.
func (s *Service) Validate(ctx context.Context, req Request) (*chain.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	c, ok := s.factory.BuildChain(req.Endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChain, req.Endpoint)
	}

	s.mu.RLock()
	st := s.settings
	s.mu.RUnlock()

	if req.Mode != "" {
		mode, err := chain.ParseMode(req.Mode)
		if err != nil {
			return nil, err
		}
		st.mode = mode
	}
	if req.Parallel != nil {
		st.parallel = *req.Parallel
	}

	vctx := s.newContext(ctx, req, st.mode)
	if st.parallel {
		return c.RunParallel(vctx), nil
	}
	return c.Run(vctx, st.mode), nil
}

func (s *Service) newContext(ctx context.Context, req Request, mode chain.Mode) *chain.ValidationContext {
	size := req.Size
	if size == 0 && req.Payload != nil {
		size = int64(validators.EncodedSize(req.Payload))
	}

	opts := []chain.ContextOption{
		chain.WithPath(req.Endpoint),
		chain.WithMethod(req.Method),
		chain.WithSize(size),
		chain.WithHeaders(req.Headers),
		chain.WithRequestID(req.RequestID),
		chain.WithClientIP(req.ClientIP),
		chain.WithUserID(req.UserID),
		chain.WithSessionID(req.SessionID),
		chain.WithMode(mode),
	}
	if len(req.Skip) > 0 {
		opts = append(opts, chain.WithSkip(req.Skip...))
	}
	if len(req.Only) > 0 {
		opts = append(opts, chain.WithEnabled(req.Only...))
	}
	if req.NoCache {
		opts = append(opts, chain.WithCache(false, 0))
	}

	vctx := chain.NewValidationContext(ctx, req.Payload, opts...)
	for k, v := range req.Metadata {
		vctx.SetMetadata(k, v)
	}
	return vctx
}

// Reload applies a new configuration. Built chains and cached results are
// dropped; rate limit windows keep their state and need a restart to change.
func (s *Service) Reload(cfg *config.Config) error {
	if s.closed.Load() {
		return ErrClosed
	}
	st, err := settingsFrom(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.settings = st
	s.mu.Unlock()

	if !reflect.DeepEqual(prev.RateLimit, cfg.RateLimit) {
		s.logger.Warn("Rate limit windows changed; restart to apply")
	}

	s.factory.Reload(registryConfig(cfg))
	if s.results != nil {
		s.results.Clear()
	}

	s.logger.Info("Configuration applied",
		"endpoints", len(cfg.Endpoints),
		"mode", st.mode.String(),
		"parallel", st.parallel)
	return nil
}

// Config returns the active configuration
func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Factory returns the chain factory
func (s *Service) Factory() *registry.Factory { return s.factory }

// Registry returns the validator registry
func (s *Service) Registry() *registry.Registry { return s.registry }

// Limiter returns the shared rate limiter
func (s *Service) Limiter() *ratelimit.Limiter { return s.limiter }

// Bus returns the observer bus
func (s *Service) Bus() *chain.Bus { return s.bus }

// Health returns the health registry
func (s *Service) Health() *health.Registry { return s.health }

// Hub returns the progress stream hub, nil when streaming is disabled
func (s *Service) Hub() *observer.StreamHub { return s.hub }

// AuditStore returns the audit store, nil when auditing is disabled
func (s *Service) AuditStore() store.AuditStore { return s.audit }

// Gatherer returns the metrics registry, nil when metrics are disabled
func (s *Service) Gatherer() prometheus.Gatherer {
	if s.promRegistry == nil {
		return nil
	}
	return s.promRegistry
}

// Close stops background work and releases owned resources. It is safe to
// call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		var errs []error
		if s.hub != nil {
			s.hub.Close()
		}
		if s.publisher != nil {
			if err := s.publisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
			}
		}
		if s.cache != nil {
			s.cache.Close()
		}
		if s.tracerProvider != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shut down tracer provider: %w", err))
			}
			cancel()
		}
		if s.ownedStore != nil {
			if err := s.ownedStore.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close audit store: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("Validation service stopped")
	})
	return s.closeErr
}
