package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msto63/popper/pkg/core/logging"
)

// Chain orders validators by priority and runs them against a ValidationContext
type Chain struct {
	name    string
	cache   *ResultCache
	bus     *Bus
	timeout time.Duration
	logger  *logging.Logger

	mu         sync.RWMutex
	validators []Validator
	sorted     bool
}

// Option configures a Chain
type Option func(*Chain)

// WithLogger sets the chain logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Chain) { c.logger = logger }
}

// WithResultCache enables result caching
func WithResultCache(rc *ResultCache) Option {
	return func(c *Chain) { c.cache = rc }
}

// WithBus sets the observer bus
func WithBus(bus *Bus) Option {
	return func(c *Chain) { c.bus = bus }
}

// WithTimeout bounds the duration of a single run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Chain) { c.timeout = d }
}

// New creates a chain
func New(name string, opts ...Option) *Chain {
	c := &Chain{
		name:       name,
		validators: make([]Validator, 0),
		sorted:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	if c.bus == nil {
		c.bus = NewBus(c.logger)
	}
	return c
}

// Name returns the chain name
func (c *Chain) Name() string {
	return c.name
}

// Timeout returns the run timeout
func (c *Chain) Timeout() time.Duration {
	return c.timeout
}

// Add appends validators
func (c *Chain) Add(validators ...Validator) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range validators {
		if v == nil {
			continue
		}
		c.validators = append(c.validators, v)
		c.sorted = false
		c.logger.Debug("Validator added",
			"chain", c.name,
			"name", v.Name(),
			"priority", v.Priority().String())
	}
	return c
}

// Remove removes a validator by name
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, v := range c.validators {
		if v.Name() == name {
			c.validators = append(c.validators[:i:i], c.validators[i+1:]...)
			return true
		}
	}
	return false
}

// Validators returns the validators in execution order
func (c *Chain) Validators() []Validator {
	return c.ordered()
}

// Len returns the number of validators
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.validators)
}

// Clone returns a chain sharing cache, bus and validator instances but owning
// its own validator list
func (c *Chain) Clone() *Chain {
	validators := c.ordered()
	return &Chain{
		name:       c.name,
		cache:      c.cache,
		bus:        c.bus,
		timeout:    c.timeout,
		logger:     c.logger,
		validators: validators,
		sorted:     true,
	}
}

// ordered sorts lazily and returns a snapshot
func (c *Chain) ordered() []Validator {
	c.mu.RLock()
	if c.sorted {
		out := make([]Validator, len(c.validators))
		copy(out, c.validators)
		c.mu.RUnlock()
		return out
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sorted {
		sort.SliceStable(c.validators, func(i, j int) bool {
			return c.validators[i].Priority() < c.validators[j].Priority()
		})
		c.sorted = true
	}
	out := make([]Validator, len(c.validators))
	copy(out, c.validators)
	return out
}

// run bookkeeping shared by serial and parallel execution
type run struct {
	vctx   *ValidationContext
	mode   Mode
	result *Result
	steps  []StepRecord
	start  time.Time
}

func (c *Chain) begin(vctx *ValidationContext, mode Mode, total int) (*run, context.Context, func()) {
	ctx := vctx.Context()
	cancel := func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	restore := vctx.swapContext(ctx)

	r := &run{
		vctx:   vctx,
		mode:   mode,
		result: NewSkippedResult(),
		steps:  make([]StepRecord, 0, total),
		start:  time.Now(),
	}
	r.result.Metrics.ValidatorsTotal = total

	c.bus.Start(vctx)
	return r, ctx, func() {
		cancel()
		restore()
	}
}

func (r *run) skip(name string) {
	r.result.Metrics.ValidatorsSkipped++
	r.result.ValidatorStatus[name] = StatusSkipped
	r.steps = append(r.steps, StepRecord{Name: name, State: StepSkipped, Status: StatusSkipped})
}

func (r *run) record(name string, o outcome) {
	r.vctx.AppendPath(name)
	r.result.Merge(o.result)
	r.result.ExecutionPath = append(r.result.ExecutionPath, name)
	r.result.ValidatorStatus[name] = o.result.Status
	r.result.Metrics.ValidatorsExecuted++

	state := StepSucceeded
	if !o.result.IsValid() {
		state = StepFailed
		r.result.Metrics.ValidatorsFailed++
	}
	if o.lookedUp {
		if o.hit {
			r.result.Metrics.CacheHits++
		} else {
			r.result.Metrics.CacheMisses++
		}
	}
	r.steps = append(r.steps, StepRecord{
		Name:     name,
		State:    state,
		Status:   o.result.Status,
		Duration: o.duration,
		Cached:   o.hit,
	})
}

// outcome of a single validator invocation
type outcome struct {
	result   *Result
	duration time.Duration
	lookedUp bool
	hit      bool
}

// Run executes the chain serially. In ModeFailFast the run stops after the
// first invalid result; later validators are neither run nor recorded.
func (c *Chain) Run(vctx *ValidationContext, mode Mode) *Result {
	validators := c.ordered()
	r, ctx, done := c.begin(vctx, mode, len(validators))
	defer done()

	for _, v := range validators {
		if err := ctx.Err(); err != nil {
			return c.abort(vctx, err, r.start)
		}

		name := v.Name()
		if vctx.ShouldSkip(name) {
			r.skip(name)
			c.logger.Debug("Validator skipped", "chain", c.name, "validator", name)
			continue
		}

		o := c.execute(vctx, v)
		if err := ctx.Err(); err != nil {
			return c.abort(vctx, err, r.start)
		}

		r.record(name, o)
		c.bus.Step(vctx, name, o.result)

		if mode == ModeFailFast && !o.result.IsValid() {
			c.logger.Debug("Chain stopped",
				"chain", c.name,
				"validator", name,
				"status", o.result.Status.String())
			break
		}
	}

	return c.finalize(r, false)
}

// RunParallel executes all runnable validators concurrently using the mode of
// the context. Results are merged in priority order, so the verdict equals the
// serial one. In ModeFailFast merging stops where the serial run would stop.
func (c *Chain) RunParallel(vctx *ValidationContext) *Result {
	validators := c.ordered()
	r, ctx, done := c.begin(vctx, vctx.Mode, len(validators))
	defer done()

	outcomes := make([]*outcome, len(validators))

	var g errgroup.Group
	for i, v := range validators {
		if vctx.ShouldSkip(v.Name()) {
			continue
		}
		g.Go(func() error {
			o := c.execute(vctx, v)
			outcomes[i] = &o
			return nil
		})
	}

	waitCh := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-ctx.Done():
		return c.abort(vctx, ctx.Err(), r.start)
	}
	if err := ctx.Err(); err != nil {
		return c.abort(vctx, err, r.start)
	}

	for i, v := range validators {
		name := v.Name()
		o := outcomes[i]
		if o == nil {
			r.skip(name)
			continue
		}

		r.record(name, *o)
		c.bus.Step(vctx, name, o.result)

		if r.mode == ModeFailFast && !o.result.IsValid() {
			break
		}
	}

	return c.finalize(r, true)
}

// execute consults the cache and invokes the validator
func (c *Chain) execute(vctx *ValidationContext, v Validator) outcome {
	start := time.Now()

	var key string
	var o outcome
	if c.cache != nil && vctx.CacheEnabled && Cacheable(v) {
		key, o.lookedUp = v.CacheKey(vctx)
	}

	if o.lookedUp {
		if cached, ok := c.cache.Get(key); ok {
			o.result = cached
			o.hit = true
			o.duration = time.Since(start)
			return o
		}
	}

	o.result = c.invoke(vctx, v)
	o.duration = time.Since(start)

	if o.lookedUp {
		c.cache.Put(key, o.result, vctx.CacheTTL)
	}
	return o
}

// invoke calls Validate and converts panics into execution errors
func (c *Chain) invoke(vctx *ValidationContext, v Validator) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %v", ErrValidatorPanic, p)
			c.logger.Error("Validator panicked",
				"chain", c.name,
				"validator", v.Name(),
				"request_id", vctx.RequestID,
				"error", err)
			c.bus.Error(err, vctx)
			res = ExecutionError(v.Name(), err)
		}
	}()

	res = v.Validate(vctx)
	if res == nil {
		res = NewResult()
	}
	return res
}

// finalize applies the mode policy, records timing and freezes the result
func (c *Chain) finalize(r *run, parallel bool) *Result {
	res := r.result

	switch r.mode {
	case ModeStrict:
		if len(res.Warnings) > 0 {
			for _, w := range res.Warnings {
				w.Severity = SeverityMedium
				res.Errors = append(res.Errors, w)
			}
			res.Warnings = res.Warnings[:0]
			res.recomputeStatus(baseStatus(res))
		}
	case ModeLenient:
		kept := res.Errors[:0:0]
		demoted := false
		for _, e := range res.Errors {
			if e.Severity == SeverityLow {
				res.Warnings = append(res.Warnings, e)
				demoted = true
				continue
			}
			kept = append(kept, e)
		}
		if demoted {
			res.Errors = kept
			res.recomputeStatus(baseStatus(res))
		}
	}

	res.RequestID = r.vctx.RequestID
	res.Metrics.ExecutionTime = time.Since(r.start)
	res.Metadata[MetaSteps] = r.steps
	res.Metadata[MetaMode] = r.mode.String()
	res.Metadata[MetaParallel] = parallel
	res.Metadata[MetaChain] = c.name
	res.Complete()

	c.logger.Debug("Chain completed",
		"chain", c.name,
		"request_id", res.RequestID,
		"status", res.Status.String(),
		"executed", res.Metrics.ValidatorsExecuted,
		"failed", res.Metrics.ValidatorsFailed,
		"duration_ms", res.Metrics.ExecutionTime.Milliseconds())

	c.bus.Complete(r.vctx, res)
	return res
}

func baseStatus(r *Result) Status {
	if r.Metrics.ValidatorsExecuted == 0 {
		return StatusSkipped
	}
	return StatusSuccess
}

// abort builds the single-error result returned on cancellation or timeout
func (c *Chain) abort(vctx *ValidationContext, err error, start time.Time) *Result {
	code, msg := CodeValidationCancelled, "validation cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		code, msg = CodeValidationTimeout, "validation timed out"
	}

	c.logger.Warn("Chain aborted",
		"chain", c.name,
		"request_id", vctx.RequestID,
		"error", err)
	c.bus.Error(err, vctx)

	res := Fail(NewError(code, msg, ExecutorName,
		WithSeverity(SeverityHigh),
		WithSuggestion("retry the request")))
	res.RequestID = vctx.RequestID
	res.Metrics.ExecutionTime = time.Since(start)
	res.Metadata[MetaChain] = c.name
	res.Complete()

	c.bus.Complete(vctx, res)
	return res
}
