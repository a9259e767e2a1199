package chain

import (
	"fmt"
	"sync"

	"github.com/msto63/popper/pkg/core/logging"
)

// Observer receives lifecycle notifications of chain runs.
// Observers are purely observational; they never change the verdict.
type Observer interface {
	OnStart(vctx *ValidationContext)
	OnStep(vctx *ValidationContext, name string, result *Result)
	OnComplete(vctx *ValidationContext, result *Result)
	OnError(err error, vctx *ValidationContext)
}

// NopObserver implements Observer with no-ops. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnStart(*ValidationContext)                 {}
func (NopObserver) OnStep(*ValidationContext, string, *Result) {}
func (NopObserver) OnComplete(*ValidationContext, *Result)     {}
func (NopObserver) OnError(error, *ValidationContext)          {}

// Bus fans lifecycle events out to all subscribed observers
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *logging.Logger
}

// NewBus creates an observer bus
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{logger: logger}
}

// Subscribe adds observers
func (b *Bus) Subscribe(obs ...Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs...)
}

// Unsubscribe removes an observer, reporting whether it was found
func (b *Bus) Unsubscribe(obs Observer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of subscribed observers
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

func (b *Bus) snapshot() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observer, len(b.observers))
	copy(out, b.observers)
	return out
}

// Start notifies OnStart
func (b *Bus) Start(vctx *ValidationContext) {
	b.each("start", func(o Observer) { o.OnStart(vctx) })
}

// Step notifies OnStep
func (b *Bus) Step(vctx *ValidationContext, name string, result *Result) {
	b.each("step", func(o Observer) { o.OnStep(vctx, name, result) })
}

// Complete notifies OnComplete
func (b *Bus) Complete(vctx *ValidationContext, result *Result) {
	b.each("complete", func(o Observer) { o.OnComplete(vctx, result) })
}

// Error notifies OnError
func (b *Bus) Error(err error, vctx *ValidationContext) {
	b.each("error", func(o Observer) { o.OnError(err, vctx) })
}

func (b *Bus) each(event string, fn func(Observer)) {
	if b == nil {
		return
	}
	for _, o := range b.snapshot() {
		b.call(event, o, fn)
	}
}

func (b *Bus) call(event string, o Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Observer panicked",
				"event", event,
				"observer", fmt.Sprintf("%T", o),
				"panic", fmt.Sprint(r))
		}
	}()
	fn(o)
}
