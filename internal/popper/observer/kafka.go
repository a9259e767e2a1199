package observer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/pkg/core/logging"
)

// VerdictEventType is the envelope type of published verdicts
const VerdictEventType = "popper.validation.completed"

// SchemaVersionV1 is the envelope schema version
const SchemaVersionV1 = "v1"

// ErrPublisherClosed is returned by Publish after Close
var ErrPublisherClosed = errors.New("event publisher closed")

// MessageWriter is the subset of *kafka.Writer used by the publisher
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope wraps every published event
type Envelope struct {
	MessageID     string    `json:"message_id"`
	Type          string    `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	Source        string    `json:"source"`
	SchemaVersion string    `json:"schema_version"`
	Payload       Event     `json:"payload"`
}

// NewKafkaWriter creates a synchronous writer with hash partitioning by key
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
}

// PublisherConfig configures an EventPublisher
type PublisherConfig struct {
	Source       string
	QueueSize    int
	WriteTimeout time.Duration
	// OnlyRejected publishes verdicts of invalid requests only
	OnlyRejected bool
}

// EventPublisher sends one verdict event per completed run. Events are queued
// and written by a single background goroutine; a full queue drops events.
type EventPublisher struct {
	writer MessageWriter
	cfg    PublisherConfig
	logger *logging.Logger

	queue chan kafka.Message
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewEventPublisher starts a publisher writing to w
func NewEventPublisher(w MessageWriter, cfg PublisherConfig, logger *logging.Logger) *EventPublisher {
	if cfg.Source == "" {
		cfg.Source = "popper"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	p := &EventPublisher{
		writer: w,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan kafka.Message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *EventPublisher) loop() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("Failed to publish verdict", "key", string(msg.Key), "error", err)
			continue
		}
		p.published.Add(1)
	}
}

// Publish queues ev. It never blocks.
func (p *EventPublisher) Publish(ev Event) error {
	value, err := json.Marshal(Envelope{
		MessageID:     uuid.NewString(),
		Type:          VerdictEventType,
		OccurredAt:    ev.Time,
		Source:        p.cfg.Source,
		SchemaVersion: SchemaVersionV1,
		Payload:       ev,
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.RequestID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(VerdictEventType)},
			{Key: "status", Value: []byte(ev.Status)},
		},
		Time: ev.Time,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
	}
	return nil
}

// Stats returns published, dropped and failed counts
func (p *EventPublisher) Stats() (published, dropped, failed uint64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}

// Close drains the queue and closes the writer
func (p *EventPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

func (p *EventPublisher) OnStart(*chain.ValidationContext) {}

func (p *EventPublisher) OnStep(*chain.ValidationContext, string, *chain.Result) {}

func (p *EventPublisher) OnComplete(vctx *chain.ValidationContext, res *chain.Result) {
	if p.cfg.OnlyRejected && res.IsValid() {
		return
	}
	if err := p.Publish(completeEvent(vctx, res)); err != nil && !errors.Is(err, ErrPublisherClosed) {
		p.logger.Warn("Failed to queue verdict", "request_id", vctx.RequestID, "error", err)
	}
}

func (p *EventPublisher) OnError(error, *chain.ValidationContext) {}
