package observer

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/pkg/core/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscription receives events from a StreamHub
type Subscription struct {
	hub       *StreamHub
	requestID string
	ch        chan Event
	once      sync.Once
}

// Events returns the event channel. It is closed on Unsubscribe and hub Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe detaches the subscription from its hub
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// StreamHub fans lifecycle events out to subscribers. Slow subscribers lose
// events instead of blocking the request.
type StreamHub struct {
	logger   *logging.Logger
	buffer   int
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	dropped atomic.Uint64
}

// StreamOption configures a StreamHub
type StreamOption func(*StreamHub)

// WithStreamBuffer sets the per subscriber buffer size
func WithStreamBuffer(n int) StreamOption {
	return func(h *StreamHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithCheckOrigin sets the websocket origin check
func WithCheckOrigin(fn func(*http.Request) bool) StreamOption {
	return func(h *StreamHub) { h.upgrader.CheckOrigin = fn }
}

// NewStreamHub creates a hub
func NewStreamHub(logger *logging.Logger, opts ...StreamOption) *StreamHub {
	if logger == nil {
		logger = logging.Nop()
	}
	h := &StreamHub{
		logger: logger,
		buffer: 64,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subs: make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber. A non-empty requestID restricts the
// subscription to that request.
func (h *StreamHub) Subscribe(requestID string) *Subscription {
	s := &Subscription{hub: h, requestID: requestID, ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *StreamHub) remove(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Subscribers returns the number of active subscriptions
func (h *StreamHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of events discarded for full subscribers
func (h *StreamHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Publish delivers ev to every matching subscriber without blocking
func (h *StreamHub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		if s.requestID != "" && s.requestID != ev.RequestID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Publish is a no-op afterwards.
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.close()
	}
	h.subs = make(map[*Subscription]struct{})
}

func (h *StreamHub) OnStart(vctx *chain.ValidationContext) {
	h.Publish(baseEvent(EventStart, vctx))
}

func (h *StreamHub) OnStep(vctx *chain.ValidationContext, name string, res *chain.Result) {
	h.Publish(stepEvent(vctx, name, res))
}

func (h *StreamHub) OnComplete(vctx *chain.ValidationContext, res *chain.Result) {
	h.Publish(completeEvent(vctx, res))
}

func (h *StreamHub) OnError(err error, vctx *chain.ValidationContext) {
	h.Publish(errorEvent(err, vctx))
}

// ServeHTTP upgrades to a websocket and streams events as JSON messages.
// The optional request_id query parameter filters the stream.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.Subscribe(r.URL.Query().Get("request_id"))
	defer sub.Unsubscribe()

	h.logger.Info("Stream subscriber connected",
		"remote", conn.RemoteAddr().String(),
		"request_id", sub.requestID)

	// the reader only handles control frames and notices disconnects
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn("WebSocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("WebSocket send error", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			h.logger.Info("Stream subscriber disconnected", "remote", conn.RemoteAddr().String())
			return
		case <-r.Context().Done():
			return
		}
	}
}
