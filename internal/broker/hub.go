package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/observability"
)

// Hub is the in-process broker. It is safe for concurrent use.
type Hub struct {
	store Store

	mu       sync.Mutex
	channels map[string]map[*hubSub]struct{}
	closed   bool
}

// NewHub wraps store; a nil store keeps keys in memory.
func NewHub(store Store) *Hub {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Hub{
		store:    store,
		channels: make(map[string]map[*hubSub]struct{}),
	}
}

func (h *Hub) Publish(_ context.Context, channel string, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	count := 0
	for sub := range h.channels[channel] {
		payload := append([]byte(nil), data...)
		if sub.queue.push(Message{Kind: KindMessage, Channel: channel, Data: payload}) {
			count++
		}
	}
	observability.RecordPublish(channel)
	log.Debug().Msgf("broker.Hub.Publish channel=%q receivers=%d bytes=%d", channel, count, len(data))
	return count, nil
}

func (h *Hub) Subscribe(_ context.Context, channel string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	sub := &hubSub{hub: h, channel: channel, queue: newQueue()}
	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[*hubSub]struct{})
		h.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	sub.queue.push(Message{Kind: KindSubscribe, Channel: channel, Count: 1})
	observability.SetSubscribers(channel, len(subs))
	return sub, nil
}

// Subscribers returns the live subscriber count for channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

func (h *Hub) Get(ctx context.Context, key string) ([]byte, error) {
	return h.store.Get(ctx, key)
}

func (h *Hub) Set(ctx context.Context, key string, value []byte) error {
	return h.store.Set(ctx, key, value)
}

func (h *Hub) Delete(ctx context.Context, key string) error {
	return h.store.Delete(ctx, key)
}

// Close ends every subscription. The store is owned by the caller.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for channel, subs := range h.channels {
		for sub := range subs {
			sub.queue.close()
		}
		delete(h.channels, channel)
	}
	return nil
}

func (h *Hub) unsubscribe(sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.channels[sub.channel]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.channels, sub.channel)
	}
	observability.SetSubscribers(sub.channel, len(subs))
}

type hubSub struct {
	hub     *Hub
	channel string
	queue   *queue
	once    sync.Once
}

func (s *hubSub) Channel() string { return s.channel }

func (s *hubSub) Next(ctx context.Context) (Message, error) {
	return s.queue.pop(ctx)
}

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
		s.queue.close()
	})
	return nil
}

// Conn is a per-participant view of a Hub. Closing it ends only the
// subscriptions opened through it, the way a dropped network connection does.
type Conn struct {
	hub *Hub

	mu     sync.Mutex
	subs   map[Subscription]struct{}
	closed bool
}

// Connect returns a new participant view of h.
func (h *Hub) Connect() *Conn {
	return &Conn{hub: h, subs: make(map[Subscription]struct{})}
}

func (c *Conn) Publish(ctx context.Context, channel string, data []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	return c.hub.Publish(ctx, channel, data)
}

func (c *Conn) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sub, err := c.hub.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	c.subs[sub] = struct{}{}
	return sub, nil
}

func (c *Conn) Get(ctx context.Context, key string) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.hub.Get(ctx, key)
}

func (c *Conn) Set(ctx context.Context, key string, value []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.hub.Set(ctx, key, value)
}

func (c *Conn) Delete(ctx context.Context, key string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.hub.Delete(ctx, key)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for sub := range c.subs {
		sub.Close()
	}
	c.subs = nil
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
