package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/poll"
)

// Client is a Broker backed by a remote Server. It is safe for concurrent use
// but holds at most one subscription per channel.
type Client struct {
	addr string
	ws   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	subs    map[string]*clientSub
	err     error
	done    chan struct{}
}

// Endpoint returns the websocket URL for a broker listening on hostport.
func Endpoint(hostport string) string {
	u := url.URL{Scheme: "ws", Host: hostport, Path: "/ws"}
	return u.String()
}

// Dial connects once to the broker at hostport.
func Dial(ctx context.Context, hostport string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, Endpoint(hostport), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, hostport, err)
	}
	c := &Client{
		addr:    hostport,
		ws:      ws,
		pending: make(map[uint64]chan frame),
		subs:    make(map[string]*clientSub),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// DialRetry dials until the broker answers or cfg runs out.
func DialRetry(ctx context.Context, hostport string, cfg poll.Config) (*Client, error) {
	var client *Client
	var lastErr error
	outcome, err := poll.Until(ctx, cfg, func(attempt int) (bool, error) {
		c, err := Dial(ctx, hostport)
		if err != nil {
			lastErr = err
			log.Debug().Msgf("broker.DialRetry attempt=%d addr=%q err=%v", attempt, hostport, err)
			return false, nil
		}
		client = c
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != poll.Ready {
		return nil, lastErr
	}
	return client, nil
}

func (c *Client) Publish(ctx context.Context, channel string, data []byte) (int, error) {
	resp, err := c.request(ctx, frame{Type: framePublish, Channel: channel, Data: data})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	if _, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadySubscribed, channel)
	}
	sub := &clientSub{client: c, channel: channel, queue: newQueue()}
	c.subs[channel] = sub
	c.mu.Unlock()

	if _, err := c.request(ctx, frame{Type: frameSubscribe, Channel: channel}); err != nil {
		c.dropSub(sub)
		return nil, err
	}
	return sub, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.request(ctx, frame{Type: frameGet, Key: key})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return []byte{}, nil
	}
	return resp.Data, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.request(ctx, frame{Type: frameSet, Key: key, Data: value})
	return err
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.request(ctx, frame{Type: frameDelete, Key: key})
	return err
}

// Close drops the connection; open subscriptions end with ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) request(ctx context.Context, req frame) (frame, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return frame{}, c.err
	}
	c.nextID++
	req.ID = c.nextID
	reply := make(chan frame, 1)
	c.pending[req.ID] = reply
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return frame{}, fmt.Errorf("%w: write %s: %v", ErrUnavailable, req.Type, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return frame{}, c.closedErr()
		}
		if resp.Type == frameError {
			if resp.Error == errCodeNotFound {
				return frame{}, fmt.Errorf("%w: %q", ErrKeyNotFound, req.Key)
			}
			return frame{}, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return frame{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	var readErr error
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			readErr = err
			break
		}
		c.dispatch(f)
	}

	c.mu.Lock()
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure) || errors.Is(readErr, websocket.ErrCloseSent) {
		c.err = ErrClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrClosed, readErr)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for channel, sub := range c.subs {
		sub.queue.close()
		delete(c.subs, channel)
	}
	c.mu.Unlock()
	log.Debug().Msgf("broker.Client connection closed addr=%q err=%v", c.addr, readErr)
}

func (c *Client) dispatch(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Type {
	case frameMessage:
		if sub, ok := c.subs[f.Channel]; ok {
			sub.queue.push(Message{Kind: KindMessage, Channel: f.Channel, Data: f.Data})
		}
		return
	case frameSubscribe:
		// Queue the ack from the reader so it precedes any message frame.
		if sub, ok := c.subs[f.Channel]; ok {
			sub.queue.push(Message{Kind: KindSubscribe, Channel: f.Channel, Count: f.Count})
		}
	}
	if ch, ok := c.pending[f.ID]; ok {
		delete(c.pending, f.ID)
		ch <- f
	}
}

func (c *Client) dropSub(sub *clientSub) {
	c.mu.Lock()
	if c.subs[sub.channel] == sub {
		delete(c.subs, sub.channel)
	}
	c.mu.Unlock()
	sub.queue.close()
}

type clientSub struct {
	client  *Client
	channel string
	queue   *queue
	once    sync.Once
}

func (s *clientSub) Channel() string { return s.channel }

func (s *clientSub) Next(ctx context.Context) (Message, error) {
	return s.queue.pop(ctx)
}

func (s *clientSub) Close() error {
	var err error
	s.once.Do(func() {
		s.client.dropSub(s)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = s.client.request(ctx, frame{Type: frameUnsubscribe, Channel: s.channel})
		if errors.Is(err, ErrClosed) {
			err = nil
		}
	})
	return err
}
