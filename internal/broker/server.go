package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/observability"
)

// ServerConfig tunes the websocket transport.
type ServerConfig struct {
	Node           string
	MaxMessageSize int64
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Node:           "tmbroker",
		MaxMessageSize: 64 << 20,
		PingInterval:   20 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server exposes a Hub on GET /ws.
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	echo     *echo.Echo
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*serverConn
}

func NewServer(hub *Hub, cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if cfg.Node == "" {
		cfg.Node = def.Node
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		cfg: cfg,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*serverConn),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	observability.Mount(e, cfg.Node, observability.ServiceLogger(cfg.Node))
	e.GET("/ws", s.handleWebSocket)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "connections": s.connectionCount()})
	})
	s.echo = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	log.Info().Msgf("broker.Server listening addr=%q", addr)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drops every connection (and with them their subscriptions) and
// stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Msgf("broker.Server upgrade err=%v", err)
		return err
	}
	conn := &serverConn{
		id:   uuid.New().String(),
		ws:   ws,
		hub:  s.hub,
		cfg:  s.cfg,
		send: make(chan frame, 256),
		done: make(chan struct{}),
		subs: make(map[string]Subscription),
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	log.Info().Msgf("broker.Server client connected id=%s remote=%q", conn.id, c.RealIP())

	go conn.writePump()
	go func() {
		conn.readPump()
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
		log.Info().Msgf("broker.Server client disconnected id=%s", conn.id)
	}()
	return nil
}

type serverConn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	cfg  ServerConfig
	send chan frame
	done chan struct{}

	mu        sync.Mutex
	subs      map[string]Subscription
	closeOnce sync.Once
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for channel, sub := range c.subs {
			sub.Close()
			delete(c.subs, channel)
		}
		c.mu.Unlock()
		c.ws.Close()
	})
}

func (c *serverConn) enqueue(f frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *serverConn) readPump() {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Msgf("broker.serverConn read id=%s err=%v", c.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var req frame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.enqueue(frame{Type: frameError, Error: "invalid frame"})
			continue
		}
		c.handle(req)
	}
}

func (c *serverConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				log.Warn().Msgf("broker.serverConn write id=%s err=%v", c.id, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (c *serverConn) handle(req frame) {
	ctx := context.Background()
	switch req.Type {
	case frameSubscribe:
		c.subscribe(ctx, req)
	case frameUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[req.Channel]
		delete(c.subs, req.Channel)
		c.mu.Unlock()
		if ok {
			sub.Close()
		}
		c.enqueue(frame{Type: frameUnsubscribe, ID: req.ID, Channel: req.Channel})
	case framePublish:
		count, err := c.hub.Publish(ctx, req.Channel, req.Data)
		c.reply(req, frame{Count: count}, err)
	case frameGet:
		value, err := c.hub.Get(ctx, req.Key)
		c.reply(req, frame{Key: req.Key, Data: value}, err)
	case frameSet:
		c.reply(req, frame{Key: req.Key}, c.hub.Set(ctx, req.Key, req.Data))
	case frameDelete:
		c.reply(req, frame{Key: req.Key}, c.hub.Delete(ctx, req.Key))
	default:
		c.enqueue(frame{Type: frameError, ID: req.ID, Error: "unknown frame type " + req.Type})
	}
}

func (c *serverConn) reply(req, resp frame, err error) {
	resp.ID = req.ID
	switch {
	case errors.Is(err, ErrKeyNotFound):
		resp.Type = frameError
		resp.Error = errCodeNotFound
		resp.Data = nil
	case err != nil:
		resp.Type = frameError
		resp.Error = err.Error()
		resp.Data = nil
	default:
		resp.Type = frameReply
	}
	c.enqueue(resp)
}

func (c *serverConn) subscribe(ctx context.Context, req frame) {
	c.mu.Lock()
	if _, ok := c.subs[req.Channel]; ok {
		c.mu.Unlock()
		c.enqueue(frame{Type: frameError, ID: req.ID, Error: ErrAlreadySubscribed.Error()})
		return
	}
	sub, err := c.hub.Subscribe(ctx, req.Channel)
	if err != nil {
		c.mu.Unlock()
		c.enqueue(frame{Type: frameError, ID: req.ID, Error: err.Error()})
		return
	}
	c.subs[req.Channel] = sub
	c.mu.Unlock()

	ack, err := sub.Next(ctx)
	if err != nil {
		c.enqueue(frame{Type: frameError, ID: req.ID, Error: err.Error()})
		return
	}
	// The ack is queued before the pump starts so it always precedes messages.
	c.enqueue(frame{Type: frameSubscribe, ID: req.ID, Channel: ack.Channel, Count: ack.Count})
	go c.pump(sub)
}

func (c *serverConn) pump(sub Subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if !c.enqueue(frame{Type: frameMessage, Channel: msg.Channel, Data: msg.Data}) {
			return
		}
	}
}
