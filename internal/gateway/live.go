package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/cortexuvula/chatrelay/internal/config"
	"github.com/cortexuvula/chatrelay/internal/room"
	"github.com/cortexuvula/chatrelay/internal/security"
)

// handleLive upgrades the request to a WebSocket and serves it until the
// connection ends.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	cfg := s.GetConfig()
	clientIP := security.ExtractClientIP(r.RemoteAddr)

	var userID string
	if cfg.Auth.RequireToken {
		token := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// Browsers cannot set headers on the handshake.
			token = r.URL.Query().Get("token")
		}
		id, err := s.authenticate(token)
		if err != nil {
			slog.Warn("rejected live connection", "client_ip", clientIP, "error", err)
			s.writeError(w, err)
			return
		}
		userID = id
	}

	if reason := s.Tracker.TryAcquire(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == LimitGlobal {
			slog.Warn("max connections reached", "current", s.Tracker.ConnectionCount(), "max", cfg.Security.MaxConnections)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Service Unavailable", Category: reason})
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", s.Tracker.ConnectionCountForIP(clientIP))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Too Many Requests", Category: reason})
		}
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	if s.Metrics != nil {
		s.Metrics.ConnectionsTotal.Inc()
		s.Metrics.ActiveConnections.Inc()
	}
	defer func() {
		s.Tracker.Release(clientIP)
		if s.Metrics != nil {
			s.Metrics.ActiveConnections.Dec()
		}
	}()

	patterns, anyOrigin := originPatterns(cfg.Server.AllowedOrigins)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     patterns,
		InsecureSkipVerify: anyOrigin,
	})
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Error("failed to accept WebSocket", "client_ip", clientIP, "error", err)
		return
	}
	ws.SetReadLimit(cfg.Server.MaxMessageSize)

	c := newConn(s, ws, clientIP, userID, cfg)
	start := time.Now()
	slog.Info("connection established", "conn_id", c.id, "client_ip", clientIP, "user_id", userID)
	c.serve()
	slog.Info("connection closed", "conn_id", c.id, "client_ip", clientIP, "duration", time.Since(start).String())
}

// WaitConnections blocks until every live connection has finished or ctx
// is done.
func (s *Server) WaitConnections(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// originPatterns turns allowed origins into host patterns for Accept.
// "*" disables the origin check.
func originPatterns(origins []string) ([]string, bool) {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return nil, true
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns, false
}

// Conn is one live connection. It is a room.Subscriber: broadcasts and
// replies share a bounded send queue drained by a single writer.
type Conn struct {
	id     string
	ip     string
	userID string // "" when tokens are not required
	srv    *Server
	ws     *websocket.Conn

	send         chan []byte
	limiter      *rate.Limiter // optional
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closing   atomic.Bool
	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]room.Handle
}

func newConn(s *Server, ws *websocket.Conn, ip, userID string, cfg *config.Config) *Conn {
	ctx, cancel := context.WithCancel(s.ShutdownCtx)
	size := cfg.Server.SendBuffer
	if size <= 0 {
		size = 1
	}
	c := &Conn{
		id:           uuid.NewString(),
		ip:           ip,
		userID:       userID,
		srv:          s,
		ws:           ws,
		send:         make(chan []byte, size),
		writeTimeout: cfg.Server.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		joined:       make(map[string]room.Handle),
	}
	if rl := cfg.Security.RateLimit; rl.Enabled && rl.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rl.MessagesPerSecond), rl.MessagesPerSecond)
	}
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Deliver queues a broadcast. It never blocks: a full queue closes the
// connection with a policy violation and reports the subscriber gone.
func (c *Conn) Deliver(_ context.Context, rec room.Record) error {
	return c.enqueue(messageEvent(rec))
}

// DeliverBacklog queues a join backlog, waiting for queue space until ctx
// is done.
func (c *Conn) DeliverBacklog(ctx context.Context, recs []room.Record) error {
	for _, rec := range recs {
		if c.closing.Load() {
			return room.ErrSubscriberGone
		}
		payload, err := json.Marshal(messageEvent(rec))
		if err != nil {
			return err
		}
		select {
		case c.send <- payload:
		case <-c.ctx.Done():
			return room.ErrSubscriberGone
		case <-ctx.Done():
			c.closing.Store(true)
			go c.close(websocket.StatusPolicyViolation, "backlog not consumed")
			return fmt.Errorf("%w: %v", room.ErrSubscriberGone, ctx.Err())
		}
	}
	return nil
}

func (c *Conn) enqueue(ev serverEvent) error {
	if c.closing.Load() {
		return room.ErrSubscriberGone
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.closing.Store(true)
		slog.Warn("send queue full, closing connection", "conn_id", c.id, "client_ip", c.ip, "capacity", cap(c.send))
		go c.close(websocket.StatusPolicyViolation, "send queue overflow")
		return fmt.Errorf("%w: send queue full", room.ErrSubscriberGone)
	}
}

// reply sends an event to this connection only.
func (c *Conn) reply(ev serverEvent) {
	if err := c.enqueue(ev); err != nil {
		slog.Debug("reply dropped", "conn_id", c.id, "type", ev.Type, "error", err)
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.ws.Close(code, reason)
		c.cancel()
	})
}

func (c *Conn) serve() {
	defer c.cancel()
	cfg := c.srv.GetConfig()

	// Ping must run concurrently with Read per coder/websocket docs.
	if cfg.Server.PingInterval > 0 {
		go c.keepAlive(cfg.Server.PingInterval, cfg.Server.PongTimeout)
	}
	go func() {
		select {
		case <-c.srv.drainCtx.Done():
			c.close(websocket.StatusGoingAway, "server shutting down")
		case <-c.ctx.Done():
		}
	}()

	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump()
	}()

	c.readLoop()
	c.leaveAll()
	c.close(websocket.StatusNormalClosure, "")
	<-written
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				slog.Debug("write failed", "conn_id", c.id, "error", err)
				c.closing.Store(true)
				c.cancel()
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	for {
		// No read deadline: keepalive pings detect dead peers, and a
		// timeout here would drop idle but healthy connections.
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			slog.Debug("read stopped", "conn_id", c.id, "reason", err)
			return
		}
		if typ != websocket.MessageText {
			c.reply(errorEvent("", fmt.Errorf("%w: binary frames are not supported", apperr.ErrInvalidRequest)))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.reply(errorEvent("", fmt.Errorf("%w: slow down", apperr.ErrRateLimited)))
			continue
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	var ev clientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.reply(errorEvent("", fmt.Errorf("%w: invalid JSON: %v", apperr.ErrInvalidRequest, err)))
		return
	}
	if err := c.srv.checkStruct(&ev); err != nil {
		c.reply(errorEvent(ev.ChatID, err))
		return
	}

	switch ev.Type {
	case eventJoin:
		c.join(ev)
	case eventLeave:
		c.leave(ev.ChatID)
	case eventMessage:
		c.post(ev)
	case eventPing:
		c.reply(serverEvent{Type: eventPong})
	}
}

func (c *Conn) join(ev clientEvent) {
	h, err := c.srv.Rooms.Join(c.ctx, ev.ChatID, c.userID, c, ev.Backlog)
	if err != nil {
		slog.Debug("join rejected", "conn_id", c.id, "chat_id", ev.ChatID, "error", err)
		c.reply(errorEvent(ev.ChatID, err))
		return
	}
	c.mu.Lock()
	c.joined[ev.ChatID] = h
	c.mu.Unlock()
	c.reply(serverEvent{Type: eventJoined, ChatID: ev.ChatID})
}

func (c *Conn) leave(chatID string) {
	c.mu.Lock()
	h, ok := c.joined[chatID]
	delete(c.joined, chatID)
	c.mu.Unlock()
	if ok {
		c.srv.Rooms.Leave(h)
	}
	c.reply(serverEvent{Type: eventLeft, ChatID: chatID})
}

func (c *Conn) post(ev clientEvent) {
	senderID := ev.SenderID
	if c.userID != "" {
		if ev.SenderID != "" && ev.SenderID != c.userID {
			c.reply(errorEvent(ev.ChatID, fmt.Errorf("%w: sender_id does not match token", apperr.ErrUnauthorized)))
			return
		}
		senderID = c.userID
	}

	rec, duplicate, err := c.srv.Rooms.PostMessage(c.ctx, room.Post{
		ChatID:         ev.ChatID,
		SenderID:       senderID,
		Content:        ev.Message,
		IdempotencyKey: ev.ClientMsgID,
	})
	if err != nil {
		if c.srv.Metrics != nil {
			c.srv.Metrics.ErrorsTotal.WithLabelValues(apperr.Category(err)).Inc()
		}
		c.reply(errorEvent(ev.ChatID, err))
		return
	}
	if !duplicate {
		c.srv.countPost("ws")
	}
	c.reply(serverEvent{
		Type:        eventAck,
		ChatID:      ev.ChatID,
		Seq:         rec.Seq,
		ClientMsgID: ev.ClientMsgID,
		Duplicate:   duplicate,
	})
}

// leaveAll drops every subscription of this connection.
func (c *Conn) leaveAll() {
	c.mu.Lock()
	joined := c.joined
	c.joined = make(map[string]room.Handle)
	c.mu.Unlock()
	for _, h := range joined {
		c.srv.Rooms.Leave(h)
	}
	if len(joined) > 0 {
		slog.Debug("left all rooms", "conn_id", c.id, "rooms", len(joined))
	}
}

// keepAlive sends periodic pings and closes the connection when one fails.
func (c *Conn) keepAlive(interval, pongTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pongTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "conn_id", c.id, "error", err)
				c.close(websocket.StatusGoingAway, "keepalive timeout")
				return
			}
		}
	}
}
