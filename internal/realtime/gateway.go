package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketplace-live/internal/auth"
	"marketplace-live/internal/observability/logging"
	"marketplace-live/internal/observability/metrics"
)

const (
	defaultSendBuffer     = 64
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 10 * time.Second
	defaultMaxMessageSize = 4096
)

// Authenticator verifies the credential presented with a handshake.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// GatewayConfig configures a websocket Gateway.
type GatewayConfig struct {
	Hub           *Hub
	Authenticator Authenticator
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	// AllowedOrigins lists the browser origins permitted to connect. "*"
	// allows any origin; an empty list allows same-host origins only.
	AllowedOrigins []string
	// SendBuffer is the per-connection queue length. A connection whose
	// queue is full is closed as a slow consumer.
	SendBuffer int
	WriteWait  time.Duration
	// HeartbeatInterval and PongWait bound how long a silent peer is kept:
	// the read deadline is their sum and every pong extends it.
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	MaxMessageSize    int64
}

// Gateway upgrades authenticated HTTP requests to websocket connections and
// serves the client protocol on them.
type Gateway struct {
	hub            *Hub
	authenticator  Authenticator
	logger         *slog.Logger
	metrics        *metrics.Recorder
	upgrader       websocket.Upgrader
	allowedOrigins map[string]struct{}
	allowAnyOrigin bool
	sendBuffer     int
	writeWait      time.Duration
	readTimeout    time.Duration
	maxMessageSize int64

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	g := &Gateway{
		hub:            cfg.Hub,
		authenticator:  cfg.Authenticator,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		allowedOrigins: make(map[string]struct{}),
		clients:        make(map[*client]struct{}),
		sendBuffer:     cfg.SendBuffer,
		writeWait:      cfg.WriteWait,
		maxMessageSize: cfg.MaxMessageSize,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = metrics.Default()
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = defaultSendBuffer
	}
	if g.writeWait <= 0 {
		g.writeWait = defaultWriteWait
	}
	if g.maxMessageSize <= 0 {
		g.maxMessageSize = defaultMaxMessageSize
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	g.readTimeout = heartbeat + pongWait
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			g.allowAnyOrigin = true
		default:
			g.allowedOrigins[strings.ToLower(strings.TrimSuffix(origin, "/"))] = struct{}{}
		}
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{"bearer"},
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || g.allowAnyOrigin {
		return true
	}
	if _, ok := g.allowedOrigins[strings.ToLower(origin)]; ok {
		return true
	}
	if len(g.allowedOrigins) > 0 {
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

// ServeHTTP authenticates the handshake, upgrades the connection and serves
// it until the peer goes away. Rejected handshakes get 401 and are never
// registered. When ServeHTTP returns the connection is unregistered and has
// left every room.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.authenticator.Authenticate(r)
	if err != nil {
		g.metrics.ObserveHandshake("unauthorized")
		g.logger.Debug("websocket handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="marketplace-live"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		g.metrics.ObserveHandshake("upgrade_failed")
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	g.metrics.ObserveHandshake("accepted")

	c := &client{
		gateway:    g,
		id:         uuid.NewString(),
		userID:     identity.UserID,
		role:       identity.Role,
		conn:       conn,
		send:       make(chan []byte, g.sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(logging.ContextWithConnection(r.Context(), c.id, c.userID))
	defer cancel()
	c.logger = logging.WithContext(ctx, g.logger)

	if !g.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.untrack(c)

	g.hub.Connect(c)
	c.logger.Debug("connection registered")
	go c.writeLoop()
	c.readLoop(ctx)

	c.close()
	g.hub.Disconnect(c)
	<-c.writerDone
	c.logger.Debug("connection unregistered")
}

// Close sends 1001 Going Away to every open connection and refuses new ones.
// http.Server.Shutdown does not reach hijacked connections, so servers call
// Close while shutting down.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	if len(clients) > 0 {
		g.logger.Info("closed websocket connections for shutdown", "connections", len(clients))
	}
	return nil
}

func (g *Gateway) track(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

type client struct {
	gateway *Gateway
	id      string
	userID  string
	role    string
	conn    *websocket.Conn
	logger  *slog.Logger

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.userID }
func (c *client) Role() string   { return c.role }

// Send queues message for the writer. A full queue evicts the connection so
// the client reconnects and catches up from replay.
func (c *client) Send(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		c.gateway.metrics.ObserveEviction()
		c.logger.Warn("send queue full, evicting slow consumer")
		go c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

// Ping writes a ping control frame. The pong handler extends the read
// deadline.
func (c *client) Ping() error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gateway.writeWait))
}

func (c *client) Close() error {
	c.close()
	return nil
}

func (c *client) close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.gateway.writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	readTimeout := c.gateway.readTimeout
	c.conn.SetReadLimit(c.gateway.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("", "invalid payload")
			continue
		}
		switch msg.Type {
		case messageTypeJoin:
			c.handleJoin(msg)
		case messageTypeLeave:
			c.handleLeave(msg)
		case messageTypeOfflineUpdates:
			c.handleOfflineUpdates(ctx, msg)
		default:
			c.sendError(msg.ID, "unknown command")
		}
	}
}

func (c *client) handleJoin(msg inboundMessage) {
	room, err := c.gateway.hub.Join(c, msg.EntityType, msg.EntityID)
	if err != nil {
		c.sendError(msg.ID, clientError(err, "join failed"))
		return
	}
	logging.WithRoom(c.logger, room.String()).Debug("joined room")
	c.sendAck(msg.ID)
}

func (c *client) handleLeave(msg inboundMessage) {
	room, err := c.gateway.hub.Leave(c, msg.EntityType, msg.EntityID)
	if err != nil {
		c.sendError(msg.ID, clientError(err, "leave failed"))
		return
	}
	logging.WithRoom(c.logger, room.String()).Debug("left room")
	c.sendAck(msg.ID)
}

func (c *client) handleOfflineUpdates(ctx context.Context, msg inboundMessage) {
	records, err := c.gateway.hub.OfflineUpdates(ctx, msg.EntityType, msg.EntityID)
	if err != nil {
		c.logger.Warn("offline updates failed", "entity_type", msg.EntityType, "entity_id", msg.EntityID, "error", err)
		c.sendError(msg.ID, clientError(err, "offline updates unavailable"))
		return
	}
	c.sendJSON(offlineUpdatesMessage{Type: messageTypeOffline, ID: msg.ID, Records: records})
}

func (c *client) sendAck(id string) {
	c.sendJSON(outboundMessage{Type: messageTypeAck, ID: id, Success: true})
}

func (c *client) sendError(id, message string) {
	c.sendJSON(outboundMessage{Type: messageTypeError, ID: id, Error: message})
}

func (c *client) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal reply", "error", err)
		return
	}
	c.Send(payload)
}

// clientError exposes subscription errors verbatim and hides everything else
// behind fallback.
func clientError(err error, fallback string) string {
	var subErr *SubscriptionError
	if errors.As(err, &subErr) {
		return subErr.Error()
	}
	return fallback
}
