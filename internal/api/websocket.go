package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// wsSubscribeTimeout bounds the native observe behind a subscribe.
	wsSubscribeTimeout = 10 * time.Second
)

// WSMessage is a message sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a message received from a WebSocket client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe messages.
type WSSubscribePayload struct {
	Characteristics []homekit.CharacteristicRef `json:"characteristics"`
}

// WSSubscribeFailure reports a characteristic that could not be subscribed.
type WSSubscribeFailure struct {
	homekit.CharacteristicRef
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hub tracks WebSocket clients. Characteristic events reach a client
// through its own bridge subscriptions; everything else is broadcast.
type Hub struct {
	bridge  homekit.Bridge
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	subject string

	mu     sync.Mutex
	subs   map[homekit.CharacteristicRef]homekit.SubscriptionHandle
	closed bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub whose clients subscribe through bridge.
func NewHub(bridge homekit.Bridge, cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		bridge:  bridge,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", client.subject, "clients", n)
}

// Unregister removes a client, releases its bridge subscriptions and closes
// its send channel. Only the call that removes the client closes the channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if !existed {
		return
	}
	client.release()
	close(client.send)
	h.logger.Debug("websocket client disconnected", "subject", client.subject, "clients", n)
}

// BroadcastKinds are the event kinds Broadcast forwards. Characteristic
// changes reach clients through their own subscriptions instead.
var BroadcastKinds = []homekit.EventKind{
	homekit.EventReadinessChanged,
	homekit.EventHomeAdded,
	homekit.EventHomeRemoved,
	homekit.EventHomeChanged,
	homekit.EventAccessoryAdded,
	homekit.EventAccessoryRemoved,
	homekit.EventAccessoryChanged,
	homekit.EventReachabilityChanged,
}

// Broadcast is a bridge observer. It pushes readiness and structural
// events to every client; characteristic changes are skipped because they
// arrive through per-client subscriptions.
func (h *Hub) Broadcast(e homekit.Event) {
	if e.Kind == homekit.EventCharacteristicChanged {
		return
	}
	data, err := encodeEvent(e)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.Unregister(client)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

func encodeEvent(e homekit.Event) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: string(e.Kind),
		Timestamp: e.Time.UTC().Format(time.RFC3339Nano),
		Payload:   e,
	})
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		subs: make(map[homekit.CharacteristicRef]homekit.SubscriptionHandle),
	}
	if claims, ok := claimsFromContext(r.Context()); ok {
		client.subject = claims.Subject
	}

	s.hub.Register(client)
	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() {
		if wait > 0 {
			//nolint:errcheck // best-effort deadline
			c.conn.SetReadDeadline(time.Now().Add(wait))
		}
	}
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend()
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	interval := time.Duration(cfg.PingInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			//nolint:errcheck // best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				//nolint:errcheck // best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg wsRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func decodeRefs(raw json.RawMessage) ([]homekit.CharacteristicRef, bool) {
	var p WSSubscribePayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil || len(p.Characteristics) == 0 {
		return nil, false
	}
	return p.Characteristics, true
}

// handleSubscribe creates one bridge subscription per requested
// characteristic the client is not yet subscribed to.
func (c *WSClient) handleSubscribe(msg wsRequest) {
	refs, ok := decodeRefs(msg.Payload)
	if !ok {
		c.sendError(msg.ID, "subscribe payload needs a non-empty characteristics list")
		return
	}

	subscribed := make([]homekit.CharacteristicRef, 0, len(refs))
	var failed []WSSubscribeFailure
	for _, ref := range refs {
		if c.hasSubscription(ref) {
			subscribed = append(subscribed, ref)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), wsSubscribeTimeout)
		handle, err := c.hub.bridge.Subscribe(ctx, ref.AccessoryID, ref.ServiceID, ref.CharacteristicID, c.deliver)
		cancel()
		if err != nil {
			_, code := statusForError(err)
			failed = append(failed, WSSubscribeFailure{CharacteristicRef: ref, Code: code, Message: err.Error()})
			continue
		}

		if !c.addSubscription(ref, handle) {
			c.unsubscribe(handle)
			return
		}
		subscribed = append(subscribed, ref)
	}

	c.hub.logger.Debug("websocket client subscribed", "subject", c.subject, "count", len(subscribed), "failed", len(failed))
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": subscribed,
		"failed":     failed,
	})
}

func (c *WSClient) handleUnsubscribe(msg wsRequest) {
	refs, ok := decodeRefs(msg.Payload)
	if !ok {
		c.sendError(msg.ID, "unsubscribe payload needs a non-empty characteristics list")
		return
	}

	for _, ref := range refs {
		c.mu.Lock()
		handle, ok := c.subs[ref]
		delete(c.subs, ref)
		c.mu.Unlock()
		if ok {
			c.unsubscribe(handle)
		}
	}
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": refs})
}

// deliver is the bridge listener for this client's subscriptions.
func (c *WSClient) deliver(e homekit.Event) {
	data, err := encodeEvent(e)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) hasSubscription(ref homekit.CharacteristicRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[ref]
	return ok
}

// addSubscription records handle unless the client has already gone.
func (c *WSClient) addSubscription(ref homekit.CharacteristicRef, handle homekit.SubscriptionHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs[ref] = handle
	return true
}

// release drops every bridge subscription held by the client.
func (c *WSClient) release() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, handle := range subs {
		c.unsubscribe(handle)
	}
}

func (c *WSClient) unsubscribe(handle homekit.SubscriptionHandle) {
	if err := c.hub.bridge.Unsubscribe(handle); err != nil {
		c.hub.logger.Warn("websocket unsubscribe failed", "subject", c.subject, "error", err)
	}
}

// SubscriptionCount returns how many characteristics the client follows.
func (c *WSClient) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// trySend queues data without blocking. Slow clients lose messages, and a
// send racing with disconnect is absorbed.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // absorb send on closed channel
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
