package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dandantas/scout/internal/broadcast"
	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/service"
	"github.com/dandantas/scout/internal/trace"
)

// WebSocket message types
const (
	MessageTypeSubscribe   = "subscribe-search"
	MessageTypeUnsubscribe = "unsubscribe-search"
	MessageTypeError       = "error"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
	wsSendBuffer = 64
)

type clientMessage struct {
	Type     string `json:"type"`
	SearchID string `json:"searchId"`
}

type errorMessage struct {
	Type     string `json:"type"`
	SearchID string `json:"searchId,omitempty"`
	Message  string `json:"message"`
}

// WebSocketHandler pushes progress for any number of searches over one
// connection
type WebSocketHandler struct {
	orch     *service.Orchestrator
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(orch *service.Orchestrator, hub *broadcast.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		orch: orch,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // API keys gate access, not origins
			},
		},
	}
}

// ServeHTTP handles GET /ws
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		trace.Logger(r.Context()).Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		handler: h,
		conn:    conn,
		req:     r,
		send:    make(chan any, wsSendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]*broadcast.Subscription),
		logger:  trace.Logger(r.Context()),
	}
	c.logger.Debug("WebSocket connected", "remote_addr", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop()
}

type wsClient struct {
	handler *WebSocketHandler
	conn    *websocket.Conn
	req     *http.Request
	send    chan any
	done    chan struct{}
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]*broadcast.Subscription
	wg   sync.WaitGroup
}

func (c *wsClient) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Ignoring malformed WebSocket message", "error", err)
			continue
		}

		switch msg.Type {
		case MessageTypeSubscribe:
			c.subscribe(msg.SearchID)
		case MessageTypeUnsubscribe:
			c.unsubscribe(msg.SearchID)
		default:
			c.logger.Debug("Ignoring WebSocket message", "type", msg.Type)
		}
	}
}

func (c *wsClient) subscribe(id string) {
	if id == "" {
		c.enqueue(errorMessage{Type: MessageTypeError, Message: "searchId is required"})
		return
	}
	job, err := ownedJob(c.req, c.handler.orch, id)
	if err != nil {
		message := "search not found"
		if !errors.Is(err, service.ErrNotFound) {
			message = classifier.Classify(err).UserMessage
		}
		c.enqueue(errorMessage{Type: MessageTypeError, SearchID: id, Message: message})
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[id]; exists {
		c.mu.Unlock()
		return
	}
	sub, ok := c.handler.hub.SubscribeExisting(id)
	if !ok {
		c.mu.Unlock()
		c.enqueue(newProgressMessage(model.EventFromJob(job, true)))
		return
	}
	c.subs[id] = sub
	c.wg.Add(1)
	c.mu.Unlock()

	go c.forward(id, sub)
}

// forward relays one subscription until its stream ends
func (c *wsClient) forward(id string, sub *broadcast.Subscription) {
	defer c.wg.Done()
	for ev := range sub.Events() {
		if !c.enqueue(newProgressMessage(ev)) {
			break
		}
	}

	c.mu.Lock()
	if c.subs[id] == sub {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	sub.Close()
}

func (c *wsClient) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// enqueue hands a message to the writer. It reports false once the
// connection is closing.
func (c *wsClient) enqueue(msg any) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("WebSocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (c *wsClient) close() {
	close(c.done)

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*broadcast.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	c.wg.Wait()
	_ = c.conn.Close()

	c.logger.Debug("WebSocket disconnected", "remote_addr", c.req.RemoteAddr)
}
