package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cadence/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the gateway binds to loopback by default
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one WebSocket connection.
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	// quit is closed by the hub when the client is removed
	quit          chan struct{}
	conversations map[string]bool
	id            string
	connectedAt   time.Time
}

// NewClient creates a client for conn.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		quit:          make(chan struct{}),
		conversations: make(map[string]bool),
		id:            uuid.New().String(),
		connectedAt:   time.Now(),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to parse WebSocket message")
		c.sendError(CodeInvalidMessage, "failed to parse message")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		if msg.Conversation == "" {
			c.sendError(CodeInvalidRequest, "subscribe requires conversation")
			return
		}
		c.hub.Subscribe(c, msg.Conversation)

	case TypeUnsubscribe:
		if msg.Conversation != "" {
			c.hub.Unsubscribe(c, msg.Conversation)
		}

	case TypePing:
		c.reply(WSMessage{Type: TypePong})

	case TypeSend:
		if msg.Conversation == "" {
			c.sendError(CodeInvalidRequest, "send requires conversation")
			return
		}
		// subscribe first so the first preview is not missed
		c.hub.Subscribe(c, msg.Conversation)
		if err := c.hub.StartTurn(msg.Conversation, msg.Prompt); err != nil {
			logger.Debug().Err(err).Str("client_id", c.id).Str("conversation", msg.Conversation).Msg("turn rejected")
			c.sendError(CodeTurnFailed, err.Error())
		}

	case TypeCancel:
		if msg.Conversation == "" {
			c.sendError(CodeInvalidRequest, "cancel requires conversation")
			return
		}
		if err := c.hub.CancelTurn(msg.Conversation); err != nil {
			c.sendError(CodeCancelFailed, err.Error())
		}

	default:
		c.sendError(CodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a frame for this client only. It is dropped when the
// buffer is full.
func (c *Client) reply(msg WSMessage) {
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(code, message string) {
	c.reply(WSMessage{Type: TypeError, Code: code, Message: message})
}

// ServeWs upgrades the request and starts the client's pumps.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := NewClient(hub, conn)
	hub.Register(client)

	go client.writePump()
	go client.readPump()
}
