package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breddin/codecollab/internal/auth"
	"github.com/breddin/codecollab/internal/protocol"
	"github.com/breddin/codecollab/internal/session"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	sendQueueSize = 256
)

// ErrSendQueueFull reports a collaborator whose outbound queue is saturated.
var ErrSendQueueFull = errors.New("send queue is full")

// Client is one WebSocket connection's gateway-side state. Fields behind mu
// change as the connection walks CONNECTED -> AUTHENTICATED -> JOINED ->
// DISCONNECTED.
type Client struct {
	ID       string // connection ID
	ClientIP string

	mu            sync.Mutex
	state         session.ClientState
	clientID      string
	sessionID     string
	identity      *auth.Identity
	documentID    string
	lastHeartbeat time.Time

	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	closed sync.Once
}

// NewClient wraps a fresh WebSocket connection.
func NewClient(id, clientID, sessionID, clientIP string, ws *websocket.Conn, hub *Hub) *Client {
	return &Client{
		ID:            id,
		ClientIP:      clientIP,
		state:         session.StateConnected,
		clientID:      clientID,
		sessionID:     sessionID,
		lastHeartbeat: time.Now(),
		ws:            ws,
		send:          make(chan []byte, sendQueueSize),
		hub:           hub,
	}
}

// State returns the connection's lifecycle state.
func (c *Client) State() session.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the stable per-connection client identifier.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// UserID returns the authenticated user, or "" before AUTHENTICATE.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

// DocumentID returns the joined document, or "" when not joined.
func (c *Client) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

// Info snapshots the client as a session collaborator record.
func (c *Client) Info() session.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := session.ClientInfo{
		ClientID:   c.clientID,
		SessionID:  c.sessionID,
		DocumentID: c.documentID,
		State:      c.state,
	}
	if c.identity != nil {
		info.UserID = c.identity.UserID
	}
	return info
}

func (c *Client) authenticate(id *auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
	c.state = session.StateAuthenticated
}

func (c *Client) joinDocument(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documentID = documentID
	c.state = session.StateJoined
}

func (c *Client) leaveDocument() (documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	documentID = c.documentID
	c.documentID = ""
	if c.state == session.StateJoined || c.state == session.StateIdle {
		c.state = session.StateAuthenticated
	}
	return documentID
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = session.StateDisconnected
}

func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

func (c *Client) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}

// Send encodes and queues an outbound message. A saturated queue fails this
// one delivery without blocking the caller.
func (c *Client) Send(msgType protocol.MessageType, documentID string, payload interface{}) error {
	data, err := protocol.Encode(msgType, documentID, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendError replies with a protocol ERROR message.
func (c *Client) SendError(code, message string) error {
	return c.Send(protocol.TypeError, "", protocol.ErrorPayload{Code: code, Message: message})
}

// Close tears down the transport once.
func (c *Client) Close() {
	c.closed.Do(func() {
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// ReadPump reads frames off the WebSocket and hands them to the hub until
// the connection dies, then triggers unregistration.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.security.Messages.RemoveConnection(c.ID)
		c.hub.security.Connections.RemoveConnection(c.ClientIP)
		c.hub.unregister(c)
		c.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("connection read error", "connectionId", c.ID, "error", err)
			}
			return
		}

		if ok, reason := c.hub.validateInbound(c, data); !ok {
			c.SendError("MESSAGE_REJECTED", reason)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.SendError("INVALID_MESSAGE", err.Error())
			continue
		}

		// Messages run on this goroutine, keeping per-connection order;
		// cross-document parallelism comes from the per-connection pumps.
		c.hub.HandleMessage(c, msg)
	}
}

// WritePump drains the send queue onto the WebSocket and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("connection write error", "connectionId", c.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
