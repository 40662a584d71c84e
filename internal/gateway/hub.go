// Package gateway accepts collaboration connections, authenticates them,
// dispatches wire messages to the session store and presence manager, and
// broadcasts results to document collaborators.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breddin/codecollab/internal/auth"
	"github.com/breddin/codecollab/internal/ot"
	"github.com/breddin/codecollab/internal/presence"
	"github.com/breddin/codecollab/internal/protocol"
	"github.com/breddin/codecollab/internal/security"
	"github.com/breddin/codecollab/internal/session"
)

// DefaultHeartbeatInterval is how often the heartbeat monitor runs; clients
// silent for about twice this are disconnected.
const DefaultHeartbeatInterval = 30 * time.Second

// Fanout bridges document broadcasts across server instances. A nil Fanout
// keeps delivery local.
type Fanout interface {
	Publish(ctx context.Context, documentID string, data []byte) error
	Subscribe(ctx context.Context, documentID string, handler func([]byte)) error
	Unsubscribe(ctx context.Context, documentID string) error
}

// remoteFrame wraps a broadcast published through the fanout so instances
// can skip their own messages.
type remoteFrame struct {
	ServerID string          `json:"serverId"`
	Frame    json.RawMessage `json:"frame"`
}

// Hub owns all live connections and routes every inbound message.
type Hub struct {
	verifier  auth.Verifier
	sessions  *session.Store
	presences *presence.Manager
	security  *security.Manager
	logger    *slog.Logger

	fanout   Fanout
	serverID string

	fanoutMu   sync.Mutex
	fanoutDocs map[string]struct{} // documents with a live fanout subscription

	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	awayTimeout       time.Duration

	mu       sync.RWMutex
	clients  map[string]*Client // connection ID -> client
	byClient map[string]*Client // client ID -> client

	Register   chan *Client
	Unregister chan *Client
	done       chan struct{} // closed when Run exits
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSessionStore replaces the default in-memory store (used to attach
// persistence).
func WithSessionStore(s *session.Store) HubOption {
	return func(h *Hub) { h.sessions = s }
}

// WithPresenceTimeouts overrides idle/away thresholds.
func WithPresenceTimeouts(idle, away time.Duration) HubOption {
	return func(h *Hub) {
		h.idleTimeout = idle
		h.awayTimeout = away
	}
}

// WithHeartbeatInterval overrides the heartbeat monitor interval.
func WithHeartbeatInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeatInterval = d
		}
	}
}

// WithFanout attaches a cross-server broadcast bridge.
func WithFanout(f Fanout) HubOption {
	return func(h *Hub) { h.fanout = f }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a hub with its own session store and presence manager.
func NewHub(verifier auth.Verifier, opts ...HubOption) *Hub {
	h := &Hub{
		verifier:          verifier,
		security:          security.NewManager(),
		logger:            slog.Default(),
		serverID:          uuid.NewString(),
		heartbeatInterval: DefaultHeartbeatInterval,
		idleTimeout:       presence.DefaultIdleTimeout,
		awayTimeout:       presence.DefaultAwayTimeout,
		fanoutDocs:        make(map[string]struct{}),
		clients:           make(map[string]*Client),
		byClient:          make(map[string]*Client),
		Register:          make(chan *Client),
		Unregister:        make(chan *Client),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sessions == nil {
		h.sessions = session.NewStore(session.WithLogger(h.logger))
	}
	h.presences = presence.NewManager(
		presence.WithTimeouts(h.idleTimeout, h.awayTimeout),
		presence.WithChangeHandler(h.broadcastPresenceChange),
		presence.WithManagerLogger(h.logger),
	)
	return h
}

// Sessions exposes the session store for health/introspection endpoints.
func (h *Hub) Sessions() *session.Store { return h.sessions }

// Presence exposes the presence manager.
func (h *Hub) Presence() *presence.Manager { return h.presences }

// Security exposes the security manager for the HTTP accept path.
func (h *Hub) Security() *security.Manager { return h.security }

// Run processes connection registration until ctx is cancelled. Inbound
// messages are handled on each connection's read goroutine; per-document
// ordering comes from the session store's serialization, not from here.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	monitor := time.NewTicker(h.heartbeatInterval)
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.Register:
			h.mu.Lock()
			h.clients[c.ID] = c
			h.byClient[c.ClientID()] = c
			h.mu.Unlock()
			h.logger.Info("client connected",
				"connectionId", c.ID, "clientId", c.ClientID(), "ip", c.ClientIP)

		case c := <-h.Unregister:
			h.mu.Lock()
			_, known := h.clients[c.ID]
			if known {
				delete(h.clients, c.ID)
				delete(h.byClient, c.ClientID())
			}
			h.mu.Unlock()
			if known {
				h.cleanupDisconnect(ctx, c)
				close(c.send)
				h.logger.Info("client disconnected", "connectionId", c.ID, "clientId", c.ClientID())
			}

		case now := <-monitor.C:
			h.expireSilentClients(now)
		}
	}
}

// unregister hands a dying connection to Run, or drops it when the hub has
// already stopped so read pumps never block during shutdown.
func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// RunPresenceSweeper runs the idle/away sweeper until ctx is cancelled.
func (h *Hub) RunPresenceSweeper(ctx context.Context) {
	h.presences.RunSweeper(ctx, presence.DefaultSweepInterval)
}

// validateInbound applies rate and size limits before decoding.
func (h *Hub) validateInbound(c *Client, data []byte) (bool, string) {
	if ok, reason := security.ValidateMessageSize(data); !ok {
		return false, reason
	}
	if !h.security.Messages.Allow(c.ID) {
		return false, "too many messages"
	}
	h.security.Messages.Record(c.ID)
	return true, ""
}

// HandleMessage routes one inbound message. Failures degrade to ERROR
// replies to the sender; nothing here terminates the connection.
func (h *Hub) HandleMessage(c *Client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAuthenticate:
		h.handleAuthenticate(c, msg)
	case protocol.TypeJoinDocument:
		h.handleJoin(c, msg)
	case protocol.TypeLeaveDocument:
		h.handleLeave(c)
	case protocol.TypeTextOperation:
		h.handleTextOperation(c, msg)
	case protocol.TypeCursorPosition:
		h.handleCursor(c, msg)
	case protocol.TypeSelectionChange:
		h.handleSelection(c, msg)
	case protocol.TypeSyncRequest:
		h.handleSyncRequest(c)
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(c, msg)
	case protocol.TypeDisconnect:
		c.Close()
	default:
		c.SendError("UNSUPPORTED_TYPE", "message type not handled by this endpoint")
	}
}

func (h *Hub) handleAuthenticate(c *Client, msg *protocol.Message) {
	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		c.SendError("INVALID_MESSAGE", err.Error())
		return
	}
	payload := decoded.(protocol.AuthenticatePayload)

	id, err := h.verifier.Verify(payload.Token)
	if err != nil {
		// The connection stays open; only JOIN attempts are rejected.
		h.logger.Warn("authentication failed", "connectionId", c.ID, "error", err)
		c.SendError("AUTH_FAILED", "invalid or expired token")
		return
	}

	c.authenticate(id)
	c.Send(protocol.TypeUserState, "", c.Info())
	h.logger.Info("client authenticated", "clientId", c.ClientID(), "userId", id.UserID)
}

func (h *Hub) handleJoin(c *Client, msg *protocol.Message) {
	if c.State() != session.StateAuthenticated && c.State() != session.StateJoined {
		c.SendError("NOT_AUTHENTICATED", "authenticate before joining a document")
		return
	}

	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		c.SendError("INVALID_MESSAGE", err.Error())
		return
	}
	payload := decoded.(protocol.JoinDocumentPayload)

	if ok, reason := security.ValidateDocumentID(payload.DocumentID); !ok {
		c.SendError("INVALID_DOCUMENT_ID", reason)
		return
	}

	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	if !auth.CanReadDocument(identity, payload.DocumentID) {
		c.SendError("FORBIDDEN", "no read access to document")
		return
	}

	// Joining a new document implicitly leaves the old one.
	if prev := c.DocumentID(); prev != "" && prev != payload.DocumentID {
		h.leaveDocument(context.Background(), c, prev)
	}

	ctx := context.Background()
	snap, err := h.sessions.Join(ctx, payload.DocumentID, c.Info(), payload.InitialContent)
	if err != nil {
		c.SendError("JOIN_FAILED", err.Error())
		return
	}
	c.joinDocument(payload.DocumentID)

	p := h.presences.Register(c.UserID(), c.ClientID(), payload.DocumentID, identity.DisplayName)

	c.Send(protocol.TypeDocumentState, payload.DocumentID, snap)

	h.broadcast(payload.DocumentID, c.ClientID(), protocol.TypeUserJoin, joinPayload{
		Client:   c.Info(),
		Presence: p,
	})
	h.subscribeFanout(payload.DocumentID)

	h.logger.Info("client joined document",
		"clientId", c.ClientID(), "userId", c.UserID(), "documentId", payload.DocumentID)
}

func (h *Hub) handleLeave(c *Client) {
	documentID := c.DocumentID()
	if documentID == "" {
		c.SendError("NOT_JOINED", "no document to leave")
		return
	}
	h.leaveDocument(context.Background(), c, documentID)
	c.leaveDocument()
}

func (h *Hub) handleTextOperation(c *Client, msg *protocol.Message) {
	documentID := c.DocumentID()
	if documentID == "" {
		c.SendError("NOT_JOINED", "join a document before editing")
		return
	}

	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		c.SendError("INVALID_MESSAGE", err.Error())
		return
	}
	payload := decoded.(protocol.TextOperationPayload)

	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	if !auth.CanWriteDocument(identity, documentID) {
		c.SendError("FORBIDDEN", "no write access to document")
		return
	}
	if len(payload.Operation.Text) > security.Limits.MaxOperationTextSize {
		c.SendError("OPERATION_TOO_LARGE", "operation text exceeds size limit")
		return
	}

	compound := ot.CompoundOperation{
		Operations:  []ot.Operation{payload.Operation},
		BaseVersion: payload.BaseVersion,
		AuthorID:    c.UserID(),
		Timestamp:   time.Now(),
	}

	result, err := h.sessions.ApplyOperation(context.Background(), documentID, c.ClientID(), compound)
	if err != nil {
		c.SendError(operationErrorCode(err), err.Error())
		return
	}

	// Edits reset idle/typing state back to plain online activity.
	h.presences.Activity(c.UserID())

	transformed := result.TransformedOp.Operations[0]

	if result.Conflict {
		c.Send(protocol.TypeConflict, documentID, protocol.ConflictPayload{
			ConflictType: string(result.ConflictType),
			Original:     payload.Operation,
			Transformed:  transformed,
			NewVersion:   result.NewVersion,
		})
	}

	h.broadcast(documentID, c.ClientID(), protocol.TypeTextOperation, protocol.OperationBroadcastPayload{
		Operation:  transformed,
		NewVersion: result.NewVersion,
		AuthorID:   c.UserID(),
		ClientID:   c.ClientID(),
	})

	c.Send(protocol.TypeAcknowledgment, documentID, protocol.AckPayload{
		MessageID:  msg.MessageID,
		NewVersion: result.NewVersion,
	})
}

func (h *Hub) handleCursor(c *Client, msg *protocol.Message) {
	documentID := c.DocumentID()
	if documentID == "" {
		c.SendError("NOT_JOINED", "join a document before sending cursor updates")
		return
	}

	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		c.SendError("INVALID_MESSAGE", err.Error())
		return
	}
	cursor := decoded.(protocol.CursorInfo)

	if err := h.sessions.UpdateCursor(documentID, c.ClientID(), cursor); err != nil {
		c.SendError("CURSOR_FAILED", err.Error())
		return
	}
	h.presences.UpdateCursor(c.UserID(), cursor)

	h.broadcast(documentID, c.ClientID(), protocol.TypeCursorPosition, cursorPayload{
		ClientID: c.ClientID(),
		UserID:   c.UserID(),
		Cursor:   cursor,
	})
}

func (h *Hub) handleSelection(c *Client, msg *protocol.Message) {
	documentID := c.DocumentID()
	if documentID == "" {
		c.SendError("NOT_JOINED", "join a document before sending selections")
		return
	}

	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		c.SendError("INVALID_MESSAGE", err.Error())
		return
	}
	selection := decoded.(protocol.SelectionInfo)

	if err := h.sessions.UpdateSelection(documentID, c.ClientID(), selection); err != nil {
		c.SendError("SELECTION_FAILED", err.Error())
		return
	}
	h.presences.UpdateSelection(c.UserID(), selection)

	h.broadcast(documentID, c.ClientID(), protocol.TypeSelectionChange, selectionPayload{
		ClientID:  c.ClientID(),
		UserID:    c.UserID(),
		Selection: selection,
	})
}

func (h *Hub) handleSyncRequest(c *Client) {
	documentID := c.DocumentID()
	if documentID == "" {
		c.SendError("NOT_JOINED", "join a document before requesting sync")
		return
	}
	snap, err := h.sessions.SyncSnapshot(documentID)
	if err != nil {
		c.SendError("SYNC_FAILED", err.Error())
		return
	}
	c.Send(protocol.TypeSyncResponse, documentID, snap)
}

func (h *Hub) handleHeartbeat(c *Client, msg *protocol.Message) {
	c.touchHeartbeat()
	if userID := c.UserID(); userID != "" {
		h.presences.Activity(userID)
	}
	c.Send(protocol.TypeHeartbeat, "", protocol.AckPayload{MessageID: msg.MessageID})
}

// leaveDocument detaches the client from a document: session store removal,
// presence removal, and a USER_LEAVE broadcast to the remaining
// collaborators.
func (h *Hub) leaveDocument(ctx context.Context, c *Client, documentID string) {
	if err := h.sessions.Leave(ctx, documentID, c.ClientID()); err != nil &&
		!errors.Is(err, session.ErrDocumentNotFound) {
		h.logger.Warn("leave failed", "clientId", c.ClientID(), "documentId", documentID, "error", err)
	}
	h.presences.Remove(c.UserID())

	h.broadcast(documentID, c.ClientID(), protocol.TypeUserLeave, leavePayload{
		ClientID: c.ClientID(),
		UserID:   c.UserID(),
	})
	h.unsubscribeFanoutIfEmpty(documentID)
}

// cleanupDisconnect runs the leave path for a dropped connection. The other
// collaborators see only USER_LEAVE, never an error.
func (h *Hub) cleanupDisconnect(ctx context.Context, c *Client) {
	if documentID := c.DocumentID(); documentID != "" {
		h.leaveDocument(ctx, c, documentID)
	}
	c.disconnect()
}

// expireSilentClients disconnects clients whose last heartbeat is older
// than twice the monitor interval.
func (h *Hub) expireSilentClients(now time.Time) {
	limit := 2 * h.heartbeatInterval

	h.mu.RLock()
	var stale []*Client
	for _, c := range h.clients {
		if c.heartbeatAge(now) > limit {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Info("disconnecting silent client",
			"connectionId", c.ID, "clientId", c.ClientID())
		// Closing the socket ends ReadPump, which drives normal cleanup.
		c.Close()
	}
}

// broadcast sends a message to every collaborator of a document except the
// originator. A failed delivery to one collaborator is logged and does not
// abort the rest.
func (h *Hub) broadcast(documentID, excludeClientID string, msgType protocol.MessageType, payload interface{}) {
	collaborators, err := h.sessions.Collaborators(documentID)
	if err != nil {
		return
	}

	data, err := protocol.Encode(msgType, documentID, payload)
	if err != nil {
		h.logger.Error("broadcast encode failed", "type", msgType, "error", err)
		return
	}

	h.deliverLocal(collaborators, excludeClientID, data)
	h.publishFanout(documentID, data)
}

func (h *Hub) deliverLocal(collaborators []session.ClientInfo, excludeClientID string, data []byte) {
	for _, info := range collaborators {
		if info.ClientID == excludeClientID {
			continue
		}
		h.mu.RLock()
		target := h.byClient[info.ClientID]
		h.mu.RUnlock()
		if target == nil {
			continue
		}
		select {
		case target.send <- data:
		default:
			h.logger.Warn("dropping broadcast for slow client", "clientId", info.ClientID)
		}
	}
}

// broadcastPresenceChange pushes sweeper status transitions to the user's
// document.
func (h *Hub) broadcastPresenceChange(p presence.UserPresence) {
	h.broadcast(p.DocumentID, p.ClientID, protocol.TypePresenceUpdate, p)
}

func (h *Hub) publishFanout(documentID string, frame []byte) {
	if h.fanout == nil {
		return
	}
	wrapped, err := json.Marshal(remoteFrame{ServerID: h.serverID, Frame: frame})
	if err != nil {
		return
	}
	if err := h.fanout.Publish(context.Background(), documentID, wrapped); err != nil {
		h.logger.Warn("fanout publish failed", "documentId", documentID, "error", err)
	}
}

func (h *Hub) subscribeFanout(documentID string) {
	if h.fanout == nil {
		return
	}

	// One subscription per document; later joins reuse it.
	h.fanoutMu.Lock()
	if _, subscribed := h.fanoutDocs[documentID]; subscribed {
		h.fanoutMu.Unlock()
		return
	}
	h.fanoutDocs[documentID] = struct{}{}
	h.fanoutMu.Unlock()

	err := h.fanout.Subscribe(context.Background(), documentID, func(data []byte) {
		var rf remoteFrame
		if err := json.Unmarshal(data, &rf); err != nil || rf.ServerID == h.serverID {
			return
		}
		collaborators, err := h.sessions.Collaborators(documentID)
		if err != nil {
			return
		}
		h.deliverLocal(collaborators, "", rf.Frame)
	})
	if err != nil {
		h.fanoutMu.Lock()
		delete(h.fanoutDocs, documentID)
		h.fanoutMu.Unlock()
		h.logger.Warn("fanout subscribe failed", "documentId", documentID, "error", err)
	}
}

func (h *Hub) unsubscribeFanoutIfEmpty(documentID string) {
	if h.fanout == nil {
		return
	}
	if _, err := h.sessions.Collaborators(documentID); errors.Is(err, session.ErrDocumentNotFound) {
		h.fanoutMu.Lock()
		delete(h.fanoutDocs, documentID)
		h.fanoutMu.Unlock()
		h.fanout.Unsubscribe(context.Background(), documentID)
	}
}

func operationErrorCode(err error) string {
	switch {
	case errors.Is(err, ot.ErrInvalidOperation):
		return "INVALID_OPERATION"
	case errors.Is(err, session.ErrDocumentNotFound), errors.Is(err, session.ErrNotCollaborator):
		return "DOCUMENT_NOT_FOUND"
	case errors.Is(err, session.ErrStaleBaseVersion), errors.Is(err, session.ErrFutureBaseVersion):
		return "BAD_BASE_VERSION"
	default:
		return "OPERATION_FAILED"
	}
}

// joinPayload announces a new collaborator.
type joinPayload struct {
	Client   session.ClientInfo    `json:"client"`
	Presence presence.UserPresence `json:"presence"`
}

// leavePayload announces a departed collaborator.
type leavePayload struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

type cursorPayload struct {
	ClientID string              `json:"clientId"`
	UserID   string              `json:"userId"`
	Cursor   protocol.CursorInfo `json:"cursor"`
}

type selectionPayload struct {
	ClientID  string                 `json:"clientId"`
	UserID    string                 `json:"userId"`
	Selection protocol.SelectionInfo `json:"selection"`
}
