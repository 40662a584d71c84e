// Package protocol defines the JSON wire messages exchanged between
// collaboration clients and the gateway.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/breddin/codecollab/internal/ot"
)

// MessageType discriminates wire messages.
type MessageType string

const (
	TypeConnect         MessageType = "CONNECT"
	TypeAuthenticate    MessageType = "AUTHENTICATE"
	TypeDisconnect      MessageType = "DISCONNECT"
	TypeHeartbeat       MessageType = "HEARTBEAT"
	TypeJoinDocument    MessageType = "JOIN_DOCUMENT"
	TypeLeaveDocument   MessageType = "LEAVE_DOCUMENT"
	TypeDocumentState   MessageType = "DOCUMENT_STATE"
	TypeTextOperation   MessageType = "TEXT_OPERATION"
	TypeCursorPosition  MessageType = "CURSOR_POSITION"
	TypeSelectionChange MessageType = "SELECTION_CHANGE"
	TypeUserJoin        MessageType = "USER_JOIN"
	TypeUserLeave       MessageType = "USER_LEAVE"
	TypeUserState       MessageType = "USER_STATE"
	TypePresenceUpdate  MessageType = "PRESENCE_UPDATE"
	TypeSyncRequest     MessageType = "SYNC_REQUEST"
	TypeSyncResponse    MessageType = "SYNC_RESPONSE"
	TypeAcknowledgment  MessageType = "ACKNOWLEDGMENT"
	TypeError           MessageType = "ERROR"
	TypeConflict        MessageType = "CONFLICT"
)

var validTypes = map[MessageType]bool{
	TypeConnect:         true,
	TypeAuthenticate:    true,
	TypeDisconnect:      true,
	TypeHeartbeat:       true,
	TypeJoinDocument:    true,
	TypeLeaveDocument:   true,
	TypeDocumentState:   true,
	TypeTextOperation:   true,
	TypeCursorPosition:  true,
	TypeSelectionChange: true,
	TypeUserJoin:        true,
	TypeUserLeave:       true,
	TypeUserState:       true,
	TypePresenceUpdate:  true,
	TypeSyncRequest:     true,
	TypeSyncResponse:    true,
	TypeAcknowledgment:  true,
	TypeError:           true,
	TypeConflict:        true,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool { return validTypes[t] }

// Message is the wire envelope. Payload stays raw until the handler decodes
// it into the type-specific struct.
type Message struct {
	Type       MessageType     `json:"type"`
	MessageID  string          `json:"messageId"`
	Timestamp  int64           `json:"timestamp"`
	ClientID   string          `json:"clientId,omitempty"`
	DocumentID string          `json:"documentId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// CursorInfo is a line/column cursor position.
type CursorInfo struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// SelectionInfo is a cursor-delimited text range.
type SelectionInfo struct {
	Start CursorInfo `json:"start"`
	End   CursorInfo `json:"end"`
	Text  string     `json:"text,omitempty"`
}

// AuthenticatePayload carries the bearer credential.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// JoinDocumentPayload opens or joins a shared document.
type JoinDocumentPayload struct {
	DocumentID     string `json:"documentId"`
	InitialContent string `json:"initialContent,omitempty"`
}

// TextOperationPayload carries one edit and the version it was issued against.
type TextOperationPayload struct {
	Operation   ot.Operation `json:"operation"`
	BaseVersion int          `json:"baseVersion"`
}

// AckPayload acknowledges a processed text operation.
type AckPayload struct {
	MessageID  string `json:"messageId"`
	NewVersion int    `json:"newVersion"`
}

// ErrorPayload reports a per-message failure back to the sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OperationBroadcastPayload delivers an applied (already transformed)
// operation to the document's other collaborators.
type OperationBroadcastPayload struct {
	Operation  ot.Operation `json:"operation"`
	NewVersion int          `json:"newVersion"`
	AuthorID   string       `json:"authorId"`
	ClientID   string       `json:"clientId"`
}

// ConflictPayload informs the sender that its operation was transformed
// through a conflicting concurrent edit before being applied.
type ConflictPayload struct {
	ConflictType string       `json:"conflictType"`
	Original     ot.Operation `json:"original"`
	Transformed  ot.Operation `json:"transformed"`
	NewVersion   int          `json:"newVersion"`
}

// Decoded is the tagged union of inbound payloads produced by DecodePayload.
type Decoded interface{ isPayload() }

func (AuthenticatePayload) isPayload()  {}
func (JoinDocumentPayload) isPayload()  {}
func (TextOperationPayload) isPayload() {}
func (CursorInfo) isPayload()           {}
func (SelectionInfo) isPayload()        {}

// Decode parses a raw wire frame into a Message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

// DecodePayload parses the payload of an inbound message into its
// type-specific struct. Message types without a structured inbound payload
// decode to nil.
func DecodePayload(msg *Message) (Decoded, error) {
	switch msg.Type {
	case TypeAuthenticate:
		var p AuthenticatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid AUTHENTICATE payload: %w", err)
		}
		return p, nil

	case TypeJoinDocument:
		var p JoinDocumentPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid JOIN_DOCUMENT payload: %w", err)
		}
		if p.DocumentID == "" {
			return nil, fmt.Errorf("JOIN_DOCUMENT payload missing documentId")
		}
		return p, nil

	case TypeTextOperation:
		var p TextOperationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid TEXT_OPERATION payload: %w", err)
		}
		return p, nil

	case TypeCursorPosition:
		var p CursorInfo
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid CURSOR_POSITION payload: %w", err)
		}
		return p, nil

	case TypeSelectionChange:
		var p SelectionInfo
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid SELECTION_CHANGE payload: %w", err)
		}
		return p, nil

	case TypeHeartbeat, TypeSyncRequest, TypeLeaveDocument, TypeConnect, TypeDisconnect:
		return nil, nil
	}

	return nil, fmt.Errorf("message type %q carries no inbound payload", msg.Type)
}

// Encode builds and marshals an outbound message with a fresh message ID.
func Encode(msgType MessageType, documentID string, payload interface{}) ([]byte, error) {
	msg := Message{
		Type:       msgType,
		MessageID:  uuid.NewString(),
		Timestamp:  time.Now().UnixMilli(),
		DocumentID: documentID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}
