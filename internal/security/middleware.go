// Package security provides per-connection rate limiting, per-IP connection
// caps, and inbound message validation for the collaboration gateway.
package security

import (
	"regexp"
	"sync"
	"time"
)

// Limits are the gateway's hard caps on client behavior.
var Limits = struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxMessageSize       int
	MaxDocumentIDLength  int
	MaxOperationTextSize int
}{
	MaxConnectionsPerIP:  50,
	MaxMessagesPerMinute: 500,
	MaxMessageSize:       1_000_000, // 1MB
	MaxDocumentIDLength:  256,
	MaxOperationTextSize: 100_000,
}

// DocumentIDPattern restricts document IDs to a channel-safe set. Slashes
// are allowed so file paths can serve as document IDs.
var DocumentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:/-]+$`)

// ConnectionLimiter caps concurrent connections per client IP.
type ConnectionLimiter struct {
	connections map[string]int
	mu          sync.RWMutex
	stopCh      chan struct{}
}

// NewConnectionLimiter creates a limiter with a background cleanup loop.
func NewConnectionLimiter() *ConnectionLimiter {
	cl := &ConnectionLimiter{
		connections: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, count := range cl.connections {
		if count <= 0 {
			delete(cl.connections, ip)
		}
	}
}

// CanConnect reports whether ip may open another connection.
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip] < Limits.MaxConnectionsPerIP
}

// AddConnection records a new connection from ip.
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.connections[ip]++
}

// RemoveConnection releases a connection slot for ip.
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// Dispose stops the cleanup loop.
func (cl *ConnectionLimiter) Dispose() {
	close(cl.stopCh)
}

// MessageRateLimiter enforces a sliding one-minute message budget per
// connection.
type MessageRateLimiter struct {
	messages map[string][]time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewMessageRateLimiter creates a limiter with a background cleanup loop.
func NewMessageRateLimiter() *MessageRateLimiter {
	rl := &MessageRateLimiter{
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *MessageRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *MessageRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for connID, timestamps := range rl.messages {
		recent := timestamps[:0]
		for _, ts := range timestamps {
			if now.Sub(ts) < time.Minute {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(rl.messages, connID)
		} else {
			rl.messages[connID] = recent
		}
	}
}

// Allow reports whether the connection is under its message budget.
func (rl *MessageRateLimiter) Allow(connectionID string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, ts := range rl.messages[connectionID] {
		if now.Sub(ts) < time.Minute {
			count++
		}
	}
	return count < Limits.MaxMessagesPerMinute
}

// Record counts one message against the connection's budget.
func (rl *MessageRateLimiter) Record(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.messages[connectionID] = append(rl.messages[connectionID], time.Now())
}

// RemoveConnection drops tracking data for a closed connection.
func (rl *MessageRateLimiter) RemoveConnection(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.messages, connectionID)
}

// Dispose stops the cleanup loop.
func (rl *MessageRateLimiter) Dispose() {
	close(rl.stopCh)
}

// Manager bundles the gateway's security components.
type Manager struct {
	Connections *ConnectionLimiter
	Messages    *MessageRateLimiter
}

// NewManager creates all security components.
func NewManager() *Manager {
	return &Manager{
		Connections: NewConnectionLimiter(),
		Messages:    NewMessageRateLimiter(),
	}
}

// Dispose stops all background loops.
func (m *Manager) Dispose() {
	m.Connections.Dispose()
	m.Messages.Dispose()
}

// ValidateDocumentID checks document ID length and character set.
func ValidateDocumentID(docID string) (bool, string) {
	if docID == "" {
		return false, "missing document ID"
	}
	if len(docID) > Limits.MaxDocumentIDLength {
		return false, "document ID too long"
	}
	if !DocumentIDPattern.MatchString(docID) {
		return false, "document ID contains invalid characters"
	}
	return true, ""
}

// ValidateMessageSize rejects oversized frames before decoding.
func ValidateMessageSize(data []byte) (bool, string) {
	if len(data) > Limits.MaxMessageSize {
		return false, "message exceeds size limit"
	}
	return true, ""
}
