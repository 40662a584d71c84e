// Package presence tracks per-user collaboration status: online state,
// cursor, selection, display color, and idle/away detection. It holds a
// document-scoped view parallel to the session store's collaborator lists.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/breddin/codecollab/internal/protocol"
)

// Status is a user's live collaboration state.
type Status string

const (
	StatusOnline    Status = "ONLINE"
	StatusIdle      Status = "IDLE"
	StatusTyping    Status = "TYPING"
	StatusSelecting Status = "SELECTING"
	StatusAway      Status = "AWAY"
	StatusOffline   Status = "OFFLINE"
)

// UserPresence is one user's presence record within a document.
type UserPresence struct {
	UserID       string                  `json:"userId"`
	ClientID     string                  `json:"clientId"`
	DocumentID   string                  `json:"documentId"`
	Status       Status                  `json:"status"`
	Cursor       *protocol.CursorInfo    `json:"cursor,omitempty"`
	Selection    *protocol.SelectionInfo `json:"selection,omitempty"`
	Color        string                  `json:"color"`
	DisplayName  string                  `json:"displayName,omitempty"`
	LastActivity time.Time               `json:"lastActivity"`
}

const (
	DefaultIdleTimeout   = 60 * time.Second
	DefaultAwayTimeout   = 300 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// Manager tracks presence for all users across documents. All map access is
// guarded by one mutex; per-user records are copied out, never shared.
type Manager struct {
	mu     sync.Mutex
	users  map[string]*UserPresence       // userId -> presence
	byDoc  map[string]map[string]struct{} // documentId -> userIds
	colors *ColorAllocator

	idleTimeout time.Duration
	awayTimeout time.Duration
	logger      *slog.Logger

	// onChange, when set, receives users whose status the sweeper moved.
	onChange func(UserPresence)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeouts overrides idle and away thresholds.
func WithTimeouts(idle, away time.Duration) ManagerOption {
	return func(m *Manager) {
		if idle > 0 {
			m.idleTimeout = idle
		}
		if away > 0 {
			m.awayTimeout = away
		}
	}
}

// WithChangeHandler registers a callback invoked (outside the manager's
// lock) for each status transition made by the idle sweeper.
func WithChangeHandler(fn func(UserPresence)) ManagerOption {
	return func(m *Manager) { m.onChange = fn }
}

// WithManagerLogger sets the structured logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an empty presence manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		users:       make(map[string]*UserPresence),
		byDoc:       make(map[string]map[string]struct{}),
		colors:      NewColorAllocator(),
		idleTimeout: DefaultIdleTimeout,
		awayTimeout: DefaultAwayTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds (or re-binds) a user's presence on a document and returns a
// copy of the record. The user's color is assigned on first registration
// and persists for the user's lifetime in the manager.
func (m *Manager) Register(userID, clientID, documentID, displayName string) UserPresence {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.users[userID]
	if !ok {
		p = &UserPresence{
			UserID: userID,
			Color:  m.colors.Assign(userID),
		}
		m.users[userID] = p
	}
	if p.DocumentID != "" && p.DocumentID != documentID {
		m.detachLocked(p.DocumentID, userID)
	}

	p.ClientID = clientID
	p.DocumentID = documentID
	p.DisplayName = displayName
	p.Status = StatusOnline
	p.LastActivity = time.Now()

	if m.byDoc[documentID] == nil {
		m.byDoc[documentID] = make(map[string]struct{})
	}
	m.byDoc[documentID][userID] = struct{}{}

	return *p
}

// Remove drops a user's presence entirely, marking them offline. The color
// assignment is retained so a returning user keeps their color.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.users[userID]
	if !ok {
		return
	}
	m.detachLocked(p.DocumentID, userID)
	delete(m.users, userID)
}

// Activity records user activity, resetting the user to ONLINE.
func (m *Manager) Activity(userID string) {
	m.setStatus(userID, StatusOnline)
}

// Typing marks the user as typing (a text operation arrived).
func (m *Manager) Typing(userID string) {
	m.setStatus(userID, StatusTyping)
}

// UpdateCursor records the user's cursor and resets them to ONLINE.
func (m *Manager) UpdateCursor(userID string, cursor protocol.CursorInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.users[userID]; ok {
		c := cursor
		p.Cursor = &c
		p.Status = StatusOnline
		p.LastActivity = time.Now()
	}
}

// UpdateSelection records the user's selection and marks them SELECTING.
func (m *Manager) UpdateSelection(userID string, selection protocol.SelectionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.users[userID]; ok {
		s := selection
		p.Selection = &s
		p.Status = StatusSelecting
		p.LastActivity = time.Now()
	}
}

// Get returns a copy of the user's presence record.
func (m *Manager) Get(userID string) (UserPresence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[userID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// DocumentPresence lists presence records for every user on a document.
func (m *Manager) DocumentPresence(documentID string) []UserPresence {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byDoc[documentID]
	out := make([]UserPresence, 0, len(ids))
	for userID := range ids {
		if p, ok := m.users[userID]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Sweep applies idle/away transitions as of now and returns the users whose
// status changed. Activity older than the away timeout moves a user to
// AWAY; older than the idle timeout moves active statuses to IDLE.
func (m *Manager) Sweep(now time.Time) []UserPresence {
	m.mu.Lock()
	var changed []UserPresence
	for _, p := range m.users {
		age := now.Sub(p.LastActivity)
		switch {
		case age > m.awayTimeout && p.Status != StatusAway:
			p.Status = StatusAway
			changed = append(changed, *p)
		case age > m.idleTimeout && age <= m.awayTimeout && p.Status != StatusIdle && p.Status != StatusAway:
			p.Status = StatusIdle
			changed = append(changed, *p)
		}
	}
	m.mu.Unlock()

	if m.onChange != nil {
		for _, p := range changed {
			m.onChange(p)
		}
	}
	return changed
}

// RunSweeper runs the idle sweeper on interval until ctx is cancelled. It
// is a scheduled periodic task, not a per-user loop.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if changed := m.Sweep(now); len(changed) > 0 {
				m.logger.Debug("presence sweep", "transitions", len(changed))
			}
		}
	}
}

func (m *Manager) setStatus(userID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.users[userID]; ok {
		p.Status = status
		p.LastActivity = time.Now()
	}
}

func (m *Manager) detachLocked(documentID, userID string) {
	if ids, ok := m.byDoc[documentID]; ok {
		delete(ids, userID)
		if len(ids) == 0 {
			delete(m.byDoc, documentID)
		}
	}
}
