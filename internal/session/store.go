// Package session owns per-document collaboration state. All mutation of a
// document funnels through a per-document critical section so concurrent
// operations apply in one total order with strictly increasing versions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/breddin/codecollab/internal/ot"
	"github.com/breddin/codecollab/internal/protocol"
)

// ClientState tracks a connection's lifecycle stage.
type ClientState string

const (
	StateConnected     ClientState = "CONNECTED"
	StateAuthenticated ClientState = "AUTHENTICATED"
	StateJoined        ClientState = "JOINED"
	StateIdle          ClientState = "IDLE"
	StateDisconnected  ClientState = "DISCONNECTED"
)

// ClientInfo identifies a collaborator on a document.
type ClientInfo struct {
	ClientID   string      `json:"clientId"`
	UserID     string      `json:"userId"`
	SessionID  string      `json:"sessionId"`
	DocumentID string      `json:"documentId,omitempty"`
	State      ClientState `json:"state"`
}

// Snapshot is a full copy of a document's live state, safe to hand to
// callers outside the critical section.
type Snapshot struct {
	DocumentID    string                            `json:"documentId"`
	Content       string                            `json:"content"`
	Version       int                               `json:"version"`
	Cursors       map[string]protocol.CursorInfo    `json:"cursors"`
	Selections    map[string]protocol.SelectionInfo `json:"selections"`
	Collaborators []ClientInfo                      `json:"collaborators"`
	LastModified  time.Time                         `json:"lastModified"`
}

// ApplyResult reports the outcome of folding one compound operation into a
// document.
type ApplyResult struct {
	NewVersion    int
	TransformedOp ot.CompoundOperation
	Conflict      bool
	ConflictType  ot.ConflictType
}

// Errors returned by store operations.
var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrNotCollaborator   = errors.New("client has not joined document")
	ErrStaleBaseVersion  = errors.New("base version older than retained history")
	ErrFutureBaseVersion = errors.New("base version ahead of document version")
)

// Persistence loads and saves document snapshots and keeps the applied-
// operation audit trail. Implementations live in the storage package; a nil
// Persistence keeps the store fully in-memory.
type Persistence interface {
	LoadSnapshot(ctx context.Context, documentID string) (content string, version int, found bool, err error)
	SaveSnapshot(ctx context.Context, documentID, content string, version int) error
	RecordOperation(ctx context.Context, documentID, authorID string, version int, operation []byte) error
	PruneOperations(ctx context.Context, documentID string, keep int) (int, error)
}

// appliedOp is a history entry: the compound operation as applied plus the
// version it produced.
type appliedOp struct {
	compound ot.CompoundOperation
	version  int
}

// document is the single-writer state for one documentId. Callers hold mu
// for every read or write of the fields below.
type document struct {
	mu sync.Mutex

	id            string
	content       string
	version       int
	history       []appliedOp
	cursors       map[string]protocol.CursorInfo
	selections    map[string]protocol.SelectionInfo
	collaborators map[string]ClientInfo
	lastModified  time.Time
}

// Store is the sole owner of all DocumentState. Different documents never
// contend; operations on one document serialize on its own mutex.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*document

	maxHistory  int
	persistence Persistence
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPersistence attaches a snapshot backend: first joins of unknown
// documents load from it, and destroyed documents save to it.
func WithPersistence(p Persistence) Option {
	return func(s *Store) { s.persistence = p }
}

// WithMaxHistory bounds the pending-operations history retained per
// document for transforming late-arriving edits.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

const defaultMaxHistory = 100

// NewStore creates an empty session store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		docs:       make(map[string]*document),
		maxHistory: defaultMaxHistory,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join adds client to the document's collaborator set, creating the
// document on first join. The supplied initial content seeds a new document
// only; later joins receive the live state. Returns a full snapshot.
func (s *Store) Join(ctx context.Context, documentID string, client ClientInfo, initialContent string) (*Snapshot, error) {
	doc := s.getDocument(documentID)
	if doc == nil {
		content, version := initialContent, 0
		if s.persistence != nil {
			// Load outside any document lock; persistence is network I/O.
			c, v, found, err := s.persistence.LoadSnapshot(ctx, documentID)
			if err != nil {
				s.logger.Warn("snapshot load failed, using initial content",
					"documentId", documentID, "error", err)
			} else if found {
				content, version = c, v
			}
		}
		doc = s.createDocument(documentID, content, version)
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	client.DocumentID = documentID
	client.State = StateJoined
	doc.collaborators[client.ClientID] = client

	return doc.snapshotLocked(), nil
}

// Leave removes the client's collaborator entry, cursor, and selection.
// The document is destroyed when its collaborator set becomes empty; its
// final state is persisted best-effort when a backend is configured.
func (s *Store) Leave(ctx context.Context, documentID, clientID string) error {
	doc := s.getDocument(documentID)
	if doc == nil {
		return ErrDocumentNotFound
	}

	doc.mu.Lock()
	delete(doc.collaborators, clientID)
	delete(doc.cursors, clientID)
	delete(doc.selections, clientID)
	empty := len(doc.collaborators) == 0
	content, version := doc.content, doc.version
	doc.mu.Unlock()

	if !empty {
		return nil
	}

	s.mu.Lock()
	// Re-check under the map lock: a join may have raced the removal.
	doc.mu.Lock()
	if len(doc.collaborators) > 0 {
		doc.mu.Unlock()
		s.mu.Unlock()
		return nil
	}
	doc.mu.Unlock()
	delete(s.docs, documentID)
	s.mu.Unlock()

	s.logger.Info("document destroyed", "documentId", documentID, "version", version)

	if s.persistence != nil && version > 0 {
		if err := s.persistence.SaveSnapshot(ctx, documentID, content, version); err != nil {
			s.logger.Warn("snapshot save failed", "documentId", documentID, "error", err)
		}
		// The snapshot covers everything up to version; keep only the tail
		// of the audit trail that history-based transforms could still need.
		if _, err := s.persistence.PruneOperations(ctx, documentID, s.maxHistory); err != nil {
			s.logger.Warn("operation prune failed", "documentId", documentID, "error", err)
		}
	}
	return nil
}

// ApplyOperation folds compound forward past every operation applied since
// its base version, validates the result against current content, applies
// it, and bumps the version. The incoming author holds insert-tie priority
// when its ID orders lexicographically before the already-applied author's;
// both sides compute the same winner, which keeps replicas convergent.
func (s *Store) ApplyOperation(ctx context.Context, documentID, clientID string, compound ot.CompoundOperation) (*ApplyResult, error) {
	doc := s.getDocument(documentID)
	if doc == nil {
		return nil, ErrDocumentNotFound
	}

	doc.mu.Lock()
	result, err := s.applyLocked(doc, clientID, compound)
	doc.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// The audit trail is written outside the critical section; persistence
	// is network I/O and must not stall concurrent editors.
	s.recordOperation(ctx, documentID, compound.AuthorID, result)
	return result, nil
}

func (s *Store) applyLocked(doc *document, clientID string, compound ot.CompoundOperation) (*ApplyResult, error) {
	if _, ok := doc.collaborators[clientID]; !ok {
		return nil, ErrNotCollaborator
	}

	if compound.BaseVersion > doc.version {
		return nil, fmt.Errorf("%w: base %d, document at %d", ErrFutureBaseVersion, compound.BaseVersion, doc.version)
	}
	oldest := doc.version - len(doc.history)
	if compound.BaseVersion < oldest {
		return nil, fmt.Errorf("%w: base %d, history starts at %d", ErrStaleBaseVersion, compound.BaseVersion, oldest)
	}

	transformed := compound
	result := &ApplyResult{}
	for _, entry := range doc.history {
		if entry.version <= compound.BaseVersion {
			continue
		}
		priority := compound.AuthorID < entry.compound.AuthorID
		var conflicts []ot.TransformResult
		transformed, conflicts = ot.TransformCompound(transformed, entry.compound, priority)
		if len(conflicts) > 0 && !result.Conflict {
			result.Conflict = true
			result.ConflictType = conflicts[0].ConflictType
		}
	}

	newContent, err := ot.ApplyCompound(doc.content, transformed)
	if err != nil {
		return nil, err
	}

	doc.content = newContent
	doc.version++
	doc.lastModified = time.Now()
	doc.history = append(doc.history, appliedOp{compound: transformed, version: doc.version})
	if len(doc.history) > s.maxHistory {
		doc.history = doc.history[len(doc.history)-s.maxHistory:]
	}

	result.NewVersion = doc.version
	result.TransformedOp = transformed
	return result, nil
}

// recordOperation appends the applied operation to the persistence audit
// trail, best-effort.
func (s *Store) recordOperation(ctx context.Context, documentID, authorID string, result *ApplyResult) {
	if s.persistence == nil {
		return
	}
	payload, err := json.Marshal(result.TransformedOp)
	if err != nil {
		s.logger.Warn("operation encode failed", "documentId", documentID, "error", err)
		return
	}
	if err := s.persistence.RecordOperation(ctx, documentID, authorID, result.NewVersion, payload); err != nil {
		s.logger.Warn("operation record failed", "documentId", documentID, "version", result.NewVersion, "error", err)
	}
}

// UpdateCursor replaces the client's cursor. Last write wins; each client
// owns exactly one cursor slot, so no transform is needed.
func (s *Store) UpdateCursor(documentID, clientID string, cursor protocol.CursorInfo) error {
	return s.withCollaborator(documentID, clientID, func(doc *document) {
		doc.cursors[clientID] = cursor
	})
}

// UpdateSelection replaces the client's selection.
func (s *Store) UpdateSelection(documentID, clientID string, selection protocol.SelectionInfo) error {
	return s.withCollaborator(documentID, clientID, func(doc *document) {
		doc.selections[clientID] = selection
	})
}

// SyncSnapshot returns the document's full state for reconnection or late
// join.
func (s *Store) SyncSnapshot(documentID string) (*Snapshot, error) {
	doc := s.getDocument(documentID)
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.snapshotLocked(), nil
}

// Collaborators lists the document's current collaborator set.
func (s *Store) Collaborators(documentID string) ([]ClientInfo, error) {
	doc := s.getDocument(documentID)
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.collaboratorsLocked(), nil
}

// DocumentCount reports how many documents are live.
func (s *Store) DocumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) getDocument(documentID string) *document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[documentID]
}

func (s *Store) createDocument(documentID, content string, version int) *document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.docs[documentID]; ok {
		// Lost the creation race; the winner's state is authoritative.
		return existing
	}
	doc := &document{
		id:            documentID,
		content:       content,
		version:       version,
		cursors:       make(map[string]protocol.CursorInfo),
		selections:    make(map[string]protocol.SelectionInfo),
		collaborators: make(map[string]ClientInfo),
		lastModified:  time.Now(),
	}
	s.docs[documentID] = doc
	s.logger.Info("document created", "documentId", documentID, "version", version)
	return doc
}

func (s *Store) withCollaborator(documentID, clientID string, fn func(*document)) error {
	doc := s.getDocument(documentID)
	if doc == nil {
		return ErrDocumentNotFound
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if _, ok := doc.collaborators[clientID]; !ok {
		return ErrNotCollaborator
	}
	fn(doc)
	return nil
}

func (d *document) snapshotLocked() *Snapshot {
	cursors := make(map[string]protocol.CursorInfo, len(d.cursors))
	for k, v := range d.cursors {
		cursors[k] = v
	}
	selections := make(map[string]protocol.SelectionInfo, len(d.selections))
	for k, v := range d.selections {
		selections[k] = v
	}
	return &Snapshot{
		DocumentID:    d.id,
		Content:       d.content,
		Version:       d.version,
		Cursors:       cursors,
		Selections:    selections,
		Collaborators: d.collaboratorsLocked(),
		LastModified:  d.lastModified,
	}
}

func (d *document) collaboratorsLocked() []ClientInfo {
	out := make([]ClientInfo, 0, len(d.collaborators))
	for _, c := range d.collaborators {
		out = append(out, c)
	}
	return out
}
