package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/breddin/codecollab/internal/ot"
	"github.com/breddin/codecollab/internal/protocol"
)

func client(id, user string) ClientInfo {
	return ClientInfo{ClientID: id, UserID: user, SessionID: "sess-" + id}
}

func insertOp(author string, base, pos int, text string) ot.CompoundOperation {
	return ot.CompoundOperation{
		AuthorID:    author,
		BaseVersion: base,
		Operations:  []ot.Operation{{Type: ot.OpInsert, Position: pos, Text: text}},
	}
}

func deleteOp(author string, base, pos, length int) ot.CompoundOperation {
	return ot.CompoundOperation{
		AuthorID:    author,
		BaseVersion: base,
		Operations:  []ot.Operation{{Type: ot.OpDelete, Position: pos, Length: length}},
	}
}

func TestJoinCreatesAndReusesDocument(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	snap, err := store.Join(ctx, "doc-1", client("c1", "alice"), "hello")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if snap.Content != "hello" || snap.Version != 0 {
		t.Errorf("first join snapshot = (%q, v%d), want (hello, v0)", snap.Content, snap.Version)
	}

	// Second join supplies different content, which must be ignored.
	snap2, err := store.Join(ctx, "doc-1", client("c2", "bob"), "OTHER")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if snap2.Content != "hello" {
		t.Errorf("second join content = %q, want live state %q", snap2.Content, "hello")
	}
	if len(snap2.Collaborators) != 2 {
		t.Errorf("collaborators = %d, want 2", len(snap2.Collaborators))
	}

	for _, c := range snap2.Collaborators {
		if c.State != StateJoined {
			t.Errorf("collaborator %s state = %q, want JOINED", c.ClientID, c.State)
		}
		if c.DocumentID != "doc-1" {
			t.Errorf("collaborator %s documentId = %q, want doc-1", c.ClientID, c.DocumentID)
		}
	}
}

func TestLeaveDestroysEmptyDocument(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.Join(ctx, "doc-1", client("c1", "alice"), "x")
	store.Join(ctx, "doc-1", client("c2", "bob"), "")

	if err := store.Leave(ctx, "doc-1", "c1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if store.DocumentCount() != 1 {
		t.Fatalf("document destroyed while a collaborator remains")
	}

	if err := store.Leave(ctx, "doc-1", "c2"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if store.DocumentCount() != 0 {
		t.Errorf("document count = %d, want 0 after last leave", store.DocumentCount())
	}

	if _, err := store.SyncSnapshot("doc-1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("SyncSnapshot() after destroy error = %v, want ErrDocumentNotFound", err)
	}
}

func TestApplyOperationSequence(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Join(ctx, "doc-1", client("c1", "alice"), "")

	res, err := store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", 0, 0, "hello"))
	if err != nil {
		t.Fatalf("ApplyOperation() error = %v", err)
	}
	if res.NewVersion != 1 {
		t.Errorf("NewVersion = %d, want 1", res.NewVersion)
	}

	res, err = store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", 1, 5, " world"))
	if err != nil {
		t.Fatalf("ApplyOperation() error = %v", err)
	}
	if res.NewVersion != 2 {
		t.Errorf("NewVersion = %d, want 2", res.NewVersion)
	}

	snap, _ := store.SyncSnapshot("doc-1")
	if snap.Content != "hello world" {
		t.Errorf("content = %q, want %q", snap.Content, "hello world")
	}
}

// Concurrent edits from the same base version: the second arrival is
// transformed against the first (spec scenario: insert at end vs delete of
// leading "hello ").
func TestApplyOperationTransformsConcurrentEdit(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Join(ctx, "doc-1", client("c1", "alice"), "hello world")
	store.Join(ctx, "doc-1", client("c2", "bob"), "")

	// Bob's delete of "hello " arrives first.
	if _, err := store.ApplyOperation(ctx, "doc-1", "c2", deleteOp("bob", 0, 0, 6)); err != nil {
		t.Fatalf("ApplyOperation(bob) error = %v", err)
	}

	// Alice's insert "!" at 11 was issued against version 0.
	res, err := store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", 0, 11, "!"))
	if err != nil {
		t.Fatalf("ApplyOperation(alice) error = %v", err)
	}
	if got := res.TransformedOp.Operations[0].Position; got != 5 {
		t.Errorf("transformed insert position = %d, want 5", got)
	}

	snap, _ := store.SyncSnapshot("doc-1")
	if snap.Content != "world!" {
		t.Errorf("content = %q, want %q", snap.Content, "world!")
	}
}

func TestApplyOperationOverlappingDeleteConflict(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Join(ctx, "doc-1", client("c1", "alice"), "0123456789")
	store.Join(ctx, "doc-1", client("c2", "bob"), "")

	if _, err := store.ApplyOperation(ctx, "doc-1", "c1", deleteOp("alice", 0, 0, 5)); err != nil {
		t.Fatalf("ApplyOperation(alice) error = %v", err)
	}

	res, err := store.ApplyOperation(ctx, "doc-1", "c2", deleteOp("bob", 0, 3, 5))
	if err != nil {
		t.Fatalf("ApplyOperation(bob) error = %v", err)
	}
	if !res.Conflict || res.ConflictType != ot.ConflictOverlappingDelete {
		t.Errorf("conflict = (%v, %q), want (true, overlapping_delete)", res.Conflict, res.ConflictType)
	}

	snap, _ := store.SyncSnapshot("doc-1")
	if snap.Content != "89" {
		t.Errorf("content = %q, want %q", snap.Content, "89")
	}
}

func TestApplyOperationRejectsInvalid(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Join(ctx, "doc-1", client("c1", "alice"), "abc")

	_, err := store.ApplyOperation(ctx, "doc-1", "c1", deleteOp("alice", 0, 1, 10))
	if !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("ApplyOperation() error = %v, want ErrInvalidOperation", err)
	}

	// Document state must be untouched by the rejected operation.
	snap, _ := store.SyncSnapshot("doc-1")
	if snap.Content != "abc" || snap.Version != 0 {
		t.Errorf("state after rejection = (%q, v%d), want (abc, v0)", snap.Content, snap.Version)
	}
}

func TestApplyOperationBaseVersionBounds(t *testing.T) {
	store := NewStore(WithMaxHistory(2))
	ctx := context.Background()
	store.Join(ctx, "doc-1", client("c1", "alice"), "")

	for i := 0; i < 5; i++ {
		if _, err := store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", i, 0, "x")); err != nil {
			t.Fatalf("ApplyOperation(%d) error = %v", i, err)
		}
	}

	if _, err := store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", 9, 0, "x")); !errors.Is(err, ErrFutureBaseVersion) {
		t.Errorf("future base error = %v, want ErrFutureBaseVersion", err)
	}
	if _, err := store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", 0, 0, "x")); !errors.Is(err, ErrStaleBaseVersion) {
		t.Errorf("stale base error = %v, want ErrStaleBaseVersion", err)
	}
}

func TestApplyOperationRequiresJoin(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ApplyOperation(ctx, "nope", "c1", insertOp("alice", 0, 0, "x")); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("unknown document error = %v, want ErrDocumentNotFound", err)
	}

	store.Join(ctx, "doc-1", client("c1", "alice"), "")
	if _, err := store.ApplyOperation(ctx, "doc-1", "stranger", insertOp("eve", 0, 0, "x")); !errors.Is(err, ErrNotCollaborator) {
		t.Errorf("non-collaborator error = %v, want ErrNotCollaborator", err)
	}
}

func TestCursorAndSelectionLastWriteWins(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Join(ctx, "doc-1", client("c1", "alice"), "text")

	if err := store.UpdateCursor("doc-1", "c1", protocol.CursorInfo{Line: 1, Column: 2}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	if err := store.UpdateCursor("doc-1", "c1", protocol.CursorInfo{Line: 4, Column: 0}); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	if err := store.UpdateSelection("doc-1", "c1", protocol.SelectionInfo{
		Start: protocol.CursorInfo{Line: 0, Column: 0},
		End:   protocol.CursorInfo{Line: 0, Column: 4},
		Text:  "text",
	}); err != nil {
		t.Fatalf("UpdateSelection() error = %v", err)
	}

	snap, _ := store.SyncSnapshot("doc-1")
	if got := snap.Cursors["c1"]; got.Line != 4 || got.Column != 0 {
		t.Errorf("cursor = %+v, want {4 0}", got)
	}
	if got := snap.Selections["c1"]; got.Text != "text" {
		t.Errorf("selection = %+v", got)
	}

	if err := store.UpdateCursor("doc-1", "ghost", protocol.CursorInfo{}); !errors.Is(err, ErrNotCollaborator) {
		t.Errorf("UpdateCursor(ghost) error = %v, want ErrNotCollaborator", err)
	}
}

// Version monotonicity under concurrency: every successful apply bumps the
// version by exactly 1 and no two applies report the same version.
func TestVersionMonotonicity(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	const writers = 8
	const opsPerWriter = 25

	for i := 0; i < writers; i++ {
		store.Join(ctx, "doc-1", client(fmt.Sprintf("c%d", i), fmt.Sprintf("user%d", i)), "")
	}

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			clientID := fmt.Sprintf("c%d", n)
			author := fmt.Sprintf("user%d", n)
			for j := 0; j < opsPerWriter; j++ {
				snap, err := store.SyncSnapshot("doc-1")
				if err != nil {
					t.Errorf("SyncSnapshot() error = %v", err)
					return
				}
				res, err := store.ApplyOperation(ctx, "doc-1", clientID, insertOp(author, snap.Version, 0, "a"))
				if err != nil {
					t.Errorf("ApplyOperation() error = %v", err)
					return
				}
				mu.Lock()
				if seen[res.NewVersion] {
					t.Errorf("duplicate version %d", res.NewVersion)
				}
				seen[res.NewVersion] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	snap, _ := store.SyncSnapshot("doc-1")
	if snap.Version != writers*opsPerWriter {
		t.Errorf("final version = %d, want %d", snap.Version, writers*opsPerWriter)
	}
	if len(snap.Content) != writers*opsPerWriter {
		t.Errorf("content length = %d, want %d", len(snap.Content), writers*opsPerWriter)
	}
}

type recordedOp struct {
	documentID string
	authorID   string
	version    int
	operation  []byte
}

type fakePersistence struct {
	mu      sync.Mutex
	saved   map[string]string
	vers    map[string]int
	records []recordedOp
	pruned  map[string]int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		saved:  make(map[string]string),
		vers:   make(map[string]int),
		pruned: make(map[string]int),
	}
}

func (f *fakePersistence) LoadSnapshot(_ context.Context, id string) (string, int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.saved[id]
	return c, f.vers[id], ok, nil
}

func (f *fakePersistence) SaveSnapshot(_ context.Context, id, content string, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[id] = content
	f.vers[id] = version
	return nil
}

func (f *fakePersistence) RecordOperation(_ context.Context, documentID, authorID string, version int, operation []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedOp{documentID, authorID, version, operation})
	return nil
}

func (f *fakePersistence) PruneOperations(_ context.Context, documentID string, keep int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned[documentID] = keep
	return 0, nil
}

func TestPersistenceRoundTrip(t *testing.T) {
	p := newFakePersistence()
	store := NewStore(WithPersistence(p))
	ctx := context.Background()

	store.Join(ctx, "doc-1", client("c1", "alice"), "")
	store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", 0, 0, "saved state"))
	store.Leave(ctx, "doc-1", "c1")

	if p.saved["doc-1"] != "saved state" {
		t.Fatalf("snapshot not saved on destroy: %+v", p.saved)
	}

	// A fresh join resumes from the persisted snapshot, not initial content.
	store2 := NewStore(WithPersistence(p))
	snap, err := store2.Join(ctx, "doc-1", client("c2", "bob"), "ignored")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if snap.Content != "saved state" || snap.Version != 1 {
		t.Errorf("restored snapshot = (%q, v%d), want (saved state, v1)", snap.Content, snap.Version)
	}
}

func TestAppliedOperationsRecordedAndPruned(t *testing.T) {
	p := newFakePersistence()
	store := NewStore(WithPersistence(p), WithMaxHistory(25))
	ctx := context.Background()

	store.Join(ctx, "doc-1", client("c1", "alice"), "")
	store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", 0, 0, "abc"))
	store.ApplyOperation(ctx, "doc-1", "c1", insertOp("alice", 1, 3, "def"))

	p.mu.Lock()
	records := append([]recordedOp(nil), p.records...)
	p.mu.Unlock()
	if len(records) != 2 {
		t.Fatalf("recorded operations = %d, want 2", len(records))
	}
	if records[0].documentID != "doc-1" || records[0].authorID != "alice" || records[0].version != 1 {
		t.Errorf("first record = %+v, want doc-1/alice/v1", records[0])
	}
	if records[1].version != 2 {
		t.Errorf("second record version = %d, want 2", records[1].version)
	}
	var op ot.CompoundOperation
	if err := json.Unmarshal(records[1].operation, &op); err != nil {
		t.Fatalf("recorded payload not valid JSON: %v", err)
	}
	if len(op.Operations) != 1 || op.Operations[0].Text != "def" {
		t.Errorf("recorded operation = %+v, want insert of %q", op, "def")
	}

	// A rejected operation must not reach the audit trail.
	store.ApplyOperation(ctx, "doc-1", "intruder", insertOp("mallory", 2, 0, "x"))
	p.mu.Lock()
	count := len(p.records)
	p.mu.Unlock()
	if count != 2 {
		t.Errorf("recorded operations after rejection = %d, want 2", count)
	}

	store.Leave(ctx, "doc-1", "c1")
	p.mu.Lock()
	keep, ok := p.pruned["doc-1"]
	p.mu.Unlock()
	if !ok || keep != 25 {
		t.Errorf("prune on destroy = (%d, %v), want keep 25", keep, ok)
	}
}
