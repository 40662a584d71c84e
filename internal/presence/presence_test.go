package presence

import (
	"testing"
	"time"

	"github.com/breddin/codecollab/internal/protocol"
)

func TestRegisterAssignsStableColor(t *testing.T) {
	m := NewManager()

	p1 := m.Register("alice", "c1", "doc-1", "Alice")
	p2 := m.Register("bob", "c2", "doc-1", "Bob")

	if p1.Color == "" || p2.Color == "" {
		t.Fatal("colors must be assigned on registration")
	}
	if p1.Color == p2.Color {
		t.Errorf("distinct users share color %q", p1.Color)
	}
	if p1.Status != StatusOnline {
		t.Errorf("initial status = %q, want ONLINE", p1.Status)
	}

	// Re-registering (reconnect) keeps the same color.
	p1again := m.Register("alice", "c9", "doc-2", "Alice")
	if p1again.Color != p1.Color {
		t.Errorf("color changed on re-register: %q -> %q", p1.Color, p1again.Color)
	}
}

func TestColorAllocatorRoundRobin(t *testing.T) {
	a := NewColorAllocatorWithPalette([]string{"red", "green", "blue"})

	if got := a.Assign("u1"); got != "red" {
		t.Errorf("first assignment = %q, want red", got)
	}
	if got := a.Assign("u2"); got != "green" {
		t.Errorf("second assignment = %q, want green", got)
	}
	if got := a.Assign("u1"); got != "red" {
		t.Errorf("repeat assignment = %q, want red", got)
	}
	if got := a.Assign("u3"); got != "blue" {
		t.Errorf("third assignment = %q, want blue", got)
	}
	// Palette wraps around.
	if got := a.Assign("u4"); got != "red" {
		t.Errorf("fourth assignment = %q, want red (wrap)", got)
	}
}

func TestDocumentPresenceScoping(t *testing.T) {
	m := NewManager()
	m.Register("alice", "c1", "doc-1", "")
	m.Register("bob", "c2", "doc-1", "")
	m.Register("carol", "c3", "doc-2", "")

	if got := len(m.DocumentPresence("doc-1")); got != 2 {
		t.Errorf("doc-1 presence count = %d, want 2", got)
	}
	if got := len(m.DocumentPresence("doc-2")); got != 1 {
		t.Errorf("doc-2 presence count = %d, want 1", got)
	}

	// Moving to another document detaches from the old one.
	m.Register("bob", "c2", "doc-2", "")
	if got := len(m.DocumentPresence("doc-1")); got != 1 {
		t.Errorf("doc-1 presence after move = %d, want 1", got)
	}

	m.Remove("alice")
	if got := len(m.DocumentPresence("doc-1")); got != 0 {
		t.Errorf("doc-1 presence after remove = %d, want 0", got)
	}
	if _, ok := m.Get("alice"); ok {
		t.Error("removed user still present")
	}
}

func TestCursorAndSelectionUpdates(t *testing.T) {
	m := NewManager()
	m.Register("alice", "c1", "doc-1", "")

	m.UpdateCursor("alice", protocol.CursorInfo{Line: 2, Column: 7})
	p, _ := m.Get("alice")
	if p.Cursor == nil || p.Cursor.Line != 2 || p.Cursor.Column != 7 {
		t.Errorf("cursor = %+v, want {2 7}", p.Cursor)
	}
	if p.Status != StatusOnline {
		t.Errorf("status after cursor move = %q, want ONLINE", p.Status)
	}

	m.UpdateSelection("alice", protocol.SelectionInfo{
		Start: protocol.CursorInfo{Line: 0, Column: 0},
		End:   protocol.CursorInfo{Line: 1, Column: 3},
	})
	p, _ = m.Get("alice")
	if p.Selection == nil || p.Selection.End.Column != 3 {
		t.Errorf("selection = %+v", p.Selection)
	}
	if p.Status != StatusSelecting {
		t.Errorf("status after selection = %q, want SELECTING", p.Status)
	}
}

func TestSweepIdleAndAwayTransitions(t *testing.T) {
	m := NewManager(WithTimeouts(60*time.Second, 300*time.Second))
	m.Register("alice", "c1", "doc-1", "")

	// Fresh activity: no transition.
	if changed := m.Sweep(time.Now()); len(changed) != 0 {
		t.Errorf("fresh user transitioned: %+v", changed)
	}

	// Past the idle timeout: ONLINE -> IDLE.
	changed := m.Sweep(time.Now().Add(90 * time.Second))
	if len(changed) != 1 || changed[0].Status != StatusIdle {
		t.Fatalf("idle sweep = %+v, want one IDLE transition", changed)
	}

	// Sweeping again at the same age is a no-op.
	if changed := m.Sweep(time.Now().Add(91 * time.Second)); len(changed) != 0 {
		t.Errorf("repeat idle sweep transitioned again: %+v", changed)
	}

	// Past the away timeout: IDLE -> AWAY.
	changed = m.Sweep(time.Now().Add(301 * time.Second))
	if len(changed) != 1 || changed[0].Status != StatusAway {
		t.Fatalf("away sweep = %+v, want one AWAY transition", changed)
	}

	// Activity resets to ONLINE.
	m.Activity("alice")
	p, _ := m.Get("alice")
	if p.Status != StatusOnline {
		t.Errorf("status after activity = %q, want ONLINE", p.Status)
	}
	if changed := m.Sweep(time.Now()); len(changed) != 0 {
		t.Errorf("active user transitioned: %+v", changed)
	}
}

func TestSweepChangeHandler(t *testing.T) {
	var notified []UserPresence
	m := NewManager(
		WithTimeouts(time.Second, 5*time.Second),
		WithChangeHandler(func(p UserPresence) { notified = append(notified, p) }),
	)
	m.Register("alice", "c1", "doc-1", "")
	m.Register("bob", "c2", "doc-1", "")

	m.Sweep(time.Now().Add(2 * time.Second))
	if len(notified) != 2 {
		t.Fatalf("change handler called %d times, want 2", len(notified))
	}
	for _, p := range notified {
		if p.Status != StatusIdle {
			t.Errorf("notified status = %q, want IDLE", p.Status)
		}
	}
}

func TestTypingStatus(t *testing.T) {
	m := NewManager()
	m.Register("alice", "c1", "doc-1", "")

	m.Typing("alice")
	p, _ := m.Get("alice")
	if p.Status != StatusTyping {
		t.Errorf("status = %q, want TYPING", p.Status)
	}
}
