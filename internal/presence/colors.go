package presence

import "sync"

// defaultPalette is the fixed set of collaborator colors handed out
// round-robin.
var defaultPalette = []string{
	"#e6194b", // red
	"#3cb44b", // green
	"#4363d8", // blue
	"#f58231", // orange
	"#911eb4", // purple
	"#42d4f4", // cyan
	"#f032e6", // magenta
	"#bfef45", // lime
	"#fabed4", // pink
	"#469990", // teal
}

// ColorAllocator assigns each user a stable color from a fixed palette via
// an internal round-robin index. One allocator is owned per presence
// manager; there is no process-wide palette state.
type ColorAllocator struct {
	mu       sync.Mutex
	palette  []string
	next     int
	assigned map[string]string
}

// NewColorAllocator creates an allocator over the default palette.
func NewColorAllocator() *ColorAllocator {
	return NewColorAllocatorWithPalette(defaultPalette)
}

// NewColorAllocatorWithPalette creates an allocator over a custom palette.
func NewColorAllocatorWithPalette(palette []string) *ColorAllocator {
	if len(palette) == 0 {
		palette = defaultPalette
	}
	return &ColorAllocator{
		palette:  palette,
		assigned: make(map[string]string),
	}
}

// Assign returns the user's color, allocating the next palette entry on
// first call. Assignments persist for the allocator's lifetime.
func (a *ColorAllocator) Assign(userID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if color, ok := a.assigned[userID]; ok {
		return color
	}
	color := a.palette[a.next%len(a.palette)]
	a.next++
	a.assigned[userID] = color
	return color
}
