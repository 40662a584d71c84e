// Package ot implements the operation model and transform engine for
// concurrent text editing. Operations issued against the same base version
// are reconciled with operational transformation so every collaborator
// converges on identical content regardless of arrival order.
package ot

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// OpType discriminates the mutation vocabulary.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpFormat OpType = "format"
	OpMove   OpType = "move"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpInsert, OpDelete, OpFormat, OpMove:
		return true
	}
	return false
}

// Operation is a single primitive edit. Position is a character offset into
// the document content the operation was issued against.
type Operation struct {
	Type       OpType                 `json:"type"`
	Position   int                    `json:"position"`
	Text       string                 `json:"text,omitempty"`
	Length     int                    `json:"length,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	MoveTarget int                    `json:"moveTarget,omitempty"`
}

// CompoundOperation is an ordered batch of operations sharing one base
// version and author, applied atomically as a unit.
type CompoundOperation struct {
	Operations  []Operation `json:"operations"`
	BaseVersion int         `json:"baseVersion"`
	AuthorID    string      `json:"authorId"`
	Timestamp   time.Time   `json:"timestamp,omitempty"`
}

// Errors returned by validation and application.
var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrCannotCompose    = errors.New("operations cannot be composed")
	ErrCannotInvert     = errors.New("operation cannot be inverted")
)

// end returns the exclusive end offset of the operation's affected range.
// Inserts occupy a zero-width range at their position.
func (op Operation) end() int {
	switch op.Type {
	case OpDelete, OpFormat, OpMove:
		return op.Position + op.Length
	}
	return op.Position
}

// Validate bounds-checks op against text. Offsets count characters, not
// bytes, so multi-byte content is never split. Gateways must call this
// before Apply and reject, not crash, on violation.
func Validate(op Operation, text string) error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	docLen := utf8.RuneCountInString(text)
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	if op.Position > docLen {
		return fmt.Errorf("%w: position %d beyond document length %d", ErrInvalidOperation, op.Position, docLen)
	}
	switch op.Type {
	case OpDelete, OpFormat, OpMove:
		if op.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
		}
		if op.Position+op.Length > docLen {
			return fmt.Errorf("%w: range [%d,%d) beyond document length %d",
				ErrInvalidOperation, op.Position, op.Position+op.Length, docLen)
		}
	}
	if op.Type == OpMove {
		if op.MoveTarget < 0 || op.MoveTarget > docLen {
			return fmt.Errorf("%w: move target %d beyond document length %d", ErrInvalidOperation, op.MoveTarget, docLen)
		}
	}
	return nil
}

// Apply performs the literal substring mutation of op on text. It fails
// with ErrInvalidOperation when the operation is out of bounds.
func Apply(text string, op Operation) (string, error) {
	if err := Validate(op, text); err != nil {
		return "", err
	}

	runes := []rune(text)
	switch op.Type {
	case OpInsert:
		return string(runes[:op.Position]) + op.Text + string(runes[op.Position:]), nil

	case OpDelete:
		return string(runes[:op.Position]) + string(runes[op.Position+op.Length:]), nil

	case OpFormat:
		// Formatting carries attributes only; plain content is unchanged.
		return text, nil

	case OpMove:
		segment := string(runes[op.Position : op.Position+op.Length])
		removed := append([]rune{}, runes[:op.Position]...)
		removed = append(removed, runes[op.Position+op.Length:]...)
		target := op.MoveTarget
		if target > op.Position {
			target -= op.Length
		}
		if target > len(removed) {
			target = len(removed)
		}
		return string(removed[:target]) + segment + string(removed[target:]), nil
	}

	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
}

// ApplyCompound applies every operation of compound in sequence, failing
// without partial effect if any operation is invalid.
func ApplyCompound(text string, compound CompoundOperation) (string, error) {
	result := text
	for i, op := range compound.Operations {
		next, err := Apply(result, op)
		if err != nil {
			return "", fmt.Errorf("operation %d of compound: %w", i, err)
		}
		result = next
	}
	return result, nil
}

// Compose merges two immediately consecutive operations of the same type
// into one when contiguous: adjacent inserts, or same-position consecutive
// deletes. Used to collapse history; not required for transform correctness.
func Compose(a, b Operation) (Operation, error) {
	if a.Type != b.Type {
		return Operation{}, fmt.Errorf("%w: mismatched types %q and %q", ErrCannotCompose, a.Type, b.Type)
	}

	switch a.Type {
	case OpInsert:
		if b.Position == a.Position+utf8.RuneCountInString(a.Text) {
			return Operation{Type: OpInsert, Position: a.Position, Text: a.Text + b.Text}, nil
		}
	case OpDelete:
		// Forward deletion repeats at the same offset once the first
		// range has collapsed.
		if b.Position == a.Position {
			return Operation{Type: OpDelete, Position: a.Position, Length: a.Length + b.Length}, nil
		}
	}

	return Operation{}, fmt.Errorf("%w: not contiguous", ErrCannotCompose)
}

// Invert produces the operation that undoes op against the text it was
// applied to. Deletes need the original text to restore the removed slice.
// Format inversion requires the prior attribute values; use InvertFormat.
func Invert(op Operation, originalText string) (Operation, error) {
	switch op.Type {
	case OpInsert:
		return Operation{Type: OpDelete, Position: op.Position, Length: utf8.RuneCountInString(op.Text)}, nil

	case OpDelete:
		runes := []rune(originalText)
		if op.Position+op.Length > len(runes) {
			return Operation{}, fmt.Errorf("%w: original text shorter than deleted range", ErrCannotInvert)
		}
		return Operation{
			Type:     OpInsert,
			Position: op.Position,
			Text:     string(runes[op.Position : op.Position+op.Length]),
		}, nil

	case OpMove:
		source := op.MoveTarget
		if source > op.Position {
			source -= op.Length
		}
		return Operation{
			Type:       OpMove,
			Position:   source,
			Length:     op.Length,
			MoveTarget: op.Position,
		}, nil

	case OpFormat:
		return Operation{}, fmt.Errorf("%w: format inversion needs prior attributes", ErrCannotInvert)
	}

	return Operation{}, fmt.Errorf("%w: unknown type %q", ErrCannotInvert, op.Type)
}

// InvertFormat produces the format operation restoring the attribute values
// that held before op was applied. The caller retains the prior values.
func InvertFormat(op Operation, priorAttributes map[string]interface{}) (Operation, error) {
	if op.Type != OpFormat {
		return Operation{}, fmt.Errorf("%w: not a format operation", ErrCannotInvert)
	}
	return Operation{
		Type:       OpFormat,
		Position:   op.Position,
		Length:     op.Length,
		Attributes: priorAttributes,
	}, nil
}
