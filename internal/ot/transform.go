package ot

import "unicode/utf8"

// ConflictType names the category of a detected edit conflict.
type ConflictType string

const (
	ConflictOverlappingDelete ConflictType = "overlapping_delete"
	ConflictOverlappingFormat ConflictType = "overlapping_format"
)

// TransformResult carries the rewritten operation plus conflict metadata.
type TransformResult struct {
	Op           Operation
	Conflict     bool
	ConflictType ConflictType
}

// Transform rewrites opA, issued concurrently with opB against the same base
// version, into the operation that applies correctly after opB. The priority
// flag breaks same-position insert ties: when true, opA keeps its position
// and the other side shifts.
//
// Convergence depends on both replicas computing the same priority for a
// given pair; callers derive it deterministically from author identity.
func Transform(opA, opB Operation, priority bool) TransformResult {
	switch opA.Type {
	case OpInsert:
		switch opB.Type {
		case OpInsert:
			return TransformResult{Op: transformInsertInsert(opA, opB, priority)}
		case OpDelete:
			return TransformResult{Op: transformInsertDelete(opA, opB)}
		default:
			return TransformResult{Op: opA}
		}

	case OpDelete:
		switch opB.Type {
		case OpInsert:
			return TransformResult{Op: transformDeleteInsert(opA, opB)}
		case OpDelete:
			return transformDeleteDelete(opA, opB)
		default:
			return TransformResult{Op: opA}
		}

	case OpFormat:
		if opB.Type == OpFormat && rangesOverlap(opA, opB) {
			return TransformResult{Op: opA, Conflict: true, ConflictType: ConflictOverlappingFormat}
		}
		return TransformResult{Op: transformRanged(opA, opB)}

	case OpMove:
		return TransformResult{Op: transformMove(opA, opB)}
	}

	return TransformResult{Op: opA}
}

// TransformCompound folds every operation of incoming forward past every
// operation of applied, in order, accumulating any conflict encountered.
func TransformCompound(incoming CompoundOperation, applied CompoundOperation, priority bool) (CompoundOperation, []TransformResult) {
	out := CompoundOperation{
		Operations:  make([]Operation, 0, len(incoming.Operations)),
		BaseVersion: incoming.BaseVersion,
		AuthorID:    incoming.AuthorID,
		Timestamp:   incoming.Timestamp,
	}
	var conflicts []TransformResult
	for _, op := range incoming.Operations {
		current := op
		for _, against := range applied.Operations {
			res := Transform(current, against, priority)
			current = res.Op
			if res.Conflict {
				conflicts = append(conflicts, res)
			}
		}
		out.Operations = append(out.Operations, current)
	}
	return out, conflicts
}

func transformInsertInsert(a, b Operation, priority bool) Operation {
	switch {
	case a.Position < b.Position:
		// Unchanged.
	case a.Position > b.Position:
		a.Position += utf8.RuneCountInString(b.Text)
	default:
		// Same position: the priority side keeps its spot.
		if !priority {
			a.Position += utf8.RuneCountInString(b.Text)
		}
	}
	return a
}

func transformInsertDelete(a, b Operation) Operation {
	switch {
	case a.Position >= b.Position+b.Length:
		a.Position -= b.Length
	case a.Position >= b.Position:
		// Insert landed inside the deleted range; relocate to its start.
		a.Position = b.Position
	}
	return a
}

func transformDeleteInsert(a, b Operation) Operation {
	switch {
	case b.Position <= a.Position:
		a.Position += utf8.RuneCountInString(b.Text)
	case b.Position < a.Position+a.Length:
		// Insertion inside the range being deleted: the delete now also
		// consumes the inserted text.
		a.Length += utf8.RuneCountInString(b.Text)
	}
	return a
}

func transformDeleteDelete(a, b Operation) TransformResult {
	aEnd := a.Position + a.Length
	bEnd := b.Position + b.Length

	switch {
	case bEnd <= a.Position:
		// b entirely before a.
		a.Position -= b.Length
		return TransformResult{Op: a}

	case b.Position >= aEnd:
		// b entirely after a.
		return TransformResult{Op: a}

	case b.Position <= a.Position && bEnd >= aEnd:
		// a entirely inside b: already removed.
		a.Position = b.Position
		a.Length = 0
		return TransformResult{Op: a, Conflict: true, ConflictType: ConflictOverlappingDelete}

	case a.Position <= b.Position && aEnd >= bEnd:
		// b entirely inside a: shrink by the removed span.
		a.Length -= b.Length
		return TransformResult{Op: a, Conflict: true, ConflictType: ConflictOverlappingDelete}

	case b.Position < a.Position:
		// Partial overlap on a's leading edge: keep the remainder past b.
		a.Position = b.Position
		a.Length = aEnd - bEnd
		return TransformResult{Op: a, Conflict: true, ConflictType: ConflictOverlappingDelete}

	default:
		// Partial overlap on a's trailing edge.
		a.Length = b.Position - a.Position
		return TransformResult{Op: a, Conflict: true, ConflictType: ConflictOverlappingDelete}
	}
}

// transformRanged shifts a range-bearing operation's endpoints independently
// by the displacement opB introduces.
func transformRanged(a, b Operation) Operation {
	start := transformIndex(a.Position, b)
	end := transformIndex(a.Position+a.Length, b)
	if end < start {
		end = start
	}
	a.Position = start
	a.Length = end - start
	return a
}

func transformMove(a, b Operation) Operation {
	a = transformRanged(a, b)
	a.MoveTarget = transformIndex(a.MoveTarget, b)
	return a
}

// transformIndex shifts a single character offset past the displacement
// introduced by op.
func transformIndex(idx int, op Operation) int {
	switch op.Type {
	case OpInsert:
		if op.Position <= idx {
			return idx + utf8.RuneCountInString(op.Text)
		}
	case OpDelete:
		if op.Position+op.Length <= idx {
			return idx - op.Length
		}
		if op.Position < idx {
			// Offset fell inside the deleted range.
			return op.Position
		}
	case OpMove:
		// A move displaces offsets like a delete at the source followed
		// by an equal-length insert at the target.
		idx = transformIndex(idx, Operation{Type: OpDelete, Position: op.Position, Length: op.Length})
		target := op.MoveTarget
		if target > op.Position {
			target -= op.Length
		}
		if target <= idx {
			idx += op.Length
		}
	}
	return idx
}

func rangesOverlap(a, b Operation) bool {
	return a.Position < b.Position+b.Length && b.Position < a.Position+a.Length
}
