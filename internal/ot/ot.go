// Package ot implements operational transformation over a flat sequence of
// code points. The hub serializes concurrent edit batches and transforms each
// incoming batch against every batch accepted since the submitter's base
// version; applying the results in hub order converges all replicas.
package ot

import (
	"errors"
)

// ErrInvalidEdit marks an operation that does not fit the current buffer.
// The hub answers it with a full snapshot resync rather than clamping.
var ErrInvalidEdit = errors.New("invalid edit")

// Kind is the operation discriminator.
type Kind string

const (
	OpInsert Kind = "insert"
	OpDelete Kind = "delete"
	OpRetain Kind = "retain"
)

// Op is a single primitive edit. Insert carries Text; delete and retain
// carry Length. Positions count code points, not bytes.
type Op struct {
	Kind   Kind   `json:"kind"`
	Pos    int    `json:"pos"`
	Text   string `json:"text,omitempty"`
	Length int    `json:"length,omitempty"`
}

// Batch is a list of operations submitted together against one base version.
// Timestamp is a logical clock assigned by the hub at arrival; together with
// Author it breaks insert-position ties deterministically.
type Batch struct {
	Ops       []Op   `json:"ops"`
	Base      uint64 `json:"base_version"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
}

// before reports whether batch a wins the left slot on an insert tie,
// by (timestamp, author) lexicographic order.
func before(a, b *Batch) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Author < b.Author
}

// Transform rewrites batch b so it can be applied after batch prior, which
// was accepted first. The returned ops are b's intent expressed against the
// buffer as prior left it.
func Transform(b, prior *Batch) []Op {
	ops := b.Ops
	for _, other := range prior.Ops {
		next := make([]Op, 0, len(ops))
		for _, op := range ops {
			next = append(next, transformPair(op, other, b, prior)...)
		}
		ops = next
	}
	return ops
}

func transformPair(a, b Op, ab, bb *Batch) []Op {
	switch a.Kind {
	case OpInsert:
		return transformInsert(a, b, ab, bb)
	case OpDelete:
		return transformDelete(a, b)
	case OpRetain:
		return transformRetain(a, b)
	}
	return []Op{a}
}

func transformInsert(ins, other Op, insBatch, otherBatch *Batch) []Op {
	switch other.Kind {
	case OpInsert:
		switch {
		case ins.Pos < other.Pos:
			return []Op{ins}
		case ins.Pos > other.Pos:
			ins.Pos += textLen(other.Text)
			return []Op{ins}
		default:
			// Same position: the batch that is lower in (timestamp, author)
			// order keeps the left slot.
			if before(insBatch, otherBatch) {
				return []Op{ins}
			}
			ins.Pos += textLen(other.Text)
			return []Op{ins}
		}

	case OpDelete:
		end := other.Pos + other.Length
		switch {
		case ins.Pos <= other.Pos:
			return []Op{ins}
		case ins.Pos >= end:
			ins.Pos -= other.Length
			return []Op{ins}
		default:
			// Insert point vanished with the deleted range.
			ins.Pos = other.Pos
			return []Op{ins}
		}
	}
	return []Op{ins}
}

func transformDelete(del, other Op) []Op {
	switch other.Kind {
	case OpInsert:
		switch {
		case del.Pos+del.Length <= other.Pos:
			return []Op{del}
		case del.Pos >= other.Pos:
			del.Pos += textLen(other.Text)
			return []Op{del}
		default:
			// Insert landed inside the range being deleted; the delete grows
			// over the inserted text so the range stays contiguous.
			del.Length += textLen(other.Text)
			return []Op{del}
		}

	case OpDelete:
		start1, end1 := del.Pos, del.Pos+del.Length
		start2, end2 := other.Pos, other.Pos+other.Length
		switch {
		case end1 <= start2:
			return []Op{del}
		case start1 >= end2:
			del.Pos -= other.Length
			return []Op{del}
		default:
			// Overlapping: what remains to delete is the union minus the
			// range the other delete already removed.
			union := max(end1, end2) - min(start1, start2)
			remaining := union - other.Length
			if remaining <= 0 {
				return nil
			}
			return []Op{{Kind: OpDelete, Pos: min(start1, start2), Length: remaining}}
		}
	}
	return []Op{del}
}

func transformRetain(ret, other Op) []Op {
	start, end := ret.Pos, ret.Pos+ret.Length
	switch other.Kind {
	case OpInsert:
		switch {
		case other.Pos <= start:
			ret.Pos += textLen(other.Text)
			return []Op{ret}
		case other.Pos >= end:
			return []Op{ret}
		default:
			// Partition around the insertion so the retain keeps covering
			// exactly the spans it covered before.
			n := textLen(other.Text)
			return []Op{
				{Kind: OpRetain, Pos: start, Length: other.Pos - start},
				{Kind: OpRetain, Pos: other.Pos + n, Length: end - other.Pos},
			}
		}

	case OpDelete:
		dstart, dend := other.Pos, other.Pos+other.Length
		switch {
		case dend <= start:
			ret.Pos -= other.Length
			return []Op{ret}
		case dstart >= end:
			return []Op{ret}
		default:
			kept := (max(start, dstart) - start) + maxInt0(end-dend)
			if kept <= 0 {
				return nil
			}
			return []Op{{Kind: OpRetain, Pos: min(start, dstart), Length: kept}}
		}
	}
	return []Op{ret}
}

// Apply executes ops against content and returns the new buffer. Any
// operation outside the current bounds fails the whole batch with
// ErrInvalidEdit; nothing is applied partially.
func Apply(content string, ops []Op) (string, error) {
	runes := []rune(content)
	for _, op := range ops {
		if op.Pos < 0 {
			return "", ErrInvalidEdit
		}
		switch op.Kind {
		case OpInsert:
			if op.Pos > len(runes) {
				return "", ErrInvalidEdit
			}
			ins := []rune(op.Text)
			next := make([]rune, 0, len(runes)+len(ins))
			next = append(next, runes[:op.Pos]...)
			next = append(next, ins...)
			next = append(next, runes[op.Pos:]...)
			runes = next

		case OpDelete:
			if op.Length <= 0 || op.Pos+op.Length > len(runes) {
				return "", ErrInvalidEdit
			}
			next := make([]rune, 0, len(runes)-op.Length)
			next = append(next, runes[:op.Pos]...)
			next = append(next, runes[op.Pos+op.Length:]...)
			runes = next

		case OpRetain:
			if op.Length <= 0 || op.Pos+op.Length > len(runes) {
				return "", ErrInvalidEdit
			}

		default:
			return "", ErrInvalidEdit
		}
	}
	return string(runes), nil
}

// Validate checks a raw client batch before the hub touches the buffer.
func Validate(ops []Op) error {
	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			if op.Pos < 0 || op.Text == "" {
				return ErrInvalidEdit
			}
		case OpDelete, OpRetain:
			if op.Pos < 0 || op.Length <= 0 {
				return ErrInvalidEdit
			}
		default:
			return ErrInvalidEdit
		}
	}
	return nil
}

// Compact merges adjacent compatible operations so broadcast batches stay
// small: consecutive inserts that continue each other, consecutive deletes at
// the same position, and adjacent retains collapse into one op.
func Compact(ops []Op) []Op {
	if len(ops) < 2 {
		return ops
	}
	out := make([]Op, 0, len(ops))
	cur := ops[0]
	for _, op := range ops[1:] {
		switch {
		case cur.Kind == OpInsert && op.Kind == OpInsert &&
			op.Pos == cur.Pos+textLen(cur.Text):
			cur.Text += op.Text
		case cur.Kind == OpDelete && op.Kind == OpDelete && op.Pos == cur.Pos:
			cur.Length += op.Length
		case cur.Kind == OpRetain && op.Kind == OpRetain &&
			op.Pos == cur.Pos+cur.Length:
			cur.Length += op.Length
		default:
			out = append(out, cur)
			cur = op
		}
	}
	out = append(out, cur)
	return out
}

// Delta is the buffer length change a batch produces: inserted code points
// minus deleted ones. Retain never shifts the buffer.
func Delta(ops []Op) int {
	d := 0
	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			d += textLen(op.Text)
		case OpDelete:
			d -= op.Length
		}
	}
	return d
}

func textLen(s string) int { return len([]rune(s)) }

func maxInt0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
