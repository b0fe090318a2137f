package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ins(pos int, text string) Op  { return Op{Kind: OpInsert, Pos: pos, Text: text} }
func del(pos, length int) Op       { return Op{Kind: OpDelete, Pos: pos, Length: length} }
func ret(pos, length int) Op       { return Op{Kind: OpRetain, Pos: pos, Length: length} }

func batch(author string, ts int64, ops ...Op) *Batch {
	return &Batch{Ops: ops, Author: author, Timestamp: ts}
}

func TestApplyInsertDelete(t *testing.T) {
	out, err := Apply("hello world", []Op{del(5, 6), ins(5, "!")})
	require.NoError(t, err)
	assert.Equal(t, "hello!", out)
}

func TestApplyCountsCodePoints(t *testing.T) {
	out, err := Apply("héllo", []Op{ins(5, "!")})
	require.NoError(t, err)
	assert.Equal(t, "héllo!", out)

	out, err = Apply("日本語", []Op{del(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, "日語", out)
}

func TestApplyRejectsOutOfBounds(t *testing.T) {
	cases := []struct {
		name string
		buf  string
		op   Op
	}{
		{"insert past end", "ab", ins(3, "x")},
		{"insert negative", "ab", ins(-1, "x")},
		{"delete past end", "ab", del(1, 2)},
		{"delete zero length", "ab", del(0, 0)},
		{"retain past end", "ab", ret(0, 3)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(tc.buf, []Op{tc.op})
			assert.ErrorIs(t, err, ErrInvalidEdit)
		})
	}
}

func TestConcurrentInsertsTieBreakByTimestamp(t *testing.T) {
	// Both insert at position 0 of an empty buffer; the earlier timestamp
	// keeps the left slot.
	a := batch("u1", 1, ins(0, "hi"))
	b := batch("u2", 2, ins(0, "HI"))

	bPrime := Transform(b, a)
	buf, err := Apply("", a.Ops)
	require.NoError(t, err)
	buf, err = Apply(buf, bPrime)
	require.NoError(t, err)
	assert.Equal(t, "hiHI", buf)

	// The opposite serialization converges to the same buffer.
	aPrime := Transform(a, b)
	buf2, err := Apply("", b.Ops)
	require.NoError(t, err)
	buf2, err = Apply(buf2, aPrime)
	require.NoError(t, err)
	assert.Equal(t, "hiHI", buf2)
}

func TestInsertTieBreakByAuthor(t *testing.T) {
	a := batch("alice", 7, ins(2, "X"))
	b := batch("bob", 7, ins(2, "Y"))

	buf1 := mustApplyBoth(t, "0123", a, b)
	buf2 := mustApplyBoth(t, "0123", b, a)
	assert.Equal(t, "01XY23", buf1)
	assert.Equal(t, buf1, buf2)
}

func TestInsertAgainstDelete(t *testing.T) {
	// Insert before the deleted range is untouched.
	got := Transform(batch("a", 1, ins(1, "x")), batch("b", 2, del(3, 2)))
	assert.Equal(t, []Op{ins(1, "x")}, got)

	// Insert after the deleted range shifts left.
	got = Transform(batch("a", 1, ins(6, "x")), batch("b", 2, del(2, 3)))
	assert.Equal(t, []Op{ins(3, "x")}, got)

	// Insert inside the deleted range clamps to its start.
	got = Transform(batch("a", 1, ins(4, "x")), batch("b", 2, del(2, 4)))
	assert.Equal(t, []Op{ins(2, "x")}, got)
}

func TestDeleteAgainstInsert(t *testing.T) {
	// Delete fully before the insert point is untouched.
	got := Transform(batch("a", 1, del(0, 2)), batch("b", 2, ins(5, "xy")))
	assert.Equal(t, []Op{del(0, 2)}, got)

	// Delete after the insert shifts right.
	got = Transform(batch("a", 1, del(5, 2)), batch("b", 2, ins(1, "xy")))
	assert.Equal(t, []Op{del(7, 2)}, got)

	// Insert inside the deleted range grows the delete over it.
	got = Transform(batch("a", 1, del(2, 4)), batch("b", 2, ins(4, "xy")))
	assert.Equal(t, []Op{del(2, 6)}, got)
}

func TestOverlappingDeletesConverge(t *testing.T) {
	buf := "abcdefgh"
	a := batch("u1", 1, del(1, 4)) // bcde
	b := batch("u2", 2, del(3, 4)) // defg

	got1 := mustApplyBoth(t, buf, a, b)
	got2 := mustApplyBoth(t, buf, b, a)
	assert.Equal(t, "ah", got1)
	assert.Equal(t, got1, got2)
}

func TestNestedDeleteVanishes(t *testing.T) {
	// b's range sits entirely inside a's; after a there is nothing left
	// for b to remove.
	a := batch("u1", 1, del(1, 5))
	b := batch("u2", 2, del(2, 2))
	assert.Empty(t, Transform(b, a))

	got := mustApplyBoth(t, "abcdefg", a, b)
	assert.Equal(t, "ag", got)
}

func TestRetainPartitionsAroundInsert(t *testing.T) {
	got := Transform(batch("a", 1, ret(2, 4)), batch("b", 2, ins(4, "xy")))
	assert.Equal(t, []Op{ret(2, 2), ret(6, 2)}, got)
}

func TestRetainShrinksUnderDelete(t *testing.T) {
	got := Transform(batch("a", 1, ret(2, 4)), batch("b", 2, del(3, 2)))
	assert.Equal(t, []Op{ret(2, 2)}, got)

	// Fully covered retain disappears.
	got = Transform(batch("a", 1, ret(2, 2)), batch("b", 2, del(1, 4)))
	assert.Empty(t, got)
}

func TestConvergenceDisjointBatches(t *testing.T) {
	buf := "the quick brown fox"
	cases := []struct {
		name string
		a, b *Batch
	}{
		{"two inserts", batch("u1", 1, ins(4, "very ")), batch("u2", 2, ins(16, "red "))},
		{"insert and delete", batch("u1", 1, ins(0, ">> ")), batch("u2", 2, del(10, 6))},
		{"two deletes", batch("u1", 1, del(0, 4)), batch("u2", 2, del(10, 6))},
		{"multi-op batches", batch("u1", 1, ins(3, "!"), del(5, 2)), batch("u2", 2, ins(15, "?"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got1 := mustApplyBoth(t, buf, tc.a, tc.b)
			got2 := mustApplyBoth(t, buf, tc.b, tc.a)
			assert.Equal(t, got1, got2)
		})
	}
}

func TestLengthArithmetic(t *testing.T) {
	buf := "0123456789"
	ops := []Op{ins(2, "abc"), del(7, 4), ret(0, 3)}
	out, err := Apply(buf, ops)
	require.NoError(t, err)
	assert.Equal(t, len([]rune(buf))+Delta(ops), len([]rune(out)))
	assert.Equal(t, -1, Delta(ops))
}

func TestCompact(t *testing.T) {
	got := Compact([]Op{ins(0, "he"), ins(2, "llo"), del(5, 1), del(5, 2), ret(0, 2), ret(2, 3)})
	assert.Equal(t, []Op{ins(0, "hello"), del(5, 3), ret(0, 5)}, got)
}

func TestCompactLeavesIncompatibleOps(t *testing.T) {
	ops := []Op{ins(0, "a"), del(3, 1), ins(2, "b")}
	assert.Equal(t, ops, Compact(ops))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]Op{ins(0, "x"), del(0, 1), ret(0, 1)}))
	assert.ErrorIs(t, Validate([]Op{ins(0, "")}), ErrInvalidEdit)
	assert.ErrorIs(t, Validate([]Op{del(0, 0)}), ErrInvalidEdit)
	assert.ErrorIs(t, Validate([]Op{{Kind: "replace", Pos: 0}}), ErrInvalidEdit)
	assert.ErrorIs(t, Validate([]Op{ins(-1, "x")}), ErrInvalidEdit)
}

// mustApplyBoth applies first then the second batch transformed against it.
func mustApplyBoth(t *testing.T, buf string, first, second *Batch) string {
	t.Helper()
	out, err := Apply(buf, first.Ops)
	require.NoError(t, err)
	out, err = Apply(out, Transform(second, first))
	require.NoError(t, err)
	return out
}
