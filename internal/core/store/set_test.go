package store

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedStrings(t *testing.T, s *PersistentSet) []string {
	t.Helper()
	items, err := s.Slice()
	require.NoError(t, err)
	out := make([]string, 0, len(items))
	for _, v := range items {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

func lettersOf(s string) []any {
	seen := map[rune]bool{}
	var out []any
	for _, r := range s {
		if !seen[r] {
			seen[r] = true
			out = append(out, string(r))
		}
	}
	return out
}

func TestSetAddContains(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))

	require.NoError(t, s.Add("a"))
	require.NoError(t, s.Add("b"))
	require.NoError(t, s.Add("a"))
	assert.Equal(t, 2, s.Len())

	ok, err := s.Contains("a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Contains("z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetSurvivesReopen(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet(lettersOf("simsalabim")...)
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))
	assert.Equal(t, []string{"a", "b", "i", "l", "m", "s"}, sortedStrings(t, s))

	p = reopen(t, p)
	root, err := p.Root()
	require.NoError(t, err)
	s = root.(*PersistentSet)
	assert.Equal(t, []string{"a", "b", "i", "l", "m", "s"}, sortedStrings(t, s))
}

func TestSetDiscardAndRemove(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet("a", "b")
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))

	require.NoError(t, s.Discard("a"))
	require.NoError(t, s.Discard("a"), "discard of an absent member is a no-op")
	assert.Equal(t, 1, s.Len())

	require.ErrorIs(t, s.Remove("a"), ErrNotFound)
	require.NoError(t, s.Remove("b"))
	assert.Equal(t, 0, s.Len())
}

func TestSetTombstoneReuse(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))

	require.NoError(t, s.Add("x"))
	require.NoError(t, s.Discard("x"))
	require.NoError(t, s.Add("x"))
	assert.Equal(t, 1, s.Len())
	ok, err := s.Contains("x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetResizeThreshold(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))

	// The minimum table has mask 63; filling past fill*3 >= mask*2
	// forces a resize. Push well past it and verify every member.
	var keys []string
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("member%02d", i)
		keys = append(keys, k)
		require.NoError(t, s.Add(k))
	}
	assert.Greater(t, s.mask(), uint64(setMinSize-1), "table must have grown")
	assert.Equal(t, s.fill(), uint64(s.Len()), "rehash drops tombstones")
	for _, k := range keys {
		ok, err := s.Contains(k)
		require.NoError(t, err)
		assert.True(t, ok, "key %s lost in resize", k)
	}
}

func TestSetAlgebra(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet(lettersOf("simsalabim")...)
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))

	union, err := s.Union("madagascar")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "g", "i", "l", "m", "r", "s"},
		sortedStrings(t, union))

	inter, err := s.Intersection("madagascar")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "s"}, sortedStrings(t, inter))

	diff, err := s.Difference("madagascar")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "i", "l"}, sortedStrings(t, diff))

	sym, err := s.SymmetricDifference("madagascar")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d", "g", "i", "l", "r"},
		sortedStrings(t, sym))
}

func TestSetPredicates(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet("a", "b", "c")
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))

	sub, err := s.IsSubset([]any{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.True(t, sub)

	sup, err := s.IsSuperset([]any{"a", "b"})
	require.NoError(t, err)
	assert.True(t, sup)

	dis, err := s.IsDisjoint([]any{"x", "y"})
	require.NoError(t, err)
	assert.True(t, dis)

	dis, err = s.IsDisjoint([]any{"c"})
	require.NoError(t, err)
	assert.False(t, dis)
}

func TestSetOperatorsRejectNonSets(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet("a")
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))

	_, err = s.Or("not a set")
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = s.And([]any{"a"})
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = s.Sub(int64(1))
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = s.Xor(3.5)
	require.ErrorIs(t, err, ErrTypeMismatch)

	other, err := p.NewSet("a", "z")
	require.NoError(t, err)
	got, err := s.Or(other)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, sortedStrings(t, got))
}

func TestFrozenSetRejectsMutation(t *testing.T) {
	p := testPool(t)
	fs, err := p.NewFrozenSet("a", "b")
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(fs))

	require.ErrorIs(t, fs.Add("c"), ErrNotAllowed)
	require.ErrorIs(t, fs.Discard("a"), ErrNotAllowed)
	require.ErrorIs(t, fs.Remove("a"), ErrNotAllowed)
	_, err = fs.Pop()
	require.ErrorIs(t, err, ErrNotAllowed)
	assert.Equal(t, 2, fs.Len())

	ok, err := fs.Contains("a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFrozenSetHashStable(t *testing.T) {
	p := testPool(t)
	fs, err := p.NewFrozenSet("a", "b", "c")
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(fs))

	h1, err := fs.Hash()
	require.NoError(t, err)
	h2, err := fs.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	p = reopen(t, p)
	root, err := p.Root()
	require.NoError(t, err)
	h3, err := root.(*PersistentFrozenSet).Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h3, "cached frozen hash must survive reopen")
}

func TestSetPop(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet("only")
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))

	v, err := s.Pop()
	require.NoError(t, err)
	assert.Equal(t, "only", v)
	assert.Equal(t, 0, s.Len())

	_, err = s.Pop()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetIntegerMembers(t *testing.T) {
	p := testPool(t)
	s, err := p.NewSet()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(s))
	for i := int64(0); i < 50; i++ {
		require.NoError(t, s.Add(i))
	}
	p = reopen(t, p)
	root, err := p.Root()
	require.NoError(t, err)
	s = root.(*PersistentSet)
	assert.Equal(t, 50, s.Len())
	for i := int64(0); i < 50; i++ {
		ok, err := s.Contains(i)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
