package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

func TestListAppendGet(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))

	for i := int64(0); i < 20; i++ {
		require.NoError(t, l.Append(i*10))
	}
	assert.Equal(t, 20, l.Len())
	for i := 0; i < 20; i++ {
		v, err := l.Get(i)
		require.NoError(t, err)
		assert.Equal(t, int64(i*10), v)
	}

	// Negative index counts from the end.
	v, err := l.Get(-1)
	require.NoError(t, err)
	assert.Equal(t, int64(190), v)
}

func TestListGetOutOfRange(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)

	_, err = l.Get(0)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = l.Get(-1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListInsertAtFrontShifts(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))

	for _, s := range []string{"b", "c", "d"} {
		require.NoError(t, l.Append(s))
	}
	require.NoError(t, l.Insert(0, "a"))

	got, err := l.Slice()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c", "d"}, got)
}

func TestListInsertShiftKeepsRefcounts(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))

	var dicts []*PersistentDict
	for i := 0; i < 4; i++ {
		d, err := p.NewDict()
		require.NoError(t, err)
		require.NoError(t, l.Append(d))
		dicts = append(dicts, d)
	}
	require.NoError(t, l.Insert(0, "front"))

	for i, d := range dicts {
		assert.Equal(t, uint64(1), p.refcnt(d.oid),
			"shifted element %d must keep its refcount", i)
		v, err := l.Get(i + 1)
		require.NoError(t, err)
		assert.Same(t, d, v)
	}
}

func TestListSetReplacesAndReleases(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))

	d, err := p.NewDict()
	require.NoError(t, err)
	require.NoError(t, l.Append(d))
	require.NoError(t, l.Set(0, "replacement"))

	v, err := l.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "replacement", v)

	found := false
	p.pm.Blocks(func(oid pmem.OID, typeNum uint32, size int) bool {
		if oid == d.oid {
			found = true
		}
		return true
	})
	assert.False(t, found, "replaced dict lost its only reference")
}

func TestListDeleteShiftsLeft(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))

	for i := int64(0); i < 5; i++ {
		require.NoError(t, l.Append(i))
	}
	require.NoError(t, l.Delete(1))

	got, err := l.Slice()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(0), int64(2), int64(3), int64(4)}, got)

	require.ErrorIs(t, l.Delete(10), ErrNotFound)
}

func TestListPop(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))
	require.NoError(t, l.Append("x"))
	require.NoError(t, l.Append("y"))

	v, err := l.Pop(-1)
	require.NoError(t, err)
	assert.Equal(t, "y", v)
	assert.Equal(t, 1, l.Len())
}

func TestListClear(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))
	for i := int64(0); i < 10; i++ {
		require.NoError(t, l.Append(i))
	}
	require.NoError(t, l.Clear())
	assert.Equal(t, 0, l.Len())
	require.NoError(t, l.Append("again"))
	assert.Equal(t, 1, l.Len())
}

func TestListGrowthAcrossReopen(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))

	// Enough appends to force several item-array reallocations.
	for i := int64(0); i < 100; i++ {
		require.NoError(t, l.Append(i))
	}

	p = reopen(t, p)
	root, err := p.Root()
	require.NoError(t, err)
	l = root.(*PersistentList)
	require.Equal(t, 100, l.Len())
	for i := 0; i < 100; i++ {
		v, err := l.Get(i)
		require.NoError(t, err)
		assert.Equal(t, int64(i), v)
	}
}

func TestListContains(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))
	require.NoError(t, l.Append(int64(10)))
	require.NoError(t, l.Append(int64(30)))

	ok, err := l.Contains(int64(30))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Contains(int64(20))
	require.NoError(t, err)
	assert.False(t, ok)
}
