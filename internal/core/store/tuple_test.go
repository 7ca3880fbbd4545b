package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTupleConstructGet(t *testing.T) {
	p := testPool(t)
	tup, err := p.NewTuple(int64(1), "two", 3.0)
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(tup))

	assert.Equal(t, 3, tup.Len())
	v, err := tup.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = tup.Get(-1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	p = reopen(t, p)
	root, err := p.Root()
	require.NoError(t, err)
	got, err := root.(*PersistentTuple).Slice()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "two", 3.0}, got)
}

func TestTupleEmpty(t *testing.T) {
	p := testPool(t)
	tup, err := p.NewTuple()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(tup))

	assert.Equal(t, 0, tup.Len())
	_, err = tup.Get(0)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = tup.Get(-1)
	require.ErrorIs(t, err, ErrNotFound)

	p = reopen(t, p)
	root, err := p.Root()
	require.NoError(t, err)
	assert.Equal(t, 0, root.(*PersistentTuple).Len())
}

func TestTupleRejectsMutation(t *testing.T) {
	p := testPool(t)
	tup, err := p.NewTuple(int64(1))
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(tup))

	require.ErrorIs(t, tup.Set(0, int64(2)), ErrNotAllowed)
	require.ErrorIs(t, tup.Delete(0), ErrNotAllowed)
	require.ErrorIs(t, tup.Insert(0, int64(2)), ErrNotAllowed)
	require.ErrorIs(t, tup.Append(int64(2)), ErrNotAllowed)
	require.ErrorIs(t, tup.Clear(), ErrNotAllowed)

	v, err := tup.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestTupleEquality(t *testing.T) {
	p := testPool(t)
	a, err := p.NewTuple(int64(1), "x")
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(a))
	b, err := p.NewTuple(int64(1), "x")
	require.NoError(t, err)
	c, err := p.NewTuple(int64(1), "y")
	require.NoError(t, err)
	short, err := p.NewTuple(int64(1))
	require.NoError(t, err)

	assert.True(t, a.Eq(a))
	assert.True(t, a.Eq(b))
	assert.False(t, a.Eq(c))
	assert.False(t, a.Eq(short))
	assert.True(t, a.Eq([]any{int64(1), "x"}))
	assert.False(t, a.Eq([]any{int64(1)}))
	assert.False(t, a.Eq("not a tuple"))
}

func TestTupleNestedContainers(t *testing.T) {
	p := testPool(t)
	inner, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, inner.Append("deep"))
	tup, err := p.NewTuple(inner, int64(2))
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(tup))

	p = reopen(t, p)
	root, err := p.Root()
	require.NoError(t, err)
	v, err := root.(*PersistentTuple).Get(0)
	require.NoError(t, err)
	got, err := v.(*PersistentList).Slice()
	require.NoError(t, err)
	assert.Equal(t, []any{"deep"}, got)
}
