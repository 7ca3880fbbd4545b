package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRootDict(t *testing.T, p *Pool) *PersistentDict {
	t.Helper()
	d, err := p.NewDict()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(d))
	return d
}

func rootDict(t *testing.T, p *Pool) *PersistentDict {
	t.Helper()
	root, err := p.Root()
	require.NoError(t, err)
	d, ok := root.(*PersistentDict)
	require.True(t, ok, "root is %T, want dict", root)
	return d
}

func TestDictSetGetOneItem(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	require.NoError(t, d.Set("a", int64(1)))

	v, err := d.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	p = reopen(t, p)
	v, err = rootDict(t, p).Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestDictGetUnknownKey(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	_, err := d.Get("a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Set("a", int64(1)))
	_, err = d.Get("aa")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDictMixedTypeKeys(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	data := map[any]any{
		"a":         int64(1),
		int64(2):    3.7,
		4.1:         int64(3),
		"something": "somewhere",
		"főo":       "bàr",
	}
	for k, v := range data {
		require.NoError(t, d.Set(k, v))
		got, err := d.Get(k)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	assert.Equal(t, 5, d.Len())

	p = reopen(t, p)
	d = rootDict(t, p)
	for k, v := range data {
		got, err := d.Get(k)
		require.NoError(t, err)
		assert.Equal(t, v, got, "key %v", k)
	}
	assert.Equal(t, 5, d.Len())

	require.NoError(t, d.Delete("a"))
	p = reopen(t, p)
	d = rootDict(t, p)
	assert.Equal(t, 4, d.Len())
	_, err := d.Get("a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDictReplaceValue(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	require.NoError(t, d.Set("a", int64(1)))
	require.NoError(t, d.Set("a", "foo"))

	v, err := d.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "foo", v)
	assert.Equal(t, 1, d.Len())

	p = reopen(t, p)
	v, err = rootDict(t, p).Get("a")
	require.NoError(t, err)
	assert.Equal(t, "foo", v)
}

func TestDictDelete(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	require.NoError(t, d.Set("a", int64(1)))
	require.NoError(t, d.Delete("a"))
	assert.Equal(t, 0, d.Len())
	require.ErrorIs(t, d.Delete("a"), ErrNotFound)

	// A tombstoned slot is reusable.
	require.NoError(t, d.Set("a", int64(2)))
	v, err := d.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestDictLen(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	assert.Equal(t, 0, d.Len())
	require.NoError(t, d.Set("a", int64(1)))
	require.NoError(t, d.Set("b", int64(7)))
	require.NoError(t, d.Set(int64(999), int64(-1)))
	assert.Equal(t, 3, d.Len())
	require.NoError(t, d.Delete("b"))
	assert.Equal(t, 2, d.Len())

	p = reopen(t, p)
	d = rootDict(t, p)
	assert.Equal(t, 2, d.Len())
	require.NoError(t, d.Delete(int64(999)))
	require.NoError(t, d.Delete("a"))
	assert.Equal(t, 0, d.Len())
}

func TestDictResizeThreshold(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)

	// A fresh keys-object has size 8 and usable 5; five distinct keys
	// exhaust the budget, so the sixth must trigger a resize to 16.
	kb := p.pm.Direct(d.keysOID())
	require.Equal(t, uint64(minSizeCombined), dkSize(kb))

	for i := 0; i < 6; i++ {
		require.NoError(t, d.Set(fmt.Sprintf("key%d", i), int64(i)))
	}
	kb = p.pm.Direct(d.keysOID())
	assert.Equal(t, uint64(16), dkSize(kb), "resize to 16 after the budget empties")

	// Every prior key is still findable through the rehashed table.
	for i := 0; i < 6; i++ {
		v, err := d.Get(fmt.Sprintf("key%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), v)
	}
}

func TestDictManyKeysAcrossReopen(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	for i := 0; i < 200; i++ {
		require.NoError(t, d.Set(fmt.Sprintf("k%03d", i), int64(i)))
	}

	p = reopen(t, p)
	d = rootDict(t, p)
	assert.Equal(t, 200, d.Len())
	for i := 0; i < 200; i++ {
		v, err := d.Get(fmt.Sprintf("k%03d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), v)
	}
}

func TestDictIterationYieldsEveryKey(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	require.NoError(t, d.Set(int64(1), int64(2)))
	require.NoError(t, d.Set(int64(45), int64(7)))
	require.NoError(t, d.Set("a", "b"))

	keys, err := d.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{int64(1), int64(45), "a"}, keys)
}

func TestDictClear(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, d.Set(k, int64(1)))
	}
	require.NoError(t, d.Clear())
	assert.Equal(t, 0, d.Len())

	p = reopen(t, p)
	d = rootDict(t, p)
	assert.Equal(t, 0, d.Len())
	require.NoError(t, d.Set("d", int64(4)))
	assert.Equal(t, 1, d.Len())
}

func TestDictUnhashableKey(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	require.ErrorIs(t, d.Set("", int64(1)), ErrInvalidArgument)

	l, err := p.NewList()
	require.NoError(t, err)
	require.ErrorIs(t, d.Set(l, int64(1)), ErrInvalidArgument)
}

func TestDictTupleKey(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	k, err := p.NewTuple(int64(1), "two")
	require.NoError(t, err)
	require.NoError(t, d.Set(k, "value"))

	k2, err := p.NewTuple(int64(1), "two")
	require.NoError(t, err)
	v, err := d.Get(k2)
	require.NoError(t, err)
	assert.Equal(t, "value", v, "structurally equal tuples are the same key")
}

func TestDictContainerValues(t *testing.T) {
	p := testPool(t)
	d := makeRootDict(t, p)
	inner, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, inner.Append("nested"))
	require.NoError(t, d.Set("list", inner))

	p = reopen(t, p)
	d = rootDict(t, p)
	v, err := d.Get("list")
	require.NoError(t, err)
	got, err := v.(*PersistentList).Slice()
	require.NoError(t, err)
	assert.Equal(t, []any{"nested"}, got)
}
