package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableHashDeterministic(t *testing.T) {
	values := []any{
		"hello", "főo", int64(42), int64(-7), 3.75, true, false, nil,
		[]byte{1, 2, 3},
	}
	for _, v := range values {
		a, err := stableHash(v)
		require.NoError(t, err)
		b, err := stableHash(v)
		require.NoError(t, err)
		assert.Equal(t, a, b, "hash of %v must be deterministic", v)
	}
}

func TestStableHashDistinguishesTypes(t *testing.T) {
	// Values that render to the same text must still hash apart,
	// because the canonical form is type-tagged.
	pairs := [][2]any{
		{int64(1), "1"},
		{int64(1), 1.0},
		{"abc", []byte("abc")},
		{true, int64(1)},
		{nil, int64(0)},
	}
	for _, pair := range pairs {
		a, err := stableHash(pair[0])
		require.NoError(t, err)
		b, err := stableHash(pair[1])
		require.NoError(t, err)
		assert.NotEqual(t, a, b, "hash(%v) must differ from hash(%v)", pair[0], pair[1])
	}
}

func TestStableHashRejectsZeroLength(t *testing.T) {
	_, err := stableHash("")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = stableHash([]byte{})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStableHashRejectsContainers(t *testing.T) {
	p := testPool(t)
	l, err := p.NewList()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(l))
	_, err = stableHash(l)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStableHashNeverSentinel(t *testing.T) {
	assert.Equal(t, uint64(1), remapSentinel(hashUnused))
	assert.Equal(t, hashDummy-1, remapSentinel(hashDummy))
	assert.Equal(t, uint64(12345), remapSentinel(12345))
}

func TestStableHashTuples(t *testing.T) {
	p := testPool(t)
	a, err := p.NewTuple(int64(1), "x")
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(a))
	b, err := p.NewTuple(int64(1), "x")
	require.NoError(t, err)
	c, err := p.NewTuple(int64(2), "x")
	require.NoError(t, err)

	ha, err := stableHash(a)
	require.NoError(t, err)
	hb, err := stableHash(b)
	require.NoError(t, err)
	hc, err := stableHash(c)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "structurally equal tuples hash alike")
	assert.NotEqual(t, ha, hc)

	empty, err := p.NewTuple()
	require.NoError(t, err)
	_, err = stableHash(empty)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"ints", int64(5), int64(5), true},
		{"int widths", 5, int64(5), true},
		{"int vs float", int64(5), 5.0, false},
		{"strings", "x", "x", true},
		{"string vs bytes", "x", []byte("x"), false},
		{"bytes", []byte{1}, []byte{1}, true},
		{"bools", true, true, true},
		{"nils", nil, nil, true},
		{"nil vs zero", nil, int64(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valuesEqual(tt.a, tt.b))
		})
	}
}
