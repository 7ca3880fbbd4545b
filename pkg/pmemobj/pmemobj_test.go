package pmemobj

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	Register(&Class{
		Name: "pmemobjtest.Counter",
		Init: func(obj *PersistentObject, args ...any) error {
			return obj.SetAttr("count", int64(0))
		},
	})
}

func TestHelloWorldFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.pmem")
	pool, err := Create(path)
	require.NoError(t, err)

	root, err := pool.Root()
	require.NoError(t, err)
	require.Nil(t, root)
	require.NoError(t, pool.SetRoot("you"))
	require.NoError(t, pool.Close())

	pool, err = Open(path)
	require.NoError(t, err)
	defer pool.Close()
	root, err = pool.Root()
	require.NoError(t, err)
	assert.Equal(t, "you", root)
}

func TestRecordThroughFacade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.pmem")
	pool, err := Create(path)
	require.NoError(t, err)

	counter, err := pool.NewObject("pmemobjtest.Counter")
	require.NoError(t, err)
	require.NoError(t, pool.SetRoot(counter))

	err = pool.Transaction(func() error {
		v, err := counter.Attr("count")
		if err != nil {
			return err
		}
		return counter.SetAttr("count", v.(int64)+1)
	})
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	pool, err = Open(path)
	require.NoError(t, err)
	defer pool.Close()
	root, err := pool.Root()
	require.NoError(t, err)
	v, err := root.(*PersistentObject).Attr("count")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestErrorKindsExposed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.pmem")
	pool, err := Create(path)
	require.NoError(t, err)
	defer pool.Close()

	d, err := pool.NewDict()
	require.NoError(t, err)
	require.NoError(t, pool.SetRoot(d))

	_, err = d.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	tup, err := pool.NewTuple(int64(1))
	require.NoError(t, err)
	assert.True(t, errors.Is(tup.Append(int64(2)), ErrNotAllowed))
}
