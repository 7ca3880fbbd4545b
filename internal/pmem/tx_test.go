package pmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotOutsideTransaction(t *testing.T) {
	p := testPool(t)
	err := p.snapshot(p.heapOff, 8)
	require.ErrorIs(t, err, ErrNoTransaction)
}

func TestAbortRestoresBytes(t *testing.T) {
	p := testPool(t)
	var oid OID
	err := p.Run(func() error {
		var err error
		oid, err = p.Zalloc(64, 1)
		if err != nil {
			return err
		}
		copy(p.Direct(oid), "original")
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = p.Run(func() error {
		if err := p.SnapshotOID(oid, 0, 8); err != nil {
			return err
		}
		copy(p.Direct(oid), "mutated!")
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "original", string(p.Direct(oid)[:8]),
		"abort must rewind every snapshotted range")
}

func TestAbortReleasesAllocations(t *testing.T) {
	p := testPool(t)
	before := p.Stats().AllocatedBlocks

	boom := errors.New("boom")
	err := p.Run(func() error {
		for i := 0; i < 10; i++ {
			if _, err := p.Alloc(64, 1); err != nil {
				return err
			}
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, before, p.Stats().AllocatedBlocks,
		"blocks allocated inside an aborted transaction must be released")
}

func TestNestedTransactionJoinsOuter(t *testing.T) {
	p := testPool(t)
	var oid OID
	err := p.Run(func() error {
		return p.Run(func() error {
			var err error
			oid, err = p.Zalloc(32, 1)
			if err != nil {
				return err
			}
			copy(p.Direct(oid), "nested")
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "nested", string(p.Direct(oid)[:6]))
}

func TestNestedErrorAbortsEverything(t *testing.T) {
	p := testPool(t)
	var oid OID
	err := p.Run(func() error {
		var err error
		oid, err = p.Zalloc(32, 1)
		require.NoError(t, err)
		copy(p.Direct(oid), "outer!")
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = p.Run(func() error {
		if err := p.SnapshotOID(oid, 0, 6); err != nil {
			return err
		}
		copy(p.Direct(oid), "dirty1")
		return p.Run(func() error {
			return boom
		})
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "outer!", string(p.Direct(oid)[:6]),
		"an inner abort rewinds to the outermost begin")
	assert.False(t, p.InTransaction())
}

func TestSnapshotCoverageSkipsNestedRanges(t *testing.T) {
	p := testPool(t)
	var oid OID
	err := p.Run(func() error {
		var err error
		oid, err = p.Zalloc(64, 1)
		return err
	})
	require.NoError(t, err)

	err = p.Run(func() error {
		if err := p.SnapshotOID(oid, 0, 64); err != nil {
			return err
		}
		tail := p.logTail()
		// A sub-range of an enrolled range must not grow the log.
		if err := p.SnapshotOID(oid, 8, 16); err != nil {
			return err
		}
		assert.Equal(t, tail, p.logTail())
		return nil
	})
	require.NoError(t, err)
}

func TestCrashReplayOnOpen(t *testing.T) {
	path := testPool(t).path
	// testPool registered cleanup; work with a dedicated pool instead.
	p, err := Create(path+".crash", Options{})
	require.NoError(t, err)

	var oid OID
	err = p.Run(func() error {
		var err error
		oid, err = p.Zalloc(64, 1)
		if err != nil {
			return err
		}
		copy(p.Direct(oid), "durable")
		return nil
	})
	require.NoError(t, err)

	// Leave a transaction in flight and drop the mapping: the undo log
	// still holds the entry, so reopen must rewind the write.
	require.NoError(t, p.Begin())
	require.NoError(t, p.SnapshotOID(oid, 0, 7))
	copy(p.Direct(oid), "tainted")
	require.NoError(t, p.CloseDirty())

	p2, err := Open(path+".crash", Options{})
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, "durable", string(p2.Direct(oid)[:7]),
		"no partial transaction may be visible after reopen")
}

func TestCommitOutsideTransaction(t *testing.T) {
	p := testPool(t)
	require.ErrorIs(t, p.Commit(), ErrNoTransaction)
	require.ErrorIs(t, p.Abort(), ErrNoTransaction)
}

func TestCommittedStateSurvivesCrash(t *testing.T) {
	path := testPool(t).path + ".c2"
	p, err := Create(path, Options{})
	require.NoError(t, err)

	var oid OID
	err = p.Run(func() error {
		var err error
		oid, err = p.Zalloc(32, 1)
		if err != nil {
			return err
		}
		copy(p.Direct(oid), "kept")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.CloseDirty())

	p2, err := Open(path, Options{})
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, "kept", string(p2.Direct(oid)[:4]))
}
