package pmem

import (
	"encoding/binary"
	"fmt"
)

// Undo log region layout:
//
//	logOff+0: tail u64  bytes of entry data currently in the log
//	logOff+8: entries, each {off u64, len u64, pre-image, pad to 8}
//
// The tail is advanced only after the entry it covers is durable, the
// same publish order the undo-log transaction libraries for pmem use.
// A nonzero tail on open means a transaction was interrupted; replaying
// the entries newest-first restores the last committed state.

const logDataOff = 8

func (p *Pool) logTail() uint64 {
	return binary.LittleEndian.Uint64(p.data[logOff : logOff+8])
}

func (p *Pool) setLogTail(tail uint64) {
	binary.LittleEndian.PutUint64(p.data[logOff:logOff+8], tail)
}

// InTransaction reports whether a transaction is active.
func (p *Pool) InTransaction() bool {
	return p.level > 0
}

// Begin starts a transaction. Nested calls join the outer transaction.
func (p *Pool) Begin() error {
	if p.closed {
		return ErrClosed
	}
	p.level++
	if p.level == 1 {
		p.ranges = p.ranges[:0]
		p.freedThisTx = p.freedThisTx[:0]
	}
	return nil
}

// Commit ends one nesting level. Committing the outermost level flushes
// the mapping, truncates the undo log, and releases blocks freed during
// the transaction for reuse.
func (p *Pool) Commit() error {
	if p.closed {
		return ErrClosed
	}
	if p.level == 0 {
		return fmt.Errorf("commit: %w", ErrNoTransaction)
	}
	p.level--
	if p.level > 0 {
		return nil
	}
	if err := p.Flush(); err != nil {
		return err
	}
	p.setLogTail(0)
	if err := p.Flush(); err != nil {
		return err
	}
	p.freeList = append(p.freeList, p.freedThisTx...)
	p.freedThisTx = p.freedThisTx[:0]
	p.ranges = p.ranges[:0]
	return nil
}

// Abort rewinds every snapshotted range to its pre-transaction image and
// terminates the transaction at every nesting level. Blocks allocated
// inside the transaction are released by the rewind of their headers.
func (p *Pool) Abort() error {
	if p.closed {
		return ErrClosed
	}
	if p.level == 0 {
		return fmt.Errorf("abort: %w", ErrNoTransaction)
	}
	p.replayLog()
	if err := p.Flush(); err != nil {
		return err
	}
	p.setLogTail(0)
	if err := p.Flush(); err != nil {
		return err
	}
	p.level = 0
	p.ranges = p.ranges[:0]
	p.freedThisTx = p.freedThisTx[:0]
	p.rebuildAllocator()
	return nil
}

// Run executes fn inside a transaction, committing on nil and aborting
// when an error propagates out.
func (p *Pool) Run(fn func() error) error {
	if err := p.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if p.level > 0 {
			if aerr := p.Abort(); aerr != nil {
				return fmt.Errorf("abort after %q failed: %w", err, aerr)
			}
		}
		return err
	}
	return p.Commit()
}

// SnapshotOID enrolls n bytes at fieldOff within the block payload in the
// undo log of the active transaction.
func (p *Pool) SnapshotOID(oid OID, fieldOff, n uint64) error {
	if err := p.checkOID(oid); err != nil {
		return err
	}
	return p.snapshot(oid.Off+fieldOff, n)
}

// snapshot copies the pre-image of [off, off+n) into the undo log. A
// range already covered by an entry of this transaction is skipped:
// later writes anywhere within it are captured by the existing entry.
func (p *Pool) snapshot(off, n uint64) error {
	if p.level == 0 {
		return ErrNoTransaction
	}
	if n == 0 {
		return nil
	}
	if off+n > p.size {
		return fmt.Errorf("snapshot range out of pool: %w", ErrBadOID)
	}
	for _, r := range p.ranges {
		if off >= r.off && off+n <= r.end {
			return nil
		}
	}

	tail := p.logTail()
	need := 16 + alignUp(n, 8)
	if logDataOff+tail+need > p.logSize {
		return ErrLogFull
	}
	entry := logOff + logDataOff + tail
	binary.LittleEndian.PutUint64(p.data[entry:entry+8], off)
	binary.LittleEndian.PutUint64(p.data[entry+8:entry+16], n)
	copy(p.data[entry+16:entry+16+n], p.data[off:off+n])
	if err := p.Flush(); err != nil {
		return err
	}
	p.setLogTail(tail + need)
	if err := p.Flush(); err != nil {
		return err
	}
	p.ranges = append(p.ranges, logRange{off: off, end: off + n})
	return nil
}

// replayLog applies the undo entries newest-first.
func (p *Pool) replayLog() {
	tail := p.logTail()
	type entry struct {
		off  uint64
		n    uint64
		data uint64
	}
	var entries []entry
	pos := uint64(0)
	for pos < tail {
		e := logOff + logDataOff + pos
		off := binary.LittleEndian.Uint64(p.data[e : e+8])
		n := binary.LittleEndian.Uint64(p.data[e+8 : e+16])
		if n == 0 || off+n > p.size {
			break
		}
		entries = append(entries, entry{off: off, n: n, data: e + 16})
		pos += 16 + alignUp(n, 8)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		copy(p.data[e.off:e.off+e.n], p.data[e.data:e.data+e.n])
	}
}
