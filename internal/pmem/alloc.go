package pmem

import (
	"encoding/binary"
	"fmt"
)

// Block header layout, prefixing every heap block:
//
//	0:  size u64    total block size including this header
//	8:  typeNum u32 allocator type number
//	12: state u32   blockAllocated or blockFree
//
// A size of zero marks the never-used tail of the heap.

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// Alloc allocates a block with at least n payload bytes tagged with
// typeNum and returns its OID. The header write is enrolled in the undo
// log, so aborting the transaction releases the block.
func (p *Pool) Alloc(n int, typeNum uint32) (OID, error) {
	if p.closed {
		return OIDNull, ErrClosed
	}
	if p.level == 0 {
		return OIDNull, ErrNoTransaction
	}
	if n <= 0 {
		return OIDNull, fmt.Errorf("allocation of %d bytes: %w", n, ErrBadOID)
	}
	total := alignUp(uint64(n)+blockHeaderSize, blockAlign)

	// First fit from the free list. Blocks freed inside the active
	// transaction are not eligible: their payload must survive until
	// commit in case the transaction aborts.
	for i, fb := range p.freeList {
		if fb.size < total {
			continue
		}
		p.freeList = append(p.freeList[:i], p.freeList[i+1:]...)
		return p.claimBlock(fb.off, fb.size, total, typeNum)
	}

	// Carve from the untouched tail.
	if p.tail+total > p.heapEnd {
		return OIDNull, ErrOutOfSpace
	}
	off := p.tail
	if err := p.snapshot(off, blockHeaderSize); err != nil {
		return OIDNull, err
	}
	p.writeBlockHeader(off, total, typeNum, blockAllocated)
	p.tail += total
	return OID{PoolID: p.uuidLo, Off: off + blockHeaderSize}, nil
}

// claimBlock takes over a free block, splitting off the remainder when it
// is large enough to hold another block.
func (p *Pool) claimBlock(off, have, want uint64, typeNum uint32) (OID, error) {
	if err := p.snapshot(off, blockHeaderSize); err != nil {
		return OIDNull, err
	}
	if have >= want+blockHeaderSize+blockAlign {
		rem := off + want
		if err := p.snapshot(rem, blockHeaderSize); err != nil {
			return OIDNull, err
		}
		p.writeBlockHeader(rem, have-want, 0, blockFree)
		p.freeList = append(p.freeList, freeBlock{off: rem, size: have - want})
		have = want
	}
	p.writeBlockHeader(off, have, typeNum, blockAllocated)
	return OID{PoolID: p.uuidLo, Off: off + blockHeaderSize}, nil
}

// Zalloc allocates like Alloc and zeroes the payload. The payload of a
// fresh block has no pre-image worth keeping, so it is not snapshotted.
func (p *Pool) Zalloc(n int, typeNum uint32) (OID, error) {
	oid, err := p.Alloc(n, typeNum)
	if err != nil {
		return OIDNull, err
	}
	body := p.Direct(oid)
	for i := range body {
		body[i] = 0
	}
	return oid, nil
}

// Free releases the block addressed by oid. The block becomes reusable
// only after the enclosing transaction commits.
func (p *Pool) Free(oid OID) error {
	if p.closed {
		return ErrClosed
	}
	if p.level == 0 {
		return ErrNoTransaction
	}
	if err := p.checkOID(oid); err != nil {
		return err
	}
	hdr := oid.Off - blockHeaderSize
	size := binary.LittleEndian.Uint64(p.data[hdr : hdr+8])
	if err := p.snapshot(hdr, blockHeaderSize); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(p.data[hdr+12:hdr+16], blockFree)
	p.freedThisTx = append(p.freedThisTx, freeBlock{off: hdr, size: size})
	return nil
}

func (p *Pool) writeBlockHeader(off, size uint64, typeNum uint32, state uint32) {
	binary.LittleEndian.PutUint64(p.data[off:off+8], size)
	binary.LittleEndian.PutUint32(p.data[off+8:off+12], typeNum)
	binary.LittleEndian.PutUint32(p.data[off+12:off+16], state)
}

// walkHeap visits every block in heap order until fn returns false.
func (p *Pool) walkHeap(fn func(off, size uint64, typeNum, state uint32) bool) {
	off := p.heapOff
	for off+blockHeaderSize <= p.heapEnd {
		size := binary.LittleEndian.Uint64(p.data[off : off+8])
		if size == 0 {
			return
		}
		typeNum := binary.LittleEndian.Uint32(p.data[off+8 : off+12])
		state := binary.LittleEndian.Uint32(p.data[off+12 : off+16])
		if !fn(off, size, typeNum, state) {
			return
		}
		off += size
	}
}

// Blocks visits every allocated block, yielding its OID, type number, and
// payload size, until fn returns false. The allocator exposes this
// first/next iteration for the recovery sweep.
func (p *Pool) Blocks(fn func(oid OID, typeNum uint32, size int) bool) {
	p.walkHeap(func(off, size uint64, typeNum, state uint32) bool {
		if state != blockAllocated {
			return true
		}
		oid := OID{PoolID: p.uuidLo, Off: off + blockHeaderSize}
		return fn(oid, typeNum, int(size-blockHeaderSize))
	})
}

// rebuildAllocator rescans the heap and reconstructs the volatile free
// list and tail pointer. Called on open and after an abort, which can
// rewind allocator metadata underneath the volatile view.
func (p *Pool) rebuildAllocator() {
	p.freeList = p.freeList[:0]
	p.tail = p.heapOff
	p.walkHeap(func(off, size uint64, typeNum, state uint32) bool {
		if state == blockFree {
			p.freeList = append(p.freeList, freeBlock{off: off, size: size})
		}
		p.tail = off + size
		return true
	})
}
