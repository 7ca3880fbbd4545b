// Package pmem provides the low-level persistent memory pool: a memory
// mapped file with a block allocator and undo-log transactions. Higher
// layers address blocks by OID and must enroll every byte range they
// modify in the active transaction before writing it.
package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Layout is the on-media layout tag written into the pool header.
const Layout = "pmemobj-go-1"

const (
	poolMagic   = 0x504d4f424a4f4f4c // "PMOBJOOL"
	poolVersion = 1

	headerSize = 256

	// RootOff and RootSize bound the fixed root block reserved for the
	// object layer.
	RootOff  = 256
	RootSize = 64

	logOff = RootOff + RootSize

	blockHeaderSize = 16
	blockAlign      = 16

	// MinPoolSize is the smallest pool Create accepts.
	MinPoolSize = 1 << 21

	// DefaultPoolSize is used when Create is not given a size.
	DefaultPoolSize = 8 << 20
)

// Block states stored in the block header.
const (
	blockFree      = 0
	blockAllocated = 1
)

var (
	// ErrNoTransaction is returned when a persistent mutation is
	// attempted outside an active transaction.
	ErrNoTransaction = errors.New("pmem: mutation outside transaction")

	// ErrOutOfSpace is returned when the allocator cannot satisfy a
	// request from the heap.
	ErrOutOfSpace = errors.New("pmem: out of pool space")

	// ErrLogFull is returned when the undo log region cannot hold
	// another snapshot entry.
	ErrLogFull = errors.New("pmem: undo log full")

	// ErrClosed is returned for operations on a closed pool.
	ErrClosed = errors.New("pmem: pool is closed")

	// ErrCorrupt is returned when the pool file fails validation.
	ErrCorrupt = errors.New("pmem: pool corrupted")

	// ErrBadOID is returned when an OID does not address a live block
	// of this pool.
	ErrBadOID = errors.New("pmem: bad oid")
)

type freeBlock struct {
	off  uint64
	size uint64
}

type logRange struct {
	off uint64
	end uint64
}

// Pool is a memory mapped persistent memory pool.
type Pool struct {
	path string
	file *os.File
	m    mmap.MMap
	data []byte
	log  *zap.Logger

	size    uint64
	uuidLo  uint64
	logSize uint64
	heapOff uint64
	heapEnd uint64

	closed bool

	// transaction state
	level       int
	ranges      []logRange
	freedThisTx []freeBlock

	// volatile allocator state, rebuilt on open and after abort
	freeList []freeBlock
	tail     uint64
}

// Options configure Create and Open.
type Options struct {
	PoolSize uint64
	Mode     os.FileMode
	Logger   *zap.Logger
}

func (o *Options) fill() {
	if o.PoolSize == 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.Mode == 0 {
		o.Mode = 0644
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Create creates a new pool file at path, maps it, and formats the header,
// root block, log region, and heap.
func Create(path string, opts Options) (*Pool, error) {
	opts.fill()
	if opts.PoolSize < MinPoolSize {
		return nil, fmt.Errorf("pool size %d below minimum %d: %w",
			opts.PoolSize, MinPoolSize, os.ErrInvalid)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, opts.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool file: %w", err)
	}
	if err := file.Truncate(int64(opts.PoolSize)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to size pool file: %w", err)
	}

	m, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to map pool file: %w", err)
	}

	p := &Pool{
		path: path,
		file: file,
		m:    m,
		data: []byte(m),
		log:  opts.Logger,
		size: opts.PoolSize,
	}
	p.logSize = logRegionSize(opts.PoolSize)
	p.heapOff = logOff + p.logSize
	p.heapEnd = opts.PoolSize
	p.tail = p.heapOff

	p.format()
	if err := p.Flush(); err != nil {
		p.unmap()
		os.Remove(path)
		return nil, err
	}
	p.log.Debug("pool created",
		zap.String("path", path),
		zap.Uint64("size", p.size),
		zap.Uint64("heap", p.heapEnd-p.heapOff))
	return p, nil
}

// Open maps an existing pool file. If the undo log holds entries from an
// interrupted transaction they are replayed before the pool is returned,
// restoring every snapshotted range to its pre-transaction image.
func Open(path string, opts Options) (*Pool, error) {
	opts.fill()

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat pool file: %w", err)
	}
	if info.Size() < MinPoolSize {
		file.Close()
		return nil, fmt.Errorf("pool file too small: %w", ErrCorrupt)
	}

	m, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map pool file: %w", err)
	}

	p := &Pool{
		path: path,
		file: file,
		m:    m,
		data: []byte(m),
		log:  opts.Logger,
		size: uint64(info.Size()),
	}
	if err := p.verifyHeader(); err != nil {
		p.unmap()
		return nil, err
	}

	if tail := p.logTail(); tail != 0 {
		p.log.Info("replaying interrupted transaction",
			zap.String("path", path), zap.Uint64("log_bytes", tail))
		p.replayLog()
		p.setLogTail(0)
		if err := p.Flush(); err != nil {
			p.unmap()
			return nil, err
		}
	}
	p.rebuildAllocator()
	return p, nil
}

// format writes a fresh header, zeroed root block, and empty log.
func (p *Pool) format() {
	h := p.data[:headerSize]
	for i := range h {
		h[i] = 0
	}
	binary.LittleEndian.PutUint64(h[0:8], poolMagic)
	binary.LittleEndian.PutUint32(h[8:12], poolVersion)
	copy(h[16:32], Layout)
	id := uuid.New()
	copy(h[32:48], id[:])
	p.uuidLo = binary.LittleEndian.Uint64(id[:8])
	binary.LittleEndian.PutUint64(h[48:56], p.size)
	binary.LittleEndian.PutUint64(h[56:64], logOff)
	binary.LittleEndian.PutUint64(h[64:72], p.logSize)
	binary.LittleEndian.PutUint64(h[72:80], p.heapOff)
	binary.LittleEndian.PutUint64(h[80:88], xxhash.Sum64(h[0:80]))

	root := p.data[RootOff : RootOff+RootSize]
	for i := range root {
		root[i] = 0
	}
	p.setLogTail(0)
}

// verifyHeader validates magic, layout, version, and checksum, and loads
// the region geometry.
func (p *Pool) verifyHeader() error {
	h := p.data[:headerSize]
	if binary.LittleEndian.Uint64(h[0:8]) != poolMagic {
		return fmt.Errorf("bad magic: %w", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(h[8:12]) != poolVersion {
		return fmt.Errorf("unsupported pool version: %w", ErrCorrupt)
	}
	layout := string(h[16 : 16+len(Layout)])
	if layout != Layout {
		return fmt.Errorf("layout %q does not match %q: %w", layout, Layout, ErrCorrupt)
	}
	if binary.LittleEndian.Uint64(h[80:88]) != xxhash.Sum64(h[0:80]) {
		return fmt.Errorf("header checksum mismatch: %w", ErrCorrupt)
	}
	p.uuidLo = binary.LittleEndian.Uint64(h[32:40])
	size := binary.LittleEndian.Uint64(h[48:56])
	if size != p.size {
		return fmt.Errorf("pool size mismatch: header says %d, file is %d: %w",
			size, p.size, ErrCorrupt)
	}
	p.logSize = binary.LittleEndian.Uint64(h[64:72])
	p.heapOff = binary.LittleEndian.Uint64(h[72:80])
	p.heapEnd = p.size
	if p.heapOff != logOff+p.logSize || p.heapOff >= p.heapEnd {
		return fmt.Errorf("bad region geometry: %w", ErrCorrupt)
	}
	return nil
}

func logRegionSize(poolSize uint64) uint64 {
	s := poolSize / 8
	if s < 256<<10 {
		s = 256 << 10
	}
	if s > 16<<20 {
		s = 16 << 20
	}
	return s
}

// UUIDLo returns the low 64 bits of the pool UUID, used as the PoolID
// half of every OID this pool issues.
func (p *Pool) UUIDLo() uint64 {
	return p.uuidLo
}

// RootBytes returns the fixed root block. The object layer owns its
// layout. Writes into it must go through SnapshotRoot first.
func (p *Pool) RootBytes() []byte {
	return p.data[RootOff : RootOff+RootSize]
}

// SnapshotRoot enrolls a range of the root block in the undo log.
func (p *Pool) SnapshotRoot(off, n uint64) error {
	if off+n > RootSize {
		return ErrBadOID
	}
	return p.snapshot(RootOff+off, n)
}

// Direct returns the payload of the block addressed by oid. The slice is
// only valid until the block is freed; it must be re-derived after any
// operation that can reallocate the block.
func (p *Pool) Direct(oid OID) []byte {
	hdr := oid.Off - blockHeaderSize
	size := binary.LittleEndian.Uint64(p.data[hdr : hdr+8])
	return p.data[oid.Off : hdr+size]
}

// TypeNum returns the allocator type number the block was allocated with.
func (p *Pool) TypeNum(oid OID) uint32 {
	hdr := oid.Off - blockHeaderSize
	return binary.LittleEndian.Uint32(p.data[hdr+8 : hdr+12])
}

// checkOID validates that oid addresses an allocated block of this pool.
func (p *Pool) checkOID(oid OID) error {
	if oid.PoolID != p.uuidLo {
		return fmt.Errorf("oid belongs to another pool: %w", ErrBadOID)
	}
	if oid.Off < p.heapOff+blockHeaderSize || oid.Off >= p.heapEnd {
		return fmt.Errorf("oid offset out of heap: %w", ErrBadOID)
	}
	hdr := oid.Off - blockHeaderSize
	if binary.LittleEndian.Uint32(p.data[hdr+12:hdr+16]) != blockAllocated {
		return fmt.Errorf("oid addresses a free block: %w", ErrBadOID)
	}
	return nil
}

// Flush durably publishes the mapping.
func (p *Pool) Flush() error {
	if err := p.m.Flush(); err != nil {
		return fmt.Errorf("failed to flush pool: %w", err)
	}
	return nil
}

// Close flushes and unmaps the pool. Closing twice is an error.
func (p *Pool) Close() error {
	if p.closed {
		return ErrClosed
	}
	if p.level != 0 {
		return fmt.Errorf("close inside transaction: %w", ErrNoTransaction)
	}
	if err := p.Flush(); err != nil {
		return err
	}
	return p.unmap()
}

// CloseDirty unmaps the pool without committing or aborting an active
// transaction: the mapping is flushed as it stands, undo log included, so
// the next Open replays it. It simulates a crash for recovery testing.
func (p *Pool) CloseDirty() error {
	if p.closed {
		return ErrClosed
	}
	p.m.Flush()
	p.level = 0
	p.ranges = nil
	p.freedThisTx = nil
	return p.unmap()
}

func (p *Pool) unmap() error {
	p.closed = true
	err := p.m.Unmap()
	cerr := p.file.Close()
	p.data = nil
	if err != nil {
		return fmt.Errorf("failed to unmap pool: %w", err)
	}
	if cerr != nil {
		return fmt.Errorf("failed to close pool file: %w", cerr)
	}
	return nil
}

// Stats reports pool geometry and allocator usage.
type Stats struct {
	TotalSize       uint64
	HeapSize        uint64
	HeapUsed        uint64
	AllocatedBlocks int
	FreeBlocks      int
}

// Stats walks the heap and returns usage counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		TotalSize: p.size,
		HeapSize:  p.heapEnd - p.heapOff,
	}
	p.walkHeap(func(off, size uint64, typeNum uint32, state uint32) bool {
		if state == blockAllocated {
			s.AllocatedBlocks++
			s.HeapUsed += size
		} else {
			s.FreeBlocks++
		}
		return true
	})
	return s
}
