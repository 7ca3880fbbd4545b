package store

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// Persistent set: a PSetObject body plus an external entry table sized
// as a power of two. Entry hashes double as slot state: zero marks an
// empty slot and all-ones a tombstone; the stable hash never produces
// either sentinel.
//
// Body, following the object header:
//
//	fill   u64  used + tombstones
//	used   u64  live entries
//	mask   u64  table size - 1
//	hash   u64  cached frozen-set hash, hashInvalid until computed
//	finger u64  pop cursor
//	table  OID  array of {hash u64, key OID} entries
const (
	setFillOff   = objHeaderSize
	setUsedOff   = objHeaderSize + 8
	setMaskOff   = objHeaderSize + 16
	setHashOff   = objHeaderSize + 24
	setFingerOff = objHeaderSize + 32
	setTableOff  = objHeaderSize + 40
	setBodySize  = objHeaderSize + 40 + pmem.OIDSize

	setEntrySize = 8 + pmem.OIDSize
	setMinSize   = 64
	linearProbes = 9

	hashUnused  = uint64(0)
	hashDummy   = ^uint64(0)
	hashInvalid = hashDummy
)

// Slot search outcomes, mirroring the add-entry state machine.
const (
	addRestart = iota
	addFoundUnused
	addFoundDummy
	addFoundActive
)

// PersistentSet is an open-addressed persistent hash set with a
// cache-friendly linear probe window before perturbation.
type PersistentSet struct {
	pool   *Pool
	oid    pmem.OID
	frozen bool
}

// PersistentFrozenSet is a persistent set whose membership is fixed
// after construction.
type PersistentFrozenSet struct {
	PersistentSet
}

// NewSet allocates a persistent set holding the given items.
func (p *Pool) NewSet(items ...any) (*PersistentSet, error) {
	var s *PersistentSet
	err := p.Transaction(func() error {
		var err error
		s, err = p.newSet(false)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := s.add(it); err != nil {
				return err
			}
		}
		return nil
	})
	return s, err
}

// NewFrozenSet allocates a persistent frozen set holding the given
// items.
func (p *Pool) NewFrozenSet(items ...any) (*PersistentFrozenSet, error) {
	var fs *PersistentFrozenSet
	err := p.Transaction(func() error {
		s, err := p.newSet(true)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := s.add(it); err != nil {
				return err
			}
		}
		fs = p.resCache[s.oid].(*PersistentFrozenSet)
		return nil
	})
	return fs, err
}

func (p *Pool) newSet(frozen bool) (*PersistentSet, error) {
	className := classSet
	if frozen {
		className = classFrozenSet
	}
	oid, err := p.allocObject(40+pmem.OIDSize, className)
	if err != nil {
		return nil, err
	}
	table, err := p.pm.Zalloc(setMinSize*setEntrySize, typeNumSetTable)
	if err != nil {
		return nil, translate(err)
	}
	body := p.pm.Direct(oid)
	binary.LittleEndian.PutUint64(body[setMaskOff:], setMinSize-1)
	binary.LittleEndian.PutUint64(body[setHashOff:], hashInvalid)
	pmem.PutOID(body[setTableOff:], table)
	if frozen {
		fs := &PersistentFrozenSet{PersistentSet{pool: p, oid: oid, frozen: true}}
		p.resCache[oid] = fs
		return &fs.PersistentSet, nil
	}
	s := &PersistentSet{pool: p, oid: oid}
	p.resCache[oid] = s
	return s, nil
}

// newSetLike allocates an empty set of the same mutability as s.
func (s *PersistentSet) newSetLike() (*PersistentSet, error) {
	return s.pool.newSet(s.frozen)
}

// OID returns the set's persistent address.
func (s *PersistentSet) OID() pmem.OID { return s.oid }

// TypeName returns the set's class name.
func (s *PersistentSet) TypeName() string {
	if s.frozen {
		return classFrozenSet
	}
	return classSet
}

// Pool returns the owning pool.
func (s *PersistentSet) Pool() *Pool { return s.pool }

func (s *PersistentSet) body() []byte {
	return s.pool.pm.Direct(s.oid)
}

// Len returns the number of live entries.
func (s *PersistentSet) Len() int {
	return int(binary.LittleEndian.Uint64(s.body()[setUsedOff:]))
}

func (s *PersistentSet) fill() uint64 {
	return binary.LittleEndian.Uint64(s.body()[setFillOff:])
}

func (s *PersistentSet) mask() uint64 {
	return binary.LittleEndian.Uint64(s.body()[setMaskOff:])
}

func (s *PersistentSet) tableOID() pmem.OID {
	return pmem.GetOID(s.body()[setTableOff:])
}

func setEntryHash(tb []byte, i uint64) uint64 {
	return binary.LittleEndian.Uint64(tb[i*setEntrySize:])
}

func setEntryKey(tb []byte, i uint64) pmem.OID {
	return pmem.GetOID(tb[i*setEntrySize+8:])
}

// insertClean places a key known to be absent, never running user
// comparisons. Used by resize rehashing.
func (s *PersistentSet) insertClean(table pmem.OID, mask uint64, keyOID pmem.OID, khash uint64) error {
	tb := s.pool.pm.Direct(table)
	perturb := khash
	i := khash & mask
	found := int64(-1)
	for found < 0 {
		if setEntryHash(tb, i) == hashUnused {
			found = int64(i)
			break
		}
		end := i + linearProbes
		if end > mask {
			end = mask
		}
		for j := i + 1; j <= end; j++ {
			if setEntryHash(tb, j) == hashUnused {
				found = int64(j)
				break
			}
		}
		if found >= 0 {
			break
		}
		perturb >>= perturbShift
		i = (i*5 + 1 + perturb) & mask
	}
	if err := s.pool.pm.SnapshotOID(table, uint64(found)*setEntrySize, setEntrySize); err != nil {
		return translate(err)
	}
	binary.LittleEndian.PutUint64(tb[found*setEntrySize:], khash)
	pmem.PutOID(tb[uint64(found)*setEntrySize+8:], keyOID)
	return nil
}

// tableResize rehashes live entries into a new table, the smallest power
// of two above four times minUsed (twice for more than 50000 entries) and
// at least setMinSize, dropping tombstones: afterwards fill equals used.
func (s *PersistentSet) tableResize(minUsed uint64) error {
	if minUsed > 50000 {
		minUsed <<= 1
	} else {
		minUsed <<= 2
	}
	newSize := uint64(setMinSize)
	for newSize <= minUsed {
		newSize <<= 1
		if newSize == 0 {
			return fmt.Errorf("set size overflow: %w", ErrOutOfMemory)
		}
	}
	pm := s.pool.pm
	oldTable := s.tableOID()
	oldTB := pm.Direct(oldTable)
	oldMask := s.mask()
	newTable, err := pm.Zalloc(int(newSize*setEntrySize), typeNumSetTable)
	if err != nil {
		return translate(err)
	}
	newMask := newSize - 1
	for i := uint64(0); i <= oldMask; i++ {
		h := setEntryHash(oldTB, i)
		if h == hashUnused || h == hashDummy {
			continue
		}
		if err := s.insertClean(newTable, newMask, setEntryKey(oldTB, i), h); err != nil {
			return err
		}
	}
	if err := pm.SnapshotOID(s.oid, setFillOff, setBodySize-objHeaderSize); err != nil {
		return translate(err)
	}
	body := s.body()
	used := binary.LittleEndian.Uint64(body[setUsedOff:])
	binary.LittleEndian.PutUint64(body[setMaskOff:], newMask)
	binary.LittleEndian.PutUint64(body[setFillOff:], used)
	pmem.PutOID(body[setTableOff:], newTable)
	s.pool.log.Debug("set resized",
		zap.Uint64("old_size", oldMask+1), zap.Uint64("new_size", newSize))
	return translate(pm.Free(oldTable))
}

// availableSlot finds where a key lives or should be inserted. A key
// comparison can run arbitrary code; if the table or the compared entry
// changed underneath it the caller must restart.
func (s *PersistentSet) availableSlot(key any, khash uint64) (uint64, int, error) {
	pm := s.pool.pm
	mask := s.mask()
	tableOID := s.tableOID()
	tb := pm.Direct(tableOID)
	i := khash & mask
	if setEntryHash(tb, i) == hashUnused {
		return i, addFoundUnused, nil
	}
	perturb := khash
	freeslot := int64(-1)
	for {
		if setEntryHash(tb, i) == khash {
			match, restart, err := s.entryMatches(tableOID, tb, i, key)
			if err != nil {
				return 0, 0, err
			}
			if restart {
				return 0, addRestart, nil
			}
			if match {
				return i, addFoundActive, nil
			}
		} else if setEntryHash(tb, i) == hashDummy && freeslot < 0 {
			freeslot = int64(i)
		}
		end := i + linearProbes
		if end > mask {
			end = mask
		}
		for j := i + 1; j <= end; j++ {
			h := setEntryHash(tb, j)
			if h == hashUnused {
				if freeslot < 0 {
					return j, addFoundUnused, nil
				}
				return uint64(freeslot), addFoundDummy, nil
			}
			if h == khash {
				match, restart, err := s.entryMatches(tableOID, tb, j, key)
				if err != nil {
					return 0, 0, err
				}
				if restart {
					return 0, addRestart, nil
				}
				if match {
					return j, addFoundActive, nil
				}
			} else if h == hashDummy && freeslot < 0 {
				freeslot = int64(j)
			}
		}
		perturb >>= perturbShift
		i = (i*5 + 1 + perturb) & mask
		if setEntryHash(tb, i) == hashUnused {
			if freeslot < 0 {
				return i, addFoundUnused, nil
			}
			return uint64(freeslot), addFoundDummy, nil
		}
	}
}

// entryMatches compares the stored key at slot i against key, reporting
// whether the table mutated during the comparison.
func (s *PersistentSet) entryMatches(tableOID pmem.OID, tb []byte, i uint64, key any) (bool, bool, error) {
	stored := setEntryKey(tb, i)
	v, err := s.pool.resurrect(stored)
	if err != nil {
		return false, false, err
	}
	if s.tableOID() != tableOID || setEntryKey(tb, i) != stored {
		return false, true, nil
	}
	return valuesEqual(v, key), false, nil
}

// add inserts a key regardless of mutability; construction of frozen
// sets and the set-algebra operations use it directly.
func (s *PersistentSet) add(key any) error {
	khash, err := stableHash(key)
	if err != nil {
		return err
	}
	return s.pool.Transaction(func() error {
		result := addRestart
		var index uint64
		for result == addRestart {
			index, result, err = s.availableSlot(key, khash)
			if err != nil {
				return err
			}
		}
		if result == addFoundActive {
			return nil
		}
		pm := s.pool.pm
		tableOID := s.tableOID()
		tb := pm.Direct(tableOID)
		if err := pm.SnapshotOID(tableOID, index*setEntrySize, setEntrySize); err != nil {
			return translate(err)
		}
		oid, err := s.pool.persist(key)
		if err != nil {
			return err
		}
		if err := s.pool.incref(oid); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(tb[index*setEntrySize:], khash)
		pmem.PutOID(tb[index*setEntrySize+8:], oid)
		if err := pm.SnapshotOID(s.oid, setFillOff, setBodySize-objHeaderSize); err != nil {
			return translate(err)
		}
		body := s.body()
		binary.LittleEndian.PutUint64(body[setUsedOff:],
			binary.LittleEndian.Uint64(body[setUsedOff:])+1)
		if result == addFoundUnused {
			fill := binary.LittleEndian.Uint64(body[setFillOff:]) + 1
			binary.LittleEndian.PutUint64(body[setFillOff:], fill)
			if fill*3 >= s.mask()*2 {
				used := binary.LittleEndian.Uint64(body[setUsedOff:])
				if err := s.tableResize(used); err != nil {
					return err
				}
			}
		}
		return s.checkInvariants()
	})
}

// Add inserts a key. Frozen sets reject it.
func (s *PersistentSet) Add(key any) error {
	if s.frozen {
		return fmt.Errorf("frozen set does not support add: %w", ErrNotAllowed)
	}
	return s.add(key)
}

// lookkey returns the slot of key, or -1 when absent.
func (s *PersistentSet) lookkey(key any, khash uint64) (int64, error) {
restart:
	for {
		pm := s.pool.pm
		mask := s.mask()
		tableOID := s.tableOID()
		tb := pm.Direct(tableOID)
		i := khash & mask
		if setEntryHash(tb, i) == hashUnused {
			return -1, nil
		}
		perturb := khash
		for {
			if setEntryHash(tb, i) == khash {
				match, mutated, err := s.entryMatches(tableOID, tb, i, key)
				if err != nil {
					return -1, err
				}
				if mutated {
					continue restart
				}
				if match {
					return int64(i), nil
				}
			}
			end := i + linearProbes
			if end > mask {
				end = mask
			}
			for j := i + 1; j <= end; j++ {
				h := setEntryHash(tb, j)
				if h == hashUnused {
					return -1, nil
				}
				if h == khash {
					match, mutated, err := s.entryMatches(tableOID, tb, j, key)
					if err != nil {
						return -1, err
					}
					if mutated {
						continue restart
					}
					if match {
						return int64(j), nil
					}
				}
			}
			perturb >>= perturbShift
			i = (i*5 + 1 + perturb) & mask
			if setEntryHash(tb, i) == hashUnused {
				return -1, nil
			}
		}
	}
}

// Contains reports membership.
func (s *PersistentSet) Contains(key any) (bool, error) {
	khash, err := stableHash(key)
	if err != nil {
		return false, err
	}
	i, err := s.lookkey(key, khash)
	if err != nil {
		return false, err
	}
	return i >= 0, nil
}

func (s *PersistentSet) discard(key any) (bool, error) {
	khash, err := stableHash(key)
	if err != nil {
		return false, err
	}
	removed := false
	err = s.pool.Transaction(func() error {
		i, err := s.lookkey(key, khash)
		if err != nil {
			return err
		}
		if i < 0 {
			return nil
		}
		pm := s.pool.pm
		tableOID := s.tableOID()
		tb := pm.Direct(tableOID)
		oid := setEntryKey(tb, uint64(i))
		if err := pm.SnapshotOID(tableOID, uint64(i)*setEntrySize, setEntrySize); err != nil {
			return translate(err)
		}
		binary.LittleEndian.PutUint64(tb[uint64(i)*setEntrySize:], hashDummy)
		pmem.PutOID(tb[uint64(i)*setEntrySize+8:], pmem.OIDNull)
		if err := pm.SnapshotOID(s.oid, setUsedOff, 8); err != nil {
			return translate(err)
		}
		body := s.body()
		binary.LittleEndian.PutUint64(body[setUsedOff:],
			binary.LittleEndian.Uint64(body[setUsedOff:])-1)
		if err := s.pool.decref(oid); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// Discard removes a key if present. Frozen sets reject it.
func (s *PersistentSet) Discard(key any) error {
	if s.frozen {
		return fmt.Errorf("frozen set does not support discard: %w", ErrNotAllowed)
	}
	_, err := s.discard(key)
	return err
}

// Remove removes a key, failing with ErrNotFound when absent.
func (s *PersistentSet) Remove(key any) error {
	if s.frozen {
		return fmt.Errorf("frozen set does not support remove: %w", ErrNotAllowed)
	}
	removed, err := s.discard(key)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("set member %v: %w", key, ErrNotFound)
	}
	return nil
}

// Pop removes and returns an arbitrary member, scanning from the stored
// cursor. An empty set fails with ErrNotFound.
func (s *PersistentSet) Pop() (any, error) {
	if s.frozen {
		return nil, fmt.Errorf("frozen set does not support pop: %w", ErrNotAllowed)
	}
	var out any
	err := s.pool.Transaction(func() error {
		if s.Len() == 0 {
			return fmt.Errorf("pop from empty set: %w", ErrNotFound)
		}
		pm := s.pool.pm
		body := s.body()
		mask := s.mask()
		i := binary.LittleEndian.Uint64(body[setFingerOff:]) & mask
		tb := pm.Direct(s.tableOID())
		for {
			h := setEntryHash(tb, i)
			if h != hashUnused && h != hashDummy {
				break
			}
			i = (i + 1) & mask
		}
		v, err := s.pool.resurrect(setEntryKey(tb, i))
		if err != nil {
			return err
		}
		if err := pm.SnapshotOID(s.oid, setFingerOff, 8); err != nil {
			return translate(err)
		}
		binary.LittleEndian.PutUint64(s.body()[setFingerOff:], i+1)
		out = v
		_, err = s.discard(v)
		return err
	})
	return out, err
}

// Each calls fn for every member in table order.
func (s *PersistentSet) Each(fn func(v any) error) error {
	tb := s.pool.pm.Direct(s.tableOID())
	mask := s.mask()
	for i := uint64(0); i <= mask; i++ {
		h := setEntryHash(tb, i)
		if h == hashUnused || h == hashDummy {
			continue
		}
		v, err := s.pool.resurrect(setEntryKey(tb, i))
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// Slice resurrects every member into a fresh volatile slice.
func (s *PersistentSet) Slice() ([]any, error) {
	out := make([]any, 0, s.Len())
	err := s.Each(func(v any) error {
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkInvariants validates the fill bound in debug mode.
func (s *PersistentSet) checkInvariants() error {
	if !s.pool.debug {
		return nil
	}
	body := s.body()
	fill := binary.LittleEndian.Uint64(body[setFillOff:])
	used := binary.LittleEndian.Uint64(body[setUsedOff:])
	if used > fill || fill*3 >= s.mask()*2 {
		return fmt.Errorf("set fill invariant violated (fill %d, used %d, mask %d): %w",
			fill, used, s.mask(), ErrCorruption)
	}
	return nil
}

func (s *PersistentSet) traverse(fn func(pmem.OID) error) error {
	tb := s.pool.pm.Direct(s.tableOID())
	mask := s.mask()
	for i := uint64(0); i <= mask; i++ {
		h := setEntryHash(tb, i)
		if h == hashUnused || h == hashDummy {
			continue
		}
		if err := fn(setEntryKey(tb, i)); err != nil {
			return err
		}
	}
	return nil
}

func (s *PersistentSet) substructures() []pmem.OID {
	return []pmem.OID{s.tableOID()}
}

func (s *PersistentSet) deallocate() error {
	err := s.traverse(func(oid pmem.OID) error {
		return s.pool.decref(oid)
	})
	if err != nil {
		return err
	}
	return translate(s.pool.pm.Free(s.tableOID()))
}
