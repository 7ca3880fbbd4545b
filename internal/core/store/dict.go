package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// Persistent dict: a PDictObject body plus a separately allocated
// keys-object holding the open-addressed combined table. The layout
// reserves a split-table values slot (ma_values) that is always null.
//
// Body, following the object header:
//
//	ma_used   u64  live entries
//	ma_keys   OID  keys-object
//	ma_values OID  reserved, always null
//
// Keys-object (allocator type 40):
//
//	dk_refcnt u64
//	dk_size   u64  power of two, >= 8
//	dk_usable u64  remaining slot budget
//	entries   dk_size x {me_hash u64, me_key OID, me_value OID}
const (
	dictUsedOff   = objHeaderSize
	dictKeysOff   = objHeaderSize + 8
	dictValuesOff = objHeaderSize + 24
	dictBodySize  = objHeaderSize + 40

	dkRefcntOff  = 0
	dkSizeOff    = 8
	dkUsableOff  = 16
	dkEntriesOff = 24
	dkEntrySize  = 8 + 2*pmem.OIDSize

	minSizeCombined = 8
	perturbShift    = 5
)

func usableFraction(n uint64) uint64 {
	return (2*n + 1) / 3
}

// PersistentDict is an open-addressed persistent hash table with
// perturb probing.
type PersistentDict struct {
	pool *Pool
	oid  pmem.OID
}

// NewDict allocates an empty persistent dict.
func (p *Pool) NewDict() (*PersistentDict, error) {
	var d *PersistentDict
	err := p.Transaction(func() error {
		var err error
		d, err = p.newDict()
		return err
	})
	return d, err
}

func (p *Pool) newDict() (*PersistentDict, error) {
	oid, err := p.allocObject(40, classDict)
	if err != nil {
		return nil, err
	}
	d := &PersistentDict{pool: p, oid: oid}
	keys, err := d.newKeysObject(minSizeCombined)
	if err != nil {
		return nil, err
	}
	body := p.pm.Direct(oid)
	pmem.PutOID(body[dictKeysOff:], keys)
	pmem.PutOID(body[dictValuesOff:], pmem.OIDNull)
	p.resCache[oid] = d
	return d, nil
}

// OID returns the dict's persistent address.
func (d *PersistentDict) OID() pmem.OID { return d.oid }

// TypeName returns the dict's class name.
func (d *PersistentDict) TypeName() string { return classDict }

// Pool returns the owning pool.
func (d *PersistentDict) Pool() *Pool { return d.pool }

func (d *PersistentDict) body() []byte {
	return d.pool.pm.Direct(d.oid)
}

// Len returns the number of live entries.
func (d *PersistentDict) Len() int {
	return int(binary.LittleEndian.Uint64(d.body()[dictUsedOff:]))
}

func (d *PersistentDict) keysOID() pmem.OID {
	return pmem.GetOID(d.body()[dictKeysOff:])
}

func (d *PersistentDict) newKeysObject(size uint64) (pmem.OID, error) {
	oid, err := d.pool.pm.Zalloc(int(dkEntriesOff+size*dkEntrySize), typeNumDictKeys)
	if err != nil {
		return pmem.OIDNull, translate(err)
	}
	kb := d.pool.pm.Direct(oid)
	binary.LittleEndian.PutUint64(kb[dkRefcntOff:], 1)
	binary.LittleEndian.PutUint64(kb[dkSizeOff:], size)
	binary.LittleEndian.PutUint64(kb[dkUsableOff:], usableFraction(size))
	return oid, nil
}

func dkSize(kb []byte) uint64 {
	return binary.LittleEndian.Uint64(kb[dkSizeOff:])
}

func dkUsable(kb []byte) uint64 {
	return binary.LittleEndian.Uint64(kb[dkUsableOff:])
}

func entryOff(i uint64) uint64 {
	return dkEntriesOff + i*dkEntrySize
}

func entryHash(kb []byte, i uint64) uint64 {
	return binary.LittleEndian.Uint64(kb[entryOff(i):])
}

func entryKey(kb []byte, i uint64) pmem.OID {
	return pmem.GetOID(kb[entryOff(i)+8:])
}

func entryValue(kb []byte, i uint64) pmem.OID {
	return pmem.GetOID(kb[entryOff(i)+8+pmem.OIDSize:])
}

// lookdict finds the slot for a key: a matching active entry, or the
// slot an insert should use. Comparing a stored key resurrects it, which
// can run arbitrary code and mutate this dict, so after every compare
// the keys-object and entry are re-read and the lookup restarts if
// either moved.
func (d *PersistentDict) lookdict(key any, khash uint64) (pmem.OID, uint64, error) {
restart:
	for {
		keysOID := d.keysOID()
		kb := d.pool.pm.Direct(keysOID)
		mask := dkSize(kb) - 1
		i := khash & mask
		meKey := entryKey(kb, i)
		if meKey.IsNull() {
			return keysOID, i, nil
		}
		freeslot := int64(-1)
		if meKey == dummyOID {
			freeslot = int64(i)
		} else if entryHash(kb, i) == khash {
			match, err := d.keyEquals(meKey, key)
			if err != nil {
				return pmem.OIDNull, 0, err
			}
			if d.keysOID() != keysOID || entryKey(d.pool.pm.Direct(keysOID), i) != meKey {
				continue restart
			}
			if match {
				return keysOID, i, nil
			}
		}
		perturb := khash
		for {
			i = (i*5 + perturb + 1) & mask
			meKey = entryKey(kb, i)
			if meKey.IsNull() {
				if freeslot >= 0 {
					return keysOID, uint64(freeslot), nil
				}
				return keysOID, i, nil
			}
			if entryHash(kb, i) == khash && meKey != dummyOID {
				match, err := d.keyEquals(meKey, key)
				if err != nil {
					return pmem.OIDNull, 0, err
				}
				if d.keysOID() != keysOID || entryKey(d.pool.pm.Direct(keysOID), i) != meKey {
					continue restart
				}
				if match {
					return keysOID, i, nil
				}
			} else if meKey == dummyOID && freeslot < 0 {
				freeslot = int64(i)
			}
			perturb >>= perturbShift
			// Once perturb reaches zero the probe sequence visits
			// every slot, so an empty slot is eventually found.
		}
	}
}

func (d *PersistentDict) keyEquals(stored pmem.OID, key any) (bool, error) {
	v, err := d.pool.resurrect(stored)
	if err != nil {
		return false, err
	}
	return valuesEqual(v, key), nil
}

// findEmptySlot locates a free slot for a key known to be absent. Used
// by resize rehashing, which must not run user comparisons.
func findEmptySlot(kb []byte, khash uint64) uint64 {
	mask := dkSize(kb) - 1
	i := khash & mask
	perturb := khash
	for !entryKey(kb, i).IsNull() {
		i = (i*5 + perturb + 1) & mask
		perturb >>= perturbShift
	}
	return i
}

// Set inserts or replaces the value for a key.
func (d *PersistentDict) Set(key, value any) error {
	return d.pool.Transaction(func() error { return d.set(key, value) })
}

func (d *PersistentDict) set(key, value any) error {
	khash, err := stableHash(key)
	if err != nil {
		return err
	}
	keysOID, i, err := d.lookdict(key, khash)
	if err != nil {
		return err
	}
	pm := d.pool.pm
	vOID, err := d.pool.persist(value)
	if err != nil {
		return err
	}
	kb := pm.Direct(keysOID)
	oldValue := entryValue(kb, i)
	meKey := entryKey(kb, i)
	if !oldValue.IsNull() {
		// Replace in place.
		if err := pm.SnapshotOID(keysOID, entryOff(i)+8+pmem.OIDSize, pmem.OIDSize); err != nil {
			return translate(err)
		}
		pmem.PutOID(kb[entryOff(i)+8+pmem.OIDSize:], vOID)
		if err := d.pool.incref(vOID); err != nil {
			return err
		}
		if err := d.pool.decref(oldValue); err != nil {
			return err
		}
		return d.checkInvariants()
	}
	kOID, err := d.pool.persist(key)
	if err != nil {
		return err
	}
	if meKey.IsNull() {
		if dkUsable(kb) == 0 {
			if err := d.insertionResize(); err != nil {
				return err
			}
			keysOID = d.keysOID()
			kb = pm.Direct(keysOID)
			i = findEmptySlot(kb, khash)
		}
		if err := pm.SnapshotOID(keysOID, dkUsableOff, 8); err != nil {
			return translate(err)
		}
		binary.LittleEndian.PutUint64(kb[dkUsableOff:], dkUsable(kb)-1)
	}
	if err := pm.SnapshotOID(keysOID, entryOff(i), dkEntrySize); err != nil {
		return translate(err)
	}
	binary.LittleEndian.PutUint64(kb[entryOff(i):], khash)
	pmem.PutOID(kb[entryOff(i)+8:], kOID)
	if err := d.pool.incref(kOID); err != nil {
		return err
	}
	if err := pm.SnapshotOID(d.oid, dictUsedOff, 8); err != nil {
		return translate(err)
	}
	body := d.body()
	binary.LittleEndian.PutUint64(body[dictUsedOff:],
		binary.LittleEndian.Uint64(body[dictUsedOff:])+1)
	pmem.PutOID(kb[entryOff(i)+8+pmem.OIDSize:], vOID)
	if err := d.pool.incref(vOID); err != nil {
		return err
	}
	return d.checkInvariants()
}

// insertionResize moves every active entry into a fresh keys-object.
// Rehashing moves ownership wholesale, so child refcounts are untouched
// and the old keys-object is freed without decref'ing its entries.
func (d *PersistentDict) insertionResize() error {
	pm := d.pool.pm
	oldOID := d.keysOID()
	oldKB := pm.Direct(oldOID)
	used := binary.LittleEndian.Uint64(d.body()[dictUsedOff:])
	minUsed := used*2 + dkSize(oldKB)/2
	newSize := uint64(minSizeCombined)
	for newSize <= minUsed {
		newSize <<= 1
	}
	newOID, err := d.newKeysObject(newSize)
	if err != nil {
		return err
	}
	newKB := pm.Direct(newOID)
	oldSize := dkSize(oldKB)
	for i := uint64(0); i < oldSize; i++ {
		if entryValue(oldKB, i).IsNull() {
			continue
		}
		j := findEmptySlot(newKB, entryHash(oldKB, i))
		copy(newKB[entryOff(j):entryOff(j)+dkEntrySize],
			oldKB[entryOff(i):entryOff(i)+dkEntrySize])
	}
	binary.LittleEndian.PutUint64(newKB[dkUsableOff:], usableFraction(newSize)-used)
	if err := pm.SnapshotOID(d.oid, dictKeysOff, pmem.OIDSize); err != nil {
		return translate(err)
	}
	pmem.PutOID(d.body()[dictKeysOff:], newOID)
	if err := pm.Free(oldOID); err != nil {
		return translate(err)
	}
	d.pool.log.Debug("dict resized",
		zap.Uint64("old_size", oldSize), zap.Uint64("new_size", newSize))
	return nil
}

// Get returns the value for key, or ErrNotFound.
func (d *PersistentDict) Get(key any) (any, error) {
	khash, err := stableHash(key)
	if err != nil {
		return nil, err
	}
	keysOID, i, err := d.lookdict(key, khash)
	if err != nil {
		return nil, err
	}
	vOID := entryValue(d.pool.pm.Direct(keysOID), i)
	if vOID.IsNull() {
		return nil, fmt.Errorf("key %v: %w", key, ErrNotFound)
	}
	return d.pool.resurrect(vOID)
}

// Contains reports whether key is present.
func (d *PersistentDict) Contains(key any) (bool, error) {
	_, err := d.Get(key)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Delete removes a key, leaving a tombstone in its slot.
func (d *PersistentDict) Delete(key any) error {
	return d.pool.Transaction(func() error { return d.del(key) })
}

func (d *PersistentDict) del(key any) error {
	khash, err := stableHash(key)
	if err != nil {
		return err
	}
	keysOID, i, err := d.lookdict(key, khash)
	if err != nil {
		return err
	}
	pm := d.pool.pm
	kb := pm.Direct(keysOID)
	oldValue := entryValue(kb, i)
	if oldValue.IsNull() {
		return fmt.Errorf("key %v: %w", key, ErrNotFound)
	}
	oldKey := entryKey(kb, i)
	if err := pm.SnapshotOID(keysOID, entryOff(i), dkEntrySize); err != nil {
		return translate(err)
	}
	pmem.PutOID(kb[entryOff(i)+8:], dummyOID)
	pmem.PutOID(kb[entryOff(i)+8+pmem.OIDSize:], pmem.OIDNull)
	if err := pm.SnapshotOID(d.oid, dictUsedOff, 8); err != nil {
		return translate(err)
	}
	body := d.body()
	binary.LittleEndian.PutUint64(body[dictUsedOff:],
		binary.LittleEndian.Uint64(body[dictUsedOff:])-1)
	if err := d.pool.decref(oldValue); err != nil {
		return err
	}
	if err := d.pool.decref(oldKey); err != nil {
		return err
	}
	return d.checkInvariants()
}

// Each calls fn for every key/value pair in table order.
func (d *PersistentDict) Each(fn func(key, value any) error) error {
	kb := d.pool.pm.Direct(d.keysOID())
	size := dkSize(kb)
	for i := uint64(0); i < size; i++ {
		meKey := entryKey(kb, i)
		if meKey.IsNull() || meKey == dummyOID {
			continue
		}
		k, err := d.pool.resurrect(meKey)
		if err != nil {
			return err
		}
		v, err := d.pool.resurrect(entryValue(kb, i))
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
		// The callback may mutate the dict; re-derive the table.
		kb = d.pool.pm.Direct(d.keysOID())
		if size > dkSize(kb) {
			size = dkSize(kb)
		}
	}
	return nil
}

// Keys returns every key in table order.
func (d *PersistentDict) Keys() ([]any, error) {
	out := make([]any, 0, d.Len())
	err := d.Each(func(k, _ any) error {
		out = append(out, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes every entry, installing a fresh minimal keys-object.
func (d *PersistentDict) Clear() error {
	return d.pool.Transaction(func() error {
		pm := d.pool.pm
		oldOID := d.keysOID()
		kb := pm.Direct(oldOID)
		size := dkSize(kb)
		for i := uint64(0); i < size; i++ {
			meKey := entryKey(kb, i)
			if meKey.IsNull() || meKey == dummyOID {
				continue
			}
			if err := d.pool.decref(entryValue(kb, i)); err != nil {
				return err
			}
			if err := d.pool.decref(meKey); err != nil {
				return err
			}
		}
		newOID, err := d.newKeysObject(minSizeCombined)
		if err != nil {
			return err
		}
		if err := pm.SnapshotOID(d.oid, dictUsedOff, 8+pmem.OIDSize); err != nil {
			return translate(err)
		}
		body := d.body()
		binary.LittleEndian.PutUint64(body[dictUsedOff:], 0)
		pmem.PutOID(body[dictKeysOff:], newOID)
		return translate(pm.Free(oldOID))
	})
}

// dumpTable logs the raw table for debugging.
func (d *PersistentDict) dumpTable() {
	kb := d.pool.pm.Direct(d.keysOID())
	size := dkSize(kb)
	d.pool.log.Debug("dict table", zap.Uint64("size", size))
	for i := uint64(0); i < size; i++ {
		d.pool.log.Debug("entry",
			zap.Uint64("slot", i),
			zap.Uint64("hash", entryHash(kb, i)),
			zap.Any("key_oid", entryKey(kb, i)),
			zap.Any("value_oid", entryValue(kb, i)))
	}
}

// checkInvariants validates the usable-fraction bound in debug mode.
func (d *PersistentDict) checkInvariants() error {
	if !d.pool.debug {
		return nil
	}
	kb := d.pool.pm.Direct(d.keysOID())
	used := uint64(d.Len())
	if dkUsable(kb)+used > usableFraction(dkSize(kb)) {
		d.dumpTable()
		return fmt.Errorf("dict slot budget exceeded (usable %d, used %d, size %d): %w",
			dkUsable(kb), used, dkSize(kb), ErrCorruption)
	}
	return nil
}

func (d *PersistentDict) traverse(fn func(pmem.OID) error) error {
	kb := d.pool.pm.Direct(d.keysOID())
	size := dkSize(kb)
	for i := uint64(0); i < size; i++ {
		meKey := entryKey(kb, i)
		if meKey.IsNull() || meKey == dummyOID {
			continue
		}
		if err := fn(meKey); err != nil {
			return err
		}
		if v := entryValue(kb, i); !v.IsNull() {
			if err := fn(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *PersistentDict) substructures() []pmem.OID {
	return []pmem.OID{d.keysOID()}
}

func (d *PersistentDict) deallocate() error {
	kb := d.pool.pm.Direct(d.keysOID())
	size := dkSize(kb)
	for i := uint64(0); i < size; i++ {
		meKey := entryKey(kb, i)
		if meKey.IsNull() || meKey == dummyOID {
			continue
		}
		if err := d.pool.decref(entryValue(kb, i)); err != nil {
			return err
		}
		if err := d.pool.decref(meKey); err != nil {
			return err
		}
	}
	return translate(d.pool.pm.Free(d.keysOID()))
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
