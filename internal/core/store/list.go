package store

import (
	"encoding/binary"
	"fmt"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// Persistent list body, following the object header:
//
//	ob_size   u64  logical length
//	allocated u64  item array capacity
//	ob_items  OID  contiguous array of item OIDs
const (
	listSizeOff  = objHeaderSize
	listAllocOff = objHeaderSize + 8
	listItemsOff = objHeaderSize + 16
	listBodySize = objHeaderSize + 32
)

// PersistentList is a contiguous growable array of object references.
// A full item array of n slots is reallocated to n + 1 + n/8 + 6 slots.
type PersistentList struct {
	pool *Pool
	oid  pmem.OID
}

// NewList allocates an empty persistent list.
func (p *Pool) NewList() (*PersistentList, error) {
	var l *PersistentList
	err := p.Transaction(func() error {
		var err error
		l, err = p.newList()
		return err
	})
	return l, err
}

func (p *Pool) newList() (*PersistentList, error) {
	oid, err := p.allocObject(32, classList)
	if err != nil {
		return nil, err
	}
	l := &PersistentList{pool: p, oid: oid}
	p.resCache[oid] = l
	return l, nil
}

// OID returns the list's persistent address.
func (l *PersistentList) OID() pmem.OID { return l.oid }

// TypeName returns the list's class name.
func (l *PersistentList) TypeName() string { return classList }

// Pool returns the owning pool.
func (l *PersistentList) Pool() *Pool { return l.pool }

func (l *PersistentList) body() []byte {
	return l.pool.pm.Direct(l.oid)
}

// Len returns the logical length.
func (l *PersistentList) Len() int {
	return int(binary.LittleEndian.Uint64(l.body()[listSizeOff:]))
}

func (l *PersistentList) allocated() int {
	return int(binary.LittleEndian.Uint64(l.body()[listAllocOff:]))
}

func (l *PersistentList) itemsOID() pmem.OID {
	return pmem.GetOID(l.body()[listItemsOff:])
}

func (l *PersistentList) item(i int) pmem.OID {
	return pmem.GetOID(l.pool.pm.Direct(l.itemsOID())[i*pmem.OIDSize:])
}

// checkIndex normalizes a possibly-negative index against the current
// length and rejects out-of-range access.
func (l *PersistentList) checkIndex(i int) (int, error) {
	n := l.Len()
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("list index %d out of range: %w", i, ErrNotFound)
	}
	return i, nil
}

// Get resurrects the item at index i. Negative indices count from the
// end.
func (l *PersistentList) Get(i int) (any, error) {
	i, err := l.checkIndex(i)
	if err != nil {
		return nil, err
	}
	return l.pool.resurrect(l.item(i))
}

// Set replaces the item at index i. The previous item is released after
// the new one is stored and referenced.
func (l *PersistentList) Set(i int, v any) error {
	return l.pool.Transaction(func() error {
		idx, err := l.checkIndex(i)
		if err != nil {
			return err
		}
		oid, err := l.pool.persist(v)
		if err != nil {
			return err
		}
		old := l.item(idx)
		items := l.itemsOID()
		if err := l.pool.pm.SnapshotOID(items, uint64(idx)*pmem.OIDSize, pmem.OIDSize); err != nil {
			return translate(err)
		}
		pmem.PutOID(l.pool.pm.Direct(items)[idx*pmem.OIDSize:], oid)
		if err := l.pool.incref(oid); err != nil {
			return err
		}
		return l.pool.xdecref(old)
	})
}

// Append adds v at the end.
func (l *PersistentList) Append(v any) error {
	return l.pool.Transaction(func() error { return l.append(v) })
}

func (l *PersistentList) append(v any) error {
	return l.insert(l.Len(), v)
}

// Insert places v at index i, shifting later items one slot right.
// Indices beyond the ends clamp, matching sequence insert semantics.
func (l *PersistentList) Insert(i int, v any) error {
	return l.pool.Transaction(func() error { return l.insert(i, v) })
}

func (l *PersistentList) insert(i int, v any) error {
	n := l.Len()
	if i < 0 {
		i += n
		if i < 0 {
			i = 0
		}
	}
	if i > n {
		i = n
	}
	if l.allocated() == n {
		if err := l.grow(n); err != nil {
			return err
		}
	}
	oid, err := l.pool.persist(v)
	if err != nil {
		return err
	}
	items := l.itemsOID()
	if err := l.pool.pm.SnapshotOID(items,
		uint64(i)*pmem.OIDSize, uint64(n-i+1)*pmem.OIDSize); err != nil {
		return translate(err)
	}
	data := l.pool.pm.Direct(items)
	copy(data[(i+1)*pmem.OIDSize:(n+1)*pmem.OIDSize], data[i*pmem.OIDSize:n*pmem.OIDSize])
	pmem.PutOID(data[i*pmem.OIDSize:], oid)
	if err := l.pool.incref(oid); err != nil {
		return err
	}
	if err := l.pool.pm.SnapshotOID(l.oid, listSizeOff, 8); err != nil {
		return translate(err)
	}
	binary.LittleEndian.PutUint64(l.body()[listSizeOff:], uint64(n+1))
	return nil
}

// grow reallocates the item array for at least one more slot.
func (l *PersistentList) grow(n int) error {
	newAlloc := n + 1 + (n >> 3) + 6
	newOID, err := l.pool.pm.Zalloc(newAlloc*pmem.OIDSize, typeNumObject)
	if err != nil {
		return translate(err)
	}
	old := l.itemsOID()
	if !old.IsNull() {
		copy(l.pool.pm.Direct(newOID), l.pool.pm.Direct(old)[:n*pmem.OIDSize])
	}
	if err := l.pool.pm.SnapshotOID(l.oid, listAllocOff, 8+pmem.OIDSize); err != nil {
		return translate(err)
	}
	body := l.body()
	binary.LittleEndian.PutUint64(body[listAllocOff:], uint64(newAlloc))
	pmem.PutOID(body[listItemsOff:], newOID)
	if !old.IsNull() {
		if err := l.pool.pm.Free(old); err != nil {
			return translate(err)
		}
	}
	return nil
}

// Delete removes the item at index i, shifting later items left and
// releasing the removed item.
func (l *PersistentList) Delete(i int) error {
	return l.pool.Transaction(func() error {
		idx, err := l.checkIndex(i)
		if err != nil {
			return err
		}
		return l.delete(idx)
	})
}

func (l *PersistentList) delete(i int) error {
	n := l.Len()
	old := l.item(i)
	items := l.itemsOID()
	if err := l.pool.pm.SnapshotOID(items,
		uint64(i)*pmem.OIDSize, uint64(n-i)*pmem.OIDSize); err != nil {
		return translate(err)
	}
	data := l.pool.pm.Direct(items)
	copy(data[i*pmem.OIDSize:(n-1)*pmem.OIDSize], data[(i+1)*pmem.OIDSize:n*pmem.OIDSize])
	if err := l.pool.pm.SnapshotOID(l.oid, listSizeOff, 8); err != nil {
		return translate(err)
	}
	binary.LittleEndian.PutUint64(l.body()[listSizeOff:], uint64(n-1))
	return l.pool.xdecref(old)
}

// Pop removes and returns the item at index i (default last when -1).
func (l *PersistentList) Pop(i int) (any, error) {
	var out any
	err := l.pool.Transaction(func() error {
		idx, err := l.checkIndex(i)
		if err != nil {
			return err
		}
		out, err = l.pool.resurrect(l.item(idx))
		if err != nil {
			return err
		}
		return l.delete(idx)
	})
	return out, err
}

// Clear releases every item and the item array.
func (l *PersistentList) Clear() error {
	return l.pool.Transaction(func() error {
		n := l.Len()
		for i := 0; i < n; i++ {
			if err := l.pool.xdecref(l.item(i)); err != nil {
				return err
			}
		}
		items := l.itemsOID()
		if err := l.pool.pm.SnapshotOID(l.oid, listSizeOff, 16+pmem.OIDSize); err != nil {
			return translate(err)
		}
		body := l.body()
		binary.LittleEndian.PutUint64(body[listSizeOff:], 0)
		binary.LittleEndian.PutUint64(body[listAllocOff:], 0)
		pmem.PutOID(body[listItemsOff:], pmem.OIDNull)
		if !items.IsNull() {
			if err := l.pool.pm.Free(items); err != nil {
				return translate(err)
			}
		}
		return nil
	})
}

// Each calls fn for every item in order, stopping on the first error.
func (l *PersistentList) Each(fn func(i int, v any) error) error {
	n := l.Len()
	for i := 0; i < n; i++ {
		v, err := l.pool.resurrect(l.item(i))
		if err != nil {
			return err
		}
		if err := fn(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Slice resurrects every item into a fresh volatile slice.
func (l *PersistentList) Slice() ([]any, error) {
	out := make([]any, 0, l.Len())
	err := l.Each(func(_ int, v any) error {
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Contains reports whether any item equals v.
func (l *PersistentList) Contains(v any) (bool, error) {
	found := false
	err := l.Each(func(_ int, item any) error {
		if valuesEqual(item, v) {
			found = true
		}
		return nil
	})
	return found, err
}

func (l *PersistentList) traverse(fn func(pmem.OID) error) error {
	n := l.Len()
	for i := 0; i < n; i++ {
		if oid := l.item(i); !oid.IsNull() {
			if err := fn(oid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *PersistentList) substructures() []pmem.OID {
	if items := l.itemsOID(); !items.IsNull() {
		return []pmem.OID{items}
	}
	return nil
}

func (l *PersistentList) deallocate() error {
	n := l.Len()
	for i := 0; i < n; i++ {
		if err := l.pool.xdecref(l.item(i)); err != nil {
			return err
		}
	}
	if items := l.itemsOID(); !items.IsNull() {
		if err := l.pool.pm.Free(items); err != nil {
			return translate(err)
		}
	}
	return nil
}
