package store

import (
	"encoding/binary"
	"fmt"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// Persistent tuple body, following the object header:
//
//	ob_size  u64  element count, fixed at construction
//	ob_items OID  element array (allocator type 50), null when empty
const (
	tupleSizeOff  = objHeaderSize
	tupleItemsOff = objHeaderSize + 8
	tupleBodySize = objHeaderSize + 8 + pmem.OIDSize
)

// PersistentTuple is an immutable fixed-length array of object
// references.
type PersistentTuple struct {
	pool *Pool
	oid  pmem.OID
}

// NewTuple allocates a persistent tuple holding the given items.
func (p *Pool) NewTuple(items ...any) (*PersistentTuple, error) {
	var t *PersistentTuple
	err := p.Transaction(func() error {
		oid, err := p.allocObject(8+pmem.OIDSize, classTuple)
		if err != nil {
			return err
		}
		t = &PersistentTuple{pool: p, oid: oid}
		p.resCache[oid] = t
		body := p.pm.Direct(oid)
		binary.LittleEndian.PutUint64(body[tupleSizeOff:], uint64(len(items)))
		if len(items) == 0 {
			pmem.PutOID(body[tupleItemsOff:], pmem.OIDNull)
			return nil
		}
		itemsOID, err := p.pm.Zalloc(len(items)*pmem.OIDSize, typeNumTupleItems)
		if err != nil {
			return translate(err)
		}
		pmem.PutOID(body[tupleItemsOff:], itemsOID)
		data := p.pm.Direct(itemsOID)
		for i, v := range items {
			vOID, err := p.persist(v)
			if err != nil {
				return err
			}
			pmem.PutOID(data[i*pmem.OIDSize:], vOID)
			if err := p.incref(vOID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// OID returns the tuple's persistent address.
func (t *PersistentTuple) OID() pmem.OID { return t.oid }

// TypeName returns the tuple's class name.
func (t *PersistentTuple) TypeName() string { return classTuple }

// Pool returns the owning pool.
func (t *PersistentTuple) Pool() *Pool { return t.pool }

func (t *PersistentTuple) body() []byte {
	return t.pool.pm.Direct(t.oid)
}

// Len returns the element count.
func (t *PersistentTuple) Len() int {
	return int(binary.LittleEndian.Uint64(t.body()[tupleSizeOff:]))
}

func (t *PersistentTuple) itemsOID() pmem.OID {
	return pmem.GetOID(t.body()[tupleItemsOff:])
}

func (t *PersistentTuple) item(i int) pmem.OID {
	return pmem.GetOID(t.pool.pm.Direct(t.itemsOID())[i*pmem.OIDSize:])
}

// Get resurrects the element at index i. Negative indices count from
// the end; out-of-range access fails with ErrNotFound.
func (t *PersistentTuple) Get(i int) (any, error) {
	n := t.Len()
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return nil, fmt.Errorf("tuple index %d out of range: %w", i, ErrNotFound)
	}
	return t.pool.resurrect(t.item(i))
}

// Set fails: tuples do not support item assignment.
func (t *PersistentTuple) Set(int, any) error {
	return fmt.Errorf("tuple does not support item assignment: %w", ErrNotAllowed)
}

// Delete fails: tuples do not support item deletion.
func (t *PersistentTuple) Delete(int) error {
	return fmt.Errorf("tuple does not support item deletion: %w", ErrNotAllowed)
}

// Insert fails: tuples do not support insertion.
func (t *PersistentTuple) Insert(int, any) error {
	return fmt.Errorf("tuple does not support insertion: %w", ErrNotAllowed)
}

// Append fails: tuples do not support appending.
func (t *PersistentTuple) Append(any) error {
	return fmt.Errorf("tuple does not support appending: %w", ErrNotAllowed)
}

// Clear fails: tuples do not support clearing.
func (t *PersistentTuple) Clear() error {
	return fmt.Errorf("tuple does not support clear: %w", ErrNotAllowed)
}

// Each calls fn for every element in order.
func (t *PersistentTuple) Each(fn func(i int, v any) error) error {
	n := t.Len()
	for i := 0; i < n; i++ {
		v, err := t.pool.resurrect(t.item(i))
		if err != nil {
			return err
		}
		if err := fn(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Slice resurrects every element into a fresh volatile slice.
func (t *PersistentTuple) Slice() ([]any, error) {
	out := make([]any, 0, t.Len())
	err := t.Each(func(_ int, v any) error {
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Eq compares elementwise against another persistent tuple or a host
// slice of the same length.
func (t *PersistentTuple) Eq(other any) bool {
	var n int
	var get func(i int) (any, error)
	switch x := other.(type) {
	case *PersistentTuple:
		if x.oid == t.oid {
			return true
		}
		n = x.Len()
		get = x.Get
	case []any:
		n = len(x)
		get = func(i int) (any, error) { return x[i], nil }
	default:
		return false
	}
	if t.Len() != n {
		return false
	}
	for i := 0; i < n; i++ {
		a, err := t.Get(i)
		if err != nil {
			return false
		}
		b, err := get(i)
		if err != nil {
			return false
		}
		if !valuesEqual(a, b) {
			return false
		}
	}
	return true
}

func (t *PersistentTuple) traverse(fn func(pmem.OID) error) error {
	n := t.Len()
	for i := 0; i < n; i++ {
		if oid := t.item(i); !oid.IsNull() {
			if err := fn(oid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *PersistentTuple) substructures() []pmem.OID {
	if items := t.itemsOID(); !items.IsNull() {
		return []pmem.OID{items}
	}
	return nil
}

func (t *PersistentTuple) deallocate() error {
	n := t.Len()
	for i := 0; i < n; i++ {
		if err := t.pool.xdecref(t.item(i)); err != nil {
			return err
		}
	}
	if items := t.itemsOID(); !items.IsNull() {
		if err := t.pool.pm.Free(items); err != nil {
			return translate(err)
		}
	}
	return nil
}
