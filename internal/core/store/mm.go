package store

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// typeCode returns the type code for a class name, appending the name to
// the persistent type table on first sight. Must run inside a
// transaction when the name is new.
func (p *Pool) typeCode(name string) (uint32, error) {
	if code, ok := p.typeCodes[name]; ok {
		return code, nil
	}
	code := uint32(len(p.typeNames))
	// Seed the volatile map before appending: persisting the name
	// string resolves its own type code through this map.
	p.typeCodes[name] = code
	p.typeNames = append(p.typeNames, name)
	if err := p.typeTable.append(name); err != nil {
		return 0, err
	}
	p.log.Debug("assigned type code",
		zap.String("class", name), zap.Uint32("code", code))
	return code, nil
}

// typeNameOf reads an object's type code and resolves it to a class name.
func (p *Pool) typeNameOf(oid pmem.OID) (string, error) {
	body := p.pm.Direct(oid)
	if len(body) < objHeaderSize {
		return "", fmt.Errorf("block too small for object header: %w", ErrCorruption)
	}
	code := binary.LittleEndian.Uint32(body[obTypeOff : obTypeOff+4])
	if code == 0 || int(code) >= len(p.typeNames) {
		return "", fmt.Errorf("object carries unknown type code %d: %w", code, ErrCorruption)
	}
	return p.typeNames[code], nil
}

func (p *Pool) refcnt(oid pmem.OID) uint64 {
	return binary.LittleEndian.Uint64(p.pm.Direct(oid)[obRefcntOff : obRefcntOff+8])
}

func (p *Pool) setRefcnt(oid pmem.OID, rc uint64) error {
	if err := p.pm.SnapshotOID(oid, obRefcntOff, 8); err != nil {
		return translate(err)
	}
	binary.LittleEndian.PutUint64(p.pm.Direct(oid)[obRefcntOff:obRefcntOff+8], rc)
	return nil
}

// incref adds one to the target's persistent reference count.
func (p *Pool) incref(oid pmem.OID) error {
	if oid.IsNull() || oid == dummyOID {
		return fmt.Errorf("incref of %v: %w", oid, ErrCorruption)
	}
	return p.setRefcnt(oid, p.refcnt(oid)+1)
}

// decref subtracts one from the target's reference count, deallocating
// the object when the count reaches zero.
func (p *Pool) decref(oid pmem.OID) error {
	if oid.IsNull() || oid == dummyOID {
		return fmt.Errorf("decref of %v: %w", oid, ErrCorruption)
	}
	rc := p.refcnt(oid)
	if rc == 0 {
		return fmt.Errorf("decref of object with zero refcount: %w", ErrCorruption)
	}
	if err := p.setRefcnt(oid, rc-1); err != nil {
		return err
	}
	if rc-1 == 0 {
		return p.deallocate(oid)
	}
	return nil
}

// xdecref is decref that ignores the null OID and the tombstone marker.
func (p *Pool) xdecref(oid pmem.OID) error {
	if oid.IsNull() || oid == dummyOID {
		return nil
	}
	return p.decref(oid)
}

// allocObject allocates a zeroed header+body block and stamps the type
// code. The refcount starts at zero; the caller establishes the first
// reference.
func (p *Pool) allocObject(bodySize int, className string) (pmem.OID, error) {
	code, err := p.typeCode(className)
	if err != nil {
		return pmem.OIDNull, err
	}
	oid, err := p.pm.Zalloc(objHeaderSize+bodySize, typeNumObject)
	if err != nil {
		return pmem.OIDNull, translate(err)
	}
	body := p.pm.Direct(oid)
	binary.LittleEndian.PutUint32(body[obTypeOff:obTypeOff+4], code)
	return oid, nil
}

// deallocate releases an object whose refcount has reached zero: every
// child is decref'ed, every owned substructure freed, then the object
// block itself. Runs inside the enclosing transaction, not deferred.
func (p *Pool) deallocate(oid pmem.OID) error {
	name, err := p.typeNameOf(oid)
	if err != nil {
		return err
	}
	if isPrimitiveClass(name) {
		p.dropInterned(oid, name)
		p.primCache.Remove(oid)
		return translate(p.pm.Free(oid))
	}
	h, err := p.handle(oid)
	if err != nil {
		return err
	}
	if err := h.deallocate(); err != nil {
		return err
	}
	delete(p.resCache, oid)
	return translate(p.pm.Free(oid))
}

// dropInterned removes an interning map entry whose block is going away.
func (p *Pool) dropInterned(oid pmem.OID, name string) {
	switch name {
	case classStr, classBytes:
		v, err := decodePrimitive(p.pm.Direct(oid), name)
		if err != nil {
			return
		}
		var key internKey
		if s, ok := v.(string); ok {
			key = internKey{kind: 's', s: s}
		} else {
			key = internKey{kind: 'b', s: string(v.([]byte))}
		}
		if p.interned[key] == oid {
			delete(p.interned, key)
		}
	}
}

// persist converts a volatile value into a persistent block inside the
// current transaction, interning primitives where applicable. It does
// not incref: the caller establishes the reference.
func (p *Pool) persist(v any) (pmem.OID, error) {
	switch x := normalize(v).(type) {
	case nil:
		return p.singletonOID(&p.noneOID, nil)
	case bool:
		if x {
			return p.singletonOID(&p.trueOID, true)
		}
		return p.singletonOID(&p.falseOID, false)
	case int64:
		if x >= smallIntMin && x <= smallIntMax {
			return p.singletonOID(&p.smallInts[x-smallIntMin], x)
		}
		return p.allocPrimitive(x)
	case float64:
		return p.allocPrimitive(x)
	case string:
		if len(x) <= internMaxLen {
			return p.internPrimitive(internKey{kind: 's', s: x}, x)
		}
		return p.allocPrimitive(x)
	case []byte:
		if len(x) <= internMaxLen {
			return p.internPrimitive(internKey{kind: 'b', s: string(x)}, x)
		}
		return p.allocPrimitive(x)
	case Object:
		if x.Pool() != p {
			return pmem.OIDNull, fmt.Errorf("handle belongs to another pool: %w", ErrInvalidArgument)
		}
		return x.OID(), nil
	case []any:
		l, err := p.newList()
		if err != nil {
			return pmem.OIDNull, err
		}
		for _, item := range x {
			if err := l.append(item); err != nil {
				return pmem.OIDNull, err
			}
		}
		return l.oid, nil
	case map[any]any:
		d, err := p.newDict()
		if err != nil {
			return pmem.OIDNull, err
		}
		for k, val := range x {
			if err := d.set(k, val); err != nil {
				return pmem.OIDNull, err
			}
		}
		return d.oid, nil
	default:
		return pmem.OIDNull, fmt.Errorf("cannot persist value of type %T: %w", v, ErrInvalidArgument)
	}
}

// singletonOID returns the singleton block for a value, allocating it on
// first use during pool bootstrap.
func (p *Pool) singletonOID(slot *pmem.OID, v any) (pmem.OID, error) {
	if !slot.IsNull() {
		return *slot, nil
	}
	oid, err := p.allocPrimitive(v)
	if err != nil {
		return pmem.OIDNull, err
	}
	*slot = oid
	return oid, nil
}

func (p *Pool) internPrimitive(key internKey, v any) (pmem.OID, error) {
	if oid, ok := p.interned[key]; ok {
		return oid, nil
	}
	oid, err := p.allocPrimitive(v)
	if err != nil {
		return pmem.OIDNull, err
	}
	p.interned[key] = oid
	return oid, nil
}

func (p *Pool) allocPrimitive(v any) (pmem.OID, error) {
	name, ok := primitiveClassOf(v)
	if !ok {
		return pmem.OIDNull, fmt.Errorf("not a primitive: %T: %w", v, ErrInvalidArgument)
	}
	oid, err := p.allocObject(primitiveBodySize(v), name)
	if err != nil {
		return pmem.OIDNull, err
	}
	encodePrimitive(p.pm.Direct(oid), v)
	return oid, nil
}

// resurrect reconstructs the volatile handle for an OID. Primitives
// decode to fresh values (with an evictable cache in front); containers
// and records resolve through the identity-preserving resurrection
// cache, so the same OID always yields the same in-memory object.
func (p *Pool) resurrect(oid pmem.OID) (any, error) {
	if oid.IsNull() {
		return nil, nil
	}
	if oid == dummyOID {
		return nil, fmt.Errorf("resurrect of tombstone marker: %w", ErrCorruption)
	}
	if h, ok := p.resCache[oid]; ok {
		return h, nil
	}
	if v, ok := p.primCache.Get(oid); ok {
		return v, nil
	}
	name, err := p.typeNameOf(oid)
	if err != nil {
		return nil, err
	}
	if isPrimitiveClass(name) {
		v, err := decodePrimitive(p.pm.Direct(oid), name)
		if err != nil {
			return nil, err
		}
		p.primCache.Add(oid, v)
		return v, nil
	}
	return p.resurrectHandle(oid, name)
}

// resurrectHandle builds a container or record handle. The handle is
// inserted into the cache before any recursive child resurrection so
// that cyclic graphs terminate.
func (p *Pool) resurrectHandle(oid pmem.OID, name string) (Object, error) {
	switch name {
	case classList:
		h := &PersistentList{pool: p, oid: oid}
		p.resCache[oid] = h
		return h, nil
	case classDict:
		h := &PersistentDict{pool: p, oid: oid}
		p.resCache[oid] = h
		return h, nil
	case classSet:
		h := &PersistentSet{pool: p, oid: oid}
		p.resCache[oid] = h
		return h, nil
	case classFrozenSet:
		h := &PersistentFrozenSet{PersistentSet{pool: p, oid: oid, frozen: true}}
		p.resCache[oid] = h
		return h, nil
	case classTuple:
		h := &PersistentTuple{pool: p, oid: oid}
		p.resCache[oid] = h
		return h, nil
	default:
		class, ok := lookupClass(name)
		if !ok {
			return nil, fmt.Errorf("no registered class %q: %w", name, ErrCorruption)
		}
		obj := &PersistentObject{pool: p, oid: oid, class: class}
		p.resCache[oid] = obj
		if err := obj.resurrectBody(); err != nil {
			delete(p.resCache, oid)
			return nil, err
		}
		if class.VInit != nil {
			class.VInit(obj)
		}
		return obj, nil
	}
}

// handle is resurrect constrained to container and record handles.
func (p *Pool) handle(oid pmem.OID) (Object, error) {
	v, err := p.resurrect(oid)
	if err != nil {
		return nil, err
	}
	h, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("oid %v is a primitive, not a container: %w", oid, ErrCorruption)
	}
	return h, nil
}
