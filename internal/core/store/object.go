package store

import (
	"fmt"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// Persistent record body, following the object header:
//
//	ob_dict OID  persistent dict used as the attribute bag
//
// The record's volatile state lives on the Go handle and in whatever
// the class's VInit hook sets up; only the attribute dict persists.
const (
	objectDictOff  = objHeaderSize
	objectBodySize = objHeaderSize + pmem.OIDSize
)

// PersistentObject is an instance of a user-defined record class. Its
// attributes are stored in an auto-allocated persistent dict; the
// initializer hooks and class-level constants (Statics) come from the
// volatile class registered under the record's type name.
type PersistentObject struct {
	pool  *Pool
	oid   pmem.OID
	class *Class
	dict  *PersistentDict
}

// NewObject constructs a record of the named registered class. The
// class's persistent initializer runs exactly once, here, with args;
// the volatile initializer runs here and at every resurrection.
func (p *Pool) NewObject(className string, args ...any) (*PersistentObject, error) {
	class, ok := lookupClass(className)
	if !ok {
		return nil, fmt.Errorf("no registered class %q: %w", className, ErrInvalidArgument)
	}
	var obj *PersistentObject
	err := p.Transaction(func() error {
		oid, err := p.allocObject(pmem.OIDSize, className)
		if err != nil {
			return err
		}
		obj = &PersistentObject{pool: p, oid: oid, class: class}
		p.resCache[oid] = obj
		d, err := p.newDict()
		if err != nil {
			return err
		}
		obj.dict = d
		pmem.PutOID(p.pm.Direct(oid)[objectDictOff:], d.oid)
		if err := p.incref(d.oid); err != nil {
			return err
		}
		if class.VInit != nil {
			class.VInit(obj)
		}
		if class.Init != nil {
			return class.Init(obj, args...)
		}
		return nil
	})
	if err != nil {
		delete(p.resCache, obj.OID())
		return nil, err
	}
	return obj, nil
}

// resurrectBody re-attaches the attribute dict of an existing record.
// It must not mutate persistent state.
func (o *PersistentObject) resurrectBody() error {
	dictOID := pmem.GetOID(o.pool.pm.Direct(o.oid)[objectDictOff:])
	v, err := o.pool.resurrect(dictOID)
	if err != nil {
		return err
	}
	d, ok := v.(*PersistentDict)
	if !ok {
		return fmt.Errorf("record attribute bag is not a dict: %w", ErrCorruption)
	}
	o.dict = d
	return nil
}

// OID returns the record's persistent address.
func (o *PersistentObject) OID() pmem.OID {
	if o == nil {
		return pmem.OIDNull
	}
	return o.oid
}

// TypeName returns the record's class name.
func (o *PersistentObject) TypeName() string { return o.class.Name }

// Pool returns the owning pool.
func (o *PersistentObject) Pool() *Pool { return o.pool }

// Class returns the record's volatile class.
func (o *PersistentObject) Class() *Class { return o.class }

// Attr returns the named attribute, falling back to class-level statics
// when the instance has none. Absence fails with ErrNotFound.
func (o *PersistentObject) Attr(name string) (any, error) {
	v, err := o.dict.Get(name)
	if err == nil {
		return v, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	if v, ok := o.class.Statics[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("record has no attribute %q: %w", name, ErrNotFound)
}

// SetAttr stores the named attribute in the record's persistent dict.
func (o *PersistentObject) SetAttr(name string, v any) error {
	return o.dict.Set(name, v)
}

// DelAttr removes the named attribute, failing with ErrNotFound when it
// is absent.
func (o *PersistentObject) DelAttr(name string) error {
	err := o.dict.Delete(name)
	if isNotFound(err) {
		return fmt.Errorf("record has no attribute %q: %w", name, ErrNotFound)
	}
	return err
}

// AttrDict exposes the underlying attribute dict.
func (o *PersistentObject) AttrDict() *PersistentDict {
	return o.dict
}

func (o *PersistentObject) traverse(fn func(pmem.OID) error) error {
	dictOID := pmem.GetOID(o.pool.pm.Direct(o.oid)[objectDictOff:])
	if dictOID.IsNull() {
		return nil
	}
	return fn(dictOID)
}

func (o *PersistentObject) substructures() []pmem.OID {
	return nil
}

func (o *PersistentObject) deallocate() error {
	dictOID := pmem.GetOID(o.pool.pm.Direct(o.oid)[objectDictOff:])
	return o.pool.xdecref(dictOID)
}
