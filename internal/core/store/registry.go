package store

import (
	"fmt"
	"sync"
)

// Class names stored in a pool's type table. The index of a name in the
// table is the type code written into every object header.
const (
	classNone      = "pmemobj.None"
	classBool      = "pmemobj.Bool"
	classInt       = "pmemobj.Int"
	classFloat     = "pmemobj.Float"
	classStr       = "pmemobj.Str"
	classBytes     = "pmemobj.Bytes"
	classList      = "pmemobj.PersistentList"
	classDict      = "pmemobj.PersistentDict"
	classSet       = "pmemobj.PersistentSet"
	classFrozenSet = "pmemobj.PersistentFrozenSet"
	classTuple     = "pmemobj.PersistentTuple"
)

// builtinClasses lists the classes every pool carries, in the order
// their type codes are assigned at pool creation. Index 0 is reserved.
var builtinClasses = []string{
	"",
	classNone,
	classBool,
	classInt,
	classFloat,
	classStr,
	classBytes,
	classList,
	classDict,
	classSet,
	classFrozenSet,
	classTuple,
}

func isBuiltinClass(name string) bool {
	for _, n := range builtinClasses[1:] {
		if n == name {
			return true
		}
	}
	return false
}

func isPrimitiveClass(name string) bool {
	switch name {
	case classNone, classBool, classInt, classFloat, classStr, classBytes:
		return true
	}
	return false
}

// Class describes a user-defined record class. The registry is volatile:
// the host program seeds it before opening a pool, and a pool whose type
// table names an unregistered class fails to open.
type Class struct {
	// Name is the fully-qualified class name stored in the type table.
	Name string

	// Init is the persistent initializer. It runs exactly once, at
	// first construction, with the caller's arguments.
	Init func(obj *PersistentObject, args ...any) error

	// VInit is the volatile initializer. It runs at first construction
	// and again at every resurrection, so the class can restore
	// non-persistent resources.
	VInit func(obj *PersistentObject)

	// Statics holds class-level attributes returned when an instance
	// has no attribute of the requested name.
	Statics map[string]any
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Class)
)

// Register adds a record class to the volatile class registry.
// Registering a name twice replaces the earlier entry.
func Register(c *Class) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("class must have a name: %w", ErrInvalidArgument)
	}
	if isBuiltinClass(c.Name) {
		return fmt.Errorf("class name %q is reserved: %w", c.Name, ErrInvalidArgument)
	}
	registryMu.Lock()
	registry[c.Name] = c
	registryMu.Unlock()
	return nil
}

func lookupClass(name string) (*Class, bool) {
	registryMu.RLock()
	c, ok := registry[name]
	registryMu.RUnlock()
	return c, ok
}
