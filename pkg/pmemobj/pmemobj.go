// Package pmemobj is the public surface of the persistent object store.
// A program opens a pool file, obtains the single durable root handle,
// and mutates rich object graphs through the persistent containers; all
// mutations group into transactions that become durable as a whole or
// are undone on reopen.
package pmemobj

import (
	"github.com/fenilsonani/pmemobj/internal/core/store"
)

// Pool is an open persistent object pool.
type Pool = store.Pool

// Container and record handle types.
type (
	PersistentList      = store.PersistentList
	PersistentDict      = store.PersistentDict
	PersistentSet       = store.PersistentSet
	PersistentFrozenSet = store.PersistentFrozenSet
	PersistentTuple     = store.PersistentTuple
	PersistentObject    = store.PersistentObject
	Object              = store.Object
)

// Class describes a user-defined record class for the volatile class
// registry.
type Class = store.Class

// Option configures Create and Open.
type Option = store.Option

// Configuration options.
var (
	WithPoolSize = store.WithPoolSize
	WithMode     = store.WithMode
	WithDebug    = store.WithDebug
	WithLogger   = store.WithLogger
)

// Error kinds. Test with errors.Is.
var (
	ErrNotFound        = store.ErrNotFound
	ErrOutOfMemory     = store.ErrOutOfMemory
	ErrInvalidArgument = store.ErrInvalidArgument
	ErrNotAllowed      = store.ErrNotAllowed
	ErrTypeMismatch    = store.ErrTypeMismatch
	ErrCorruption      = store.ErrCorruption
	ErrUsage           = store.ErrUsage
	ErrIO              = store.ErrIO
)

// Create creates a new pool file and initializes the object store.
func Create(path string, opts ...Option) (*Pool, error) {
	return store.Create(path, opts...)
}

// Open maps an existing pool, running crash recovery if the previous
// shutdown was not clean.
func Open(path string, opts ...Option) (*Pool, error) {
	return store.Open(path, opts...)
}

// Register seeds the volatile class registry with a record class. Every
// class a pool references must be registered before the pool is opened.
func Register(c *Class) error {
	return store.Register(c)
}
