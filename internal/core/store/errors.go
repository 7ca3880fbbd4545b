package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// Error kinds surfaced by the object store. Callers test with errors.Is.
var (
	// ErrNotFound reports an absent key, attribute, element, or index.
	ErrNotFound = errors.New("not found")

	// ErrOutOfMemory reports that the pool allocator cannot satisfy a
	// request.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidArgument reports a violated argument contract, such as
	// an unhashable key or a negative pool size.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotAllowed reports a mutating operation on an immutable
	// container (tuple or frozen set).
	ErrNotAllowed = errors.New("operation not allowed")

	// ErrTypeMismatch reports an operation applied to an operand of the
	// wrong type, such as a set operator on a non-set.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrCorruption reports that the pool contents cannot be
	// reconstructed into a consistent object graph.
	ErrCorruption = errors.New("pool corruption")

	// ErrUsage reports API misuse: mutation outside a transaction or
	// closing a pool twice.
	ErrUsage = errors.New("usage error")

	// ErrIO reports that the pool file cannot be mapped, flushed, or
	// closed.
	ErrIO = errors.New("i/o error")
)

// translate maps pool-binding errors onto the store's error kinds.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pmem.ErrOutOfSpace):
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	case errors.Is(err, pmem.ErrLogFull):
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	case errors.Is(err, os.ErrInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	case errors.Is(err, pmem.ErrNoTransaction):
		return fmt.Errorf("%w: %v", ErrUsage, err)
	case errors.Is(err, pmem.ErrClosed):
		return fmt.Errorf("%w: %v", ErrUsage, err)
	case errors.Is(err, pmem.ErrCorrupt), errors.Is(err, pmem.ErrBadOID):
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	default:
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return err
	}
}
