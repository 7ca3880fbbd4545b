package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// Object is the volatile handle every persistent container and record
// implements. The persistence protocol methods are internal to the
// store: traverse yields every child OID the object owns, substructures
// yields owned auxiliary blocks, and deallocate releases children and
// substructures when the refcount reaches zero.
type Object interface {
	OID() pmem.OID
	TypeName() string
	Pool() *Pool

	traverse(fn func(pmem.OID) error) error
	substructures() []pmem.OID
	deallocate() error
}

// normalize folds host numeric types onto the store's value model:
// int64, float64, string, []byte, bool, nil, and persistent handles.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

// valuesEqual compares two values the way the persistent containers do:
// typed equality for primitives, elementwise for tuples, and identity
// (same OID) for other persistent handles.
func valuesEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case *PersistentTuple:
		return x.Eq(b)
	case Object:
		y, ok := b.(Object)
		return ok && x.OID() == y.OID()
	}
	return false
}

// Primitive bodies follow the object header directly:
//
//	Int:   i64
//	Float: f64 bits
//	Bool:  u8
//	Str:   len u64 + utf-8 payload
//	Bytes: len u64 + payload
//	None:  empty

func primitiveClassOf(v any) (string, bool) {
	switch normalize(v).(type) {
	case nil:
		return classNone, true
	case bool:
		return classBool, true
	case int64:
		return classInt, true
	case float64:
		return classFloat, true
	case string:
		return classStr, true
	case []byte:
		return classBytes, true
	}
	return "", false
}

func primitiveBodySize(v any) int {
	switch x := normalize(v).(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 8
	case string:
		return 8 + len(x)
	case []byte:
		return 8 + len(x)
	}
	return 0
}

// encodePrimitive writes the body of a freshly allocated primitive
// block. The block is new, so the writes need no snapshot.
func encodePrimitive(body []byte, v any) {
	b := body[objHeaderSize:]
	switch x := normalize(v).(type) {
	case nil:
	case bool:
		if x {
			b[0] = 1
		}
	case int64:
		binary.LittleEndian.PutUint64(b[0:8], uint64(x))
	case float64:
		binary.LittleEndian.PutUint64(b[0:8], math.Float64bits(x))
	case string:
		binary.LittleEndian.PutUint64(b[0:8], uint64(len(x)))
		copy(b[8:], x)
	case []byte:
		binary.LittleEndian.PutUint64(b[0:8], uint64(len(x)))
		copy(b[8:], x)
	}
}

// decodePrimitive reconstructs a volatile value from a primitive body.
func decodePrimitive(body []byte, className string) (any, error) {
	b := body[objHeaderSize:]
	switch className {
	case classNone:
		return nil, nil
	case classBool:
		return b[0] != 0, nil
	case classInt:
		return int64(binary.LittleEndian.Uint64(b[0:8])), nil
	case classFloat:
		return math.Float64frombits(binary.LittleEndian.Uint64(b[0:8])), nil
	case classStr:
		n := binary.LittleEndian.Uint64(b[0:8])
		if 8+n > uint64(len(b)) {
			return nil, fmt.Errorf("string length %d exceeds block: %w", n, ErrCorruption)
		}
		return string(b[8 : 8+n]), nil
	case classBytes:
		n := binary.LittleEndian.Uint64(b[0:8])
		if 8+n > uint64(len(b)) {
			return nil, fmt.Errorf("bytes length %d exceeds block: %w", n, ErrCorruption)
		}
		out := make([]byte, n)
		copy(out, b[8:8+n])
		return out, nil
	}
	return nil, fmt.Errorf("not a primitive class %q: %w", className, ErrCorruption)
}
