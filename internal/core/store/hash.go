package store

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
)

// The host language hash is not stable across processes, so persistent
// tables key on a portable hash instead: the key is rendered to a
// canonical byte string that encodes type and value unambiguously, the
// string is MD5-hashed, and the two 64-bit halves of the digest are
// XORed together. The result is remapped away from the set table
// sentinels so a real hash never collides with an empty or tombstone
// marker.

func isHashable(v any) bool {
	switch x := v.(type) {
	case string:
		return len(x) > 0
	case []byte:
		return len(x) > 0
	case *PersistentTuple:
		return x.Len() > 0
	}
	return true
}

// canonical appends the type-tagged rendering of v to buf.
func canonical(buf *bytes.Buffer, v any) error {
	switch x := normalize(v).(type) {
	case nil:
		buf.WriteByte('n')
	case bool:
		buf.WriteByte('B')
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x))
		buf.WriteByte('i')
		buf.Write(b[:])
	case float64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		buf.WriteByte('f')
		buf.Write(b[:])
	case string:
		buf.WriteByte('s')
		buf.WriteString(x)
	case []byte:
		buf.WriteByte('b')
		buf.Write(x)
	case *PersistentTuple:
		buf.WriteByte('t')
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x.Len()))
		buf.Write(b[:])
		for i := 0; i < x.Len(); i++ {
			item, err := x.Get(i)
			if err != nil {
				return err
			}
			if err := canonical(buf, item); err != nil {
				return err
			}
		}
	case *PersistentFrozenSet:
		h, err := x.Hash()
		if err != nil {
			return err
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], h)
		buf.WriteByte('F')
		buf.Write(b[:])
	default:
		return fmt.Errorf("unhashable key of type %T: %w", v, ErrInvalidArgument)
	}
	return nil
}

// stableHash returns the portable hash of a key, or ErrInvalidArgument
// if the key is not hashable.
func stableHash(v any) (uint64, error) {
	if !isHashable(v) {
		return 0, fmt.Errorf("zero-length key is not hashable: %w", ErrInvalidArgument)
	}
	var buf bytes.Buffer
	if err := canonical(&buf, v); err != nil {
		return 0, err
	}
	sum := md5.Sum(buf.Bytes())
	h := binary.BigEndian.Uint64(sum[:8]) ^ binary.BigEndian.Uint64(sum[8:])
	return remapSentinel(h), nil
}

// remapSentinel nudges a hash off the set table sentinel values.
func remapSentinel(h uint64) uint64 {
	if h == hashUnused {
		return hashUnused + 1
	}
	if h == hashDummy {
		return hashDummy - 1
	}
	return h
}
