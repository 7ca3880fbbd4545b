package store

import (
	"encoding/binary"
	"fmt"
)

// eachElement iterates the members of any value the set algebra accepts
// as an operand: persistent sets, lists, and tuples, host slices, and
// strings (by character).
func (p *Pool) eachElement(v any, fn func(any) error) error {
	switch x := v.(type) {
	case *PersistentSet:
		return x.Each(fn)
	case *PersistentFrozenSet:
		return x.Each(fn)
	case *PersistentList:
		return x.Each(func(_ int, item any) error { return fn(item) })
	case *PersistentTuple:
		return x.Each(func(_ int, item any) error { return fn(item) })
	case []any:
		for _, item := range x {
			if err := fn(item); err != nil {
				return err
			}
		}
		return nil
	case string:
		for _, r := range x {
			if err := fn(string(r)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value of type %T is not iterable: %w", v, ErrTypeMismatch)
	}
}

// containsElement tests membership in any iterable operand, using the
// set's own lookup when the operand is a set.
func (p *Pool) containsElement(container, v any) (bool, error) {
	switch x := container.(type) {
	case *PersistentSet:
		return x.Contains(v)
	case *PersistentFrozenSet:
		return x.Contains(v)
	}
	found := false
	err := p.eachElement(container, func(item any) error {
		if valuesEqual(item, v) {
			found = true
		}
		return nil
	})
	return found, err
}

// Union returns a new set holding every member of s and of each
// argument.
func (s *PersistentSet) Union(others ...any) (*PersistentSet, error) {
	var out *PersistentSet
	err := s.pool.Transaction(func() error {
		var err error
		out, err = s.copySet()
		if err != nil {
			return err
		}
		for _, other := range others {
			err = s.pool.eachElement(other, func(item any) error {
				return out.add(item)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PersistentSet) copySet() (*PersistentSet, error) {
	out, err := s.newSetLike()
	if err != nil {
		return nil, err
	}
	err = s.Each(func(item any) error { return out.add(item) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// intersectionWith builds the intersection of s with one operand,
// iterating the smaller side when both are sets.
func (s *PersistentSet) intersectionWith(other any) (*PersistentSet, error) {
	out, err := s.newSetLike()
	if err != nil {
		return nil, err
	}
	small, big := any(s), other
	if o, ok := asSet(other); ok && o.Len() < s.Len() {
		small, big = other, any(s)
	}
	err = s.pool.eachElement(small, func(item any) error {
		ok, err := s.pool.containsElement(big, item)
		if err != nil {
			return err
		}
		if ok {
			return out.add(item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func asSet(v any) (*PersistentSet, bool) {
	switch x := v.(type) {
	case *PersistentSet:
		return x, true
	case *PersistentFrozenSet:
		return &x.PersistentSet, true
	}
	return nil, false
}

// Intersection returns a new set of the members common to s and every
// argument. Intermediate results are released as the chain narrows.
func (s *PersistentSet) Intersection(others ...any) (*PersistentSet, error) {
	var out *PersistentSet
	err := s.pool.Transaction(func() error {
		if len(others) == 0 {
			var err error
			out, err = s.copySet()
			return err
		}
		result, err := s.intersectionWith(others[0])
		if err != nil {
			return err
		}
		for _, other := range others[1:] {
			next, err := result.intersectionWith(other)
			if err != nil {
				return err
			}
			if err := s.pool.deallocate(result.oid); err != nil {
				return err
			}
			result = next
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Difference returns a new set of the members of s absent from every
// argument.
func (s *PersistentSet) Difference(others ...any) (*PersistentSet, error) {
	var out *PersistentSet
	err := s.pool.Transaction(func() error {
		var err error
		out, err = s.newSetLike()
		if err != nil {
			return err
		}
		return s.Each(func(item any) error {
			for _, other := range others {
				found, err := s.pool.containsElement(other, item)
				if err != nil {
					return err
				}
				if found {
					return nil
				}
			}
			return out.add(item)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SymmetricDifference returns a new set of the members in exactly one
// of s and other.
func (s *PersistentSet) SymmetricDifference(other any) (*PersistentSet, error) {
	var out *PersistentSet
	err := s.pool.Transaction(func() error {
		var err error
		out, err = s.copySet()
		if err != nil {
			return err
		}
		return s.pool.eachElement(other, func(item any) error {
			in, err := s.Contains(item)
			if err != nil {
				return err
			}
			if in {
				_, err := out.discard(item)
				return err
			}
			return out.add(item)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsDisjoint reports whether s and other share no member.
func (s *PersistentSet) IsDisjoint(other any) (bool, error) {
	small, big := any(s), other
	if o, ok := asSet(other); ok && o.Len() < s.Len() {
		small, big = other, any(s)
	}
	disjoint := true
	err := s.pool.eachElement(small, func(item any) error {
		found, err := s.pool.containsElement(big, item)
		if err != nil {
			return err
		}
		if found {
			disjoint = false
		}
		return nil
	})
	return disjoint, err
}

// IsSubset reports whether every member of s is in other.
func (s *PersistentSet) IsSubset(other any) (bool, error) {
	subset := true
	err := s.Each(func(item any) error {
		found, err := s.pool.containsElement(other, item)
		if err != nil {
			return err
		}
		if !found {
			subset = false
		}
		return nil
	})
	return subset, err
}

// IsSuperset reports whether every member of other is in s.
func (s *PersistentSet) IsSuperset(other any) (bool, error) {
	superset := true
	err := s.pool.eachElement(other, func(item any) error {
		found, err := s.Contains(item)
		if err != nil {
			return err
		}
		if !found {
			superset = false
		}
		return nil
	})
	return superset, err
}

// requireSet rejects non-set operands of the infix operator forms.
func requireSet(other any) error {
	if _, ok := asSet(other); !ok {
		return fmt.Errorf("operator requires a persistent set operand, got %T: %w",
			other, ErrTypeMismatch)
	}
	return nil
}

// Or is the | operator: union with a set operand.
func (s *PersistentSet) Or(other any) (*PersistentSet, error) {
	if err := requireSet(other); err != nil {
		return nil, err
	}
	return s.Union(other)
}

// And is the & operator: intersection with a set operand.
func (s *PersistentSet) And(other any) (*PersistentSet, error) {
	if err := requireSet(other); err != nil {
		return nil, err
	}
	return s.Intersection(other)
}

// Sub is the - operator: difference with a set operand.
func (s *PersistentSet) Sub(other any) (*PersistentSet, error) {
	if err := requireSet(other); err != nil {
		return nil, err
	}
	return s.Difference(other)
}

// Xor is the ^ operator: symmetric difference with a set operand.
func (s *PersistentSet) Xor(other any) (*PersistentSet, error) {
	if err := requireSet(other); err != nil {
		return nil, err
	}
	return s.SymmetricDifference(other)
}

// Hash returns the cached structural hash of a frozen set, computing
// and persisting it on first use.
func (fs *PersistentFrozenSet) Hash() (uint64, error) {
	body := fs.body()
	if h := binary.LittleEndian.Uint64(body[setHashOff:]); h != hashInvalid {
		return h, nil
	}
	var h uint64 = 1927868237 * uint64(fs.Len()+1)
	tb := fs.pool.pm.Direct(fs.tableOID())
	mask := fs.mask()
	for i := uint64(0); i <= mask; i++ {
		eh := setEntryHash(tb, i)
		if eh == hashUnused || eh == hashDummy {
			continue
		}
		h ^= (eh ^ (eh << 16) ^ 89869747) * 3644798167
	}
	h = h*69069 + 907133923
	h = remapSentinel(h)
	err := fs.pool.Transaction(func() error {
		if err := fs.pool.pm.SnapshotOID(fs.oid, setHashOff, 8); err != nil {
			return translate(err)
		}
		binary.LittleEndian.PutUint64(fs.body()[setHashOff:], h)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return h, nil
}

// Eq reports whether two sets hold the same members.
func (s *PersistentSet) Eq(other any) (bool, error) {
	o, ok := asSet(other)
	if !ok {
		return false, nil
	}
	if s.oid == o.oid {
		return true, nil
	}
	if s.Len() != o.Len() {
		return false, nil
	}
	return s.IsSubset(other)
}
