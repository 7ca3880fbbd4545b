package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

// GC runs the mark-and-sweep over the whole pool: mark transitively
// from the root block, free every unmarked block, and reset the
// refcount of every marked object to the exact number of incoming
// references observed during the mark. Refcounts alone cannot free
// cycles, and a crash mid-transaction can leave allocated-but-
// unreferenced blocks or stale counts; the sweep restores invariant
// state deterministically. Exposed for testing and run automatically on
// a crash-suspected open.
func (p *Pool) GC() (int, error) {
	freed := 0
	err := p.Transaction(func() error {
		incoming := make(map[pmem.OID]uint64)
		substruct := make(map[pmem.OID]bool)
		visited := make(map[pmem.OID]bool)
		var queue []pmem.OID

		root := p.pm.RootBytes()
		for _, off := range []uint64{rootTypeTableOff, rootSingletonsOff, rootObjectOff} {
			oid := pmem.GetOID(root[off:])
			if oid.IsNull() {
				continue
			}
			incoming[oid]++
			queue = append(queue, oid)
		}

		for len(queue) > 0 {
			oid := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			if visited[oid] {
				continue
			}
			visited[oid] = true
			name, err := p.typeNameOf(oid)
			if err != nil {
				return fmt.Errorf("mark pass: %w", err)
			}
			if isPrimitiveClass(name) {
				continue
			}
			h, err := p.handle(oid)
			if err != nil {
				return fmt.Errorf("mark pass: %w", err)
			}
			for _, sub := range h.substructures() {
				substruct[sub] = true
			}
			err = h.traverse(func(child pmem.OID) error {
				incoming[child]++
				if !visited[child] {
					queue = append(queue, child)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("mark pass: %w", err)
			}
		}

		var sweepErr error
		var toFree []pmem.OID
		p.pm.Blocks(func(oid pmem.OID, typeNum uint32, size int) bool {
			if substruct[oid] {
				return true
			}
			if visited[oid] {
				want := incoming[oid]
				if p.refcnt(oid) != want {
					if err := p.setRefcnt(oid, want); err != nil {
						sweepErr = err
						return false
					}
				}
				return true
			}
			toFree = append(toFree, oid)
			return true
		})
		if sweepErr != nil {
			return sweepErr
		}
		for _, oid := range toFree {
			if err := p.pm.Free(oid); err != nil {
				return translate(err)
			}
			delete(p.resCache, oid)
			p.primCache.Remove(oid)
			freed++
		}
		if freed > 0 {
			// Interned blocks may be gone; drop the session map.
			p.interned = make(map[internKey]pmem.OID)
		}
		p.log.Debug("sweep complete",
			zap.Int("marked", len(visited)), zap.Int("freed", freed))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return freed, nil
}
