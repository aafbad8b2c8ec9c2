package shmstore

import "github.com/flowcheck/shmstore/pkg/shmregion"

// Tag values for the deptbl slot union. tagVal and tagNext share the bit
// value 1/0 split differently depending on which half of the slot they
// tag — see the field comments below.
const (
	tagVal  = 0 // key field: this slot is interior, num is an edge value.
	tagKey  = 1 // key field: this slot is a head, num is the user key.
	tagNext = 1 // next field: num is a deptbl slot index to follow.
	// next field tag 0 reuses tagVal: num is the terminal edge value.
)

const maxDepField = (1 << 31) - 1 // 31-bit field ceiling.

func packDepField(num uint32, tag uint32) uint32 {
	return (num << 1) | (tag & 1)
}

func unpackDepField(v uint32) (num uint32, tag uint32) {
	return v >> 1, v & 1
}

func packDepSlot(keyField, nextField uint32) uint64 {
	return uint64(nextField)<<32 | uint64(keyField)
}

func unpackDepSlot(raw uint64) (keyField, nextField uint32) {
	return uint32(raw), uint32(raw >> 32)
}

func (s *Store) depSlotOffset(idx uint64) uint64 {
	return s.layout().DeptblOffset + idx*8
}

func (s *Store) bindingSlotOffset(idx uint64) uint64 {
	return s.layout().BindingsOffset + idx*8
}

// AddDep inserts the edge key->val into the dependency multimap.
// Idempotent: inserting an edge that is already present is a no-op.
func (s *Store) AddDep(key, val uint32) error {
	if err := assertf(key <= maxDepField && val <= maxDepField, "AddDep: key/val must fit in 31 bits"); err != nil {
		return ErrInvalidInput
	}
	if err := s.assertWritesEnabled("AddDep"); err != nil {
		return err
	}

	newlyInserted, err := s.addBinding(key, val)
	if err != nil {
		return err
	}
	if !newlyInserted {
		return nil
	}
	return s.prependToDeptblList(key, val)
}

// addBinding is the O(1)-average dedup pre-check over the bindings set: a
// key/val pair already present here has already been linked into the
// deptbl list, so AddDep can skip straight to a no-op.
func (s *Store) addBinding(key, val uint32) (newlyInserted bool, err error) {
	l := s.layout()
	mask := l.DepSlots - 1
	pair := bindingSlotForPair(key, val)
	idx := bindingSlotIndex(pair, mask)
	b := s.bytes()

	for probes := uint64(0); probes <= mask; probes++ {
		off := s.bindingSlotOffset(idx)
		cur := atomicLoadUint64(b, off)

		switch {
		case cur == pair:
			return false, nil
		case cur == 0:
			if s.DepEntryCount() >= l.DepSlots {
				return false, ErrDepTableFull
			}
			if casUint64(b, off, 0, pair) {
				faUint64(b, l.Cell(shmregion.CellDepCount), 1)
				return true, nil
			}
			// Lost the CAS race: re-examine this same slot, it may now
			// hold our pair.
			continue
		default:
			idx = (idx + 1) & mask
		}
	}
	return false, ErrDepTableFull
}

// prependToDeptblList publishes a newly-bound edge into the list reachable
// by linear-probing hash(key).
func (s *Store) prependToDeptblList(key, val uint32) error {
	l := s.layout()
	mask := l.DepSlots - 1
	idx := depSlotForKey(key, mask)
	b := s.bytes()

	for probes := uint64(0); probes <= mask; probes++ {
		off := s.depSlotOffset(idx)
		raw := atomicLoadUint64(b, off)

		if raw == 0 {
			headKey := packDepField(key, tagKey)
			headNext := packDepField(val, tagVal)
			if casUint64(b, off, 0, packDepSlot(headKey, headNext)) {
				return nil
			}
			// Someone else created the head first; re-examine.
			continue
		}

		kf, _ := unpackDepSlot(raw)
		num, tag := unpackDepField(kf)
		if tag == tagKey && num == key {
			return s.spliceInteriorNode(idx, key, val)
		}
		idx = (idx + 1) & mask
	}
	return ErrDepTableFull
}

// spliceInteriorNode allocates an interior node for the new edge and
// prepends it onto the head's chain via a CAS retry loop.
func (s *Store) spliceInteriorNode(headIdx uint64, key, val uint32) error {
	nodeIdx, err := s.allocDeptblNode(key, val)
	if err != nil {
		return err
	}

	headOff := s.depSlotOffset(headIdx)
	nodeOff := s.depSlotOffset(nodeIdx)
	b := s.bytes()

	for {
		h := atomicLoadUint64(b, headOff)
		_, hNext := unpackDepSlot(h)

		// Not yet reachable through the head chain: a plain store is safe.
		nodeRaw := atomicLoadUint64(b, nodeOff)
		nodeKeyField, _ := unpackDepSlot(nodeRaw)
		atomicStoreUint64(b, nodeOff, packDepSlot(nodeKeyField, hNext))

		newHead := packDepSlot(packDepField(key, tagKey), packDepField(uint32(nodeIdx), tagNext))
		if casUint64(b, headOff, h, newHead) {
			return nil
		}
		// Head moved under us: reload and retry.
	}
}

// allocDeptblNode reserves an interior slot for (key,val), starting the
// probe from hash(key<<31|val). The returned slot is
// unreachable from any head chain until the caller CASes it in, so the
// placeholder next-field value is never observed by another reader.
func (s *Store) allocDeptblNode(key, val uint32) (uint64, error) {
	l := s.layout()
	mask := l.DepSlots - 1
	pair := bindingSlotForPair(key, val)
	idx := bindingSlotIndex(pair, mask)
	b := s.bytes()

	placeholder := packDepSlot(packDepField(val, tagVal), packDepField(maxDepField, tagNext))

	for probes := uint64(0); probes <= mask; probes++ {
		off := s.depSlotOffset(idx)
		if casUint64(b, off, 0, placeholder) {
			return idx, nil
		}
		idx = (idx + 1) & mask
	}
	return 0, ErrDepTableFull
}

// GetDep returns the (unordered) set of values bound to key.
func (s *Store) GetDep(key uint32) ([]uint32, error) {
	if err := s.assertAllowDepReads("GetDep"); err != nil {
		return nil, err
	}
	l := s.layout()
	mask := l.DepSlots - 1
	idx := depSlotForKey(key, mask)
	b := s.bytes()

	for probes := uint64(0); probes <= mask; probes++ {
		off := s.depSlotOffset(idx)
		raw := atomicLoadUint64(b, off)
		if raw == 0 {
			return nil, nil
		}
		kf, nf := unpackDepSlot(raw)
		num, tag := unpackDepField(kf)
		if tag == tagKey && num == key {
			return s.walkDepChain(nf), nil
		}
		idx = (idx + 1) & mask
	}
	return nil, nil
}

func (s *Store) walkDepChain(headNext uint32) []uint32 {
	var out []uint32
	b := s.bytes()
	curNext := headNext

	for {
		num, tag := unpackDepField(curNext)
		if tag != tagNext {
			out = append(out, num)
			return out
		}
		off := s.depSlotOffset(uint64(num))
		raw := atomicLoadUint64(b, off)
		kf, nf := unpackDepSlot(raw)
		edgeVal, _ := unpackDepField(kf)
		out = append(out, edgeVal)
		curNext = nf
	}
}

// DepUsedSlots counts occupied deptbl array slots (heads plus interior
// nodes). Unlike DepEntryCount it is an O(D) diagnostic scan, not a
// constant-time hot-path operation.
func (s *Store) DepUsedSlots() uint64 {
	l := s.layout()
	b := s.bytes()
	var n uint64
	for i := uint64(0); i < l.DepSlots; i++ {
		if atomicLoadUint64(b, s.depSlotOffset(i)) != 0 {
			n++
		}
	}
	return n
}

func (s *Store) DepTotalSlots() uint64 {
	return s.layout().DepSlots
}

// AllDeps walks every head slot in the deptbl and returns the full edge set,
// for handing to pkg/depsink's Save. Diagnostic, O(D); not on any hot path.
func (s *Store) AllDeps() map[uint32][]uint32 {
	l := s.layout()
	b := s.bytes()
	out := make(map[uint32][]uint32)

	for i := uint64(0); i < l.DepSlots; i++ {
		raw := atomicLoadUint64(b, s.depSlotOffset(i))
		if raw == 0 {
			continue
		}
		kf, nf := unpackDepSlot(raw)
		num, tag := unpackDepField(kf)
		if tag != tagKey {
			continue
		}
		out[num] = s.walkDepChain(nf)
	}
	return out
}

func (s *Store) DepEntryCount() uint64 {
	return atomicLoadUint64(s.bytes(), s.layout().Cell(shmregion.CellDepCount))
}

// ResetDeps zeroes both the deptbl and bindings tables (master-only,
// quiescence required).
func (s *Store) ResetDeps() error {
	if err := s.assertQuiescent("ResetDeps"); err != nil {
		return err
	}
	l := s.layout()
	b := s.bytes()
	clear(b[l.DeptblOffset : l.DeptblOffset+l.DepSlots*8])
	clear(b[l.BindingsOffset : l.BindingsOffset+l.DepSlots*8])
	atomicStoreUint64(b, l.Cell(shmregion.CellDepCount), 0)
	return nil
}
