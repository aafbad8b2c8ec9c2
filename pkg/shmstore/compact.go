package shmstore

import "github.com/flowcheck/shmstore/pkg/shmregion"

const (
	compactFactorAggressive = 1.2
	compactFactorDefault    = 2.0
)

// UsedHeapSize returns the number of heap bytes allocated since heap init.
// Monotone nondecreasing between compactions: only Collect ever lowers it.
func (s *Store) UsedHeapSize() uint64 {
	l := s.layout()
	top := atomicLoadUint64(s.bytes(), l.Cell(shmregion.CellHeapTop))
	return top - shmregion.HeapInitOffset
}

// WastedHeapSize returns bytes freed by Remove but not yet reclaimed.
func (s *Store) WastedHeapSize() uint64 {
	return atomicLoadUint64(s.bytes(), s.layout().Cell(shmregion.CellWastedHeap))
}

// Collect runs the mark-and-move compactor if the heap is wasteful enough
// to be worth it: `used >= factor*(used-wasted)`, with aggressive using
// factor 1.2 and the default 2.0. Master-only, quiescence required — the
// algorithm relies on no worker observing a hashtbl addr or heap word
// mid-rewrite.
func (s *Store) Collect(aggressive bool) error {
	if err := s.assertQuiescent("Collect"); err != nil {
		return err
	}

	used := s.UsedHeapSize()
	wasted := s.WastedHeapSize()
	live := used - wasted

	factor := compactFactorDefault
	if aggressive {
		factor = compactFactorAggressive
	}
	if float64(used) < factor*float64(live) {
		return nil
	}

	s.markPass()
	dst := s.sweepPass(used)

	l := s.layout()
	b := s.bytes()
	atomicStoreUint64(b, l.Cell(shmregion.CellHeapTop), shmregion.HeapInitOffset+dst)
	atomicStoreUint64(b, l.Cell(shmregion.CellWastedHeap), 0)
	return nil
}

// markPass swaps every live hashtbl entry's header out into the hashtbl
// addr slot itself, and writes a back-pointer to that addr slot into the
// heap word the header used to occupy. The header's LSB is always 1 (tag
// bit); the back-pointer's LSB is always 0 because every addr slot lives at
// an 8-byte-aligned region offset — that difference is how the sweep pass
// tells live from dead.
func (s *Store) markPass() {
	l := s.layout()
	b := s.bytes()

	for idx := uint64(0); idx < l.HashSlots; idx++ {
		addrOff := s.hashSlotOffset(idx) + 8
		addr := atomicLoadUint64(b, addrOff)
		if addr == addrNull || addr == addrWriteInProgress {
			continue
		}
		headerOff := l.HeapOffset + addr
		header := atomicLoadUint64(b, headerOff)

		atomicStoreUint64(b, addrOff, header)
		atomicStoreUint64(b, headerOff, addrOff)
	}
}

// sweepPass walks the heap from init to used, compacting live entries
// toward the front, and returns the new heap-relative top.
func (s *Store) sweepPass(used uint64) uint64 {
	l := s.layout()
	b := s.bytes()

	src := uint64(0) // heap-relative, 0 == HeapInitOffset
	dst := uint64(0)

	for src < used {
		word := atomicLoadUint64(b, l.HeapOffset+shmregion.HeapInitOffset+src)

		if isHeapHeader(word) {
			_, _, storedSize := decodeHeapHeader(word)
			src += alignUp64(heapEntryHeaderSize+uint64(storedSize), heapAlignment)
			continue
		}

		backPtrOff := word // absolute region offset of the addr slot
		header := atomicLoadUint64(b, backPtrOff)
		atomicStoreUint64(b, backPtrOff, shmregion.HeapInitOffset+dst)

		entryAbsSrc := l.HeapOffset + shmregion.HeapInitOffset + src
		atomicStoreUint64(b, entryAbsSrc, header)

		_, _, storedSize := decodeHeapHeader(header)
		sz := alignUp64(heapEntryHeaderSize+uint64(storedSize), heapAlignment)

		entryAbsDst := l.HeapOffset + shmregion.HeapInitOffset + dst
		if entryAbsDst != entryAbsSrc {
			copy(b[entryAbsDst:entryAbsDst+sz], b[entryAbsSrc:entryAbsSrc+sz])
		}

		dst += sz
		src += sz
	}

	return dst
}
