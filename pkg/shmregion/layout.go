package shmregion

// Layout and cache-line-cell constants for the small-objects page live here
// because sizing the page happens before the region exists — shmstore
// consumes the computed offsets through Region.Layout rather than
// recomputing them.

const (
	pageSize  = 4096
	cacheLine = 64

	dtSlotSize  = 8  // one deptbl slot: num:31,tag:1 packed into uint32, x2
	bdSlotSize  = 8  // one bindings slot: key:31<<31 | val:31
	htSlotSize  = 16 // one hashtbl slot: {hash uint64, addr uint64}
	heapAlign   = 64 // every heap entry is 64-byte aligned
	minHeapSize = heapAlign * 16
)

// HeapInitOffset reserves the first cache line of the heap so a valid heap
// entry offset can never equal 0 (NULL) or 1 (WRITE_IN_PROGRESS), the two
// reserved hashtbl addr sentinels.
const HeapInitOffset = heapAlign

// Small-objects cell indices. Each cell occupies its own cache line so
// independent atomic counters never false-share.
const (
	CellHeapTop = iota
	CellHashCount
	CellDepCount
	CellGlobalCounter
	CellMasterPID
	CellLogLevel
	CellSampleRate
	CellStopFlag
	CellWastedHeap
	CellAllowRemoves
	CellAllowDepReads
	numCells
)

// Layout is the byte-offset table for every sub-structure within a Region.
// It is computed once at Init time from Options and is identical in every
// process that Connects to the region — offsets never depend on process-local
// state.
type Layout struct {
	GlobalSizeB uint64
	HeapSize    uint64
	DepPow      uint
	HashPow     uint

	DepSlots  uint64
	HashSlots uint64

	SmallObjOffset     uint64 // one page of cache-line cells
	SinkFilenameOffset uint64 // one page: size-prefixed path to the external sink file
	BlobOffset         uint64 // global one-slot blob
	DeptblOffset       uint64 // deptbl list-node slots
	BindingsOffset     uint64 // bindings pre-check slots
	HashtblOffset      uint64 // content hash table slots
	HeapOffset         uint64 // compressed-blob heap
	TotalSize          uint64
}

// SinkFilenameCap is the largest path (in bytes) that fits in the reserved
// sink-filename page once its 8-byte length prefix is accounted for.
func (l Layout) SinkFilenameCap() uint64 {
	return l.BlobOffset - l.SinkFilenameOffset - 8
}

// Cell returns the byte offset of small-object cell i.
func (l Layout) Cell(i int) uint64 {
	return l.SmallObjOffset + uint64(i)*cacheLine
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// computeLayout lays out the region as a fixed sequence of page-aligned
// sections — small-objects page, sink-filename page, global blob, deptbl
// slots, bindings slots, hashtbl slots, heap — so madvise/mprotect can
// operate on whole pages if ever needed.
func computeLayout(opts Options) (Layout, error) {
	if opts.DepTablePow == 0 || opts.DepTablePow > 31 {
		return Layout{}, ErrInvalidInput
	}
	if opts.HashTablePow == 0 || opts.HashTablePow > 31 {
		return Layout{}, ErrInvalidInput
	}
	if opts.HeapSize < minHeapSize {
		return Layout{}, ErrInvalidInput
	}
	if opts.GlobalSizeBytes == 0 {
		return Layout{}, ErrInvalidInput
	}

	l := Layout{
		GlobalSizeB: opts.GlobalSizeBytes,
		HeapSize:    opts.HeapSize,
		DepPow:      opts.DepTablePow,
		HashPow:     opts.HashTablePow,
		DepSlots:    uint64(1) << opts.DepTablePow,
		HashSlots:   uint64(1) << opts.HashTablePow,
	}

	off := uint64(0)
	l.SmallObjOffset = off
	off += alignUp(uint64(numCells)*cacheLine, pageSize)

	l.SinkFilenameOffset = off
	off += pageSize

	l.BlobOffset = off
	off += alignUp(l.GlobalSizeB, pageSize)

	l.DeptblOffset = off
	off += alignUp(l.DepSlots*dtSlotSize, pageSize)

	l.BindingsOffset = off
	off += alignUp(l.DepSlots*bdSlotSize, pageSize)

	l.HashtblOffset = off
	off += alignUp(l.HashSlots*htSlotSize, pageSize)

	l.HeapOffset = off
	off += alignUp(l.HeapSize, pageSize)

	l.TotalSize = off
	return l, nil
}
