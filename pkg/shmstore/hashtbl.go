package shmstore

import (
	"encoding/binary"
	"time"

	"github.com/flowcheck/shmstore/pkg/shmregion"
)

// Hashtbl slot addr sentinels.
const (
	addrNull            = 0
	addrWriteInProgress = 1
)

// MemStatus is the three-valued result of Mem.
type MemStatus int

const (
	StatusAbsent  MemStatus = -1
	StatusPresent MemStatus = 1
	StatusRemoved MemStatus = -2
)

// dropSentinel is returned by Add when a concurrent writer won the race for
// the same key: the fixed negative value -2^62, which no real allocation
// size can equal, signals "your data was discarded" without an error
// allocation on the hot path.
const dropSentinel = int64(-1) << 62

func keyFromHash(hash [16]byte) uint64 {
	return binary.LittleEndian.Uint64(hash[:8])
}

func (s *Store) hashSlotOffset(idx uint64) uint64 {
	return s.layout().HashtblOffset + idx*16
}

func (s *Store) loadHashSlot(idx uint64) (hash uint64, addr uint64) {
	off := s.hashSlotOffset(idx)
	b := s.bytes()
	return atomicLoadUint64(b, off), atomicLoadUint64(b, off+8)
}

const watchdogTimeout = 60 * time.Second

// Add stores v under hash if no value is currently stored there; it never
// overwrites a live value. When the key already holds a value, or another
// writer wins the race for the same key, Add returns the drop sentinels and
// the caller's data is discarded — correct as long as every writer computing
// the same hash also computes an equivalent value, which is the contract
// every caller of Add must uphold.
func (s *Store) Add(hash [16]byte, v any) (allocBytes, origBytes int64, err error) {
	if err := s.assertWritesEnabled("Add"); err != nil {
		return 0, 0, err
	}
	if err := s.CheckShouldExit(); err != nil {
		return 0, 0, err
	}

	l := s.layout()
	mask := l.HashSlots - 1
	h := keyFromHash(hash)
	idx := h & mask
	initSlot := idx
	b := s.bytes()

	for {
		slotHash := atomicLoadUint64(b, s.hashSlotOffset(idx))

		if slotHash == h {
			return s.writeAt(idx, v)
		}

		if slotHash == 0 {
			if s.hashCounter() >= l.HashSlots {
				return 0, 0, ErrHashTableFull
			}
			if casUint64(b, s.hashSlotOffset(idx), 0, h) {
				faUint64(b, l.Cell(shmregion.CellHashCount), 1)
				return s.writeAt(idx, v)
			}
			// Lost the race for this empty slot: re-examine it.
			reHash := atomicLoadUint64(b, s.hashSlotOffset(idx))
			if reHash == h {
				return s.writeAt(idx, v)
			}
		}

		idx = (idx + 1) & mask
		if idx == initSlot {
			return 0, 0, ErrHashTableFull
		}
	}
}

// writeAt claims the slot with a CAS on addr, serializes+compresses off to
// the side, bump-allocates a heap entry, copies bytes in, and publishes the
// pointer with a plain store.
func (s *Store) writeAt(idx uint64, v any) (allocBytes, origBytes int64, err error) {
	addrOff := s.hashSlotOffset(idx) + 8
	b := s.bytes()

	if !casUint64(b, addrOff, addrNull, addrWriteInProgress) {
		return dropSentinel, dropSentinel, nil
	}

	payload, kind, uncompressedSize, err := s.serializeValue(v)
	if err != nil {
		return 0, 0, err
	}

	entryOff, err := s.allocHeap(uncompressedSize, kind, uint32(len(payload)))
	if err != nil {
		return 0, 0, err
	}

	l := s.layout()
	copy(b[l.HeapOffset+entryOff+heapEntryHeaderSize:], payload)

	// Publish: any reader that observes this pointer also observes the
	// header+payload writes above, since they happened-before this store
	// in program order on this thread, and the reader either busy-waits
	// past the sentinel (Mem) or loads addr only after the hash matched.
	atomicStoreUint64(b, addrOff, entryOff)

	origSize := len(payload)
	if uncompressedSize != 0 {
		origSize = int(uncompressedSize)
	}
	return int64(alignUp64(heapEntryHeaderSize+uint64(len(payload)), heapAlignment)), int64(origSize), nil
}

func (s *Store) hashCounter() uint64 {
	return atomicLoadUint64(s.bytes(), s.layout().Cell(shmregion.CellHashCount))
}

// Mem reports whether hash is present, removed, or absent, busy-waiting
// past WRITE_IN_PROGRESS with a 60-second watchdog.
func (s *Store) Mem(hash [16]byte) (MemStatus, error) {
	l := s.layout()
	mask := l.HashSlots - 1
	h := keyFromHash(hash)
	idx := h & mask
	initSlot := idx

	for {
		slotHash, addr := s.loadHashSlot(idx)

		if slotHash == 0 {
			return StatusAbsent, nil
		}
		if slotHash == h {
			if addr == addrNull {
				return StatusRemoved, nil
			}
			if addr == addrWriteInProgress {
				if err := s.waitForPublish(idx); err != nil {
					return 0, err
				}
				return StatusPresent, nil
			}
			return StatusPresent, nil
		}

		idx = (idx + 1) & mask
		if idx == initSlot {
			return StatusAbsent, nil
		}
	}
}

// waitForPublish busy-waits on a WRITE_IN_PROGRESS slot. This is the only
// blocking operation anywhere in this package; every other path is either
// lock-free or returns a full/busy error instead of waiting.
func (s *Store) waitForPublish(idx uint64) error {
	addrOff := s.hashSlotOffset(idx) + 8
	deadline := time.Now().Add(watchdogTimeout)

	for {
		addr := atomicLoadUint64(s.bytes(), addrOff)
		if addr != addrWriteInProgress {
			return nil
		}
		if time.Now().After(deadline) {
			return &WatchdogError{WaitedSeconds: watchdogTimeout.Seconds()}
		}
		pauseHint()
	}
}

// Get returns the deserialized value for hash; requires present.
func (s *Store) Get(hash [16]byte) (any, error) {
	entryOff, err := s.resolveLiveEntry(hash)
	if err != nil {
		return nil, err
	}
	return s.readEntry(entryOff)
}

// GetSize returns the stored (possibly compressed) byte size for hash;
// requires present.
func (s *Store) GetSize(hash [16]byte) (int, error) {
	entryOff, err := s.resolveLiveEntry(hash)
	if err != nil {
		return 0, err
	}
	l := s.layout()
	header := atomicLoadUint64(s.bytes(), l.HeapOffset+entryOff)
	_, _, storedSize := decodeHeapHeader(header)
	return int(storedSize), nil
}

func (s *Store) resolveLiveEntry(hash [16]byte) (uint64, error) {
	l := s.layout()
	mask := l.HashSlots - 1
	h := keyFromHash(hash)
	idx := h & mask
	initSlot := idx

	for {
		slotHash, addr := s.loadHashSlot(idx)
		if slotHash == 0 {
			return 0, ErrNotPresent
		}
		if slotHash == h {
			if addr == addrWriteInProgress {
				if err := s.waitForPublish(idx); err != nil {
					return 0, err
				}
				_, addr = s.loadHashSlot(idx)
			}
			if addr == addrNull {
				return 0, ErrNotPresent
			}
			return addr, nil
		}
		idx = (idx + 1) & mask
		if idx == initSlot {
			return 0, ErrNotPresent
		}
	}
}

func (s *Store) readEntry(entryOff uint64) (any, error) {
	l := s.layout()
	header := atomicLoadUint64(s.bytes(), l.HeapOffset+entryOff)
	uncompressedSize, kind, storedSize := decodeHeapHeader(header)
	start := l.HeapOffset + entryOff + heapEntryHeaderSize
	payload := s.bytes()[start : start+uint64(storedSize)]
	return s.deserializeValue(payload, kind, uncompressedSize)
}

// Move relocates key1's entry to key2 (master-only, quiescence required):
// key1 must be present, key2 must be absent.
func (s *Store) Move(from, to [16]byte) error {
	if err := s.assertQuiescent("Move"); err != nil {
		return err
	}
	l := s.layout()
	mask := l.HashSlots - 1
	b := s.bytes()

	fromIdx, err := s.findSlotIndex(from)
	if err != nil {
		return err
	}
	_, fromAddr := s.loadHashSlot(fromIdx)
	if err := assertf(fromAddr != addrNull && fromAddr != addrWriteInProgress, "Move: source key must be present"); err != nil {
		return err
	}

	toHash := keyFromHash(to)
	toIdx := toHash & mask
	initSlot := toIdx
	for {
		slotHash, addr := s.loadHashSlot(toIdx)
		if slotHash == toHash {
			if err := assertf(addr == addrNull, "Move: destination key must be absent"); err != nil {
				return err
			}
			break
		}
		if slotHash == 0 {
			break
		}
		toIdx = (toIdx + 1) & mask
		if toIdx == initSlot {
			return ErrHashTableFull
		}
	}

	toOff := s.hashSlotOffset(toIdx)
	wasEmpty := atomicLoadUint64(b, toOff) == 0
	atomicStoreUint64(b, toOff, toHash)
	atomicStoreUint64(b, toOff+8, fromAddr)
	if wasEmpty {
		faUint64(b, l.Cell(shmregion.CellHashCount), 1)
	}

	atomicStoreUint64(b, s.hashSlotOffset(fromIdx)+8, addrNull)
	return nil
}

// Remove clears key's addr (master-only, quiescence required), accumulating
// the freed bytes into the wasted-heap counter for the compactor.
func (s *Store) Remove(hash [16]byte) error {
	if err := s.assertQuiescent("Remove"); err != nil {
		return err
	}
	idx, err := s.findSlotIndex(hash)
	if err != nil {
		return err
	}
	l := s.layout()
	b := s.bytes()
	addrOff := s.hashSlotOffset(idx) + 8
	entryOff := atomicLoadUint64(b, addrOff)
	if entryOff == addrNull {
		return nil
	}
	header := atomicLoadUint64(b, l.HeapOffset+entryOff)
	_, _, storedSize := decodeHeapHeader(header)
	freed := alignUp64(heapEntryHeaderSize+uint64(storedSize), heapAlignment)

	atomicStoreUint64(b, addrOff, addrNull)
	faUint64(b, l.Cell(shmregion.CellWastedHeap), freed)
	return nil
}

func (s *Store) findSlotIndex(hash [16]byte) (uint64, error) {
	l := s.layout()
	mask := l.HashSlots - 1
	h := keyFromHash(hash)
	idx := h & mask
	initSlot := idx
	for {
		slotHash, _ := s.loadHashSlot(idx)
		if slotHash == h {
			return idx, nil
		}
		if slotHash == 0 {
			return 0, ErrNotPresent
		}
		idx = (idx + 1) & mask
		if idx == initSlot {
			return 0, ErrNotPresent
		}
	}
}
