package shmstore

import (
	"bytes"
	"io"

	"github.com/flowcheck/shmstore/pkg/shmregion"
	"github.com/pierrec/lz4/v4"
)

// Heap entry header bit layout, LSB first:
//
//	bit 0:      tag bit, always 1 — distinguishes a header from a
//	            compactor relocation back-pointer (whose LSB is 0, since
//	            it is the 8-byte-aligned region offset of a hashtbl addr slot).
//	bits 1..31: uncompressed size when LZ4 compression was applied, else 0.
//	bit 32:     kind (0 = serialized object, 1 = raw string).
//	bits 33..63: compressed/stored size in bytes.
const (
	kindSerialized = 0
	kindString     = 1

	maxStoredSize31 = (1 << 31) - 1
)

func encodeHeapHeader(uncompressedSize uint32, kind uint32, storedSize uint32) uint64 {
	h := uint64(1) // bit 0 always 1
	h |= uint64(uncompressedSize&maxStoredSize31) << 1
	h |= uint64(kind&1) << 32
	h |= uint64(storedSize&maxStoredSize31) << 33
	return h
}

func decodeHeapHeader(h uint64) (uncompressedSize uint32, kind uint32, storedSize uint32) {
	uncompressedSize = uint32((h >> 1) & maxStoredSize31)
	kind = uint32((h >> 32) & 1)
	storedSize = uint32((h >> 33) & maxStoredSize31)
	return
}

func isHeapHeader(word uint64) bool { return word&1 == 1 }

const heapEntryHeaderSize = 8

// allocHeap bump-allocates a 64-byte-aligned heap entry large enough for
// storedSize payload bytes, writes the header, and returns the heap-relative
// offset of the entry (0 means NULL, so real entries never start at heap
// offset 0 — see shmregion.HeapInitOffset).
func (s *Store) allocHeap(uncompressedSize, kind, storedSize uint32) (uint64, error) {
	l := s.layout()
	slotSize := alignUp64(heapEntryHeaderSize+uint64(storedSize), heapAlignment)

	newTop := faUint64(s.bytes(), l.Cell(shmregion.CellHeapTop), slotSize)
	entryOff := newTop - slotSize
	if newTop > l.HeapSize {
		return 0, ErrHeapFull
	}

	header := encodeHeapHeader(uncompressedSize, kind, storedSize)
	atomicStoreUint64(s.bytes(), l.HeapOffset+entryOff, header)
	return entryOff, nil
}

const heapAlignment = 64

func alignUp64(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// serializeValue stores a plain []byte with kind=string; anything else goes
// through the caller-supplied Serializer. Both are then LZ4-compressed, and
// the compressed form is kept only if it's strictly smaller than the raw
// bytes — ties and expansions are stored raw rather than paying a
// decompression cost for nothing.
func (s *Store) serializeValue(v any) (payload []byte, kind uint32, uncompressedSize uint32, err error) {
	var raw []byte
	if b, ok := v.([]byte); ok {
		raw, kind = b, kindString
	} else {
		raw, err = s.serializer.Marshal(v)
		if err != nil {
			return nil, 0, 0, err
		}
		kind = kindSerialized
	}

	if err := assertf(len(raw) <= maxStoredSize31, "serializeValue: payload exceeds 2GiB-1 limit"); err != nil {
		return nil, 0, 0, err
	}

	compressed, cerr := lz4Compress(raw)
	if cerr == nil && len(compressed) < len(raw) {
		return compressed, kind, uint32(len(raw)), nil
	}
	return raw, kind, 0, nil
}

func (s *Store) deserializeValue(payload []byte, kind uint32, uncompressedSize uint32) (any, error) {
	data := payload
	if uncompressedSize != 0 {
		out, err := lz4Decompress(payload, int(uncompressedSize))
		if err != nil {
			return nil, err
		}
		if err := assertf(uint32(len(out)) == uncompressedSize, "deserializeValue: lz4 size mismatch"); err != nil {
			return nil, err
		}
		data = out
	}

	if kind == kindString {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	return s.serializer.Unmarshal(data, false)
}

func lz4Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(compressed []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	r := lz4.NewReader(bytes.NewReader(compressed))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
