package shmregion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeLayoutRejectsInvalidInput(t *testing.T) {
	base := Options{
		GlobalSizeBytes: 4096,
		HeapSize:        1 << 20,
		DepTablePow:     10,
		HashTablePow:    10,
	}

	t.Run("zero dep pow", func(t *testing.T) {
		o := base
		o.DepTablePow = 0
		_, err := computeLayout(o)
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("dep pow too large", func(t *testing.T) {
		o := base
		o.DepTablePow = 32
		_, err := computeLayout(o)
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("zero hash pow", func(t *testing.T) {
		o := base
		o.HashTablePow = 0
		_, err := computeLayout(o)
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("heap too small", func(t *testing.T) {
		o := base
		o.HeapSize = 1
		_, err := computeLayout(o)
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("zero global size", func(t *testing.T) {
		o := base
		o.GlobalSizeBytes = 0
		_, err := computeLayout(o)
		require.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestComputeLayoutOffsetsAreMonotonicAndPageAligned(t *testing.T) {
	l, err := computeLayout(Options{
		GlobalSizeBytes: 4096,
		HeapSize:        1 << 20,
		DepTablePow:     12,
		HashTablePow:    14,
	})
	require.NoError(t, err)

	offsets := []uint64{
		l.SmallObjOffset,
		l.SinkFilenameOffset,
		l.BlobOffset,
		l.DeptblOffset,
		l.BindingsOffset,
		l.HashtblOffset,
		l.HeapOffset,
		l.TotalSize,
	}
	for i := 1; i < len(offsets); i++ {
		require.Greaterf(t, offsets[i], offsets[i-1], "offset %d must exceed offset %d", i, i-1)
	}
	for _, off := range offsets {
		require.Zerof(t, off%pageSize, "offset %d is not page-aligned", off)
	}

	require.Equal(t, uint64(1)<<12, l.DepSlots)
	require.Equal(t, uint64(1)<<14, l.HashSlots)
}

func TestSinkFilenameCapFitsAPath(t *testing.T) {
	l, err := computeLayout(Options{
		GlobalSizeBytes: 4096,
		HeapSize:        1 << 20,
		DepTablePow:     4,
		HashTablePow:    4,
	})
	require.NoError(t, err)
	require.Greater(t, l.SinkFilenameCap(), uint64(4000))
}

func TestLayoutCellsDoNotOverlap(t *testing.T) {
	l, err := computeLayout(Options{
		GlobalSizeBytes: 64,
		HeapSize:        minHeapSize,
		DepTablePow:     4,
		HashTablePow:    4,
	})
	require.NoError(t, err)

	seen := make(map[uint64]int)
	for i := 0; i < numCells; i++ {
		off := l.Cell(i)
		require.Zerof(t, off%cacheLine, "cell %d not cache-line aligned", i)
		seen[off] = i
	}
	require.Len(t, seen, numCells)
}
