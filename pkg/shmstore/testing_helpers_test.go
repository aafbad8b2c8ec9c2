package shmstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcheck/shmstore/pkg/shmregion"
	"github.com/flowcheck/shmstore/pkg/shmstore"
)

func newTestStore(t *testing.T) (*shmstore.Store, func()) {
	t.Helper()
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 4096,
		HeapSize:        1 << 20,
		DepTablePow:     8,
		HashTablePow:    8,
	})
	require.NoError(t, err)

	s := shmstore.Open(region, shmstore.Master)
	return s, func() { _ = region.Close() }
}

func hashOf(s string) [16]byte {
	var out [16]byte
	copy(out[:], s)
	return out
}
