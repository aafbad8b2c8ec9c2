package shmstore_test

import (
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcheck/shmstore/pkg/shmregion"
	"github.com/flowcheck/shmstore/pkg/shmstore"
)

// structRecord exercises the non-[]byte path through the default gob
// Serializer; gob requires concrete types reachable through an interface
// to be registered, hence the package-level type and init() below rather
// than a type declared inside the test function.
type structRecord struct {
	Name  string
	Count int
}

func init() { gob.Register(structRecord{}) }

func TestAddGetRoundTripsByteString(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	h := hashOf("key-hello")
	alloc, orig, err := s.Add(h, []byte("hello"))
	require.NoError(t, err)
	require.Greater(t, alloc, int64(0))
	require.Greater(t, orig, int64(0))

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	size, err := s.GetSize(h)
	require.NoError(t, err)
	require.Positive(t, size)
}

func TestMemReflectsLifecycle(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	h := hashOf("lifecycle-key")

	status, err := s.Mem(h)
	require.NoError(t, err)
	require.Equal(t, shmstore.StatusAbsent, status)

	_, _, err = s.Add(h, []byte("v"))
	require.NoError(t, err)

	status, err = s.Mem(h)
	require.NoError(t, err)
	require.Equal(t, shmstore.StatusPresent, status)

	require.NoError(t, s.Remove(h))

	status, err = s.Mem(h)
	require.NoError(t, err)
	require.Equal(t, shmstore.StatusRemoved, status)
}

func TestAddTwiceKeepsFirstValueViaWriteAt(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	h := hashOf("overwrite-key")
	_, _, err := s.Add(h, []byte("first"))
	require.NoError(t, err)
	_, _, err = s.Add(h, []byte("second-longer-value"))
	require.NoError(t, err)

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}

func TestGetOnAbsentKeyFails(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	_, err := s.Get(hashOf("never-added"))
	require.ErrorIs(t, err, shmstore.ErrNotPresent)
}

func TestMoveRelocatesEntry(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	k1, k2 := hashOf("move-src"), hashOf("move-dst")
	_, _, err := s.Add(k1, []byte("payload"))
	require.NoError(t, err)

	before, err := s.Get(k1)
	require.NoError(t, err)

	require.NoError(t, s.Move(k1, k2))

	status, err := s.Mem(k1)
	require.NoError(t, err)
	require.Equal(t, shmstore.StatusRemoved, status)

	status, err = s.Mem(k2)
	require.NoError(t, err)
	require.Equal(t, shmstore.StatusPresent, status)

	after, err := s.Get(k2)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestAddRoundTripsNonByteValueThroughSerializer(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	h := hashOf("struct-key")
	_, _, err := s.Add(h, structRecord{Name: "foo", Count: 7})
	require.NoError(t, err)

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, structRecord{Name: "foo", Count: 7}, got)
}

func TestAddFailsWithHashTableFullAfterWrappingProbe(t *testing.T) {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 4096,
		HeapSize:        1 << 20,
		DepTablePow:     4,
		HashTablePow:    2, // H = 4 slots
	})
	require.NoError(t, err)
	defer region.Close()

	s := shmstore.Open(region, shmstore.Master)

	var filled int
	var full error
	for i := 0; i < 1000 && full == nil; i++ {
		_, _, err := s.Add(hashOf(keyForIndex(i)), []byte("v"))
		if err != nil {
			full = err
			break
		}
		filled++
	}
	require.ErrorIs(t, full, shmstore.ErrHashTableFull)
	require.Equal(t, 4, filled, "all H slots must be occupied before probing wraps all the way around")
}

func keyForIndex(i int) string {
	return string([]byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24), 'x', 'y', 'z', 'w'})
}

func TestAddLargePayloadCompressesAndRoundTrips(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	h := hashOf("compressible-key")
	_, _, err := s.Add(h, payload)
	require.NoError(t, err)

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
