package shmstore_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcheck/shmstore/pkg/shmregion"
	"github.com/flowcheck/shmstore/pkg/shmstore"
)

// TestEndToEndLifecycle walks init -> dep edges -> content entries -> global
// blob -> move -> collect in one sequence, checking each stage's externally
// observable state the way a real master process would.
func TestEndToEndLifecycle(t *testing.T) {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 256,
		HeapSize:        4096,
		DepTablePow:     4,
		HashTablePow:    4,
	})
	require.NoError(t, err)
	defer region.Close()

	master := shmstore.Open(region, shmstore.Master)

	require.NoError(t, master.AddDep(1, 10))
	require.NoError(t, master.AddDep(1, 11))
	require.NoError(t, master.AddDep(1, 10)) // idempotent

	deps, err := master.GetDep(1)
	require.NoError(t, err)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	require.Equal(t, []uint32{10, 11}, deps)

	k1, k2 := hashOf("module-a"), hashOf("module-b")
	_, _, err = master.Add(k1, []byte("type-info-a"))
	require.NoError(t, err)
	_, _, err = master.Add(k2, []byte("type-info-b"))
	require.NoError(t, err)

	got, err := master.Get(k1)
	require.NoError(t, err)
	require.Equal(t, []byte("type-info-a"), got)

	size, err := master.GetSize(k2)
	require.NoError(t, err)
	require.Positive(t, size)

	require.NoError(t, master.StoreGlobal([]byte("build-id-42")))
	global, err := master.LoadGlobal()
	require.NoError(t, err)
	require.Equal(t, []byte("build-id-42"), global)
	require.NoError(t, master.ClearGlobal())

	renamed := hashOf("renamed-module-a")
	require.NoError(t, master.Move(k1, renamed))
	movedVal, err := master.Get(renamed)
	require.NoError(t, err)
	require.Equal(t, got, movedVal)

	require.NoError(t, master.Remove(k2))
	require.Positive(t, master.WastedHeapSize())

	require.NoError(t, master.Collect(false))
	require.Zero(t, master.WastedHeapSize())

	stillThere, err := master.Get(renamed)
	require.NoError(t, err)
	require.Equal(t, got, stillThere)
}

func TestWorkerAndMasterShareOneRegion(t *testing.T) {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 256,
		HeapSize:        4096,
		DepTablePow:     4,
		HashTablePow:    4,
	})
	require.NoError(t, err)
	defer region.Close()

	master := shmstore.Open(region, shmstore.Master)
	worker := shmstore.Open(region, shmstore.Worker)

	require.NoError(t, worker.AddDep(5, 50))
	deps, err := master.GetDep(5)
	require.NoError(t, err)
	require.Equal(t, []uint32{50}, deps)

	key := hashOf("worker-written")
	_, _, err = worker.Add(key, []byte("written by worker"))
	require.NoError(t, err)

	got, err := master.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("written by worker"), got)
}

func newMasterAndWorker(t *testing.T) (master, worker *shmstore.Store, cleanup func()) {
	t.Helper()
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 256,
		HeapSize:        4096,
		DepTablePow:     4,
		HashTablePow:    4,
	})
	require.NoError(t, err)
	master = shmstore.Open(region, shmstore.Master)
	worker = shmstore.Open(region, shmstore.Worker)
	return master, worker, func() { _ = region.Close() }
}

func TestWorkerCannotRemoveOrMove(t *testing.T) {
	_, worker, cleanup := newMasterAndWorker(t)
	defer cleanup()

	key := hashOf("protected")
	_, _, err := worker.Add(key, []byte("v"))
	require.NoError(t, err)

	require.Error(t, worker.Remove(key))
	require.Error(t, worker.Move(key, hashOf("protected-2")))
}

func TestMonotonicCounterIsStrictlyIncreasingAcrossStores(t *testing.T) {
	master, worker, cleanup := newMasterAndWorker(t)
	defer cleanup()

	a := master.MonotonicCounter()
	b := worker.MonotonicCounter()
	c := master.MonotonicCounter()
	require.NotEqual(t, a, b)
	require.NotEqual(t, b, c)
	require.NotEqual(t, a, c)
}

func TestWorkerShouldExitCooperativeCancellation(t *testing.T) {
	master, worker, cleanup := newMasterAndWorker(t)
	defer cleanup()

	require.NoError(t, worker.CheckShouldExit())

	require.NoError(t, master.RequestWorkersExit())
	require.ErrorIs(t, worker.CheckShouldExit(), shmstore.ErrWorkerShouldExit)
	require.NoError(t, master.CheckShouldExit(), "master never observes its own stop flag")

	worker.SetWorkerCanExit(false)
	require.NoError(t, worker.CheckShouldExit())

	require.NoError(t, master.ClearWorkersExit())
}
