package shmstore_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcheck/shmstore/pkg/shmregion"
	"github.com/flowcheck/shmstore/pkg/shmstore"
)

// These tests stand in for real multi-process concurrency: every simulated
// "worker" is a goroutine holding its own *shmstore.Store wrapping the same
// shared Region, which exercises exactly what the CAS protocols are meant
// to make safe (the protocols know nothing about process vs goroutine, only
// about atomicity of shared words).

func TestConcurrentAddDepSameKeyDedupsAcrossWorkers(t *testing.T) {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 256,
		HeapSize:        1 << 16,
		DepTablePow:     8,
		HashTablePow:    8,
	})
	require.NoError(t, err)
	defer region.Close()

	const numWorkers = 8
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker := shmstore.Open(region, shmstore.Worker)
			_ = worker.AddDep(1, 2)
		}(w)
	}
	wg.Wait()

	master := shmstore.Open(region, shmstore.Master)
	got, err := master.GetDep(1)
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, got)
	require.EqualValues(t, 1, master.DepEntryCount())
}

func TestConcurrentAddSameKeyOneWriterWinsRaceDeterministically(t *testing.T) {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 256,
		HeapSize:        1 << 16,
		DepTablePow:     8,
		HashTablePow:    8,
	})
	require.NoError(t, err)
	defer region.Close()

	key := hashOf("contested-key")
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := shmstore.Open(region, shmstore.Worker)
			_, _, _ = worker.Add(key, []byte("identical-value"))
		}()
	}
	wg.Wait()

	master := shmstore.Open(region, shmstore.Master)
	status, err := master.Mem(key)
	require.NoError(t, err)
	require.Equal(t, shmstore.StatusPresent, status)

	got, err := master.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("identical-value"), got)
}

func TestConcurrentMemObservesWriteInProgressThenPresent(t *testing.T) {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 256,
		HeapSize:        1 << 16,
		DepTablePow:     8,
		HashTablePow:    8,
	})
	require.NoError(t, err)
	defer region.Close()

	key := hashOf("published-key")
	writer := shmstore.Open(region, shmstore.Worker)

	var wg sync.WaitGroup
	results := make([]shmstore.MemStatus, 50)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			reader := shmstore.Open(region, shmstore.Worker)
			status, err := reader.Mem(key)
			require.NoError(t, err)
			results[idx] = status
		}(i)
	}

	_, _, err = writer.Add(key, []byte("payload"))
	require.NoError(t, err)
	wg.Wait()

	master := shmstore.Open(region, shmstore.Master)
	status, err := master.Mem(key)
	require.NoError(t, err)
	require.Equal(t, shmstore.StatusPresent, status)

	for _, got := range results {
		require.Contains(t, []shmstore.MemStatus{shmstore.StatusAbsent, shmstore.StatusPresent}, got)
	}
}

func TestMasterRemovesHalfThenCollectPreservesSurvivorsUnderConcurrentLoad(t *testing.T) {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 256,
		HeapSize:        1 << 20,
		DepTablePow:     10,
		HashTablePow:    11,
	})
	require.NoError(t, err)
	defer region.Close()

	const total = 1000
	keys := make([][16]byte, total)

	var wg sync.WaitGroup
	const numWorkers = 4
	perWorker := total / numWorkers
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker := shmstore.Open(region, shmstore.Worker)
			for i := 0; i < perWorker; i++ {
				idx := id*perWorker + i
				k := hashOf(fmt.Sprintf("%d-bulk-key", idx))
				keys[idx] = k
				_, _, err := worker.Add(k, []byte(fmt.Sprintf("bulk-value-%d", idx)))
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	master := shmstore.Open(region, shmstore.Master)
	for i := 0; i < total/2; i++ {
		require.NoError(t, master.Remove(keys[i]))
	}

	require.NoError(t, master.Collect(false))

	for i := 0; i < total; i++ {
		status, err := master.Mem(keys[i])
		require.NoError(t, err)
		if i < total/2 {
			require.Equal(t, shmstore.StatusRemoved, status)
		} else {
			require.Equal(t, shmstore.StatusPresent, status)
			got, err := master.Get(keys[i])
			require.NoError(t, err)
			require.Equal(t, []byte(fmt.Sprintf("bulk-value-%d", i)), got)
		}
	}
}

func TestWorkerShouldExitStopsLoopCooperatively(t *testing.T) {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: 256,
		HeapSize:        1 << 16,
		DepTablePow:     8,
		HashTablePow:    8,
	})
	require.NoError(t, err)
	defer region.Close()

	master := shmstore.Open(region, shmstore.Master)
	worker := shmstore.Open(region, shmstore.Worker)

	var processed int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1_000_000; i++ {
			if err := worker.CheckShouldExit(); err != nil {
				require.ErrorIs(t, err, shmstore.ErrWorkerShouldExit)
				return
			}
			processed++
		}
	}()

	require.NoError(t, master.RequestWorkersExit())
	wg.Wait()
	require.Less(t, processed, 1_000_000)
}
