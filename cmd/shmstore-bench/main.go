// Package main provides shmstore-bench, a demonstration/exercise CLI that
// simulates a master and several workers sharing one shmstore region in a
// single process (no fork/exec: the CAS protocols' safety does not depend
// on address-space separation, only on atomicity of the shared words).
package main

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"sync"

	flag "github.com/spf13/pflag"

	"github.com/flowcheck/shmstore/pkg/depsink"
	"github.com/flowcheck/shmstore/pkg/shmregion"
	"github.com/flowcheck/shmstore/pkg/shmstore"
)

type config struct {
	depPow     uint
	hashPow    uint
	heapSize   uint64
	globalSize uint64
	workers    int
	edgesPerW  int
	keysPerW   int
	aggressive bool
}

func parseFlags(args []string) (*config, error) {
	fs := flag.NewFlagSet("shmstore-bench", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: shmstore-bench [options]")
		fmt.Fprintln(fs.Output(), "\nSimulate master+worker traffic over one shmstore region.\n\nOptions:")
		fs.PrintDefaults()
	}

	depPow := fs.UintP("dep-table-pow", "d", 16, "log2 of dependency table slot count")
	hashPow := fs.UintP("hash-table-pow", "H", 16, "log2 of content hash table slot count")
	heapSize := fs.Uint64P("heap-size", "s", 64<<20, "content heap size in bytes")
	globalSize := fs.Uint64("global-size", 4096, "global blob slot size in bytes")
	workers := fs.IntP("workers", "w", 8, "number of simulated worker goroutines")
	edgesPerW := fs.Int("edges-per-worker", 1000, "dependency edges each worker inserts")
	keysPerW := fs.Int("keys-per-worker", 500, "content keys each worker inserts")
	aggressive := fs.Bool("aggressive-collect", false, "run the compactor with the aggressive (1.2x) factor")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return &config{
		depPow:     *depPow,
		hashPow:    *hashPow,
		heapSize:   *heapSize,
		globalSize: *globalSize,
		workers:    *workers,
		edgesPerW:  *edgesPerW,
		keysPerW:   *keysPerW,
		aggressive: *aggressive,
	}, nil
}

func run(cfg *config) error {
	_, region, err := shmregion.Init(shmregion.Options{
		GlobalSizeBytes: cfg.globalSize,
		HeapSize:        cfg.heapSize,
		DepTablePow:     cfg.depPow,
		HashTablePow:    cfg.hashPow,
		LogLevel:        1,
		SampleRate:      100,
	})
	if err != nil {
		return fmt.Errorf("init region: %w", err)
	}
	defer region.Close()

	master := shmstore.Open(region, shmstore.Master)
	if err := master.StoreGlobal([]byte("shmstore-bench run")); err != nil {
		return fmt.Errorf("store global: %w", err)
	}

	ctx := context.Background()
	sink, err := depsink.OpenFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	if sink != nil {
		defer sink.Close()
		if err := master.StoreSinkFilename(os.Getenv(depsink.EnvPathVar)); err != nil {
			return fmt.Errorf("store sink filename: %w", err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < cfg.workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			worker := shmstore.Open(region, shmstore.Worker)
			simulateWorker(worker, workerID, cfg)
		}(w)
	}
	wg.Wait()

	fmt.Printf("dep entries:   %d / %d slots (%d used)\n", master.DepEntryCount(), master.DepTotalSlots(), master.DepUsedSlots())
	fmt.Printf("heap used:     %d bytes (wasted %d)\n", master.UsedHeapSize(), master.WastedHeapSize())

	if err := master.Collect(cfg.aggressive); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	fmt.Printf("heap after collect: %d bytes (wasted %d)\n", master.UsedHeapSize(), master.WastedHeapSize())

	if sink != nil {
		// Any worker could have reached this same path via master.SinkFilename()
		// instead of its own environment; the master reads it back here purely
		// to confirm what was published into the region.
		path, _ := master.SinkFilename()
		if err := sink.Save(ctx, master.AllDeps(), "shmstore-bench", false); err != nil {
			return fmt.Errorf("save sink: %w", err)
		}
		fmt.Printf("saved dependency graph to sink: %s\n", path)
	}

	return nil
}

func simulateWorker(s *shmstore.Store, workerID int, cfg *config) {
	base := uint32(workerID * 1_000_000)
	for i := 0; i < cfg.edgesPerW; i++ {
		_ = s.AddDep(base, base+uint32(i)+1)
	}
	for i := 0; i < cfg.keysPerW; i++ {
		payload := []byte(fmt.Sprintf("worker-%d-entry-%d", workerID, i))
		hash := md5.Sum(payload)
		_, _, _ = s.Add(hash, payload)
	}

	// A worker that never received FILE_INFO_ON_DISK_PATH in its own
	// environment (e.g. started by a launcher that only forwarded the
	// region's fd) can still discover the sink path the master recorded.
	if path, ok := s.SinkFilename(); ok && workerID == 0 {
		if sink, err := depsink.Open(context.Background(), path); err == nil {
			defer sink.Close()
			_, _ = sink.GetDep(context.Background(), base+1)
		}
	}
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "shmstore-bench:", err)
		os.Exit(1)
	}
}
