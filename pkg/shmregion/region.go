package shmregion

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// defaultBaseAddr is the fixed virtual address every process maps the
// region at. Chosen well above the typical heap/mmap-arena/shared-library
// range on x86_64 and arm64 Linux, and far below the top-of-space guard page
// reserved by the runtime, to minimize the odds of colliding with an
// existing mapping.
const defaultBaseAddr = uintptr(0x0000_7000_0000_0000)

// Region is a mapping of the shared region in the calling process. The
// returned slice (Bytes) points at the identical virtual address in every
// process that successfully Connects, so offsets computed from Layout are
// valid pointers/byte-ranges in any of them.
type Region struct {
	FD     int
	Bytes  []byte
	Layout Layout
	closed bool
}

// Init creates a brand-new region: validates Options, computes Layout,
// creates the backing fd (an anonymous memfd, or a ShmDir-backed unlinked
// temp file when ShmDir is set), sizes it, and maps it at the fixed address in the
// calling (master) process.
//
// The returned Connector is the handle to pass to workers (e.g. as an
// inherited fd via exec.Cmd.ExtraFiles, with BaseAddr/GlobalSizeB/etc
// communicated out of band).
func Init(opts Options) (*Connector, *Region, error) {
	layout, err := computeLayout(opts)
	if err != nil {
		return nil, nil, err
	}

	base := opts.BaseAddr
	if base == 0 {
		base = defaultBaseAddr
	}

	if opts.MinimumAvail > 0 {
		if err := checkMinimumAvail(opts.ShmDir, opts.MinimumAvail); err != nil {
			return nil, nil, err
		}
	}

	fd, err := createBackingFD(opts.ShmDir)
	if err != nil {
		return nil, nil, err
	}

	if err := syscall.Ftruncate(fd, int64(layout.TotalSize)); err != nil {
		_ = syscall.Close(fd)
		return nil, nil, fmt.Errorf("%w: ftruncate: %v", ErrOutOfSharedMemory, err)
	}

	b, err := mmapFixed(fd, base, layout.TotalSize)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, nil, err
	}

	if err := madviseDontDump(b); err != nil {
		// Non-fatal: core-dump exclusion is best-effort on kernels/configs
		// that don't support MADV_DONTDUMP.
		_ = err
	}

	seedCells(b, layout, opts)

	conn := &Connector{
		FD:          fd,
		BaseAddr:    base,
		GlobalSizeB: opts.GlobalSizeBytes,
		HeapSize:    opts.HeapSize,
		DepPow:      opts.DepTablePow,
		HashPow:     opts.HashTablePow,
	}
	region := &Region{FD: fd, Bytes: b, Layout: layout}
	return conn, region, nil
}

// Connect maps an already-initialized region (described by conn) into the
// calling process at the identical fixed address. isMaster is recorded by
// the caller (pkg/shmstore), not by Region itself — the region manager has
// no notion of roles, only bytes and offsets.
func Connect(conn *Connector, isMaster bool) (*Region, error) {
	_ = isMaster

	opts := Options{
		GlobalSizeBytes: conn.GlobalSizeB,
		HeapSize:        conn.HeapSize,
		DepTablePow:     conn.DepPow,
		HashTablePow:    conn.HashPow,
	}
	layout, err := computeLayout(opts)
	if err != nil {
		return nil, err
	}

	b, err := mmapFixed(conn.FD, conn.BaseAddr, layout.TotalSize)
	if err != nil {
		return nil, err
	}

	return &Region{FD: conn.FD, Bytes: b, Layout: layout}, nil
}

// Close unmaps the region in the calling process. It does not close FD:
// ownership of the underlying fd (and when to close it) belongs to whoever
// created or inherited it, since a worker closing the shared fd must not
// tear down the master's mapping of it.
func (r *Region) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return munmap(r.Bytes)
}

func seedCells(b []byte, l Layout, opts Options) {
	putU32(b, l.Cell(CellLogLevel), opts.LogLevel)
	putU32(b, l.Cell(CellSampleRate), opts.SampleRate)
	putU32(b, l.Cell(CellMasterPID), uint32(os.Getpid()))
	putU32(b, l.Cell(CellAllowRemoves), 1)
	putU32(b, l.Cell(CellAllowDepReads), 1)
	putU64(b, l.Cell(CellHeapTop), HeapInitOffset)
}

func putU64(b []byte, off uint64, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+uint64(i)] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, off uint64, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// createBackingFD creates the anonymous shared-memory backing for the
// region. When shmDir is empty it uses memfd_create (no directory entry,
// automatically reclaimed when the last fd closes); if memfd_create fails it
// returns ErrFailedAnonymousMemfdInit, with no further fallback. When shmDir
// is set, memfd_create is not tried: it creates an O_CREAT|O_EXCL temp file
// in shmDir that is unlinked immediately, giving the same "anonymous, only
// reachable via the open fd" property on filesystems/kernels without
// memfd_create (matching pkg/slotcache/open.go's create-temp-then-rename
// idiom, minus the rename since nothing else ever needs to open this file by
// name).
func createBackingFD(shmDir string) (int, error) {
	if shmDir == "" {
		fd, err := memfdCreate("shmstore")
		if err == nil {
			return fd, nil
		}
		return -1, fmt.Errorf("%w: %v", ErrFailedAnonymousMemfdInit, err)
	}

	if err := os.MkdirAll(shmDir, 0o755); err != nil {
		return -1, fmt.Errorf("%w: mkdir shm_dir: %v", ErrFailedAnonymousMemfdInit, err)
	}

	tmpPath := filepath.Join(shmDir, fmt.Sprintf(".shmstore-%d", os.Getpid()))
	fd, err := syscall.Open(tmpPath, syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, 0o600)
	if err != nil {
		return -1, fmt.Errorf("%w: open shm_dir backing file: %v", ErrFailedAnonymousMemfdInit, err)
	}
	// Unlink immediately: the fd keeps the inode alive for every process
	// that holds a copy of it, but no path ever points at it again.
	_ = syscall.Unlink(tmpPath)
	return fd, nil
}

func checkMinimumAvail(shmDir string, minimum uint64) error {
	dir := shmDir
	if dir == "" {
		dir = "/dev/shm"
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		// If the directory doesn't exist yet (anonymous-memfd path with no
		// ShmDir configured), the floor check is simply skipped rather than
		// failing Init over an unrelated stat error.
		return nil
	}
	avail := stat.Bavail * uint64(stat.Bsize)
	if avail < minimum {
		return &LessThanMinimumAvailableError{Available: avail, Minimum: minimum}
	}
	return nil
}
