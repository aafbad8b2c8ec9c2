package shmregion

// Options configures a freshly initialized Region. All fields are fixed for
// the lifetime of the region: every process that later Connects inherits
// them from the persisted Connector rather than re-specifying them.
type Options struct {
	// GlobalSizeBytes bounds the one-slot global blob.
	GlobalSizeBytes uint64

	// HeapSize bounds the compressed-content heap.
	HeapSize uint64

	// DepTablePow is log2 of the dependency table slot count.
	DepTablePow uint

	// HashTablePow is log2 of the content hash table slot count.
	HashTablePow uint

	// LogLevel and SampleRate seed the matching small-object cells; the
	// owning Store reads them back (LogLevel/SampleRate) and has no setter
	// for either.
	LogLevel   uint32
	SampleRate uint32

	// MinimumAvail is the free-space floor checked against the backing
	// filesystem before growing the file. Zero disables the check.
	MinimumAvail uint64

	// ShmDir selects the backing store. Empty means an anonymous in-RAM
	// memfd; non-empty names a directory for a mkstemp+unlink-style file,
	// used instead of memfd_create (memfd_create is not tried).
	ShmDir string

	// BaseAddr overrides the fixed virtual address every process maps the
	// region at. Zero means the package default.
	BaseAddr uintptr
}

// Connector is the small, serializable handle a master process hands to its
// workers (e.g. over a pipe, or inherited as an *os.File via
// exec.Cmd.ExtraFiles) so they can Connect to the same region. It carries
// everything needed to reproduce the identical Layout without recomputing it
// from Options, which a worker may not have been given.
type Connector struct {
	FD          int
	BaseAddr    uintptr
	GlobalSizeB uint64
	HeapSize    uint64
	DepPow      uint
	HashPow     uint
}
