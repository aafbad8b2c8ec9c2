package shmregion

import "errors"

// Sentinel errors returned by the memory-region manager.
//
// Callers should use [errors.Is] to classify them, mirroring the
// slotcache convention of sentinel vars checked with errors.Is.
var (
	// ErrOutOfSharedMemory indicates a page-level commit (reservation) failed.
	ErrOutOfSharedMemory = errors.New("shmregion: out of shared memory")

	// ErrFailedAnonymousMemfdInit indicates no anonymous shared-memory
	// backing primitive was available on this platform.
	ErrFailedAnonymousMemfdInit = errors.New("shmregion: failed anonymous memfd init")

	// ErrInvalidInput indicates invalid Options.
	ErrInvalidInput = errors.New("shmregion: invalid input")

	// ErrFixedMapFailed indicates the fixed-address mapping could not be
	// established in this process. Always fatal: every process must observe
	// the region at the identical address, or every offset in Layout points
	// at the wrong bytes.
	ErrFixedMapFailed = errors.New("shmregion: fixed-address mapping failed")
)

// LessThanMinimumAvailableError is raised when the backing directory's free
// space is below the configured floor.
type LessThanMinimumAvailableError struct {
	Available uint64
	Minimum   uint64
}

func (e *LessThanMinimumAvailableError) Error() string {
	return "shmregion: less than minimum available space"
}
