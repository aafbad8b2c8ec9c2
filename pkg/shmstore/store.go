package shmstore

import (
	"github.com/flowcheck/shmstore/pkg/shmregion"
)

// Role distinguishes the single master process (which alone may remove,
// move, compact, and write the global blob) from worker processes (which
// may only insert and read).
type Role int

const (
	Worker Role = iota
	Master
)

// Store is a process's view of a mapped Region: the shared bytes plus a few
// policy flags that are deliberately process-local rather than part of the
// shared region (allowWrites, workerCanExit — two processes can disagree on
// these without corrupting anything). Two Store values in the same process,
// or across processes, can wrap the same Region concurrently — that is the
// whole point of the design.
type Store struct {
	region *shmregion.Region
	role   Role

	// allowWrites is the process-local "writes-enabled for current
	// process" guard.
	allowWrites bool

	// workerCanExit is the process-local counterpart to the region-global
	// stop-flag: a worker that has opted out of cooperative cancellation
	// never observes ErrWorkerShouldExit even while the flag is set.
	workerCanExit bool

	// localCounter backs MonotonicCounter before the region-global cell is
	// usable for it: a Store with no region yet falls back to counting
	// locally rather than panicking.
	localCounter uint64

	serializer Serializer
}

// Open wraps an already-Init'd or Connect'd Region as a Store for the
// calling process. Workers default to writes-enabled and exit-cooperative;
// the master defaults to writes-enabled and does not consult the stop-flag
// on itself — the stop-flag is a mechanism for the master to signal workers,
// not itself.
func Open(region *shmregion.Region, role Role) *Store {
	s := &Store{region: region, role: role, allowWrites: true, workerCanExit: true, serializer: gobSerializer{}}
	if role == Master {
		setMasterPID(s)
	}
	return s
}

// SetWritesEnabled toggles the process-local writes-enabled flag, letting a
// test runner or read-only analysis tool enforce a read-only persona on an
// otherwise-writable process.
func (s *Store) SetWritesEnabled(v bool) { s.allowWrites = v }

// SetWorkerCanExit toggles whether this process honors the region-global
// stop-flag in CheckShouldExit.
func (s *Store) SetWorkerCanExit(v bool) { s.workerCanExit = v }

func (s *Store) bytes() []byte { return s.region.Bytes }

func (s *Store) layout() shmregion.Layout { return s.region.Layout }
