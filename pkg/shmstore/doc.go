// Package shmstore implements the shared-memory key/value and dependency
// store described in SPEC_FULL.md: a global blob slot, a lock-free
// dependency multimap, and a lock-free content table with an LZ4-compressed
// heap and a mark-and-move compactor, all coordinated across processes that
// map the same region (see pkg/shmregion) at the same fixed virtual address.
//
// Every public method asserts the role/phase guard it requires (guards.go)
// before touching shared memory: these are hard runtime checks, not just
// documentation, because they protect the lock-free protocols from
// cross-process misuse, not merely caller convenience.
package shmstore
