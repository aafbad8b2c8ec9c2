package shmstore

import (
	"sync/atomic"
	"unsafe"
)

// Atomic load/store/CAS/fetch-add helpers over byte-slice offsets into the
// shared region. The data backing b is mapped MAP_SHARED into every process
// at the identical address, so these are the cross-process equivalent of
// sync/atomic on a local variable: every process observes the same word.
//
// This set goes beyond plain load/store (as a single-writer cache would
// need) because deptbl and hashtbl are multi-writer structures coordinated
// entirely by CAS — there is no mutex anywhere in this package.

func ptrU32(b []byte, off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func ptrU64(b []byte, off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

func atomicLoadUint32(b []byte, off uint64) uint32 {
	return atomic.LoadUint32(ptrU32(b, off))
}

func atomicStoreUint32(b []byte, off uint64, v uint32) {
	atomic.StoreUint32(ptrU32(b, off), v)
}

func atomicLoadUint64(b []byte, off uint64) uint64 {
	return atomic.LoadUint64(ptrU64(b, off))
}

func atomicStoreUint64(b []byte, off uint64, v uint64) {
	atomic.StoreUint64(ptrU64(b, off), v)
}

func casUint32(b []byte, off uint64, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(ptrU32(b, off), old, new)
}

func casUint64(b []byte, off uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(ptrU64(b, off), old, new)
}

// faUint64 fetch-adds delta to the word at off and returns the new value;
// every counter bump in this package (dep count, hash count, heap top,
// wasted heap) goes through this so concurrent bumps never clobber each
// other.
func faUint64(b []byte, off uint64, delta uint64) uint64 {
	return atomic.AddUint64(ptrU64(b, off), delta)
}

func faUint32(b []byte, off uint64, delta uint32) uint32 {
	return atomic.AddUint32(ptrU32(b, off), delta)
}
