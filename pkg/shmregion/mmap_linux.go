//go:build linux

package shmregion

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// memfdCreate creates an anonymous, unlinked file backed entirely by RAM
// (or swap), suitable for MAP_SHARED across an exec'd child via
// exec.Cmd.ExtraFiles. Returns -1 and an error if the kernel lacks
// memfd_create (pre-3.17).
func memfdCreate(name string) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	return fd, nil
}

// mmapFixed maps length bytes of fd at the given fixed virtual address in
// the calling process.
//
// unix.Mmap always lets the kernel choose the address, but every offset
// computed from Layout is only valid if the region lands at the identical
// address in every process that maps it, so this goes straight to a raw
// mmap(2) via Syscall6 instead of the higher-level wrapper. MAP_FIXED
// silently clobbers any pre-existing
// mapping at addr; callers are expected to reserve addr first (or know it is
// free), exactly as a forking parent would rely on the child's fresh address
// space.
func mmapFixed(fd int, addr uintptr, length uint64) ([]byte, error) {
	flags := uintptr(unix.MAP_SHARED | unix.MAP_FIXED)
	ret, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		flags,
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("%w: %v", ErrFixedMapFailed, errno)
	}
	if ret != uintptr(addr) {
		// Kernel mapped elsewhere despite MAP_FIXED: should never happen,
		// but every shmstore offset is meaningless if it does.
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, ret, uintptr(length), 0)
		return nil, fmt.Errorf("%w: kernel chose %#x instead of %#x", ErrFixedMapFailed, ret, addr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ret)), length), nil
}

// madviseDontDump excludes the region from core dumps: a multi-GB shared
// heap in every worker's core file is never useful and is often
// prohibitively large.
func madviseDontDump(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTDUMP)
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
