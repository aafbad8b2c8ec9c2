package shmstore

// mix64 is a splitmix64-style finalizer used to turn a deptbl/bindings key
// into a well-distributed slot index. The content hash table does not use
// this: it takes the caller-supplied 16-byte hash's low 8 bytes directly as
// both the stored hash and the initial probe index, since that hash is
// already expected to be well distributed.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func depSlotForKey(key uint32, mask uint64) uint64 {
	return mix64(uint64(key)) & mask
}

func bindingSlotForPair(key, val uint32) uint64 {
	return uint64(key)<<31 | uint64(val)
}

func bindingSlotIndex(pair uint64, mask uint64) uint64 {
	return mix64(pair) & mask
}
