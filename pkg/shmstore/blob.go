package shmstore

const sizeOfSizeT = 8

// blobLen reads the current length prefix of the global blob slot.
func (s *Store) blobLen() uint64 {
	l := s.layout()
	return atomicLoadUint64(s.bytes(), l.BlobOffset)
}

// StoreGlobal writes the single global blob. Master-only; asserts the slot
// is currently empty (stores are one-shot per phase — a caller must
// ClearGlobal before overwriting) and that the payload fits.
func (s *Store) StoreGlobal(b []byte) error {
	if err := s.assertMasterOnly("StoreGlobal"); err != nil {
		return err
	}
	if err := s.assertWritesEnabled("StoreGlobal"); err != nil {
		return err
	}
	if err := assertf(s.blobLen() == 0, "StoreGlobal: slot already non-empty"); err != nil {
		return err
	}
	l := s.layout()
	maxPayload := l.GlobalSizeB - sizeOfSizeT
	if err := assertf(uint64(len(b)) < maxPayload, "StoreGlobal: payload exceeds global_size - sizeof(size_t)"); err != nil {
		return err
	}

	buf := s.bytes()
	copy(buf[l.BlobOffset+sizeOfSizeT:], b)
	// Publish the length last: a concurrent LoadGlobal that observes a
	// non-zero length is guaranteed the payload bytes are already visible.
	atomicStoreUint64(buf, l.BlobOffset, uint64(len(b)))
	return nil
}

// LoadGlobal returns a copy of the global blob. Any reader may call this;
// it requires the blob is non-empty.
func (s *Store) LoadGlobal() ([]byte, error) {
	n := s.blobLen()
	if err := assertf(n != 0, "LoadGlobal: blob is empty"); err != nil {
		return nil, err
	}
	l := s.layout()
	buf := s.bytes()
	out := make([]byte, n)
	copy(out, buf[l.BlobOffset+sizeOfSizeT:l.BlobOffset+sizeOfSizeT+n])
	return out, nil
}

// ClearGlobal resets the blob's length to 0 (master-only), permitting a
// subsequent StoreGlobal.
func (s *Store) ClearGlobal() error {
	if err := s.assertMasterOnly("ClearGlobal"); err != nil {
		return err
	}
	if err := s.assertWritesEnabled("ClearGlobal"); err != nil {
		return err
	}
	l := s.layout()
	atomicStoreUint64(s.bytes(), l.BlobOffset, 0)
	return nil
}
