package shmstore

// StoreSinkFilename records the path of the external persistence sink in the
// region's reserved sink-filename page, so any worker connected to the
// region can discover it without needing the path in its own environment.
// Master-only.
func (s *Store) StoreSinkFilename(path string) error {
	if err := s.assertMasterOnly("StoreSinkFilename"); err != nil {
		return err
	}
	if err := s.assertWritesEnabled("StoreSinkFilename"); err != nil {
		return err
	}
	l := s.layout()
	if err := assertf(uint64(len(path)) <= l.SinkFilenameCap(), "StoreSinkFilename: path exceeds reserved page"); err != nil {
		return err
	}

	buf := s.bytes()
	copy(buf[l.SinkFilenameOffset+8:], path)
	// Publish the length last, matching StoreGlobal: a reader that observes
	// a non-zero length is guaranteed the path bytes are already visible.
	atomicStoreUint64(buf, l.SinkFilenameOffset, uint64(len(path)))
	return nil
}

// SinkFilename returns the recorded sink path and true, or ("", false) if no
// master has stored one yet.
func (s *Store) SinkFilename() (string, bool) {
	l := s.layout()
	buf := s.bytes()
	n := atomicLoadUint64(buf, l.SinkFilenameOffset)
	if n == 0 {
		return "", false
	}
	out := make([]byte, n)
	copy(out, buf[l.SinkFilenameOffset+8:l.SinkFilenameOffset+8+n])
	return string(out), true
}
