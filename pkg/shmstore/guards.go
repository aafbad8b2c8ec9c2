package shmstore

// Role & phase guards.
//
// Every operation that touches the lock-free protocols asserts one of
// these before doing anything else. They are hard runtime checks, not
// compile-time-only: they guard memory safety (mutually-exclusive phases
// must really be exclusive), not merely caller convenience, so skipping
// them in a release build is not an option.

func (s *Store) assertMasterOnly(op string) error {
	return assertf(s.role == Master, "master-only: "+op)
}

func (s *Store) assertWorkerOnly(op string) error {
	return assertf(s.role == Worker, "worker-only: "+op)
}

func (s *Store) assertAllowRemoves(op string) error {
	return assertf(s.AllowRemoves(), "allow-removes: "+op)
}

func (s *Store) assertAllowDepReads(op string) error {
	return assertf(s.AllowDependencyTableReads(), "allow-dep-reads: "+op)
}

func (s *Store) assertWritesEnabled(op string) error {
	return assertf(s.allowWrites, "writes-enabled: "+op)
}

// assertQuiescent bundles the master-only + allow-removes checks every
// remove/move/compact operation requires: the correctness of those three
// operations rests entirely on "no worker touches the store" during them,
// enforced here rather than merely documented.
func (s *Store) assertQuiescent(op string) error {
	if err := s.assertMasterOnly(op); err != nil {
		return err
	}
	return s.assertAllowRemoves(op)
}
