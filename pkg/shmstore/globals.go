package shmstore

import (
	"math"

	"github.com/flowcheck/shmstore/pkg/shmregion"
)

// monotonicCounterMax bounds the wraparound of MonotonicCounter.
// math.MaxUint32 keeps the counter representable as a 31-bit-plus-sign
// user-facing id if callers truncate it, matching the tagged-31-bit-field
// discipline used everywhere else in this region.
const monotonicCounterMax = uint64(math.MaxUint32)

// MonotonicCounter returns the next value of the region-global counter via
// atomic fetch-add, wrapping modulo monotonicCounterMax. If region is nil
// (the Store was constructed before Init/Connect completed, e.g. by a test
// harness exercising the counter in isolation) it falls back to a
// process-local counter instead of dereferencing a nil region.
func (s *Store) MonotonicCounter() uint64 {
	if s.region == nil {
		s.localCounter = (s.localCounter + 1) % monotonicCounterMax
		return s.localCounter
	}
	l := s.layout()
	v := faUint64(s.bytes(), l.Cell(shmregion.CellGlobalCounter), 1)
	return v % monotonicCounterMax
}

// CheckShouldExit raises ErrWorkerShouldExit when the master has set the
// region-global stop-flag and this process has not opted out via
// SetWorkerCanExit(false). The master itself never observes this error
// regardless of the flag's value or its own workerCanExit setting.
func (s *Store) CheckShouldExit() error {
	if s.role == Master {
		return nil
	}
	if !s.workerCanExit {
		return nil
	}
	l := s.layout()
	if atomicLoadUint32(s.bytes(), l.Cell(shmregion.CellStopFlag)) != 0 {
		return ErrWorkerShouldExit
	}
	return nil
}

// RequestWorkersExit sets the region-global stop-flag (master-only).
func (s *Store) RequestWorkersExit() error {
	if err := assertf(s.role == Master, "master-only: RequestWorkersExit"); err != nil {
		return err
	}
	l := s.layout()
	atomicStoreUint32(s.bytes(), l.Cell(shmregion.CellStopFlag), 1)
	return nil
}

// ClearWorkersExit clears the region-global stop-flag (master-only).
func (s *Store) ClearWorkersExit() error {
	if err := assertf(s.role == Master, "master-only: ClearWorkersExit"); err != nil {
		return err
	}
	l := s.layout()
	atomicStoreUint32(s.bytes(), l.Cell(shmregion.CellStopFlag), 0)
	return nil
}

// LogLevel and SampleRate expose the observability knobs seeded at Init so
// a caller-supplied logger can gate its own structured logging; this
// package never logs on its own, leaving observability entirely to callers.
func (s *Store) LogLevel() uint32 {
	l := s.layout()
	return atomicLoadUint32(s.bytes(), l.Cell(shmregion.CellLogLevel))
}

func (s *Store) SampleRate() uint32 {
	l := s.layout()
	return atomicLoadUint32(s.bytes(), l.Cell(shmregion.CellSampleRate))
}

// AllowRemoves and AllowDependencyTableReads expose/gate the region-global
// phase flags: unlike allowWrites/workerCanExit these are shared state, so
// every process sees the same value the instant the master changes it.
func (s *Store) AllowRemoves() bool {
	l := s.layout()
	return atomicLoadUint32(s.bytes(), l.Cell(shmregion.CellAllowRemoves)) != 0
}

func (s *Store) SetAllowRemoves(v bool) error {
	if err := assertf(s.role == Master, "master-only: SetAllowRemoves"); err != nil {
		return err
	}
	l := s.layout()
	atomicStoreUint32(s.bytes(), l.Cell(shmregion.CellAllowRemoves), boolToU32(v))
	return nil
}

func (s *Store) AllowDependencyTableReads() bool {
	l := s.layout()
	return atomicLoadUint32(s.bytes(), l.Cell(shmregion.CellAllowDepReads)) != 0
}

func (s *Store) SetAllowDependencyTableReads(v bool) error {
	if err := assertf(s.role == Master, "master-only: SetAllowDependencyTableReads"); err != nil {
		return err
	}
	l := s.layout()
	atomicStoreUint32(s.bytes(), l.Cell(shmregion.CellAllowDepReads), boolToU32(v))
	return nil
}

// MasterPID returns the pid the master recorded at connect time.
func (s *Store) MasterPID() uint32 {
	l := s.layout()
	return atomicLoadUint32(s.bytes(), l.Cell(shmregion.CellMasterPID))
}

func setMasterPID(s *Store) {
	l := s.layout()
	atomicStoreUint32(s.bytes(), l.Cell(shmregion.CellMasterPID), uint32(processID()))
}

func boolToU32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
