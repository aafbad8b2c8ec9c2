package shmstore

import "runtime"

// pauseHint yields the current goroutine rather than spin on a single OS
// thread. A true architecture pause instruction (PAUSE/YIELD) has no
// portable exposure from pure Go; runtime.Gosched is the closest available
// primitive that keeps a busy-wait from starving the scheduler, and is
// itself a no-op cost on a multi-core GOMAXPROCS where a real pause
// instruction would be used instead.
func pauseHint() {
	runtime.Gosched()
}
