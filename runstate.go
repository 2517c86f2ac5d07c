// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import (
	"os"
	"sync/atomic"
)

// RunState is the cancellation primitive shared between a [*Forwarder]
// and whoever requests its shutdown. It pairs an atomic flag, checked at
// the top of every reactor iteration, with a wakeup pipe that interrupts
// a readiness wait already in progress, so a stop request never has to
// wait for the tick interval to elapse.
//
// A RunState starts in the running state and transitions to stopped at
// most once; it is never reset. Run a fresh forwarding session with a
// fresh RunState.
//
// Construct using [NewRunState].
type RunState struct {
	// stopped is the stop flag; the zero value means running.
	stopped atomic.Bool

	// wakeR is the read end of the wakeup pipe, watched by the reactor.
	wakeR *os.File

	// wakeW is the write end of the wakeup pipe.
	wakeW *os.File
}

// NewRunState creates a new [*RunState] in the running state.
func NewRunState() (*RunState, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &RunState{
		stopped: atomic.Bool{},
		wakeR:   r,
		wakeW:   w,
	}, nil
}

// RequestStop transitions the state to stopped. It is idempotent, never
// blocks, and is safe to call from any goroutine concurrently with a
// reactor reading the state, including from a signal handling context.
func (rs *RunState) RequestStop() {
	// Only the first transition writes to the pipe, so the single-byte
	// write below cannot fill the pipe buffer and block.
	if !rs.stopped.CompareAndSwap(false, true) {
		return
	}
	_, _ = rs.wakeW.Write([]byte{0})
}

// IsRunning reports whether a stop has not yet been requested.
func (rs *RunState) IsRunning() bool {
	return !rs.stopped.Load()
}

// wakeFd returns the descriptor the reactor adds to its readiness wait
// so that RequestStop interrupts a wait already in progress.
func (rs *RunState) wakeFd() int {
	return int(rs.wakeR.Fd())
}

// Close releases the wakeup pipe. Close the RunState only after the
// forwarding call using it has returned.
func (rs *RunState) Close() error {
	err1 := rs.wakeR.Close()
	err2 := rs.wakeW.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
