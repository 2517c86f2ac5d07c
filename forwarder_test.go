// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun_test

import (
	"os"
	"testing"
	"time"

	"github.com/bassosimone/icmptun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeEndpoint is a [icmptun.Pollable] backed by a pipe, so tests can
// make it readable on demand.
type pipeEndpoint struct {
	r *os.File
	w *os.File
}

func newPipeEndpoint(t *testing.T) *pipeEndpoint {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return &pipeEndpoint{r: r, w: w}
}

// PollFd implements [icmptun.Pollable].
func (pe *pipeEndpoint) PollFd() int {
	return int(pe.r.Fd())
}

// makeReady makes the endpoint readable.
func (pe *pipeEndpoint) makeReady(t *testing.T) {
	t.Helper()
	_, err := pe.w.Write([]byte{0x01})
	require.NoError(t, err)
}

// drain consumes pending readability so the next wait blocks again.
func (pe *pipeEndpoint) drain() {
	buffer := make([]byte, 128)
	_, _ = pe.r.Read(buffer)
}

// staleEndpoint is a [icmptun.Pollable] whose descriptor is closed,
// which a readiness wait reports as a failure.
type staleEndpoint struct {
	fd int
}

func newStaleEndpoint(t *testing.T) *staleEndpoint {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	fd := int(r.Fd())
	require.NoError(t, r.Close())
	require.NoError(t, w.Close())
	return &staleEndpoint{fd: fd}
}

// PollFd implements [icmptun.Pollable].
func (se *staleEndpoint) PollFd() int {
	return se.fd
}

// recordingHandlers records the dispatch sequence and runs the given
// hook after each event, so tests can drive the scenario from inside
// the reactor loop.
type recordingHandlers struct {
	events []string
	socket *pipeEndpoint
	device *pipeEndpoint
	hook   func(event string)
}

var _ icmptun.Handlers = &recordingHandlers{}

func (rh *recordingHandlers) dispatch(event string) {
	rh.events = append(rh.events, event)
	if rh.hook != nil {
		rh.hook(event)
	}
}

// HandleEcho implements [icmptun.Handlers].
func (rh *recordingHandlers) HandleEcho(peer *icmptun.Peer) {
	rh.socket.drain()
	rh.dispatch("echo")
}

// HandleTunnel implements [icmptun.Handlers].
func (rh *recordingHandlers) HandleTunnel(peer *icmptun.Peer) {
	rh.device.drain()
	rh.dispatch("tunnel")
}

// HandleTimeout implements [icmptun.Handlers].
func (rh *recordingHandlers) HandleTimeout(peer *icmptun.Peer) {
	rh.dispatch("timeout")
}

// newForwarderTest assembles a forwarder over two pipe endpoints.
func newForwarderTest(t *testing.T, tick time.Duration) (
	*icmptun.Forwarder, *icmptun.Peer, *recordingHandlers) {
	t.Helper()
	run, err := icmptun.NewRunState()
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.Close() })

	socket := newPipeEndpoint(t)
	device := newPipeEndpoint(t)
	fwd := icmptun.NewForwarder(run, icmptun.ForwarderOptionTickInterval(tick))
	peer := &icmptun.Peer{Socket: socket, Device: device}
	handlers := &recordingHandlers{
		events: nil,
		socket: socket,
		device: device,
		hook:   nil,
	}
	return fwd, peer, handlers
}

func TestForwarderDispatchesEchoBeforeTunnel(t *testing.T) {
	fwd, peer, handlers := newForwarderTest(t, 10*time.Second)

	// make both endpoints ready before the first wait, then request a
	// stop from inside the second handler: the pending dispatches of
	// the iteration still run, in the fixed order, and then the loop
	// observes the stop at the top of the next iteration
	handlers.socket.makeReady(t)
	handlers.device.makeReady(t)
	handlers.hook = func(event string) {
		if event == "tunnel" {
			fwd.Stop()
		}
	}

	require.NoError(t, fwd.Forward(peer, handlers))
	assert.Equal(t, []string{"echo", "tunnel"}, handlers.events)
}

func TestForwarderDispatchesOncePerReadyEndpoint(t *testing.T) {
	fwd, peer, handlers := newForwarderTest(t, 10*time.Second)

	// several pending writes still mean a single readiness event and
	// a single dispatch within the iteration
	handlers.socket.makeReady(t)
	handlers.socket.makeReady(t)
	handlers.socket.makeReady(t)
	handlers.hook = func(event string) {
		fwd.Stop()
	}

	require.NoError(t, fwd.Forward(peer, handlers))
	assert.Equal(t, []string{"echo"}, handlers.events)
}

func TestForwarderIdleTimeout(t *testing.T) {
	const tick = 25 * time.Millisecond
	fwd, peer, handlers := newForwarderTest(t, tick)

	// with neither endpoint ever ready we expect one timeout event per
	// tick; stop after the second one
	handlers.hook = func(event string) {
		if len(handlers.events) >= 2 {
			fwd.Stop()
		}
	}

	start := time.Now()
	require.NoError(t, fwd.Forward(peer, handlers))
	elapsed := time.Since(start)

	assert.Equal(t, []string{"timeout", "timeout"}, handlers.events)
	assert.GreaterOrEqual(t, elapsed, 2*tick)
}

func TestForwarderStopBeforeForward(t *testing.T) {
	fwd, peer, handlers := newForwarderTest(t, 10*time.Second)
	handlers.socket.makeReady(t)
	handlers.device.makeReady(t)

	// a stop requested before forwarding wins over pending readiness
	fwd.Stop()

	start := time.Now()
	require.NoError(t, fwd.Forward(peer, handlers))
	assert.Empty(t, handlers.events)
	assert.Less(t, time.Since(start), time.Second)
}

func TestForwarderStopInterruptsWait(t *testing.T) {
	fwd, peer, handlers := newForwarderTest(t, 10*time.Minute)

	forwardErr := make(chan error, 1)
	go func() {
		forwardErr <- fwd.Forward(peer, handlers)
	}()

	// give the reactor time to block in its wait, then stop it: the
	// return must not wait for the tick interval to elapse
	time.Sleep(50 * time.Millisecond)
	fwd.Stop()

	select {
	case err := <-forwardErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("forward did not return after stop")
	}
	assert.Empty(t, handlers.events)
}

func TestForwarderStopIsIdempotent(t *testing.T) {
	fwd, peer, handlers := newForwarderTest(t, 10*time.Second)
	fwd.Stop()
	fwd.Stop()
	fwd.Stop()
	require.NoError(t, fwd.Forward(peer, handlers))
	assert.Empty(t, handlers.events)
}

func TestForwarderWaitFailure(t *testing.T) {
	run, err := icmptun.NewRunState()
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.Close() })

	// a closed descriptor in the wait set is a genuine wait failure,
	// not a shutdown, and must surface as an error
	fwd := icmptun.NewForwarder(run)
	device := newPipeEndpoint(t)
	stale := newStaleEndpoint(t) // created last so nothing reuses its fd
	peer := &icmptun.Peer{Socket: stale, Device: device}
	handlers := &recordingHandlers{}

	err = fwd.Forward(peer, handlers)
	require.Error(t, err)
	assert.Empty(t, handlers.events)
	assert.True(t, run.IsRunning())
}

func TestForwarderIdleThenStopScenario(t *testing.T) {
	// scenario: no endpoint is ever ready, the keepalive tick is short
	// and a stop arrives after a couple of idle periods; we expect only
	// timeout dispatches and a prompt successful return
	const tick = 25 * time.Millisecond
	fwd, peer, handlers := newForwarderTest(t, tick)

	go func() {
		time.Sleep(5 * tick / 2)
		fwd.Stop()
	}()

	start := time.Now()
	require.NoError(t, fwd.Forward(peer, handlers))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, len(handlers.events), 2)
	for _, event := range handlers.events {
		assert.Equal(t, "timeout", event)
	}
	assert.Less(t, elapsed, 10*tick)
}
