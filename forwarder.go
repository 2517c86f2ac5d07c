// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import (
	"fmt"
	"time"

	"github.com/bassosimone/runtimex"
)

// Forwarder is the single-threaded reactor pushing packets between the
// two endpoints of a [*Peer]. It multiplexes readiness over the
// encapsulation channel and the tunnel device, dispatches the matching
// [Handlers] operation, and raises a synthetic timeout event when no
// traffic arrives for one tick interval, which the protocol layer uses
// to keep NAT and firewall mappings alive.
//
// Construct using [NewForwarder].
type Forwarder struct {
	// run is the shared cancellation state.
	run *RunState

	// tick is the idle timeout of each readiness wait.
	tick time.Duration
}

// DefaultTickInterval is the default interval between synthetic timeout
// events when no traffic is flowing.
const DefaultTickInterval = time.Second

// ForwarderOption is an option for [NewForwarder].
type ForwarderOption func(cfg *forwarderConfig)

// forwarderConfig is the internal type modified by [ForwarderOption].
type forwarderConfig struct {
	tick time.Duration
}

// ForwarderOptionTickInterval sets the interval between synthetic
// timeout events. The default is [DefaultTickInterval]. The interval is
// fixed for the lifetime of the [*Forwarder]; the protocol layer derives
// its keep-alive and retry periods from it.
func ForwarderOptionTickInterval(tick time.Duration) ForwarderOption {
	return func(cfg *forwarderConfig) {
		cfg.tick = tick
	}
}

// NewForwarder creates a new [*Forwarder] using the given [*RunState].
func NewForwarder(run *RunState, options ...ForwarderOption) *Forwarder {
	cfg := &forwarderConfig{
		tick: DefaultTickInterval,
	}
	for _, opt := range options {
		opt(cfg)
	}
	runtimex.Assert(cfg.tick > 0)

	return &Forwarder{
		run:  run,
		tick: cfg.tick,
	}
}

// Forward loops pushing packets between the tunnel device and the peer
// until a stop is requested or the readiness wait fails.
//
// Each iteration checks the run state, then blocks until one of the peer
// endpoints is readable or the tick interval elapses. A readable
// encapsulation channel dispatches [Handlers.HandleEcho]; a readable
// tunnel device dispatches [Handlers.HandleTunnel]; when both are
// readable in the same iteration the echo side is always dispatched
// first. A wait that elapses with neither endpoint readable dispatches
// [Handlers.HandleTimeout] exactly once. Each endpoint triggers its
// handler at most once per iteration no matter how much data is pending;
// partial reads are the handler's concern.
//
// Forward returns nil after a stop request, whether it was observed at
// the top of an iteration, as a wakeup event, or as the cause of an
// interrupted wait. Any other wait failure is returned wrapped, and no
// further iterations occur; restarting is the caller's decision.
func (fx *Forwarder) Forward(peer *Peer, handlers Handlers) error {
	for fx.run.IsRunning() {
		result, err := pollReadiness(
			fx.run.wakeFd(), peer.Socket.PollFd(), peer.Device.PollFd(), fx.tick)

		if err != nil {
			// A wait failure racing with a stop request is attributable
			// to the shutdown, not to the endpoints.
			if !fx.run.IsRunning() {
				return nil
			}
			return fmt.Errorf("forward: readiness wait: %w", err)
		}

		if result.stop {
			return nil
		}

		if result.timedOut {
			handlers.HandleTimeout(peer)
			continue
		}

		if result.socket {
			handlers.HandleEcho(peer)
		}

		if result.device {
			handlers.HandleTunnel(peer)
		}
	}
	return nil
}

// Stop requests the forwarding loop to terminate. It delegates to
// [*RunState.RequestStop]: idempotent, non-blocking, and safe to invoke
// from any goroutine. A reactor blocked in its readiness wait returns
// promptly; a handler already in progress completes first.
func (fx *Forwarder) Stop() {
	fx.run.RequestStop()
}
