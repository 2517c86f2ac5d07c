// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

// Handlers is the capability set a [*Forwarder] dispatches to. The
// reactor invokes each method synchronously on the goroutine running
// [*Forwarder.Forward], one at a time, passing the same [*Peer] it was
// given; it never inspects a result, so each handler owns its own error
// reporting and must not panic across the reactor boundary.
//
// Implemented by [*Client] and [*Server].
type Handlers interface {
	// HandleEcho is invoked when the encapsulation channel is readable.
	HandleEcho(peer *Peer)

	// HandleTunnel is invoked when the tunnel device is readable.
	HandleTunnel(peer *Peer)

	// HandleTimeout is invoked when neither endpoint became readable
	// within one tick interval.
	HandleTimeout(peer *Peer)
}

// EchoChannel is the encapsulation side as consumed by the protocol
// layer: a [Pollable] that can exchange echo messages.
//
// Implemented by [*EchoSocket].
type EchoChannel interface {
	Pollable

	// SendEcho encapsulates and sends a single echo message.
	SendEcho(echo *Echo) error

	// ReceiveEcho receives and decodes a single echo message. The
	// returned message may reference a buffer reused by the next
	// ReceiveEcho call.
	ReceiveEcho() (*Echo, error)
}

// TunChannel is the decapsulated side as consumed by the protocol
// layer: a [Pollable] that can exchange raw IP frames.
//
// Implemented by [*TunDevice].
type TunChannel interface {
	Pollable

	// ReadFrame reads a single IP frame into buf.
	ReadFrame(buf []byte) (int, error)

	// WriteFrame writes a single IP frame.
	WriteFrame(frame []byte) (int, error)
}
