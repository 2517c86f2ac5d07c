// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

// Pollable is a readiness-pollable endpoint identified by an OS-level
// file descriptor usable in a multi-way readiness wait.
type Pollable interface {
	// PollFd returns the descriptor to watch for readability.
	PollFd() int
}

// Peer pairs the two endpoints of a single forwarding session: the
// encapsulation channel carrying ICMP echo traffic and the tunnel device
// carrying decapsulated IP traffic.
//
// The caller owns both endpoints and keeps them open for the whole
// duration of a [*Forwarder.Forward] call; the reactor borrows them to
// poll for readiness and never reads, writes, or closes them itself.
type Peer struct {
	// Socket is the encapsulation channel (typically an [*EchoSocket]).
	Socket Pollable

	// Device is the tunnel device (typically a [*TunDevice]).
	Device Pollable
}
