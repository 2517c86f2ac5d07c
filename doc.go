// SPDX-License-Identifier: GPL-3.0-or-later

// Package icmptun implements an IP-over-ICMP tunnel: IP frames read from
// a local TUN device are encapsulated into ICMP echo messages exchanged
// with a remote peer, and vice versa. Because most middleboxes let echo
// traffic through, the tunnel typically survives networks where only
// ping works.
//
// The heart of the package is the [*Forwarder], a single-threaded reactor
// that waits for readiness on the two endpoints of a [*Peer] (the echo
// socket and the tunnel device) and dispatches to a caller-supplied
// [Handlers] implementation. When neither endpoint produces traffic for
// one tick interval, the reactor raises a synthetic timeout event that
// the protocol layer uses to emit keep-alive and NAT punch-through
// packets.
//
// The [*Client] and [*Server] types implement [Handlers] on top of an
// [EchoChannel] and a [TunChannel]. The concrete channels are the
// [*EchoSocket] (a raw ICMP socket) and the [*TunDevice] (a Linux TUN
// interface); both require elevated privileges to open, after which
// [DropPrivileges] can shed them.
//
// Shutdown is cooperative: [*Forwarder.Stop] may be invoked from any
// goroutine, including a signal handler context, and causes the pending
// readiness wait to return promptly.
//
// The [*FrameTrace] type optionally captures the raw IP frames crossing
// the tunnel in PCAP format for inspection with tools such as wireshark.
package icmptun
