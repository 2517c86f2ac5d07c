// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import "errors"

// Enumerate the terminal session errors reported by [*Client.Err]
// after forwarding stops.
var (
	// ErrServerFull means the server rejected the connection because
	// another session is already active.
	ErrServerFull = errors.New("icmptun: server is full")

	// ErrPeerTimeout means the peer stopped answering keep-alives
	// within the configured number of retries.
	ErrPeerTimeout = errors.New("icmptun: peer timed out")
)

// errShortHeader means an echo payload was too short to carry a
// tunnel packet header.
var errShortHeader = errors.New("icmptun: short packet header")
