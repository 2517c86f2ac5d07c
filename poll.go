// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// waitResult describes the outcome of a single readiness wait.
type waitResult struct {
	// stop indicates the wait was interrupted by a stop request.
	stop bool

	// socket indicates the encapsulation channel is readable.
	socket bool

	// device indicates the tunnel device is readable.
	device bool

	// timedOut indicates no endpoint became readable within the timeout.
	timedOut bool
}

// pollReadiness blocks until any of the given descriptors is readable or
// the timeout elapses. The wakeFd is the [*RunState] wakeup descriptor;
// socketFd and deviceFd are the two peer endpoints.
//
// POLLERR and POLLHUP count as readable so that the owning handler's
// next read surfaces the underlying condition. POLLNVAL means we were
// handed a closed descriptor and is reported as a wait failure.
//
// EINTR is retried with the remaining timeout: signal delivery is not
// how a stop request reaches the reactor, the wakeup pipe is.
func pollReadiness(wakeFd, socketFd, deviceFd int, timeout time.Duration) (waitResult, error) {
	pfds := []unix.PollFd{
		{Fd: int32(wakeFd), Events: unix.POLLIN},
		{Fd: int32(socketFd), Events: unix.POLLIN},
		{Fd: int32(deviceFd), Events: unix.POLLIN},
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}

		count, err := unix.Poll(pfds, int(remaining.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return waitResult{}, err
		}
		if count == 0 {
			return waitResult{timedOut: true}, nil
		}

		for _, pfd := range pfds {
			if pfd.Revents&unix.POLLNVAL != 0 {
				return waitResult{}, fmt.Errorf("poll: invalid descriptor %d", pfd.Fd)
			}
		}

		const readable = unix.POLLIN | unix.POLLERR | unix.POLLHUP
		return waitResult{
			stop:   pfds[0].Revents&readable != 0,
			socket: pfds[1].Revents&readable != 0,
			device: pfds[2].Revents&readable != 0,
		}, nil
	}
}
