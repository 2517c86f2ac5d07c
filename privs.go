// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package icmptun

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// DropPrivileges switches the process to the given unprivileged user.
// Call it after the echo socket and the tunnel device are open: already
// open descriptors keep working, while a compromise of the protocol
// layer no longer yields root.
//
// It is a no-op when not running as root.
func DropPrivileges(username string) error {
	if unix.Getuid() != 0 {
		return nil
	}

	pw, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}
	uid, err := strconv.Atoi(pw.Uid)
	if err != nil {
		return fmt.Errorf("drop privileges: parse uid: %w", err)
	}
	gid, err := strconv.Atoi(pw.Gid)
	if err != nil {
		return fmt.Errorf("drop privileges: parse gid: %w", err)
	}

	// order matters: dropping the uid first would make the later
	// setgid and setgroups fail
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("drop privileges: setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("drop privileges: setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("drop privileges: setuid: %w", err)
	}
	return nil
}
