//go:build linux

package codesign

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// peerPIDFromFD uses the Linux SO_PEERCRED socket option.
func peerPIDFromFD(fd uintptr) (int, error) {
	ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return 0, fmt.Errorf("codesign: SO_PEERCRED: %w", err)
	}
	return int(ucred.Pid), nil
}
