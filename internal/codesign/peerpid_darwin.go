//go:build darwin

package codesign

import (
	"fmt"
	"syscall"
	"unsafe"
)

// localPeerPID is the macOS LOCAL_PEERPID socket option, defined in
// <sys/un.h> as 0x002.
const localPeerPID = 0x002

// peerPIDFromFD uses the macOS-specific LOCAL_PEERPID option.
func peerPIDFromFD(fd uintptr) (int, error) {
	pid := int32(0)
	pidLen := uint32(unsafe.Sizeof(pid))

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		fd,
		0, // SOL_LOCAL
		uintptr(localPeerPID),
		uintptr(unsafe.Pointer(&pid)),
		uintptr(unsafe.Pointer(&pidLen)),
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("codesign: LOCAL_PEERPID: %w", errno)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("codesign: LOCAL_PEERPID returned invalid pid %d", pid)
	}
	return int(pid), nil
}
