package codesign

import (
	"fmt"
	"net"
	"syscall"
)

// PeerPID resolves the process id on the far side of a local socket, the
// first step of the IPC accept check. Works for Unix-domain and local TCP
// sockets.
func PeerPID(conn net.Conn) (int, error) {
	var raw syscall.RawConn
	var err error
	switch c := conn.(type) {
	case *net.UnixConn:
		raw, err = c.SyscallConn()
	case *net.TCPConn:
		raw, err = c.SyscallConn()
	default:
		return 0, fmt.Errorf("codesign: cannot resolve peer pid for %T", conn)
	}
	if err != nil {
		return 0, fmt.Errorf("codesign: raw conn: %w", err)
	}

	var pid int
	var controlErr error
	if err := raw.Control(func(fd uintptr) {
		pid, controlErr = peerPIDFromFD(fd)
	}); err != nil {
		return 0, fmt.Errorf("codesign: control: %w", err)
	}
	if controlErr != nil {
		return 0, controlErr
	}
	return pid, nil
}
