//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// PeerCred resolves the peer process credentials of a unix stream conn
// via SO_PEERCRED, for attach-time audit logging. Non-unix conns report
// ok=false.
func PeerCred(conn net.Conn) (pid, uid uint32, ok bool) {
	uc, isUnix := conn.(*net.UnixConn)
	if !isUnix {
		return 0, 0, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, false
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil || cred == nil {
		return 0, 0, false
	}
	return uint32(cred.Pid), cred.Uid, true
}
