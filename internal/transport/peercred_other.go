//go:build !linux

package transport

import "net"

// PeerCred is Linux-only; elsewhere attach logs omit peer identity.
func PeerCred(conn net.Conn) (pid, uid uint32, ok bool) {
	return 0, 0, false
}
