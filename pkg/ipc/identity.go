package ipc

import (
	"encoding/binary"
	"net"
)

// IdentityToken describes the process on the other end of a connection.
// It uses the audit-token layout of eight little-endian 32-bit words:
// auid, euid, egid, ruid, rgid, pid, asid, pid version. Words the platform
// cannot report are zero.
type IdentityToken [32]byte

// IdentityFilter decides whether an incoming peer is accepted. Rejected
// peers are disconnected before the listener hands them out.
type IdentityFilter func(IdentityToken) bool

// EUID returns the peer's effective user id.
func (t IdentityToken) EUID() uint32 { return binary.LittleEndian.Uint32(t[4:8]) }

// PID returns the peer's process id, or 0 when the platform does not
// report it.
func (t IdentityToken) PID() int32 { return int32(binary.LittleEndian.Uint32(t[20:24])) }

func newIdentityToken(uid, gid uint32, pid int32) IdentityToken {
	var t IdentityToken
	words := [8]uint32{uid, uid, gid, uid, gid, uint32(pid), 0, 0}
	for i, w := range words {
		binary.LittleEndian.PutUint32(t[i*4:], w)
	}
	return t
}

func peerIdentity(conn *net.UnixConn) (IdentityToken, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return IdentityToken{}, err
	}
	var token IdentityToken
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		token, credErr = readPeerCred(int(fd))
	}); err != nil {
		return IdentityToken{}, err
	}
	return token, credErr
}
