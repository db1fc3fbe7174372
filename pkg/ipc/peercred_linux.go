//go:build linux

package ipc

import "golang.org/x/sys/unix"

func readPeerCred(fd int) (IdentityToken, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return IdentityToken{}, err
	}
	return newIdentityToken(cred.Uid, cred.Gid, cred.Pid), nil
}
