//go:build darwin

package ipc

import "golang.org/x/sys/unix"

// The pid word stays zero: LOCAL_PEERCRED does not report it.
func readPeerCred(fd int) (IdentityToken, error) {
	cred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return IdentityToken{}, err
	}
	var gid uint32
	if cred.Ngroups > 0 {
		gid = cred.Groups[0]
	}
	return newIdentityToken(cred.Uid, gid, 0), nil
}
