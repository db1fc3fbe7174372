//go:build !linux && !darwin

package ipc

func readPeerCred(int) (IdentityToken, error) {
	return IdentityToken{}, nil
}
