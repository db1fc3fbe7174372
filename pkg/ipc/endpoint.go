package ipc

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// ErrInvalidEndpoint indicates an empty or unresolvable endpoint name.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Domain selects where a named endpoint is registered.
type Domain int

const (
	// DomainSystem holds endpoints of privileged, system-wide services.
	DomainSystem Domain = iota
	// DomainSession holds endpoints of the current user's services.
	DomainSession
)

func (d Domain) String() string {
	if d == DomainSystem {
		return "system"
	}
	return "session"
}

// Registry maps endpoint names to socket paths.
type Registry struct {
	SystemDir  string
	SessionDir string
}

// DefaultRegistry uses /var/run/xconn for system endpoints and
// $XDG_RUNTIME_DIR/xconn for session endpoints, falling back to a per-user
// directory under the temp dir.
func DefaultRegistry() Registry {
	session := os.Getenv("XDG_RUNTIME_DIR")
	if session != "" {
		session = filepath.Join(session, "xconn")
	} else {
		session = filepath.Join(os.TempDir(), fmt.Sprintf("xconn-%d", os.Getuid()))
	}
	return Registry{SystemDir: "/var/run/xconn", SessionDir: session}
}

// Path resolves name in the given domain.
func (r Registry) Path(name string, d Domain) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidEndpoint)
	}
	dir := r.SessionDir
	if d == DomainSystem {
		dir = r.SystemDir
	}
	if dir == "" {
		return "", fmt.Errorf("%w: no %s directory configured", ErrInvalidEndpoint, d)
	}
	return filepath.Join(dir, url.PathEscape(name)+".sock"), nil
}

func (d Domain) dirMode() os.FileMode {
	if d == DomainSystem {
		return 0o755
	}
	return 0o700
}
