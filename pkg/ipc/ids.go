package ipc

import (
	mathrand "math/rand"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)

	serials atomix.Uint32
)

// newConnectionID returns a sortable identifier used in logs and the
// connection journal.
func newConnectionID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func nextSerial() uint32 {
	return serials.Add(1)
}
