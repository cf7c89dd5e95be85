// Package kernel abstracts the background execution unit that hosts the
// computation kernel, along with the launchers that create units: a child
// process speaking the wire protocol over stdio, or a precompiled WASI
// module instantiated in-process.
package kernel

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// ErrSpawnBlocked indicates the host refused to start the unit (missing or
// non-executable kernel binary, policy denial). Distinguished from ordinary
// startup failures so callers can surface a dedicated error code.
var ErrSpawnBlocked = errors.New("kernel spawn blocked by host")

// ErrTerminated is returned by Read and Send after Terminate has been called.
var ErrTerminated = errors.New("unit terminated")

// Unit is a single background execution unit. Send may be called from
// multiple goroutines; Read must be called from a single reader goroutine.
type Unit interface {
	// ID identifies this unit instance for logging and stale-message checks.
	ID() string

	// Send transmits one request to the unit.
	Send(req *protocol.Request) error

	// Read blocks until the next kernel message arrives. It returns an error
	// once the unit terminates or the stream breaks.
	Read() (*protocol.Response, error)

	// Terminate forcibly stops the unit and releases its resources. It is
	// safe to call more than once.
	Terminate()
}

// Launcher creates background units. Each Launch call produces an
// independent unit; launchers must be safe for sequential reuse so the
// supervisor can replace a failed unit.
type Launcher interface {
	Name() string
	Launch(ctx context.Context) (Unit, error)
}

// streamUnit implements the framed request/response exchange over a pair of
// byte streams. Process and wasm units both embed it.
type streamUnit struct {
	id string

	writeMu sync.Mutex
	w       io.Writer

	r io.Reader

	closeOnce sync.Once
	closed    chan struct{}
}

func (u *streamUnit) ID() string { return u.id }

func (u *streamUnit) Send(req *protocol.Request) error {
	select {
	case <-u.closed:
		return ErrTerminated
	default:
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return protocol.WriteMessage(u.w, req)
}

func (u *streamUnit) Read() (*protocol.Response, error) {
	var resp protocol.Response
	if err := protocol.ReadMessage(u.r, &resp); err != nil {
		select {
		case <-u.closed:
			return nil, ErrTerminated
		default:
		}
		return nil, err
	}
	return &resp, nil
}

// markClosed flips the unit into the terminated state exactly once and
// reports whether this call did the flip.
func (u *streamUnit) markClosed() bool {
	did := false
	u.closeOnce.Do(func() {
		close(u.closed)
		did = true
	})
	return did
}
