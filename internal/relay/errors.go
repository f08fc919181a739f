package relay

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// BindError reports a failure to acquire the listening socket.
type BindError struct {
	Address string
	Port    int
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("relay: bind %s:%d: %v", e.Address, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

var (
	errPeerClosed       = errors.New("relay: peer closed connection")
	errPendingOverflow  = errors.New("relay: pending write buffer exceeded limit")
	errUnsupportedCmd   = errors.New("relay: unsupported SOCKS command")
	errBadGreeting      = errors.New("relay: malformed SOCKS greeting")
	errUpstreamConnect  = errors.New("relay: upstream connect failed")
)

// isWouldBlock reports whether err is the expected "try again later"
// signal from a non-blocking socket call.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINPROGRESS)
}

// isBenignRecvError reports whether a recv() failure is something the
// event loop should simply wait out rather than treat as connection death
// (spec.md §4.2.7, §7: benign recv errors are EAGAIN, EINPROGRESS and
// ETIMEDOUT).
func isBenignRecvError(err error) bool {
	return isWouldBlock(err) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ETIMEDOUT)
}
