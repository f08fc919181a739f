// Package netpoll is the relay core's readiness-poller collaborator
// (spec.md §1, §4.1): a thin, OS-level I/O-multiplexing primitive that
// reports which registered file descriptors are ready to read, write, or
// have errored. The core treats it as an external collaborator through
// this interface; internal/relay never calls epoll/kqueue syscalls
// directly.
//
// There is no teacher-repo twin for this package — Muti Metroo relays
// traffic over net.Conn and goroutines, never raw fds — so this is built
// fresh against the pack's raw-syscall idiom (see DESIGN.md).
package netpoll

import (
	"fmt"
	"time"
)

// Interest/event bits. ERR is implicit in epoll/kqueue (always reported)
// but is named explicitly here so callers can reason about it uniformly
// across poller backends.
const (
	EventRead  uint32 = 1 << iota // fd is readable (or a listener has a pending accept)
	EventWrite                    // fd is writable (or a non-blocking connect completed)
	EventError                    // fd hit an error condition; always implicitly monitored
)

// Event is one (fd, mask) tuple delivered by a Wait call.
type Event struct {
	Fd   int
	Mask uint32
}

// Poller registers file descriptors for read/write/error interest and
// delivers batches of ready events. Implementations must be safe to call
// from a single goroutine only — the core never calls a Poller
// concurrently (spec.md §5).
type Poller interface {
	// Add registers fd with the given interest mask.
	Add(fd int, mask uint32) error

	// Modify updates fd's interest mask. Called whenever a handler's
	// update_stream recomputes what a socket should be interested in.
	Modify(fd int, mask uint32) error

	// Remove deregisters fd. Safe to call on an fd already removed (the
	// handler's destroy path may race a prior removal via an error path).
	Remove(fd int) error

	// Wait blocks up to timeout for at least one ready fd, appending
	// events into the returned slice. A timeout <= 0 blocks indefinitely.
	Wait(timeout time.Duration) ([]Event, error)

	// Close releases the underlying poller resource (e.g. the epoll fd).
	Close() error
}

// New constructs the platform's readiness poller.
func New() (Poller, error) {
	p, err := newPlatformPoller()
	if err != nil {
		return nil, fmt.Errorf("netpoll: %w", err)
	}
	return p, nil
}
