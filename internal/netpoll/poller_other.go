//go:build !linux

package netpoll

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is a portable fallback built on poll(2) via golang.org/x/sys.
// It is not O(1) per Wait call the way epoll/kqueue are, but it keeps the
// core compiling and testable on non-Linux developer machines; production
// deployments target Linux and use the epoll backend in poller_linux.go.
type pollPoller struct {
	mu        sync.Mutex
	interests map[int]uint32
}

func newPlatformPoller() (Poller, error) {
	return &pollPoller{interests: make(map[int]uint32)}, nil
}

func (p *pollPoller) Add(fd int, mask uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interests[fd] = mask
	return nil
}

func (p *pollPoller) Modify(fd int, mask uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interests[fd]; !ok {
		return fmt.Errorf("poll: modify unknown fd %d", fd)
	}
	p.interests[fd] = mask
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.interests, fd)
	return nil
}

func toPollEvents(mask uint32) int16 {
	var ev int16
	if mask&EventRead != 0 {
		ev |= unix.POLLIN
	}
	if mask&EventWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPollEvents(ev int16) uint32 {
	var mask uint32
	if ev&unix.POLLIN != 0 {
		mask |= EventRead
	}
	if ev&unix.POLLOUT != 0 {
		mask |= EventWrite
	}
	if ev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		mask |= EventError
	}
	return mask
}

func (p *pollPoller) Wait(timeout time.Duration) ([]Event, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.interests))
	for fd, mask := range p.interests {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(mask)})
	}
	p.mu.Unlock()

	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}

	for {
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		events := make([]Event, 0, n)
		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			events = append(events, Event{Fd: int(pfd.Fd), Mask: fromPollEvents(pfd.Revents)})
		}
		return events, nil
	}
}

func (p *pollPoller) Close() error {
	return nil
}
