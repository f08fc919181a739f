//go:build linux

package netpoll

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller wraps a Linux epoll instance. Registration/modification go
// straight through to the kernel; Wait translates EPOLLIN/EPOLLOUT/
// EPOLLERR/EPOLLHUP into our portable Event bits.
type epollPoller struct {
	epfd int
}

func newPlatformPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollPoller{epfd: fd}, nil
}

func toEpollEvents(mask uint32) uint32 {
	var ev uint32
	if mask&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are reported by the kernel regardless of
	// whether they're requested, but requesting them is harmless and
	// documents the intent.
	ev |= unix.EPOLLERR | unix.EPOLLHUP
	return ev
}

func fromEpollEvents(ev uint32) uint32 {
	var mask uint32
	if ev&unix.EPOLLIN != 0 {
		mask |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= EventWrite
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		mask |= EventError
	}
	return mask
}

func (p *epollPoller) Add(fd int, mask uint32) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Modify(fd int, mask uint32) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		// ENOENT means it was already removed (or never added) — the
		// handler's destroy path may call this redundantly.
		if err == unix.ENOENT {
			return nil
		}
		return fmt.Errorf("epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}

	raw := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(p.epfd, raw, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		events := make([]Event, n)
		for i := 0; i < n; i++ {
			events[i] = Event{Fd: int(raw[i].Fd), Mask: fromEpollEvents(raw[i].Events)}
		}
		return events, nil
	}
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
