package relay

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenTCP creates, binds and listens on a non-blocking TCP socket for
// address:port. Mirrors the raw-syscall setup the pack's SuperProxy uses
// for its listener (SO_REUSEADDR, then listen with a deep backlog so a
// burst of client connects doesn't get refused under load).
func listenTCP(address string, port int) (int, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", address)
		if err != nil {
			return -1, fmt.Errorf("resolve %s: %w", address, err)
		}
		ip = resolved.IP
	}

	domain := unix.AF_INET
	if ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	if domain == unix.AF_INET {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip.To4())
		sa.Port = port
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind: %w", err)
		}
	} else {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], ip.To16())
		sa.Port = port
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind: %w", err)
		}
	}

	if err := unix.Listen(fd, acceptBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// acceptOne accepts a single pending connection from listenFd, returning
// accept4's EAGAIN (recognized by isWouldBlock) once the backlog is drained.
func acceptOne(listenFd int) (fd int, remote string, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, "", err
	}
	if err := setTCPNoDelay(nfd); err != nil {
		unix.Close(nfd)
		return -1, "", err
	}
	return nfd, sockaddrString(sa), nil
}

// dialUpstream opens a non-blocking TCP socket and begins connecting to
// host:port. The connect is expected to return EINPROGRESS; completion is
// signalled later by the socket becoming writable (spec.md §4.2.4).
func dialUpstream(host string, port int) (int, error) {
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return -1, fmt.Errorf("lookup %s: %w", host, err)
	}
	ip := ips[0]

	domain := unix.AF_INET
	if ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := setTCPNoDelay(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	if domain == unix.AF_INET {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip.To4())
		sa.Port = port
		err = unix.Connect(fd, &sa)
	} else {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], ip.To16())
		sa.Port = port
		err = unix.Connect(fd, &sa)
	}
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	return fd, nil
}

func setNonblocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set non-blocking: %w", err)
	}
	return nil
}

func setTCPNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("setsockopt(TCP_NODELAY): %w", err)
	}
	return nil
}

// socketError reads SO_ERROR to discover whether a connect() that reported
// EINPROGRESS ultimately succeeded or failed.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt(SO_ERROR): %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func localAddrPort(fd int) (isIPv6 bool, addr []byte, port int, err error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return false, nil, 0, fmt.Errorf("getsockname: %w", err)
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return false, v.Addr[:], v.Port, nil
	case *unix.SockaddrInet6:
		return true, v.Addr[:], v.Port, nil
	default:
		return false, nil, 0, fmt.Errorf("getsockname: unexpected sockaddr type %T", sa)
	}
}

func recvBytes(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// sendBytes writes as much of data as the socket will currently accept.
// A short write (including zero, on EAGAIN) is not an error: the caller
// keeps the remainder pending and relies on the next writable event.
func sendBytes(fd int, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := unix.Write(fd, data[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if isWouldBlock(err) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func closeFd(fd int) {
	unix.Close(fd)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), v.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), v.Port)
	default:
		return "unknown"
	}
}
