// Package relay is the connection core: a single-threaded, non-blocking
// SOCKS5 (local role) / tunnel (remote role) relay driven by a readiness
// poller. There is no teacher-repo twin for this concurrency model (Muti
// Metroo relays over net.Conn and goroutines); this package is built fresh
// in the teacher's naming and error-handling idiom, grounded on the raw
// fd-plumbing style of the pack's SuperProxy and subtrace repos (see
// DESIGN.md).
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/shadowmux/relaycore/internal/config"
	"github.com/shadowmux/relaycore/internal/logging"
	"github.com/shadowmux/relaycore/internal/metrics"
	"github.com/shadowmux/relaycore/internal/netpoll"
)

// timeoutPrecision bounds how often a single handler's activity is
// re-recorded in the timeout log, and how often the sweep itself runs
// (spec.md §4.3 TIMEOUT_PRECISION).
const timeoutPrecision = 4 * time.Second

// Server owns the listening socket, the fd->Handler index, the activity
// log, and the dispatch loop. All of its methods except Close are only
// ever called from the goroutine running Run.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	poller  netpoll.Poller

	listenFd int

	handlers map[int]*Handler // fd -> owning handler, both localFd and remoteFd point to the same handler
	timeouts *timeoutQueue

	nextID     uint64
	lastSweep  time.Time
	nowFunc    func() time.Time
	closed     bool
}

func NewServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		handlers: make(map[int]*Handler),
		timeouts: newTimeoutQueue(),
		nowFunc:  time.Now,
	}
}

// BindAndListen acquires the listening socket. Local role binds
// local_address:local_port to serve SOCKS5 clients; remote role binds
// server:server_port to serve the encrypted tunnel from local instances
// (spec.md §6). An address that does not resolve is reported as a
// *config.ConfigError; a socket, bind or listen failure as a *BindError.
func (s *Server) BindAndListen() error {
	addr, port, field := s.cfg.Server, s.cfg.ServerPort, "server"
	if s.cfg.IsLocal() {
		addr, port, field = s.cfg.LocalAddress, s.cfg.LocalPort, "local_address"
	}
	fd, err := listenTCP(addr, port)
	if err != nil {
		var dnsErr *net.DNSError
		var addrErr *net.AddrError
		if errors.As(err, &dnsErr) || errors.As(err, &addrErr) {
			return &config.ConfigError{Field: field, Msg: err.Error()}
		}
		return &BindError{Address: addr, Port: port, Err: err}
	}
	s.listenFd = fd
	s.logger.Info("listening", logging.KeyLocalAddr, fmt.Sprintf("%s:%d", addr, port), logging.KeyRole, string(s.cfg.Role))
	return nil
}

// ListenPort reports the actual bound port of the listening socket, useful
// when the configured port is 0 and the kernel assigns one.
func (s *Server) ListenPort() (int, error) {
	_, _, port, err := localAddrPort(s.listenFd)
	return port, err
}

// AttachToLoop registers the listening socket with the poller. Must be
// called after BindAndListen and before Run.
func (s *Server) AttachToLoop() error {
	poller, err := netpoll.New()
	if err != nil {
		return fmt.Errorf("relay: create poller: %w", err)
	}
	s.poller = poller
	if err := s.poller.Add(s.listenFd, netpoll.EventRead); err != nil {
		return fmt.Errorf("relay: register listener: %w", err)
	}
	s.lastSweep = s.nowFunc()
	return nil
}

// Run drives the dispatch loop until ctx is cancelled (which also closes
// the listener), the poller fails, or the listener reports an error.
// Calling Close alone stops accepting but does not end the loop.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.Close()
		default:
		}

		events, err := s.poller.Wait(timeoutPrecision)
		if err != nil {
			return fmt.Errorf("relay: poller wait: %w", err)
		}
		for _, ev := range events {
			if err := s.dispatch(ev); err != nil {
				s.logger.Error("listener failure, aborting", logging.KeyError, err)
				s.Close()
				return err
			}
		}

		now := s.nowFunc()
		if now.Sub(s.lastSweep) >= timeoutPrecision {
			s.sweep(now)
			s.lastSweep = now
		}
	}
}

// dispatch routes one poller-reported event. A listener-socket error is
// fatal (spec.md §4.1, §7: "only listener failure escalates") — every
// other event is routed to the owning handler, or dropped if its handler
// was already torn down earlier in this same batch.
func (s *Server) dispatch(ev netpoll.Event) error {
	if ev.Fd == s.listenFd {
		if ev.Mask&netpoll.EventError != 0 {
			return fmt.Errorf("relay: listener socket error")
		}
		s.acceptAll()
		return nil
	}
	h, ok := s.handlers[ev.Fd]
	if !ok {
		return nil // stale event for an fd already torn down this batch
	}
	h.HandleEvent(ev.Fd, ev.Mask)
	return nil
}

// acceptAll drains the listen backlog: accept4 until it would block.
func (s *Server) acceptAll() {
	for {
		fd, remote, err := acceptOne(s.listenFd)
		if err != nil {
			if isBenignRecvError(err) {
				return
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			return
		}
		id := atomic.AddUint64(&s.nextID, 1)
		h, err := newHandler(s, id, fd, remote)
		if err != nil {
			s.logger.Warn("handler setup failed", logging.KeyError, err, logging.KeyRemoteAddr, remote)
			closeFd(fd)
			continue
		}
		s.handlers[fd] = h
		s.metrics.ConnectionOpened()
		now := s.nowFunc().Unix()
		h.lastActivity = now
		s.timeouts.record(h, now)
		s.logger.Debug("accepted connection", logging.KeyHandlerID, id, logging.KeyRemoteAddr, remote)
	}
}

func (s *Server) registerFd(fd int, h *Handler) {
	s.handlers[fd] = h
}

func (s *Server) unregisterFd(fd int) {
	delete(s.handlers, fd)
}

// updateActivity implements spec.md §4.3's rate limiting: a handler's
// entry is only re-recorded once at least TIMEOUT_PRECISION has elapsed
// since its last recorded activity.
func (s *Server) updateActivity(h *Handler) {
	now := s.nowFunc().Unix()
	if now-h.lastActivity < int64(timeoutPrecision/time.Second) {
		return
	}
	h.lastActivity = now
	s.timeouts.record(h, now)
}

func (s *Server) removeFromTimeouts(h *Handler) {
	s.timeouts.remove(h)
}

func (s *Server) sweep(now time.Time) {
	start := now
	nowUnix := now.Unix()
	timeout := int64(s.cfg.TimeoutSeconds)
	s.timeouts.sweep(nowUnix, timeout, func(h *Handler) {
		idleFor := nowUnix - h.lastActivity
		h.logger.Warn("idle connection timed out",
			logging.KeyIdleFor, idleFor,
			logging.KeyStage, h.stage.String(),
			logging.KeyBytes, h.bytesUpstream+h.bytesDownstream)
		h.destroy()
		s.metrics.RecordTimeout()
	})
	s.metrics.RecordSweep(s.nowFunc().Sub(start).Seconds(), s.timeouts.len())
}

// Close marks the server closed and releases the listening socket. Live
// handlers are not force-killed (spec.md §4.1): they keep running under
// the dispatch loop and drain naturally via a normal peer close, a
// recv/send error, or the idle-timeout sweep. Safe to call more than
// once.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.poller != nil {
		s.poller.Remove(s.listenFd)
	}
	closeFd(s.listenFd)
	return nil
}
