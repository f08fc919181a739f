package relay

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/shadowmux/relaycore/internal/cipher"
	"github.com/shadowmux/relaycore/internal/header"
	"github.com/shadowmux/relaycore/internal/logging"
	"github.com/shadowmux/relaycore/internal/netpoll"
	"github.com/shadowmux/relaycore/internal/recovery"
)

const (
	bufSize       = 16 * 1024
	maxPendingLen = 256 * 1024 // MaxPendingBytes: backpressure cap, see SPEC_FULL.md §12
	acceptBacklog = 1024

	socksVersion    = 0x05
	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03
)

var connectSuccessReply = []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}

// Handler is one client/relay connection pair, driven entirely by the
// Server's single dispatch loop. Every method here runs on that one
// goroutine — there is no internal locking, matching the non-blocking,
// single-threaded model this core implements (spec.md §5).
type Handler struct {
	id     uint64
	server *Server
	logger *slog.Logger

	isLocal bool
	stage   Stage

	localFd  int
	remoteFd int // -1 until the upstream connect is initiated

	localAlive  bool
	remoteAlive bool

	upstream   dirStatus // status of the local_sock -> remote_sock direction
	downstream dirStatus // status of the remote_sock -> local_sock direction

	remoteInterestManaged bool // becomes true once STREAM recomputes remote_sock's mask
	torndown              bool // guards destroy() against double bookkeeping

	inbuf []byte // accumulates a handshake/header in progress (raw or decrypted plaintext)

	pendingToLocal  []byte
	pendingToRemote []byte

	cipherEnc cipher.Encryptor

	remoteHost string
	remotePort uint16

	bytesUpstream   int64
	bytesDownstream int64

	lastActivity int64
}

func newHandler(s *Server, id uint64, localFd int, remoteLabel string) (*Handler, error) {
	enc, err := cipher.NewEncryptor(s.cfg.Method, s.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("new handler: %w", err)
	}
	h := &Handler{
		id:         id,
		server:     s,
		isLocal:    s.cfg.IsLocal(),
		stage:      StageInit,
		localFd:    localFd,
		remoteFd:   -1,
		localAlive: true,
		upstream:   statusReading,
		downstream: statusInit,
		cipherEnc:  enc,
		logger: s.logger.With(
			logging.KeyHandlerID, id,
			logging.KeyRemoteAddr, remoteLabel,
			logging.KeyRole, string(s.cfg.Role),
		),
	}
	if err := setNonblocking(localFd); err != nil {
		return nil, err
	}
	if err := s.poller.Add(localFd, eventsFor(h.upstream, h.downstream, true)); err != nil {
		return nil, fmt.Errorf("register local_sock: %w", err)
	}
	return h, nil
}

// eventsFor is the interest bitmap of spec.md §4.2.6: local_sock wants IN
// when upstream is reading, OUT when downstream is writing; remote_sock is
// the mirror image.
func eventsFor(upstream, downstream dirStatus, forLocalSock bool) uint32 {
	mask := uint32(0)
	if forLocalSock {
		if upstream&statusReading != 0 {
			mask |= netpoll.EventRead
		}
		if downstream&statusWriting != 0 {
			mask |= netpoll.EventWrite
		}
	} else {
		if downstream&statusReading != 0 {
			mask |= netpoll.EventRead
		}
		if upstream&statusWriting != 0 {
			mask |= netpoll.EventWrite
		}
	}
	return mask
}

func (h *Handler) touch() {
	h.server.updateActivity(h)
}

// updateStreamInterest recomputes both sockets' poller masks from the
// current direction statuses (spec.md §4.2.6). remote_sock's mask is only
// recomputed once remoteInterestManaged is set — until the connect
// completes, remote_sock is registered explicitly with OUT|ERR only
// (see connectUpstream), never through this formula.
func (h *Handler) updateStreamInterest() {
	if h.localAlive {
		mask := eventsFor(h.upstream, h.downstream, true)
		if err := h.server.poller.Modify(h.localFd, mask); err != nil {
			h.logger.Warn("modify local_sock interest failed", logging.KeyError, err)
		}
	}
	if h.remoteAlive && h.remoteInterestManaged {
		mask := eventsFor(h.upstream, h.downstream, false)
		if err := h.server.poller.Modify(h.remoteFd, mask); err != nil {
			h.logger.Warn("modify remote_sock interest failed", logging.KeyError, err)
		}
	}
}

func (h *Handler) setUpstream(s dirStatus) {
	if h.upstream == s {
		return
	}
	h.upstream = s
	h.updateStreamInterest()
}

func (h *Handler) setDownstream(s dirStatus) {
	if h.downstream == s {
		return
	}
	h.downstream = s
	h.updateStreamInterest()
}

// HandleEvent dispatches one poller-reported event for fd. Bits are
// processed read, then write, then error, per event (spec.md §5): a
// handler destroyed mid-dispatch must not be touched by later bits.
func (h *Handler) HandleEvent(fd int, mask uint32) {
	isLocalFd := fd == h.localFd

	if mask&netpoll.EventRead != 0 {
		if isLocalFd {
			h.onLocalReadable()
		} else {
			h.onRemoteReadable()
		}
	}
	if h.destroyed() {
		return
	}
	if mask&netpoll.EventWrite != 0 {
		if isLocalFd {
			h.onLocalWritable()
		} else {
			h.onRemoteWritable()
		}
	}
	if h.destroyed() {
		return
	}
	if mask&netpoll.EventError != 0 {
		h.fail("socket error", fmt.Errorf("poller reported error on fd %d", fd))
	}
}

func (h *Handler) destroyed() bool { return h.torndown }

// --- read path ---

func (h *Handler) onLocalReadable() {
	buf := make([]byte, bufSize)
	n, err := recvBytes(h.localFd, buf)
	if err != nil {
		if isBenignRecvError(err) {
			return
		}
		h.fail("recv local_sock", err)
		return
	}
	if n == 0 {
		h.fail("local_sock closed", errPeerClosed)
		return
	}
	h.touch()
	recvd := buf[:n]

	switch h.stage {
	case StageInit:
		if h.isLocal {
			h.inbuf = append(h.inbuf, recvd...)
			h.tryHandleGreeting()
		} else {
			plain, err := h.decryptGuarded(recvd)
			if err != nil {
				h.fail("decrypt header", err)
				return
			}
			h.inbuf = append(h.inbuf, plain...)
			h.tryHandleRemoteHeader()
		}
	case StageHello:
		h.inbuf = append(h.inbuf, recvd...)
		h.tryHandleRequest()
	case StageUDPAssoc:
		// Control connection: only its closure (n==0, handled above)
		// ends the association; any payload is ignored.
	case StageReply, StageStream:
		out, err := h.transformUpstream(recvd)
		if err != nil {
			h.fail("cipher upstream", err)
			return
		}
		if len(out) > 0 {
			h.sendToRemote(out)
		}
	}
}

func (h *Handler) onRemoteReadable() {
	buf := make([]byte, bufSize)
	n, err := recvBytes(h.remoteFd, buf)
	if err != nil {
		if isBenignRecvError(err) {
			return
		}
		h.fail("recv remote_sock", err)
		return
	}
	if n == 0 {
		h.fail("remote_sock closed", errPeerClosed)
		return
	}
	h.touch()
	out, err := h.transformDownstream(buf[:n])
	if err != nil {
		h.fail("cipher downstream", err)
		return
	}
	if len(out) > 0 {
		h.sendToLocal(out)
	}
}

func (h *Handler) transformUpstream(data []byte) ([]byte, error) {
	if h.isLocal {
		return h.encryptGuarded(data)
	}
	return h.decryptGuarded(data)
}

func (h *Handler) transformDownstream(data []byte) ([]byte, error) {
	if h.isLocal {
		return h.decryptGuarded(data)
	}
	return h.encryptGuarded(data)
}

func (h *Handler) encryptGuarded(data []byte) ([]byte, error) {
	var out []byte
	err := recovery.Guard(h.logger, "cipher.Encrypt", func() error {
		var e error
		out, e = h.cipherEnc.Encrypt(data)
		return e
	})
	return out, err
}

func (h *Handler) decryptGuarded(data []byte) ([]byte, error) {
	var out []byte
	err := recovery.Guard(h.logger, "cipher.Decrypt", func() error {
		var e error
		out, e = h.cipherEnc.Decrypt(data)
		return e
	})
	return out, err
}

// --- handshake parsing (local role) ---

func (h *Handler) tryHandleGreeting() {
	if len(h.inbuf) < 2 {
		return
	}
	if h.inbuf[0] != socksVersion {
		h.fail("greeting", errBadGreeting)
		return
	}
	nmethods := int(h.inbuf[1])
	need := 2 + nmethods
	if len(h.inbuf) < need {
		return
	}
	h.inbuf = h.inbuf[need:]
	h.stage = StageHello
	h.sendToLocal([]byte{socksVersion, 0x00})
	if h.destroyed() {
		return
	}

	if len(h.inbuf) > 0 {
		h.tryHandleRequest()
	}
}

func (h *Handler) tryHandleRequest() {
	if len(h.inbuf) < 4 {
		return
	}
	cmd := h.inbuf[1]
	hdr, err := header.Parse(h.inbuf[3:])
	if err == header.ErrIncomplete {
		return
	}
	if err != nil {
		h.fail("socks request", err)
		return
	}
	consumed := 3 + hdr.Consumed
	rawHeader := append([]byte(nil), h.inbuf[3:consumed]...)
	trailing := append([]byte(nil), h.inbuf[consumed:]...)
	h.inbuf = nil

	switch cmd {
	case cmdConnect:
		h.handleConnect(hdr, rawHeader, trailing)
	case cmdUDPAssociate:
		h.handleUDPAssociate()
	default:
		h.fail("socks request", fmt.Errorf("%w: cmd=%d", errUnsupportedCmd, cmd))
	}
}

func (h *Handler) handleConnect(hdr *header.Header, rawHeader, trailing []byte) {
	h.remoteHost = hdr.Host
	h.remotePort = hdr.Port
	h.stage = StageReply

	h.sendToLocal(connectSuccessReply)
	if h.destroyed() {
		return
	}

	ciphertext, err := h.encryptGuarded(rawHeader)
	if err != nil {
		h.fail("encrypt connect header", err)
		return
	}
	h.pendingToRemote = append(h.pendingToRemote, ciphertext...)
	if len(trailing) > 0 {
		more, err := h.encryptGuarded(trailing)
		if err != nil {
			h.fail("encrypt pipelined payload", err)
			return
		}
		h.pendingToRemote = append(h.pendingToRemote, more...)
	}

	h.connectUpstream(h.server.cfg.Server, h.server.cfg.ServerPort)
}

func (h *Handler) handleUDPAssociate() {
	isIPv6, addr, port, err := localAddrPort(h.localFd)
	if err != nil {
		h.fail("udp associate", err)
		return
	}
	atyp := byte(header.AddrIPv4)
	if isIPv6 {
		atyp = header.AddrIPv6
	}
	reply := []byte{socksVersion, 0x00, 0x00, atyp}
	reply = append(reply, addr...)
	reply = append(reply, byte(port>>8), byte(port))
	h.stage = StageUDPAssoc
	h.sendToLocal(reply)
}

// --- handshake parsing (remote role) ---

func (h *Handler) tryHandleRemoteHeader() {
	hdr, err := header.Parse(h.inbuf)
	if err == header.ErrIncomplete {
		return
	}
	if err != nil {
		h.fail("remote header", err)
		return
	}
	trailing := append([]byte(nil), h.inbuf[hdr.Consumed:]...)
	h.inbuf = nil

	h.remoteHost = hdr.Host
	h.remotePort = hdr.Port
	h.stage = StageReply
	h.pendingToRemote = append(h.pendingToRemote, trailing...)
	h.connectUpstream(hdr.Host, int(hdr.Port))
}

// --- upstream connect ---

func (h *Handler) connectUpstream(host string, port int) {
	fd, err := dialUpstream(host, port)
	if err != nil {
		h.server.metrics.ConnectError("dial")
		h.fail("connect upstream", fmt.Errorf("%w: %v", errUpstreamConnect, err))
		return
	}
	h.remoteFd = fd
	h.remoteAlive = true
	// Registered explicitly with OUT|ERR only: the OUT event itself is
	// the connect-completion signal (spec.md §4.2.4). update_stream does
	// not own remote_sock's mask until the stream transition below.
	if err := h.server.poller.Add(fd, netpoll.EventWrite); err != nil {
		h.fail("register remote_sock", err)
		return
	}
	h.upstream = statusReadWriting
	h.downstream = statusReading
	h.server.registerFd(fd, h)
}

func (h *Handler) onRemoteWritable() {
	if h.stage == StageReply {
		if err := socketError(h.remoteFd); err != nil {
			h.server.metrics.ConnectError("connect_complete")
			h.fail("upstream connect", fmt.Errorf("%w: %v", errUpstreamConnect, err))
			return
		}
		h.stage = StageStream
		h.remoteInterestManaged = true
		h.flushPending(false)
		h.updateStreamInterest()
		return
	}
	h.flushPending(false)
}

func (h *Handler) onLocalWritable() {
	h.flushPending(true)
}

// --- write path ---

func (h *Handler) sendToLocal(data []byte) {
	h.pendingToLocal = append(h.pendingToLocal, data...)
	if len(h.pendingToLocal) > maxPendingLen {
		h.fail("pending write to local_sock", errPendingOverflow)
		return
	}
	h.flushPending(true)
}

func (h *Handler) sendToRemote(data []byte) {
	h.pendingToRemote = append(h.pendingToRemote, data...)
	if len(h.pendingToRemote) > maxPendingLen {
		h.fail("pending write to remote_sock", errPendingOverflow)
		return
	}
	if h.remoteAlive {
		h.flushPending(false)
	}
}

// flushPending is the write-to-sock primitive of spec.md §4.2.5: send as
// much of the pending buffer as the socket accepts, mark that direction
// WRITING if anything remains, READING once it's fully drained.
func (h *Handler) flushPending(toLocal bool) {
	fd := h.remoteFd
	alive := h.remoteAlive
	pending := &h.pendingToRemote
	if toLocal {
		fd = h.localFd
		alive = h.localAlive
		pending = &h.pendingToLocal
	}
	if !alive {
		return
	}
	data := *pending
	if len(data) == 0 {
		if toLocal {
			h.setDownstream(statusReading)
		} else {
			h.setUpstream(statusReading)
		}
		return
	}

	n, err := sendBytes(fd, data)
	if err != nil {
		if toLocal {
			h.fail("send local_sock", err)
		} else {
			h.fail("send remote_sock", err)
		}
		return
	}
	if n > 0 {
		if toLocal {
			h.server.metrics.RecordBytesDownstream(n)
			h.bytesDownstream += int64(n)
		} else {
			h.server.metrics.RecordBytesUpstream(n)
			h.bytesUpstream += int64(n)
		}
	}

	*pending = data[n:]
	if len(*pending) > 0 {
		if toLocal {
			h.setDownstream(h.downstream | statusWriting)
		} else {
			h.setUpstream(h.upstream | statusWriting)
		}
		return
	}
	if toLocal {
		h.setDownstream(statusReading)
	} else {
		h.setUpstream(statusReading)
	}
}

// --- teardown ---

func (h *Handler) fail(op string, err error) {
	h.logger.Debug("handler closing",
		logging.KeyError, fmt.Sprintf("%s: %v", op, err),
		logging.KeyStage, h.stage.String(),
		"sent_upstream", humanize.Bytes(uint64(h.bytesUpstream)),
		"sent_downstream", humanize.Bytes(uint64(h.bytesDownstream)),
	)
	h.destroy()
}

// destroy is idempotent (spec.md §4.2.8, §8 idempotent-destroy property):
// calling it on an already-dead handler is a safe no-op.
func (h *Handler) destroy() {
	if h.torndown {
		return
	}
	h.torndown = true
	if h.localAlive {
		h.server.poller.Remove(h.localFd)
		closeFd(h.localFd)
		h.server.unregisterFd(h.localFd)
		h.localAlive = false
	}
	if h.remoteAlive {
		h.server.poller.Remove(h.remoteFd)
		closeFd(h.remoteFd)
		h.server.unregisterFd(h.remoteFd)
		h.remoteAlive = false
	}
	h.server.removeFromTimeouts(h)
	h.server.metrics.ConnectionClosed()
}
