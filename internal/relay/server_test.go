package relay

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shadowmux/relaycore/internal/config"
	"github.com/shadowmux/relaycore/internal/logging"
	"github.com/shadowmux/relaycore/internal/metrics"
)

// startEchoServer starts a plain TCP server that echoes back whatever it
// receives, standing in for "the real destination" the remote role dials.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func startRelayServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger := logging.NopLogger()
	srv := NewServer(cfg, logger, metrics.New(nil))
	if err := srv.BindAndListen(); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := srv.AttachToLoop(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func TestRelay_EndToEndConnectAndStream(t *testing.T) {
	echoAddr := startEchoServer(t)
	echoHost, echoPortStr, err := net.SplitHostPort(echoAddr)
	if err != nil {
		t.Fatalf("split echo addr: %v", err)
	}
	echoIP := net.ParseIP(echoHost).To4()
	if echoIP == nil {
		t.Fatalf("expected an IPv4 echo address, got %s", echoHost)
	}

	remoteCfg := config.Default()
	remoteCfg.Role = config.RoleRemote
	remoteCfg.Password = "integration-test-password"
	remoteCfg.Server = "127.0.0.1"
	remoteCfg.ServerPort = 0
	remoteCfg.TimeoutSeconds = 300

	remoteSrv := startRelayServer(t, remoteCfg)
	remotePort, err := remoteSrv.ListenPort()
	if err != nil {
		t.Fatalf("remote listen port: %v", err)
	}

	localCfg := config.Default()
	localCfg.Role = config.RoleLocal
	localCfg.Password = remoteCfg.Password
	localCfg.Server = "127.0.0.1"
	localCfg.ServerPort = remotePort
	localCfg.LocalAddress = "127.0.0.1"
	localCfg.LocalPort = 0
	localCfg.TimeoutSeconds = 300

	localSrv := startRelayServer(t, localCfg)
	localPort, err := localSrv.ListenPort()
	if err != nil {
		t.Fatalf("local listen port: %v", err)
	}

	client, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)), 2*time.Second)
	if err != nil {
		t.Fatalf("dial local SOCKS5 listener: %v", err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetingReply := make([]byte, 2)
	if _, err := readFull(client, greetingReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetingReply[0] != 0x05 || greetingReply[1] != 0x00 {
		t.Fatalf("unexpected greeting reply: %v", greetingReply)
	}

	echoPort, err := strconv.Atoi(echoPortStr)
	if err != nil {
		t.Fatalf("parse echo port: %v", err)
	}
	req := []byte{0x05, 0x01, 0x00, 0x01, echoIP[0], echoIP[1], echoIP[2], echoIP[3], byte(echoPort >> 8), byte(echoPort)}
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}
	connectReply := make([]byte, 10)
	if _, err := readFull(client, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[0] != 0x05 || connectReply[1] != 0x00 {
		t.Fatalf("unexpected connect reply: %v", connectReply)
	}

	payload := []byte("hello through the relay core")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := readFull(client, echoed); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("expected echoed payload %q, got %q", payload, echoed)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
