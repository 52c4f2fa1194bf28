package client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaynet/udptunnel/internal/frame"
	"github.com/relaynet/udptunnel/internal/logging"
	"github.com/relaynet/udptunnel/internal/server"
)

// fakeServer is a minimal hand-rolled responder used to test the client's
// handshake state machine in isolation from the real server package.
type fakeServer struct {
	conn *net.UDPConn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("failed to start fake server: %v", err)
	}
	return &fakeServer{conn: conn}
}

func (f *fakeServer) addr() *net.UDPAddr {
	return f.conn.LocalAddr().(*net.UDPAddr)
}

func (f *fakeServer) respondOnce(t *testing.T, resp frame.Frame) {
	t.Helper()
	buf := make([]byte, frame.MaxFrameSize+1)
	f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, raddr, err := f.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("fake server failed to receive request: %v", err)
	}
	if _, err := frame.Decode(buf[:n]); err != nil {
		t.Fatalf("fake server received malformed frame: %v", err)
	}
	data, err := frame.Encode(resp)
	if err != nil {
		t.Fatalf("failed to encode fake server response: %v", err)
	}
	if _, err := f.conn.WriteToUDP(data, raddr); err != nil {
		t.Fatalf("fake server failed to send response: %v", err)
	}
}

func TestClient_HandshakeSuccess(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.respondOnce(t, frame.Response(frame.ResponseSuccess))
	}()

	c, err := New(Config{
		ServerEndpoint:    fs.addr(),
		ServerForwardPort: 6000,
		ForwardToEndpoint: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1},
		HandshakeTimeout:  2 * time.Second,
		Logger:            logging.NewLogger(logging.LevelError),
	})
	<-done
	if err != nil {
		t.Fatalf("expected successful handshake, got error: %v", err)
	}
	c.conn.Close()
}

func TestClient_HandshakePortInUse(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.respondOnce(t, frame.Response(frame.ResponsePortInUse))
	}()

	_, err := New(Config{
		ServerEndpoint:    fs.addr(),
		ServerForwardPort: 6001,
		ForwardToEndpoint: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1},
		HandshakeTimeout:  2 * time.Second,
		Logger:            logging.NewLogger(logging.LevelError),
	})
	<-done
	if err == nil {
		t.Fatal("expected handshake error for PortInUse response")
	}
}

func TestClient_HandshakeTimeout(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.conn.Close() // never responds

	_, err := New(Config{
		ServerEndpoint:    fs.addr(),
		ServerForwardPort: 6002,
		ForwardToEndpoint: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1},
		HandshakeTimeout:  100 * time.Millisecond,
		Logger:            logging.NewLogger(logging.LevelError),
	})
	if err == nil {
		t.Fatal("expected handshake timeout error")
	}
}

// localEcho listens on loopback and echoes every datagram back to its
// sender, prefixed with "echo:".
type localEcho struct {
	conn *net.UDPConn
}

func newLocalEcho(t *testing.T) *localEcho {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to start local echo: %v", err)
	}
	e := &localEcho{conn: conn}
	go e.run()
	return e
}

func (e *localEcho) run() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		reply := append([]byte("echo:"), buf[:n]...)
		e.conn.WriteToUDP(reply, addr)
	}
}

func (e *localEcho) addr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

func TestClient_RoundTripThroughRealServer(t *testing.T) {
	srv, err := server.New(server.Config{
		Port:               0,
		SessionIdleTimeout: 5 * time.Second,
		Logger:             logging.NewLogger(logging.LevelError),
	})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	serverAddr := srv.LocalAddr()
	echo := newLocalEcho(t)
	defer echo.conn.Close()

	forwardPort := uint16(7000)
	cl, err := New(Config{
		ServerEndpoint:    serverAddr,
		ServerForwardPort: forwardPort,
		ForwardToEndpoint: echo.addr(),
		HandshakeTimeout:  2 * time.Second,
		KeepaliveInterval: time.Hour,
		Logger:            logging.NewLogger(logging.LevelError),
	})
	if err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}

	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()
	go cl.Run(clientCtx)

	// An external peer sends a datagram at the server's forward port.
	peerConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(forwardPort)})
	if err != nil {
		t.Fatalf("failed to dial forward port: %v", err)
	}
	defer peerConn.Close()

	if _, err := peerConn.Write([]byte("hello")); err != nil {
		t.Fatalf("failed to send to forward port: %v", err)
	}

	peerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := peerConn.Read(buf)
	if err != nil {
		t.Fatalf("expected echoed reply at peer socket: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("echo:hello")) {
		t.Fatalf("reply mismatch: got %q", buf[:n])
	}
}

func TestClient_PeerIsolation(t *testing.T) {
	srv, err := server.New(server.Config{
		Port:               0,
		SessionIdleTimeout: 5 * time.Second,
		Logger:             logging.NewLogger(logging.LevelError),
	})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	echo := newLocalEcho(t)
	defer echo.conn.Close()

	forwardPort := uint16(7001)
	cl, err := New(Config{
		ServerEndpoint:    srv.LocalAddr(),
		ServerForwardPort: forwardPort,
		ForwardToEndpoint: echo.addr(),
		HandshakeTimeout:  2 * time.Second,
		KeepaliveInterval: time.Hour,
		Logger:            logging.NewLogger(logging.LevelError),
	})
	if err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}

	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()
	go cl.Run(clientCtx)

	peerA, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(forwardPort)})
	if err != nil {
		t.Fatalf("failed to dial forward port as peer A: %v", err)
	}
	defer peerA.Close()

	peerB, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(forwardPort)})
	if err != nil {
		t.Fatalf("failed to dial forward port as peer B: %v", err)
	}
	defer peerB.Close()

	if _, err := peerA.Write([]byte("from-a")); err != nil {
		t.Fatalf("peer A send failed: %v", err)
	}
	if _, err := peerB.Write([]byte("from-b")); err != nil {
		t.Fatalf("peer B send failed: %v", err)
	}

	peerA.SetReadDeadline(time.Now().Add(2 * time.Second))
	bufA := make([]byte, 64)
	nA, err := peerA.Read(bufA)
	if err != nil {
		t.Fatalf("peer A expected reply: %v", err)
	}
	if !bytes.Equal(bufA[:nA], []byte("echo:from-a")) {
		t.Fatalf("peer A got cross-talk: %q", bufA[:nA])
	}

	peerB.SetReadDeadline(time.Now().Add(2 * time.Second))
	bufB := make([]byte, 64)
	nB, err := peerB.Read(bufB)
	if err != nil {
		t.Fatalf("peer B expected reply: %v", err)
	}
	if !bytes.Equal(bufB[:nB], []byte("echo:from-b")) {
		t.Fatalf("peer B got cross-talk: %q", bufB[:nB])
	}
}

func TestClient_KeepaliveCadence(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.respondOnce(t, frame.Response(frame.ResponseSuccess))
	}()

	c, err := New(Config{
		ServerEndpoint:    fs.addr(),
		ServerForwardPort: 6003,
		ForwardToEndpoint: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1},
		HandshakeTimeout:  2 * time.Second,
		KeepaliveInterval: 50 * time.Millisecond,
		Logger:            logging.NewLogger(logging.LevelError),
	})
	<-done
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fs.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, frame.MaxFrameSize)
	n, err := fs.conn.Read(buf)
	if err != nil {
		t.Fatalf("expected at least one keepalive: %v", err)
	}
	fr, err := frame.Decode(buf[:n])
	if err != nil {
		t.Fatalf("failed to decode keepalive: %v", err)
	}
	if fr.Tag != frame.CommandKeepalive {
		t.Fatalf("expected Keepalive frame, got %v", fr.Tag)
	}
}
