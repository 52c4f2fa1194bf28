// Package client implements the tunnel client: a single control socket
// connected to the server, and a table of per-peer sockets that relay
// tunneled payloads to a fixed local forward-to endpoint.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaynet/udptunnel/internal/events"
	"github.com/relaynet/udptunnel/internal/frame"
	"github.com/relaynet/udptunnel/internal/logging"
	"github.com/relaynet/udptunnel/internal/metrics"
	"github.com/relaynet/udptunnel/internal/stats"
	"github.com/relaynet/udptunnel/internal/trace"
)

// requestToken is the placeholder authenticator value; the server accepts
// any token unconditionally.
const requestToken uint32 = 0xDEADBEEF

// writeQueueSize bounds the control channel. When it is full, a peer reply
// is dropped (the new Frame, not a queued one) and logged at Debug; the
// keepalive ticker waits for room instead, so Keepalive is never dropped.
const writeQueueSize = 256

// Config configures a Client.
type Config struct {
	ServerEndpoint    *net.UDPAddr
	ServerForwardPort uint16
	ForwardToEndpoint *net.UDPAddr
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	StatsInterval     time.Duration
	Logger            *logging.Logger
	Emitter           events.Emitter
	Metrics           *metrics.Registry // optional
	Tracer            *trace.Writer     // optional
}

// peerSocket is the client-side record created the first time a given
// external peer address is observed in an inbound UdpPayload. Its map entry
// in Client.peers is owned exclusively by the control-reader goroutine.
type peerSocket struct {
	addr *net.UDPAddr
	conn *net.UDPConn
}

// Client owns the control socket and the table of peer sockets.
type Client struct {
	cfg    Config
	conn   *net.UDPConn
	logger *logging.Logger

	writeCh chan frame.Frame

	peers       map[string]*peerSocket // owned by the control-reader goroutine only
	activePeers int64

	counters stats.Counters
}

// New performs the client handshake against cfg.ServerEndpoint. A failed
// handshake (timeout, PortInUse, or any unexpected response) is fatal and
// returned as an error; the caller is expected to exit non-zero.
func New(cfg Config) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 500 * time.Millisecond
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 25 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.LevelInfo)
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NopEmitter{}
	}

	conn, err := net.DialUDP("udp", nil, cfg.ServerEndpoint)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.ServerEndpoint, err)
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		logger:  cfg.Logger,
		writeCh: make(chan frame.Frame, writeQueueSize),
		peers:   make(map[string]*peerSocket),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		cfg.Emitter.Emit(events.EventHandshakeFailed, events.HandshakeFailedData{
			ServerEndpoint: cfg.ServerEndpoint.String(),
			Reason:         err.Error(),
		})
		return nil, err
	}

	return c, nil
}

func (c *Client) handshake() error {
	req := frame.Request(c.cfg.ServerForwardPort, requestToken)
	data, err := frame.Encode(req)
	if err != nil {
		return fmt.Errorf("client: encode handshake request: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("client: send handshake request: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("client: set handshake deadline: %w", err)
	}

	buf := make([]byte, frame.MaxFrameSize+1)
	n, err := c.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("client: handshake timed out waiting for server response: %w", err)
	}

	resp, err := frame.Decode(buf[:n])
	if err != nil {
		return fmt.Errorf("client: malformed handshake response: %w", err)
	}

	switch resp.Tag {
	case frame.CommandResponse:
		switch resp.Response {
		case frame.ResponseSuccess:
			return c.conn.SetReadDeadline(time.Time{})
		case frame.ResponsePortInUse:
			return fmt.Errorf("client: requested port %d is already in use on the server", c.cfg.ServerForwardPort)
		default:
			return fmt.Errorf("client: unexpected response kind %v", resp.Response)
		}
	default:
		return fmt.Errorf("client: unexpected frame %v during handshake", resp.Tag)
	}
}

// Run starts the writer, keepalive ticker, and control-reader loops and
// blocks until ctx is cancelled or the control socket fails.
func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writer(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepaliveLoop(ctx)
	}()

	if c.cfg.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.statsLoop(ctx)
		}()
	}

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	err := c.controlReader(ctx)
	c.closeAllPeers()
	close(c.writeCh)
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) writer(ctx context.Context) {
	for fr := range c.writeCh {
		data, err := frame.Encode(fr)
		if err != nil {
			c.logger.Warn("encode failed for %v: %v", fr.Tag, err)
			continue
		}
		if _, err := c.conn.Write(data); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("control write failed: %v", err)
			continue
		}
		c.counters.AddTx(len(data))
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ObserveTx(len(data))
		}
	}
}

func (c *Client) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case c.writeCh <- frame.Keepalive():
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) controlReader(ctx context.Context) error {
	buf := make([]byte, frame.MaxFrameSize+1)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: control socket read: %w", err)
		}

		c.counters.AddRx(n)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ObserveRx(n)
		}

		fr, err := frame.Decode(buf[:n])
		if err != nil {
			c.logger.Warn("dropping malformed datagram from server: %v", err)
			continue
		}

		c.dispatch(fr)
	}
}

func (c *Client) dispatch(fr frame.Frame) {
	switch fr.Tag {
	case frame.CommandUdpPayload:
		c.relayToPeer(fr.PeerAddr, fr.Payload)

	case frame.CommandResponse, frame.CommandRequest:
		c.logger.Debug("ignoring unexpected %v frame from server", fr.Tag)

	case frame.CommandKeepalive:
		// Only the client originates Keepalive; nothing to do on receipt.

	default:
		c.logger.Warn("unknown command tag %v from server", fr.Tag)
	}
}

func (c *Client) relayToPeer(peer *net.UDPAddr, payload []byte) {
	key := peer.String()
	ps, ok := c.peers[key]
	if !ok {
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			c.logger.Warn("failed to open peer socket for %s: %v", peer, err)
			return
		}
		ps = &peerSocket{addr: peer, conn: conn}
		c.peers[key] = ps
		atomic.AddInt64(&c.activePeers, 1)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.PeerSocketsActive.Set(float64(atomic.LoadInt64(&c.activePeers)))
		}

		go c.peerReader(ps)

		c.logger.Info("new peer %s", peer)
		c.cfg.Emitter.Emit(events.EventPeerConnected, events.PeerConnectedData{PeerAddr: peer.String()})
	}

	if _, err := ps.conn.WriteToUDP(payload, c.cfg.ForwardToEndpoint); err != nil {
		c.logger.Debug("write to forward-to endpoint failed for peer %s: %v", peer, err)
		return
	}
	if c.cfg.Tracer != nil {
		c.cfg.Tracer.WriteUDP(peer, c.cfg.ForwardToEndpoint, payload)
	}
}

// peerReader forwards replies from the forward-to endpoint back through
// the control channel, tagged with the external peer's address. Unlike a
// server-side session, a peer socket is never torn down individually: it
// lives until client termination, so any read error (deliberate close at
// shutdown, or a genuine I/O failure) just ends this loop without touching
// Client.peers.
func (c *Client) peerReader(ps *peerSocket) {
	buf := make([]byte, frame.MaxFrameSize)
	for {
		n, _, err := ps.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		if c.cfg.Tracer != nil {
			c.cfg.Tracer.WriteUDP(c.cfg.ForwardToEndpoint, ps.addr, payload)
		}

		select {
		case c.writeCh <- frame.UdpPayload(ps.addr, payload):
		default:
			c.logger.Debug("control write queue full, dropping reply for peer %s", ps.addr)
		}
	}
}

func (c *Client) closeAllPeers() {
	for _, ps := range c.peers {
		ps.conn.Close()
	}
}

func (c *Client) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := c.counters.Snapshot()
			c.logger.Stats("TX: %s frames (%s) | RX: %s frames (%s) | peers: %d",
				stats.FormatNumber(snap.TxFrames), stats.FormatBytes(snap.TxBytes),
				stats.FormatNumber(snap.RxFrames), stats.FormatBytes(snap.RxBytes),
				atomic.LoadInt64(&c.activePeers))
		}
	}
}
