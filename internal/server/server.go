// Package server implements the tunnel server: one listen socket shared by
// many client sessions, each owning a forward socket that relays datagrams
// to and from arbitrary external peers.
package server

import (
	"context"
	"errors"
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

// outboundQueueSize bounds each session's forward-socket send queue.
// Matches the teacher's ChannelBufferSize; the overflow policy is
// drop-oldest for payload Frames (see enqueueOutbound).
const outboundQueueSize = 256

// reapCheckInterval is how often the listener loop checks for idle
// sessions. It also doubles as the listen socket's read deadline so a
// blocking ReadFromUDP periodically yields without a dedicated poller
// goroutine.
const reapCheckInterval = time.Second

// Config configures a Server.
type Config struct {
	Port               uint16
	KeepaliveInterval  time.Duration // informational only; the server never originates Keepalives
	SessionIdleTimeout time.Duration
	StatsInterval      time.Duration
	Logger             *logging.Logger
	Emitter            events.Emitter
	Metrics            *metrics.Registry // optional
	Tracer             *trace.Writer     // optional
}

// outboundPayload is what a session's forward writer consumes: a tunneled
// datagram bound for a specific external peer.
type outboundPayload struct {
	peer    *net.UDPAddr
	payload []byte
}

// clientSession is the server-side record created by a successful
// handshake. Its map entry in Server.sessions is owned exclusively by the
// listener goroutine; no other goroutine ever reads or writes that map.
type clientSession struct {
	clientAddr  *net.UDPAddr
	port        uint16
	forwardConn *net.UDPConn
	outbound    chan outboundPayload
	lastUsed    time.Time
	counters    stats.Counters
}

func (s *clientSession) enqueueOutbound(p outboundPayload) {
	select {
	case s.outbound <- p:
		return
	default:
	}
	// Queue full: drop the oldest payload Frame and retry once. Only the
	// listener goroutine ever sends here, so this two-step drain-then-send
	// cannot race with another producer.
	select {
	case <-s.outbound:
	default:
	}
	select {
	case s.outbound <- p:
	default:
	}
}

// mainWriteMsg is a Frame destined for a specific client's control address,
// queued onto the single listen-socket writer.
type mainWriteMsg struct {
	addr  *net.UDPAddr
	frame frame.Frame
}

// Server owns the listen socket and the table of client sessions.
type Server struct {
	cfg    Config
	conn   *net.UDPConn
	logger *logging.Logger

	mainWrite chan mainWriteMsg

	// sessionDone receives a session whose forward socket reader or writer
	// loop exited, whether from a deliberate close (reap, shutdown) or a
	// genuine I/O error. mainReader drains it and removes the session if it
	// is still present, so an unexpected forward-socket failure tears the
	// session down instead of leaking its sibling loop and map entry.
	sessionDone chan *clientSession

	sessions map[string]*clientSession // owned by the listener goroutine only

	// activeSessions mirrors len(sessions) so the stats loop, which runs on
	// a different goroutine, can read the count without touching the map.
	activeSessions int64

	counters stats.Counters
}

// New binds the listen socket on 0.0.0.0:<port>.
func New(cfg Config) (*Server, error) {
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = 3 * 25 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.LevelInfo)
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NopEmitter{}
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: int(cfg.Port)})
	if err != nil {
		return nil, fmt.Errorf("server: bind listen socket on port %d: %w", cfg.Port, err)
	}

	return &Server{
		cfg:         cfg,
		conn:        conn,
		logger:      cfg.Logger,
		mainWrite:   make(chan mainWriteMsg, outboundQueueSize),
		sessionDone: make(chan *clientSession, outboundQueueSize),
		sessions:    make(map[string]*clientSession),
	}, nil
}

// LocalAddr returns the address the listen socket is bound to.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run blocks serving the listen socket until ctx is cancelled or a fatal
// socket error occurs.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.mainWriter(ctx)
	}()

	if s.cfg.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.statsLoop(ctx)
		}()
	}

	// Closing the listen socket on cancellation unblocks mainReader's
	// blocking ReadFromUDP, same as the per-session sockets below.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	err := s.mainReader(ctx)

	for _, sess := range s.sessions {
		s.closeSession(sess, "server shutdown")
	}
	close(s.mainWrite)
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) mainWriter(ctx context.Context) {
	buf := make([]byte, 0, frame.MaxFrameSize)
	for msg := range s.mainWrite {
		data, err := frame.Encode(msg.frame)
		if err != nil {
			s.logger.Warn("encode failed for %s to %s: %v", msg.frame.Tag, msg.addr, err)
			continue
		}
		buf = buf[:0]
		buf = append(buf, data...)
		if _, err := s.conn.WriteToUDP(buf, msg.addr); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("write to %s failed: %v", msg.addr, err)
			continue
		}
		s.counters.AddTx(len(buf))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveTx(len(buf))
		}
	}
}

func (s *Server) mainReader(ctx context.Context) error {
	buf := make([]byte, frame.MaxFrameSize+1)
	lastReap := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.drainSessionDone()

		if time.Since(lastReap) >= reapCheckInterval {
			s.reapIdleSessions()
			lastReap = time.Now()
		}

		s.conn.SetReadDeadline(time.Now().Add(reapCheckInterval))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("server: listen socket read: %w", err)
		}

		s.counters.AddRx(n)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveRx(n)
		}

		fr, err := frame.Decode(buf[:n])
		if err != nil {
			s.logger.Warn("dropping malformed datagram from %s: %v", addr, err)
			continue
		}

		s.dispatch(addr, fr)
	}
}

func (s *Server) dispatch(addr *net.UDPAddr, fr frame.Frame) {
	switch fr.Tag {
	case frame.CommandRequest:
		s.handleRequest(addr, fr.Port, fr.Token)

	case frame.CommandUdpPayload:
		sess, ok := s.sessions[addr.String()]
		if !ok {
			s.logger.Warn("dropping UdpPayload from unauthenticated source %s", addr)
			return
		}
		sess.lastUsed = time.Now()
		sess.enqueueOutbound(outboundPayload{peer: fr.PeerAddr, payload: fr.Payload})

	case frame.CommandKeepalive:
		sess, ok := s.sessions[addr.String()]
		if !ok {
			s.logger.Warn("dropping Keepalive from unauthenticated source %s", addr)
			return
		}
		sess.lastUsed = time.Now()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.KeepalivesTotal.Inc()
		}

	case frame.CommandResponse:
		s.logger.Warn("protocol violation: Response from client %s", addr)

	default:
		s.logger.Warn("unknown command tag %v from %s", fr.Tag, addr)
	}
}

func (s *Server) handleRequest(addr *net.UDPAddr, port uint16, token uint32) {
	// Token validation is a placeholder per the protocol's current
	// authentication posture: every token is accepted.
	_ = token

	if sess, ok := s.sessions[addr.String()]; ok {
		// Duplicate handshake from an already-registered client: resend
		// the existing Response instead of asserting (decided policy,
		// see DESIGN.md).
		s.logger.Debug("duplicate Request from %s, resending Success", addr)
		s.sendTo(addr, frame.Response(frame.ResponseSuccess))
		sess.lastUsed = time.Now()
		return
	}

	forwardConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: int(port)})
	if err != nil {
		s.logger.Warn("port %d requested by %s already in use: %v", port, addr, err)
		s.sendTo(addr, frame.Response(frame.ResponsePortInUse))
		s.cfg.Emitter.Emit(events.EventPortInUse, events.PortInUseData{ClientAddr: addr.String(), Port: port})
		return
	}

	sess := &clientSession{
		clientAddr:  addr,
		port:        port,
		forwardConn: forwardConn,
		outbound:    make(chan outboundPayload, outboundQueueSize),
		lastUsed:    time.Now(),
	}
	s.sessions[addr.String()] = sess
	atomic.AddInt64(&s.activeSessions, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.forwardReader(sess)
	}()
	go func() {
		defer wg.Done()
		s.forwardWriter(sess)
	}()

	s.sendTo(addr, frame.Response(frame.ResponseSuccess))
	s.logger.Info("session opened for %s on port %d", addr, port)
	s.cfg.Emitter.Emit(events.EventSessionOpened, events.SessionOpenedData{ClientAddr: addr.String(), Port: port})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionsActive.Set(float64(atomic.LoadInt64(&s.activeSessions)))
	}
}

// forwardReader is the per-session "port_r" loop: it receives datagrams
// from external peers on the forward socket and forwards them to the
// client over the control channel.
func (s *Server) forwardReader(sess *clientSession) {
	buf := make([]byte, frame.MaxFrameSize)
	for {
		n, peerAddr, err := sess.forwardConn.ReadFromUDP(buf)
		if err != nil {
			// Whether this is a deliberate close (reap, shutdown) or a
			// genuine forward-socket failure, report it so the listener
			// goroutine can remove the session if it hasn't already.
			select {
			case s.sessionDone <- sess:
			default:
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		sess.counters.AddRx(n)
		if s.cfg.Tracer != nil {
			s.cfg.Tracer.WriteUDP(peerAddr, sess.forwardConn.LocalAddr().(*net.UDPAddr), payload)
		}

		select {
		case s.mainWrite <- mainWriteMsg{addr: sess.clientAddr, frame: frame.UdpPayload(peerAddr, payload)}:
		default:
			s.logger.Debug("main write queue full, dropping payload from peer %s", peerAddr)
		}
	}
}

// forwardWriter is the per-session "port_w" loop: it drains the session's
// outbound queue and emits datagrams to external peers from the forward
// socket.
func (s *Server) forwardWriter(sess *clientSession) {
	for p := range sess.outbound {
		if _, err := sess.forwardConn.WriteToUDP(p.payload, p.peer); err != nil {
			select {
			case s.sessionDone <- sess:
			default:
			}
			return
		}
		sess.counters.AddTx(len(p.payload))
		if s.cfg.Tracer != nil {
			s.cfg.Tracer.WriteUDP(sess.forwardConn.LocalAddr().(*net.UDPAddr), p.peer, p.payload)
		}
	}
}

func (s *Server) sendTo(addr *net.UDPAddr, fr frame.Frame) {
	select {
	case s.mainWrite <- mainWriteMsg{addr: addr, frame: fr}:
	default:
		s.logger.Warn("main write queue full, dropping %v to %s", fr.Tag, addr)
	}
}

// drainSessionDone removes sessions reported by forwardReader or
// forwardWriter, guarding
// against a session already removed by reaping or shutdown.
func (s *Server) drainSessionDone() {
	for {
		select {
		case sess := <-s.sessionDone:
			key := sess.clientAddr.String()
			if cur, ok := s.sessions[key]; ok && cur == sess {
				delete(s.sessions, key)
				atomic.AddInt64(&s.activeSessions, -1)
				s.closeSession(sess, "forward socket error")
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.SessionsActive.Set(float64(atomic.LoadInt64(&s.activeSessions)))
				}
			}
		default:
			return
		}
	}
}

func (s *Server) reapIdleSessions() {
	now := time.Now()
	for key, sess := range s.sessions {
		if now.Sub(sess.lastUsed) >= s.cfg.SessionIdleTimeout {
			delete(s.sessions, key)
			atomic.AddInt64(&s.activeSessions, -1)
			s.closeSession(sess, "idle timeout")
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionsActive.Set(float64(atomic.LoadInt64(&s.activeSessions)))
	}
}

func (s *Server) closeSession(sess *clientSession, reason string) {
	sess.forwardConn.Close()
	close(sess.outbound)
	s.logger.Info("session closed for %s (%s)", sess.clientAddr, reason)
	s.cfg.Emitter.Emit(events.EventSessionClosed, events.SessionClosedData{ClientAddr: sess.clientAddr.String(), Reason: reason})
}

func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.counters.Snapshot()
			s.logger.Stats("TX: %s frames (%s) | RX: %s frames (%s) | sessions: %d",
				stats.FormatNumber(snap.TxFrames), stats.FormatBytes(snap.TxBytes),
				stats.FormatNumber(snap.RxFrames), stats.FormatBytes(snap.RxBytes),
				atomic.LoadInt64(&s.activeSessions))
		}
	}
}
