// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import (
	"io"
	"log"
	"net/netip"
)

// Server is the server side of the tunnel protocol, implementing
// [Handlers] over an [EchoChannel] and a [TunChannel]. It serves a
// single client at a time: the first connection request wins and later
// ones are answered with a server-full packet until the session expires.
//
// Because middleboxes only forward echo replies matching an outstanding
// request, the server cannot originate traffic at will: it spends one
// sequence number from the punch-through window donated by the client
// for every frame it sends.
//
// A Server is bound to the single goroutine running the forwarder; only
// the shared [*RunState] is touched from elsewhere.
//
// Construct using [NewServer].
type Server struct {
	// run is the shared cancellation state.
	run *RunState

	// skt is the encapsulation channel.
	skt EchoChannel

	// dev is the tunnel device.
	dev TunChannel

	// strictID restricts the served instance to the configured id.
	strictID bool

	// id is the echo identifier of the served session.
	id uint16

	// keepalive is the number of ticks in one keep-alive period.
	keepalive int

	// retries is the number of silent keep-alive periods before the
	// client is expired; zero keeps a dead session forever.
	retries int

	// logger reports session events.
	logger *log.Logger

	// trace optionally captures tunneled frames.
	trace *FrameTrace

	// frame is the tunnel device read buffer.
	frame []byte

	// connected reports whether a client session is active.
	connected bool

	// client is the address of the connected client.
	client netip.Addr

	// window holds the donated punch-through sequence numbers.
	window punchThruRing

	// ticks counts timeout events within the keep-alive period.
	ticks int

	// timeouts counts keep-alive periods without client traffic.
	timeouts int
}

// ServerOption is an option for [NewServer].
type ServerOption func(s *Server)

// ServerOptionInstanceID restricts the server to connection requests
// carrying the given echo identifier. The default is to serve the first
// requesting instance, whatever its identifier.
func ServerOptionInstanceID(id uint16) ServerOption {
	return func(s *Server) {
		s.strictID = true
		s.id = id
	}
}

// ServerOptionKeepAlive sets the keep-alive period expressed in
// forwarder ticks. The default is [DefaultKeepAliveTicks].
func ServerOptionKeepAlive(ticks int) ServerOption {
	return func(s *Server) {
		s.keepalive = ticks
	}
}

// ServerOptionRetries sets how many keep-alive periods without client
// traffic are tolerated before the session expires. Zero never expires
// a session. The default is [DefaultRetries].
func ServerOptionRetries(retries int) ServerOption {
	return func(s *Server) {
		s.retries = retries
	}
}

// ServerOptionLogger sets the [*log.Logger] reporting session events
// such as connections being accepted or expiring. The default is to
// discard them.
func ServerOptionLogger(logger *log.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerOptionTrace captures every IP frame crossing the tunnel into
// the given [*FrameTrace]. The default is no capture.
func ServerOptionTrace(trace *FrameTrace) ServerOption {
	return func(s *Server) {
		s.trace = trace
	}
}

// NewServer creates a new [*Server] tunneling frames of up to mtu bytes
// between the given channels and whatever client connects.
func NewServer(run *RunState, skt EchoChannel, dev TunChannel,
	mtu int, options ...ServerOption) *Server {
	s := &Server{
		run:       run,
		skt:       skt,
		dev:       dev,
		strictID:  false,
		id:        0,
		keepalive: DefaultKeepAliveTicks,
		retries:   DefaultRetries,
		logger:    log.New(io.Discard, "", 0),
		trace:     nil,
		frame:     make([]byte, mtu),
		connected: false,
		client:    netip.Addr{},
		window:    punchThruRing{},
		ticks:     0,
		timeouts:  0,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Ensure that [*Server] implements [Handlers].
var _ Handlers = &Server{}

// Peer returns the [*Peer] to forward for this session.
func (s *Server) Peer() *Peer {
	return &Peer{Socket: s.skt, Device: s.dev}
}

// HandleEcho implements [Handlers]. It consumes one echo message and
// dispatches on the tunnel packet type, dropping traffic that does not
// carry the client magic or belong to the served session.
func (s *Server) HandleEcho(peer *Peer) {
	echo, err := s.skt.ReceiveEcho()
	if err != nil {
		return
	}
	if !echo.Header.IsClient() {
		return
	}

	if echo.Header.Type == PacketConnectionRequest {
		if s.strictID && echo.ID != s.id {
			return
		}
		s.handleConnectionRequest(echo)
		return
	}

	// anything else must come from the connected client
	if !s.connected || echo.Addr != s.client || echo.ID != s.id {
		return
	}

	switch echo.Header.Type {
	case PacketData:
		s.handleData(echo)

	case PacketKeepAlive:
		s.handleKeepAlive(echo)

	case PacketPunchThru:
		s.recordPunchThru(echo)
	}
}

// handleConnectionRequest answers with an accept when idle and with a
// server-full packet while another session is active.
func (s *Server) handleConnectionRequest(echo *Echo) {
	if s.connected {
		s.logger.Printf("icmptun: ignoring connection from %s", echo.Addr)
		s.reply(echo, PacketServerFull)
		return
	}

	s.connected = true
	s.client = echo.Addr
	s.id = echo.ID
	s.window.reset()
	s.markAlive()
	s.logger.Printf("icmptun: accepting connection from %s", echo.Addr)
	s.reply(echo, PacketConnectionAccept)
}

// handleData writes a decapsulated frame to the tunnel device. The
// request's sequence number also counts as a punch-through donation.
func (s *Server) handleData(echo *Echo) {
	if len(echo.Payload) <= 0 {
		return
	}
	if s.trace != nil {
		s.trace.Dump(echo.Payload)
	}
	if _, err := s.dev.WriteFrame(echo.Payload); err != nil {
		s.logger.Printf("icmptun: server: write tunnel frame: %s", err.Error())
		return
	}
	s.recordPunchThru(echo)
}

// handleKeepAlive answers a liveness probe in kind.
func (s *Server) handleKeepAlive(echo *Echo) {
	s.reply(echo, PacketKeepAlive)
	s.markAlive()
}

// recordPunchThru banks the request's sequence number for return traffic.
func (s *Server) recordPunchThru(echo *Echo) {
	s.window.record(echo.Seq)
	s.markAlive()
}

// HandleTunnel implements [Handlers]. It reads one frame from the
// tunnel device and encapsulates it towards the client, spending one
// punch-through sequence number.
func (s *Server) HandleTunnel(peer *Peer) {
	count, err := s.dev.ReadFrame(s.frame)
	if err != nil || count <= 0 {
		return
	}

	// drop the frame without a client to send it to
	if !s.connected {
		return
	}

	// drop the frame when out of punch-through entries: an unsolicited
	// reply would be eaten by the middlebox anyway
	seq, ok := s.window.consume()
	if !ok {
		return
	}

	frame := s.frame[:count]
	if s.trace != nil {
		s.trace.Dump(frame)
	}
	err = s.skt.SendEcho(&Echo{
		ID:   s.id,
		Seq:  seq,
		Addr: s.client,
		Header: PacketHeader{
			Magic:    MagicServer,
			Reserved: 0,
			Type:     PacketData,
		},
		Payload: frame,
	})
	if err != nil {
		s.logger.Printf("icmptun: server: send data: %s", err.Error())
	}
}

// HandleTimeout implements [Handlers]. It expires the client session
// after the configured number of silent keep-alive periods.
func (s *Server) HandleTimeout(peer *Peer) {
	if !s.connected {
		return
	}

	s.ticks++
	if s.ticks < s.keepalive {
		return
	}
	s.ticks = 0

	if s.retries > 0 {
		if s.timeouts++; s.timeouts >= s.retries {
			s.logger.Printf("icmptun: client connection timed out")
			s.connected = false
			s.client = netip.Addr{}
			s.window.reset()
			s.timeouts = 0
		}
	}
}

// markAlive resets the liveness accounting after client traffic.
func (s *Server) markAlive() {
	s.ticks = 0
	s.timeouts = 0
}

// reply sends an empty control packet mirroring the request's echo
// identifier and sequence number, so the reply traverses the same
// middlebox state as the request.
func (s *Server) reply(echo *Echo, ptype PacketType) {
	err := s.skt.SendEcho(&Echo{
		ID:   echo.ID,
		Seq:  echo.Seq,
		Addr: echo.Addr,
		Header: PacketHeader{
			Magic:    MagicServer,
			Reserved: 0,
			Type:     ptype,
		},
		Payload: nil,
	})
	if err != nil {
		s.logger.Printf("icmptun: server: send reply: %s", err.Error())
	}
}
