// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import (
	"io"
	"log"
	"math/rand/v2"
	"net/netip"
)

// Client is the client side of the tunnel protocol, implementing
// [Handlers] over an [EchoChannel] and a [TunChannel]. It requests a
// session from the server, encapsulates tunnel frames into echo
// requests, and keeps the session alive with periodic keep-alive and
// punch-through packets.
//
// A Client is bound to the single goroutine running the forwarder; only
// the shared [*RunState] is touched from elsewhere.
//
// Construct using [NewClient].
type Client struct {
	// run stops the forwarding loop on terminal protocol events.
	run *RunState

	// skt is the encapsulation channel.
	skt EchoChannel

	// dev is the tunnel device.
	dev TunChannel

	// server is the address of the tunnel server.
	server netip.Addr

	// id is the echo identifier of this tunnel instance.
	id uint16

	// emulation freezes the echo sequence number to mimic the
	// Microsoft ping utility.
	emulation bool

	// keepalive is the number of ticks in one keep-alive period.
	keepalive int

	// retries is the number of unanswered keep-alive periods before
	// the session is declared dead; zero retries forever.
	retries int

	// logger reports session events.
	logger *log.Logger

	// trace optionally captures tunneled frames.
	trace *FrameTrace

	// frame is the tunnel device read buffer.
	frame []byte

	// connected reports whether the server accepted the session.
	connected bool

	// seq is the next echo sequence number.
	seq uint16

	// ticks counts timeout events within the keep-alive period.
	ticks int

	// timeouts counts expired keep-alive periods without an answer.
	timeouts int

	// err is the terminal session error, if any.
	err error
}

// ClientOption is an option for [NewClient].
type ClientOption func(c *Client)

// ClientOptionInstanceID sets the echo identifier tagging every packet
// of this tunnel instance. The default is a random identifier.
func ClientOptionInstanceID(id uint16) ClientOption {
	return func(c *Client) {
		c.id = id
	}
}

// ClientOptionEmulation controls Microsoft-ping emulation: when
// enabled the echo sequence number never advances, as the Windows ping
// utility keeps it constant. The default is off.
func ClientOptionEmulation(enabled bool) ClientOption {
	return func(c *Client) {
		c.emulation = enabled
	}
}

// ClientOptionKeepAlive sets the keep-alive period expressed in
// forwarder ticks. The default is [DefaultKeepAliveTicks].
func ClientOptionKeepAlive(ticks int) ClientOption {
	return func(c *Client) {
		c.keepalive = ticks
	}
}

// ClientOptionRetries sets how many keep-alive periods may expire
// unanswered before the session is declared dead. Zero means retrying
// forever. The default is [DefaultRetries].
func ClientOptionRetries(retries int) ClientOption {
	return func(c *Client) {
		c.retries = retries
	}
}

// ClientOptionLogger sets the [*log.Logger] reporting session events
// such as the connection being established or timing out. The default
// is to discard them.
func ClientOptionLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// ClientOptionTrace captures every IP frame crossing the tunnel into
// the given [*FrameTrace]. The default is no capture.
func ClientOptionTrace(trace *FrameTrace) ClientOption {
	return func(c *Client) {
		c.trace = trace
	}
}

// Enumerate the session liveness defaults.
const (
	// DefaultKeepAliveTicks is the default keep-alive period in
	// forwarder ticks.
	DefaultKeepAliveTicks = 10

	// DefaultRetries is the default number of unanswered keep-alive
	// periods tolerated before declaring the peer dead.
	DefaultRetries = 5
)

// NewClient creates a new [*Client] tunneling frames of up to mtu bytes
// between the given channels and the server at the given address.
func NewClient(run *RunState, skt EchoChannel, dev TunChannel,
	server netip.Addr, mtu int, options ...ClientOption) *Client {
	c := &Client{
		run:       run,
		skt:       skt,
		dev:       dev,
		server:    server,
		id:        uint16(rand.Uint32()),
		emulation: false,
		keepalive: DefaultKeepAliveTicks,
		retries:   DefaultRetries,
		logger:    log.New(io.Discard, "", 0),
		trace:     nil,
		frame:     make([]byte, mtu),
		connected: false,
		seq:       0,
		ticks:     0,
		timeouts:  0,
		err:       nil,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Ensure that [*Client] implements [Handlers].
var _ Handlers = &Client{}

// Peer returns the [*Peer] to forward for this session.
func (c *Client) Peer() *Peer {
	return &Peer{Socket: c.skt, Device: c.dev}
}

// Connect sends the initial connection request. Call it once before
// forwarding; the request is re-sent on every keep-alive period until
// the server answers.
func (c *Client) Connect() error {
	return c.sendControl(PacketConnectionRequest)
}

// Err returns the terminal session error recorded before the client
// stopped the forwarding loop: [ErrServerFull] when the server rejected
// the session, [ErrPeerTimeout] when the retry budget ran out. It
// returns nil after an externally requested shutdown.
func (c *Client) Err() error {
	return c.err
}

// HandleEcho implements [Handlers]. It consumes one echo message and
// dispatches on the tunnel packet type, dropping traffic that does not
// originate from our server and session.
func (c *Client) HandleEcho(peer *Peer) {
	echo, err := c.skt.ReceiveEcho()
	if err != nil {
		return
	}

	// we are only expecting packets from the server, for our own
	// instance, and marked with the server magic
	if echo.Addr != c.server || echo.ID != c.id || !echo.Header.IsServer() {
		return
	}

	switch echo.Header.Type {
	case PacketData:
		c.handleData(echo)

	case PacketKeepAlive:
		c.markAlive()

	case PacketConnectionAccept:
		c.handleAccept()

	case PacketServerFull:
		c.handleServerFull()
	}
}

// handleData writes a decapsulated frame to the tunnel device.
func (c *Client) handleData(echo *Echo) {
	if !c.connected || len(echo.Payload) <= 0 {
		return
	}
	if c.trace != nil {
		c.trace.Dump(echo.Payload)
	}
	if _, err := c.dev.WriteFrame(echo.Payload); err != nil {
		c.logger.Printf("icmptun: client: write tunnel frame: %s", err.Error())
		return
	}
	c.markAlive()
}

// handleAccept transitions the session to connected and donates the
// initial window of punch-through sequence numbers.
func (c *Client) handleAccept() {
	if c.connected {
		return
	}
	c.connected = true
	c.markAlive()
	c.logger.Printf("icmptun: connection established with %s", c.server)

	for i := 0; i < PunchThruWindow; i++ {
		c.sendPunchThru()
	}
}

// handleServerFull records the rejection and stops the forwarding loop.
func (c *Client) handleServerFull() {
	if c.connected {
		return
	}
	c.err = ErrServerFull
	c.logger.Printf("icmptun: unable to connect: server is full")
	c.run.RequestStop()
}

// HandleTunnel implements [Handlers]. It reads one frame from the
// tunnel device and encapsulates it towards the server.
func (c *Client) HandleTunnel(peer *Peer) {
	count, err := c.dev.ReadFrame(c.frame)
	if err != nil || count <= 0 {
		return
	}

	// drop the frame until the session is established
	if !c.connected {
		return
	}

	frame := c.frame[:count]
	if c.trace != nil {
		c.trace.Dump(frame)
	}
	if err := c.sendData(frame); err != nil {
		c.logger.Printf("icmptun: client: send data: %s", err.Error())
	}
}

// HandleTimeout implements [Handlers]. Each tick emits a punch-through
// packet when connected; each expired keep-alive period either probes
// the server or re-sends the connection request, until the retry budget
// runs out.
func (c *Client) HandleTimeout(peer *Peer) {
	if c.connected {
		c.sendPunchThru()
	}

	c.ticks++
	if c.ticks < c.keepalive {
		return
	}
	c.ticks = 0

	retries := c.retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	if c.timeouts++; c.timeouts >= retries {
		c.logger.Printf("icmptun: connection timed out")
		c.connected = false
		c.timeouts = 0

		// a finite retry budget makes a dead session terminal; an
		// infinite one falls through to request a fresh connection
		if c.retries > 0 {
			c.err = ErrPeerTimeout
			c.run.RequestStop()
			return
		}
	}

	if c.connected {
		_ = c.sendControl(PacketKeepAlive)
		return
	}
	_ = c.sendControl(PacketConnectionRequest)
}

// markAlive resets the liveness accounting after proof the server is
// still answering.
func (c *Client) markAlive() {
	c.ticks = 0
	c.timeouts = 0
}

// nextSeq returns the echo sequence number to use, advancing it unless
// we are emulating the Microsoft ping utility.
func (c *Client) nextSeq() uint16 {
	seq := c.seq
	if !c.emulation {
		c.seq++
	}
	return seq
}

// sendData encapsulates one tunnel frame into a data packet.
func (c *Client) sendData(frame []byte) error {
	return c.send(PacketData, frame)
}

// sendControl sends an empty packet of the given type.
func (c *Client) sendControl(ptype PacketType) error {
	return c.send(ptype, nil)
}

// sendPunchThru donates one echo sequence number to the server.
func (c *Client) sendPunchThru() {
	_ = c.send(PacketPunchThru, nil)
}

// send builds and transmits one echo request towards the server.
func (c *Client) send(ptype PacketType, payload []byte) error {
	return c.skt.SendEcho(&Echo{
		ID:   c.id,
		Seq:  c.nextSeq(),
		Addr: c.server,
		Header: PacketHeader{
			Magic:    MagicClient,
			Reserved: 0,
			Type:     ptype,
		},
		Payload: payload,
	})
}
