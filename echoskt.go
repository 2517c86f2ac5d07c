// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package icmptun

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// EchoSocket is the encapsulation channel: a raw ICMP socket exchanging
// echo messages framed as tunnel packets. A client socket sends echo
// requests and consumes echo replies; a server socket does the reverse,
// so that the tunnel looks like ordinary ping traffic on the wire.
//
// Opening a raw ICMP socket requires CAP_NET_RAW.
//
// Construct using [NewEchoSocket].
type EchoSocket struct {
	// fd is the non-blocking raw socket descriptor.
	fd int

	// client selects which echo type we send and which we accept.
	client bool

	// softFilter arms the userspace type filter when the kernel-side
	// ICMP_FILTER sockopt is unavailable.
	softFilter bool

	// minTTL drops received datagrams below this TTL; zero disables
	// the TTL security check.
	minTTL uint8

	// rx is the receive buffer, reused across ReceiveEcho calls.
	rx []byte

	// tx is the transmit buffer, reused across SendEcho calls.
	tx []byte

	// maxPayload is the largest payload SendEcho accepts.
	maxPayload int
}

// icmpFilter is the ICMP_FILTER sockopt from linux/icmp.h, not wrapped
// by x/sys. The value is a bitmask of ICMP types to discard.
const icmpFilter = 1

// errPacketFiltered means a received datagram was dropped by one of the
// [*EchoSocket.ReceiveEcho] validation steps.
var errPacketFiltered = errors.New("icmptun: packet filtered")

// EchoSocketOption is an option for [NewEchoSocket].
type EchoSocketOption func(cfg *echoSocketConfig)

// echoSocketConfig is the internal type modified by [EchoSocketOption].
type echoSocketConfig struct {
	ttlHops int
}

// EchoSocketOptionTTLSecurity enables the TTL security mechanism: we
// send with TTL 255 and drop datagrams that travelled more than the
// given number of hops. The default is to accept any TTL.
func EchoSocketOptionTTLSecurity(hops int) EchoSocketOption {
	return func(cfg *echoSocketConfig) {
		cfg.ttlHops = hops
	}
}

// NewEchoSocket opens a raw ICMP socket able to carry tunnel payloads up
// to mtu bytes. The client flag selects the client side of the protocol
// (send echo requests, accept echo replies).
func NewEchoSocket(client bool, mtu int, options ...EchoSocketOption) (*EchoSocket, error) {
	cfg := &echoSocketConfig{
		ttlHops: 0,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.ttlHops < 0 || cfg.ttlHops > 254 {
		return nil, fmt.Errorf("echo socket: ttl hops out of range: %d", cfg.ttlHops)
	}

	fd, err := unix.Socket(unix.AF_INET,
		unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("echo socket: open: %w", err)
	}

	sx := &EchoSocket{
		fd:         fd,
		client:     client,
		softFilter: false,
		minTTL:     0,
		rx:         make([]byte, maxIPv4HeaderSize+icmpEchoHeaderSize+PacketHeaderSize+mtu),
		tx:         make([]byte, 0, icmpEchoHeaderSize+PacketHeaderSize+mtu),
		maxPayload: mtu,
	}

	// Ask the kernel to discard every ICMP type except the one we
	// accept; fall back to filtering in ReceiveEcho when unavailable.
	accept := header.ICMPv4EchoReply
	if !client {
		accept = header.ICMPv4Echo
	}
	mask := ^(uint32(1) << uint32(accept))
	if err := unix.SetsockoptInt(fd, unix.SOL_RAW, icmpFilter, int(mask)); err != nil {
		sx.softFilter = true
	}

	if cfg.ttlHops > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, 255); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("echo socket: set ttl: %w", err)
		}
		sx.minTTL = uint8(255 - cfg.ttlHops)
	}

	return sx, nil
}

// maxIPv4HeaderSize is the size of an IPv4 header with maximum options.
const maxIPv4HeaderSize = 60

// Ensure that [*EchoSocket] implements [EchoChannel].
var _ EchoChannel = &EchoSocket{}

// PollFd implements [Pollable].
func (sx *EchoSocket) PollFd() int {
	return sx.fd
}

// SendEcho implements [EchoChannel].
//
// The echo Addr selects the destination; the kernel builds the IP
// header. The message type follows the socket role: echo request from a
// client socket, echo reply from a server socket.
func (sx *EchoSocket) SendEcho(echo *Echo) error {
	// 1. refuse payloads that do not fit the negotiated MTU
	if len(echo.Payload) > sx.maxPayload {
		return fmt.Errorf("echo socket: payload too large: %d bytes", len(echo.Payload))
	}
	if !echo.Addr.Is4() {
		return fmt.Errorf("echo socket: not an IPv4 address: %s", echo.Addr)
	}

	// 2. assemble icmp header, tunnel header, payload
	msg := sx.tx[:icmpEchoHeaderSize]
	clear(msg)
	msg = echo.Header.Encode(msg)
	msg = append(msg, echo.Payload...)

	icmp := header.ICMPv4(msg)
	if sx.client {
		icmp.SetType(header.ICMPv4Echo)
	} else {
		icmp.SetType(header.ICMPv4EchoReply)
	}
	icmp.SetIdent(echo.ID)
	icmp.SetSequence(echo.Seq)
	icmp.SetChecksum(^checksum.Checksum(msg, 0))

	// 3. hand the message to the kernel
	dest := &unix.SockaddrInet4{Addr: echo.Addr.As4()}
	if err := unix.Sendto(sx.fd, msg, 0, dest); err != nil {
		return fmt.Errorf("echo socket: send: %w", err)
	}
	return nil
}

// ReceiveEcho implements [EchoChannel].
//
// Datagrams that are malformed, carry an unexpected ICMP type or code,
// fail the TTL security check, or lack a tunnel header are dropped with
// an error wrapping the filtering reason. The returned echo Addr is the
// datagram source and the Payload aliases the socket receive buffer.
func (sx *EchoSocket) ReceiveEcho() (*Echo, error) {
	// 1. pull one datagram out of the socket
	count, _, err := unix.Recvfrom(sx.fd, sx.rx, 0)
	if err != nil {
		return nil, fmt.Errorf("echo socket: receive: %w", err)
	}

	// 2. a raw ICMP socket delivers the full IP datagram
	ip := header.IPv4(sx.rx[:count])
	if count < header.IPv4MinimumSize || !ip.IsValid(count) {
		return nil, fmt.Errorf("%w: bad IP header", errPacketFiltered)
	}
	if sx.minTTL > 0 && ip.TTL() < sx.minTTL {
		return nil, fmt.Errorf("%w: TTL below security threshold", errPacketFiltered)
	}

	// 3. validate the icmp echo header
	msg := sx.rx[ip.HeaderLength():count]
	if len(msg) < icmpEchoHeaderSize+PacketHeaderSize {
		return nil, fmt.Errorf("%w: short ICMP message", errPacketFiltered)
	}
	icmp := header.ICMPv4(msg)
	if sx.softFilter && !sx.echoTypeSupported(icmp.Type()) {
		return nil, fmt.Errorf("%w: unexpected ICMP type %d", errPacketFiltered, icmp.Type())
	}
	if icmp.Code() != 0 {
		return nil, fmt.Errorf("%w: unexpected ICMP code %d", errPacketFiltered, icmp.Code())
	}

	// 4. peel the tunnel header off the echo payload
	pkth, payload, err := DecodePacketHeader(msg[icmpEchoHeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errPacketFiltered, err.Error())
	}

	return &Echo{
		ID:      icmp.Ident(),
		Seq:     icmp.Sequence(),
		Addr:    netip.AddrFrom4(ip.SourceAddress().As4()),
		Header:  pkth,
		Payload: payload,
	}, nil
}

// echoTypeSupported is the userspace equivalent of the kernel-side
// ICMP type filter.
func (sx *EchoSocket) echoTypeSupported(typ header.ICMPv4Type) bool {
	return (typ == header.ICMPv4EchoReply && sx.client) ||
		(typ == header.ICMPv4Echo && !sx.client)
}

// Close releases the socket descriptor.
func (sx *EchoSocket) Close() error {
	if err := unix.Close(sx.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}
