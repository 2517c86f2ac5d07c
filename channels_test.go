// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun_test

import (
	"errors"
	"net/netip"

	"github.com/bassosimone/icmptun"
)

// fakeEchoChannel is an in-memory [icmptun.EchoChannel] recording sent
// echoes and replaying queued inbound ones.
type fakeEchoChannel struct {
	inbox []*icmptun.Echo
	sent  []*icmptun.Echo
}

var _ icmptun.EchoChannel = &fakeEchoChannel{}

// PollFd implements [icmptun.Pollable]. The fake is driven by calling
// the handlers directly, so the descriptor is never polled.
func (fx *fakeEchoChannel) PollFd() int {
	return -1
}

// SendEcho implements [icmptun.EchoChannel].
func (fx *fakeEchoChannel) SendEcho(echo *icmptun.Echo) error {
	// snapshot the payload: the caller may reuse its buffer
	clone := *echo
	clone.Payload = append([]byte(nil), echo.Payload...)
	fx.sent = append(fx.sent, &clone)
	return nil
}

// ReceiveEcho implements [icmptun.EchoChannel].
func (fx *fakeEchoChannel) ReceiveEcho() (*icmptun.Echo, error) {
	if len(fx.inbox) <= 0 {
		return nil, errors.New("fake echo channel: empty inbox")
	}
	echo := fx.inbox[0]
	fx.inbox = fx.inbox[1:]
	return echo, nil
}

// enqueue queues an inbound echo for the next ReceiveEcho.
func (fx *fakeEchoChannel) enqueue(echo *icmptun.Echo) {
	fx.inbox = append(fx.inbox, echo)
}

// fakeTunChannel is an in-memory [icmptun.TunChannel] recording written
// frames and replaying queued readable ones.
type fakeTunChannel struct {
	readable [][]byte
	written  [][]byte
}

var _ icmptun.TunChannel = &fakeTunChannel{}

// PollFd implements [icmptun.Pollable].
func (fx *fakeTunChannel) PollFd() int {
	return -1
}

// ReadFrame implements [icmptun.TunChannel].
func (fx *fakeTunChannel) ReadFrame(buf []byte) (int, error) {
	if len(fx.readable) <= 0 {
		return 0, errors.New("fake tun channel: no frames")
	}
	frame := fx.readable[0]
	fx.readable = fx.readable[1:]
	return copy(buf, frame), nil
}

// WriteFrame implements [icmptun.TunChannel].
func (fx *fakeTunChannel) WriteFrame(frame []byte) (int, error) {
	fx.written = append(fx.written, append([]byte(nil), frame...))
	return len(frame), nil
}

// serverEcho builds an inbound echo as the server would send it.
func serverEcho(addr netip.Addr, id, seq uint16,
	ptype icmptun.PacketType, payload []byte) *icmptun.Echo {
	return &icmptun.Echo{
		ID:   id,
		Seq:  seq,
		Addr: addr,
		Header: icmptun.PacketHeader{
			Magic:    icmptun.MagicServer,
			Reserved: 0,
			Type:     ptype,
		},
		Payload: payload,
	}
}

// clientEcho builds an inbound echo as the client would send it.
func clientEcho(addr netip.Addr, id, seq uint16,
	ptype icmptun.PacketType, payload []byte) *icmptun.Echo {
	return &icmptun.Echo{
		ID:   id,
		Seq:  seq,
		Addr: addr,
		Header: icmptun.PacketHeader{
			Magic:    icmptun.MagicClient,
			Reserved: 0,
			Type:     ptype,
		},
		Payload: payload,
	}
}
