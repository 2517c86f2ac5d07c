// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import (
	"bytes"
	"fmt"
	"net/netip"
)

// PacketType identifies the tunnel-level meaning of an echo message.
type PacketType uint8

// Enumerate the tunnel packet types.
const (
	// PacketConnectionRequest asks the server to accept a new session.
	PacketConnectionRequest = PacketType(iota + 1)

	// PacketConnectionAccept confirms a session to the client.
	PacketConnectionAccept

	// PacketServerFull rejects a session because one is already active.
	PacketServerFull

	// PacketData carries an encapsulated IP frame.
	PacketData

	// PacketKeepAlive probes and confirms session liveness.
	PacketKeepAlive

	// PacketPunchThru donates an echo sequence number the server may
	// spend to emit a reply through stateful middleboxes.
	PacketPunchThru
)

// Enumerate the header magics distinguishing the two talking directions,
// so that a tunnel endpoint never consumes its own packets.
var (
	// MagicClient marks packets sent by the client.
	MagicClient = [4]byte{'i', 't', 'n', 'c'}

	// MagicServer marks packets sent by the server.
	MagicServer = [4]byte{'i', 't', 'n', 's'}
)

// PacketHeaderSize is the size of the encoded [PacketHeader].
const PacketHeaderSize = 6

// PacketHeader prefixes every echo payload exchanged through the tunnel.
type PacketHeader struct {
	// Magic is [MagicClient] or [MagicServer].
	Magic [4]byte

	// Reserved is always zero.
	Reserved uint8

	// Type is the tunnel packet type.
	Type PacketType
}

// Encode appends the encoded header to buf and returns the result.
func (ph *PacketHeader) Encode(buf []byte) []byte {
	buf = append(buf, ph.Magic[:]...)
	buf = append(buf, ph.Reserved, uint8(ph.Type))
	return buf
}

// DecodePacketHeader decodes a [PacketHeader] from the front of data and
// returns the header along with the remaining payload bytes.
func DecodePacketHeader(data []byte) (PacketHeader, []byte, error) {
	if len(data) < PacketHeaderSize {
		return PacketHeader{}, nil, fmt.Errorf("%w: %d bytes", errShortHeader, len(data))
	}
	ph := PacketHeader{
		Magic:    [4]byte(data[:4]),
		Reserved: data[4],
		Type:     PacketType(data[5]),
	}
	return ph, data[PacketHeaderSize:], nil
}

// IsClient reports whether the header carries the client magic.
func (ph *PacketHeader) IsClient() bool {
	return bytes.Equal(ph.Magic[:], MagicClient[:])
}

// IsServer reports whether the header carries the server magic.
func (ph *PacketHeader) IsServer() bool {
	return bytes.Equal(ph.Magic[:], MagicServer[:])
}

// Echo is a single tunnel message in ICMP echo clothing.
type Echo struct {
	// ID is the ICMP echo identifier, acting as the session instance ID.
	ID uint16

	// Seq is the ICMP echo sequence number.
	Seq uint16

	// Addr is the remote address: the destination when sending and the
	// observed source when receiving.
	Addr netip.Addr

	// Header is the tunnel packet header.
	Header PacketHeader

	// Payload is the encapsulated IP frame; empty for control packets.
	// After ReceiveEcho it may alias a buffer reused by the next receive.
	Payload []byte
}
