// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

// Enumerate the sizes fixing the tunnel MTU.
const (
	// ipv4HeaderSize is the size of an IPv4 header without options.
	ipv4HeaderSize = 20

	// icmpEchoHeaderSize is the size of an ICMP echo header.
	icmpEchoHeaderSize = 8

	// EncapOverhead is the number of bytes of encapsulation wrapped
	// around each tunneled frame on the wire.
	EncapOverhead = ipv4HeaderSize + icmpEchoHeaderSize + PacketHeaderSize

	// MTUEthernet is the MTU of the typical path carrying the tunnel.
	MTUEthernet = 1500

	// DefaultTunnelMTU is the default MTU of the tunnel device: an
	// ethernet frame minus the encapsulation overhead, so that a full
	// tunneled frame still fits a single echo message.
	DefaultTunnelMTU = MTUEthernet - EncapOverhead

	// MinTunnelMTU is the minimum accepted tunnel MTU (RFC 791 minimum).
	MinTunnelMTU = 68

	// MaxTunnelMTU is the maximum accepted tunnel MTU.
	MaxTunnelMTU = 0xffff - EncapOverhead
)
