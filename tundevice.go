// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package icmptun

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// TunDevice is the decapsulated side of the tunnel: a Linux TUN
// interface exchanging raw IP frames with the kernel. Frames written to
// the device enter the local IP stack; frames routed by the kernel to
// the interface become readable from it.
//
// Managing TUN interfaces requires CAP_NET_ADMIN.
//
// Construct using [NewTunDevice].
type TunDevice struct {
	// fd is the non-blocking descriptor for /dev/net/tun.
	fd int

	// name is the interface name after creation.
	name string

	// mtu is the device MTU in bytes.
	mtu int
}

// TunDeviceOption is an option for [NewTunDevice].
type TunDeviceOption func(cfg *tunDeviceConfig)

// tunDeviceConfig is the internal type modified by [TunDeviceOption].
type tunDeviceConfig struct {
	addr netip.Prefix
}

// TunDeviceOptionAddress assigns the given address to the interface as
// part of bringing it up. The default is to leave addressing to the
// operator (e.g., via ip-address(8)).
func TunDeviceOptionAddress(addr netip.Prefix) TunDeviceOption {
	return func(cfg *tunDeviceConfig) {
		cfg.addr = addr
	}
}

// NewTunDevice creates a TUN interface with the given name and MTU and
// brings it up. An empty name lets the kernel pick one (tun0, tun1, ...).
func NewTunDevice(name string, mtu int, options ...TunDeviceOption) (*TunDevice, error) {
	cfg := &tunDeviceConfig{
		addr: netip.Prefix{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	if mtu < MinTunnelMTU || mtu > MaxTunnelMTU {
		return nil, fmt.Errorf("tun device: mtu out of range: %d", mtu)
	}

	// 1. create the interface
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tun device: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tun device: interface name: %w", err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tun device: TUNSETIFF: %w", err)
	}

	dev := &TunDevice{
		fd:   fd,
		name: ifr.Name(),
		mtu:  mtu,
	}

	// 2. configure and bring it up
	if err := dev.bringUp(cfg.addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return dev, nil
}

// bringUp sets the MTU, optionally assigns an address, and sets the
// interface administratively up.
func (dx *TunDevice) bringUp(addr netip.Prefix) error {
	link, err := netlink.LinkByName(dx.name)
	if err != nil {
		return fmt.Errorf("tun device: lookup %s: %w", dx.name, err)
	}
	if err := netlink.LinkSetMTU(link, dx.mtu); err != nil {
		return fmt.Errorf("tun device: set mtu: %w", err)
	}
	if addr.IsValid() {
		nladdr, err := netlink.ParseAddr(addr.String())
		if err != nil {
			return fmt.Errorf("tun device: parse address: %w", err)
		}
		if err := netlink.AddrAdd(link, nladdr); err != nil {
			return fmt.Errorf("tun device: assign address: %w", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tun device: set up: %w", err)
	}
	return nil
}

// Ensure that [*TunDevice] implements [TunChannel].
var _ TunChannel = &TunDevice{}

// PollFd implements [Pollable].
func (dx *TunDevice) PollFd() int {
	return dx.fd
}

// ReadFrame implements [TunChannel]. Each read returns one IP frame.
func (dx *TunDevice) ReadFrame(buf []byte) (int, error) {
	count, err := unix.Read(dx.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("tun device: read: %w", err)
	}
	return count, nil
}

// WriteFrame implements [TunChannel]. Each write injects one IP frame.
func (dx *TunDevice) WriteFrame(frame []byte) (int, error) {
	count, err := unix.Write(dx.fd, frame)
	if err != nil {
		return 0, fmt.Errorf("tun device: write: %w", err)
	}
	return count, nil
}

// Name returns the interface name (e.g., "tun0").
func (dx *TunDevice) Name() string {
	return dx.name
}

// MTU returns the device MTU in bytes.
func (dx *TunDevice) MTU() int {
	return dx.mtu
}

// Close releases the device descriptor; the kernel tears down the
// interface when the last descriptor goes away.
func (dx *TunDevice) Close() error {
	return unix.Close(dx.fd)
}
