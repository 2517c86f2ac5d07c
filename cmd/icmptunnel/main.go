// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

// Command icmptunnel tunnels IP traffic through ICMP echo messages.
//
// In server mode (-server) it waits for a client to connect; otherwise
// it connects to the server named by the positional argument. Both
// sides create a TUN interface carrying the decapsulated traffic and
// need CAP_NET_RAW plus CAP_NET_ADMIN (or root) to start.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/bassosimone/icmptun"
	"golang.org/x/sys/unix"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// logger reports progress and failures on the standard error.
	logger = log.New(os.Stderr, "icmptunnel: ", 0)
)

// config is the parsed command line.
type config struct {
	emulate    bool
	instanceID int
	keepalive  time.Duration
	mtu        int
	pcapFile   string
	retries    int
	server     netip.Addr
	serverMode bool
	ttlHops    int
	tunAddr    string
	tunName    string
	user       string
}

// parseConfig parses the command line into a [*config].
func parseConfig(argv []string) (*config, error) {
	// 1. create command line parser
	fset := flag.NewFlagSet("icmptunnel", flag.ContinueOnError)
	fset.Usage = func() {
		fmt.Fprintf(fset.Output(), "usage: icmptunnel [options] -server|<server>\n\n")
		fset.PrintDefaults()
	}

	// 2. add flags to parse
	var (
		emulate    = fset.Bool("emulate", false, "Emulate the Microsoft ping utility.")
		instanceID = fset.Int("id", -1, "Instance ID used in the ICMP echo id field.")
		keepalive  = fset.Duration("keepalive", 10*time.Second, "Interval between keep-alive packets.")
		mtu        = fset.Int("mtu", icmptun.DefaultTunnelMTU, "Max frame size of the tunnel interface.")
		pcapFile   = fset.String("pcap-file", "", "Write tunneled frames to the given PCAP file.")
		retries    = fset.Int("retries", icmptun.DefaultRetries, "Keep-alive retry limit (0 retries forever).")
		serverMode = fset.Bool("server", false, "Run in server mode.")
		ttlHops    = fset.Int("ttl-hops", 0, "Enable TTL security for peers within the given hops.")
		tunAddr    = fset.String("tun-addr", "", "Address to assign to the tunnel interface (CIDR).")
		tunName    = fset.String("tun-name", "", "Name of the tunnel interface.")
		user       = fset.String("user", "nobody", "User to switch to after opening the tunnel.")
	)

	// 3. parse command line
	if err := fset.Parse(argv[1:]); err != nil {
		return nil, err
	}

	cfg := &config{
		emulate:    *emulate,
		instanceID: *instanceID,
		keepalive:  *keepalive,
		mtu:        *mtu,
		pcapFile:   *pcapFile,
		retries:    *retries,
		server:     netip.Addr{},
		serverMode: *serverMode,
		ttlHops:    *ttlHops,
		tunAddr:    *tunAddr,
		tunName:    *tunName,
		user:       *user,
	}

	// 4. validate ranges the protocol depends on
	if cfg.keepalive < time.Second || cfg.keepalive > 30*time.Second {
		return nil, fmt.Errorf("keepalive must be within 1s ... 30s: %s", cfg.keepalive)
	}
	if cfg.mtu < icmptun.MinTunnelMTU || cfg.mtu > icmptun.MaxTunnelMTU {
		return nil, fmt.Errorf("mtu must be within %d ... %d: %d",
			icmptun.MinTunnelMTU, icmptun.MaxTunnelMTU, cfg.mtu)
	}
	if cfg.instanceID > 0xffff {
		return nil, fmt.Errorf("id must be within 0 ... 65535: %d", cfg.instanceID)
	}
	if cfg.ttlHops < 0 || cfg.ttlHops > 254 {
		return nil, fmt.Errorf("ttl-hops must be within 0 ... 254: %d", cfg.ttlHops)
	}

	// 5. in client mode resolve the server hostname
	if !cfg.serverMode {
		if fset.NArg() < 1 {
			return nil, fmt.Errorf("missing server ip/hostname")
		}
		ipaddr, err := net.ResolveIPAddr("ip4", fset.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", fset.Arg(0), err)
		}
		server, ok := netip.AddrFromSlice(ipaddr.IP.To4())
		if !ok {
			return nil, fmt.Errorf("resolve %s: not an IPv4 address", fset.Arg(0))
		}
		cfg.server = server
	}

	return cfg, nil
}

func main() {
	cfg, err := parseConfig(args)
	if err != nil {
		logger.Fatal(err)
	}

	// 1. open the echo socket and the tunnel device while privileged
	sktOptions := []icmptun.EchoSocketOption{}
	if cfg.ttlHops > 0 {
		sktOptions = append(sktOptions, icmptun.EchoSocketOptionTTLSecurity(cfg.ttlHops))
	}
	skt, err := icmptun.NewEchoSocket(!cfg.serverMode, cfg.mtu, sktOptions...)
	if err != nil {
		logger.Fatal(err)
	}
	defer skt.Close()

	devOptions := []icmptun.TunDeviceOption{}
	if cfg.tunAddr != "" {
		prefix, err := netip.ParsePrefix(cfg.tunAddr)
		if err != nil {
			logger.Fatalf("parse -tun-addr: %s", err.Error())
		}
		devOptions = append(devOptions, icmptun.TunDeviceOptionAddress(prefix))
	}
	dev, err := icmptun.NewTunDevice(cfg.tunName, cfg.mtu, devOptions...)
	if err != nil {
		logger.Fatal(err)
	}
	defer dev.Close()
	logger.Printf("opened tunnel interface: %s", dev.Name())

	// 2. shed the privileges we no longer need
	if err := icmptun.DropPrivileges(cfg.user); err != nil {
		logger.Fatal(err)
	}

	// 3. optionally arm the frame trace
	var trace *icmptun.FrameTrace
	if cfg.pcapFile != "" {
		filep, err := os.Create(cfg.pcapFile)
		if err != nil {
			logger.Fatal(err)
		}
		trace, err = icmptun.NewFrameTrace(filep, uint16(min(cfg.mtu, 0xffff)))
		if err != nil {
			logger.Fatal(err)
		}
		defer func() {
			if err := trace.Close(); err != nil {
				logger.Printf("close trace: %s", err.Error())
			}
		}()
	}

	// 4. create the forwarder and wire the signal handlers to it
	run, err := icmptun.NewRunState()
	if err != nil {
		logger.Fatal(err)
	}
	defer run.Close()
	fwd := icmptun.NewForwarder(run)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, unix.SIGTERM)
	go func() {
		<-sigch
		fwd.Stop()
	}()

	// 5. run the session until shutdown or failure
	keepaliveTicks := int(cfg.keepalive / icmptun.DefaultTickInterval)
	if cfg.serverMode {
		serverOptions := []icmptun.ServerOption{
			icmptun.ServerOptionKeepAlive(keepaliveTicks),
			icmptun.ServerOptionRetries(cfg.retries),
			icmptun.ServerOptionLogger(logger),
		}
		if cfg.instanceID >= 0 {
			serverOptions = append(serverOptions,
				icmptun.ServerOptionInstanceID(uint16(cfg.instanceID)))
		}
		if trace != nil {
			serverOptions = append(serverOptions, icmptun.ServerOptionTrace(trace))
		}
		server := icmptun.NewServer(run, skt, dev, cfg.mtu, serverOptions...)
		if err := fwd.Forward(server.Peer(), server); err != nil {
			logger.Fatal(err)
		}
		return
	}

	clientOptions := []icmptun.ClientOption{
		icmptun.ClientOptionEmulation(cfg.emulate),
		icmptun.ClientOptionKeepAlive(keepaliveTicks),
		icmptun.ClientOptionRetries(cfg.retries),
		icmptun.ClientOptionLogger(logger),
	}
	if cfg.instanceID >= 0 {
		clientOptions = append(clientOptions,
			icmptun.ClientOptionInstanceID(uint16(cfg.instanceID)))
	}
	if trace != nil {
		clientOptions = append(clientOptions, icmptun.ClientOptionTrace(trace))
	}
	client := icmptun.NewClient(run, skt, dev, cfg.server, cfg.mtu, clientOptions...)
	if err := client.Connect(); err != nil {
		logger.Fatal(err)
	}
	if err := fwd.Forward(client.Peer(), client); err != nil {
		logger.Fatal(err)
	}
	if err := client.Err(); err != nil {
		logger.Fatal(err)
	}
}
