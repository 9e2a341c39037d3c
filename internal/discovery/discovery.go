package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultSearchTarget identifies the speaker device class in probes.
	DefaultSearchTarget = "urn:schemas-upnp-org:device:ZonePlayer:1"

	multicastAddr = "239.255.255.250:1900"
	readBufSize   = 2048
)

// Device is one discovered playback unit. Records are immutable; a
// re-discovery produces a new record rather than mutating the old one.
type Device struct {
	UUID          string
	IP            string
	DescriptorURL string
}

// Config tunes the probe fan-out. The retry constants are empirically tuned
// for LAN packet loss, not load-bearing; see the config package defaults.
type Config struct {
	Timeout       time.Duration
	RetryCount    int
	RetryInterval time.Duration
	CacheTTL      time.Duration
	SearchTarget  string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 5 * time.Second
	}
	if out.RetryCount <= 0 {
		out.RetryCount = 3
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 800 * time.Millisecond
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = time.Minute
	}
	if out.SearchTarget == "" {
		out.SearchTarget = DefaultSearchTarget
	}
	return out
}

// Service sends multicast discovery probes and collects device responses.
type Service struct {
	cfg    Config
	cache  *resultCache
	logger *zap.Logger
}

// NewService creates a discovery service with its own result cache.
func NewService(cfg Config, logger *zap.Logger) *Service {
	c := cfg.withDefaults()
	return &Service{
		cfg:    c,
		cache:  newResultCache(c.CacheTTL),
		logger: logger,
	}
}

// Discover probes the LAN and returns the deduplicated device list. It never
// returns an error: a total failure yields an empty slice and a log line.
// forceRefresh bypasses the result cache.
func (s *Service) Discover(ctx context.Context, forceRefresh bool) []Device {
	if !forceRefresh {
		if devices, ok := s.cache.get(); ok {
			return devices
		}
	}

	devices := s.probe(ctx)
	if len(devices) > 0 {
		s.cache.put(devices)
	}
	return devices
}

func (s *Service) probe(ctx context.Context) []Device {
	ifaces, err := usableInterfaces()
	if err != nil {
		s.logger.Error("discovery: enumerating interfaces", zap.Error(err))
		return nil
	}
	if len(ifaces) == 0 {
		s.logger.Warn("discovery: no usable interfaces")
		return nil
	}

	dst, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		s.logger.Error("discovery: resolving multicast group", zap.Error(err))
		return nil
	}

	// One socket per interface. A single shared socket under-discovers on
	// multi-homed hosts because the kernel picks one egress interface.
	sockets := s.openSockets(ifaces)
	if len(sockets) == 0 {
		s.logger.Warn("discovery: no sockets could be opened")
		return nil
	}
	defer func() {
		for _, sock := range sockets {
			_ = sock.conn.Close()
		}
	}()

	deadline := time.Now().Add(s.cfg.Timeout)
	results := make(chan Device, 64)
	for _, sock := range sockets {
		_ = sock.conn.SetReadDeadline(deadline)
		go s.listen(sock, results)
	}

	probe := buildProbe(s.cfg.SearchTarget)
	go s.sendProbes(ctx, sockets, dst, probe)

	// Dedupe by device id, first seen wins.
	seen := make(map[string]Device)
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return collect(seen)
		case <-timer.C:
			return collect(seen)
		case d := <-results:
			if recordDevice(seen, d) {
				s.logger.Debug("discovery: device found",
					zap.String("uuid", d.UUID),
					zap.String("ip", d.IP),
				)
			}
		}
	}
}

type socket struct {
	conn  *net.UDPConn
	iface net.Interface
}

func (s *Service) openSockets(ifaces []net.Interface) []socket {
	var sockets []socket
	for _, iface := range ifaces {
		ip := interfaceIPv4(iface)
		if ip == nil {
			continue
		}
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip})
		if err != nil {
			s.logger.Debug("discovery: socket open failed",
				zap.String("iface", iface.Name), zap.Error(err))
			continue
		}
		p := ipv4.NewPacketConn(conn)
		localIface := iface
		_ = p.SetMulticastInterface(&localIface)
		_ = p.SetMulticastTTL(2)
		sockets = append(sockets, socket{conn: conn, iface: iface})
	}
	return sockets
}

// sendProbes fires the probe from every socket RetryCount times spaced
// RetryInterval apart. Probes are fire-and-forget; cancellation stops future
// sends but never retracts one already on the wire.
func (s *Service) sendProbes(ctx context.Context, sockets []socket, dst *net.UDPAddr, probe []byte) {
	for i := 0; i < s.cfg.RetryCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RetryInterval):
			}
		}
		for _, sock := range sockets {
			if _, err := sock.conn.WriteToUDP(probe, dst); err != nil {
				s.logger.Debug("discovery: probe send failed",
					zap.String("iface", sock.iface.Name), zap.Error(err))
			}
		}
	}
}

func (s *Service) listen(sock socket, results chan<- Device) {
	buf := make([]byte, readBufSize)
	for {
		n, addr, err := sock.conn.ReadFromUDP(buf)
		if err != nil {
			return // deadline or closed socket ends the listener
		}
		if d, ok := parseResponse(buf[:n], addr.IP.String()); ok {
			select {
			case results <- d:
			default:
				// Collection already ended or the channel is flooded;
				// the device will answer again on the next probe.
			}
		}
	}
}

// parseResponse extracts a device record from a plain-text response header
// block. The device id comes from the USN header, the IP from the response
// origin, the descriptor URL from LOCATION.
func parseResponse(data []byte, originIP string) (Device, bool) {
	var location, usn string
	for _, line := range strings.Split(string(data), "\r\n") {
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "LOCATION":
			location = strings.TrimSpace(v)
		case "USN":
			usn = strings.TrimSpace(v)
		}
	}
	if location == "" || usn == "" {
		return Device{}, false
	}
	// USN looks like "uuid:RINCON_xxxx::urn:schemas-upnp-org:device:...".
	id := usn
	if idx := strings.Index(id, "::"); idx >= 0 {
		id = id[:idx]
	}
	id = strings.TrimPrefix(id, "uuid:")
	if id == "" {
		return Device{}, false
	}
	return Device{UUID: id, IP: originIP, DescriptorURL: location}, true
}

func buildProbe(searchTarget string) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + multicastAddr + "\r\n" +
		`MAN: "ssdp:discover"` + "\r\n" +
		"MX: 1\r\n" +
		"ST: " + searchTarget + "\r\n\r\n")
}

// usableInterfaces filters to up, multicast-capable, non-loopback interfaces
// carrying an IPv4 address. Virtual bridges and tunnels are excluded by name.
func usableInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if isVirtualName(iface.Name) {
			continue
		}
		if interfaceIPv4(iface) == nil {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}

var virtualPrefixes = []string{"docker", "veth", "br-", "virbr", "vmnet", "tun", "tap", "utun"}

func isVirtualName(name string) bool {
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func interfaceIPv4(iface net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4
			}
		}
	}
	return nil
}

// recordDevice inserts d into seen unless its id is already present. The
// same device answers once per interface and per probe retry; the first
// response wins and later ones are discarded wholesale.
func recordDevice(seen map[string]Device, d Device) bool {
	if _, dup := seen[d.UUID]; dup {
		return false
	}
	seen[d.UUID] = d
	return true
}

func collect(seen map[string]Device) []Device {
	out := make([]Device, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	return out
}
