package ethercard

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/soypat/ethercard/internal/eth"
	"github.com/soypat/seqs"
)

// Driver is the Ethernet controller the stack exchanges raw frames with.
// Frames passed to and from a Driver start at the Ethernet header and
// do not include the frame check sequence.
type Driver interface {
	// Transmit sends frame on the wire.
	Transmit(frame []byte) error
	// Receive copies a pending frame into dst and returns its length.
	// It returns 0 and no error when no frame is pending.
	Receive(dst []byte) (int, error)
	// LinkUp reports whether the PHY has link.
	LinkUp() bool
	// EnableBroadcastReception toggles the broadcast receive filter.
	EnableBroadcastReception(enable bool)
}

// Stash is a large outgoing payload staged outside of the packet buffer,
// for example in the Ethernet controller's own memory. *bytes.Reader
// satisfies Stash.
type Stash interface {
	Len() int
	ReadAt(p []byte, off int64) (n int, err error)
}

const (
	// DefaultBufferSize is the packet buffer size used when Config.BufferSize is zero.
	DefaultBufferSize = 1500
	// DefaultServerPort is the TCP port served when Config.ServerPort is zero.
	DefaultServerPort = 80
	// DefaultARPCacheSize is the ARP cache capacity used when Config.ARPCacheSize is zero.
	DefaultARPCacheSize = 4
	// minBufferSize fits a DHCP request with all the options the stack sends.
	minBufferSize = 400
)

var (
	errNoDriver    = errors.New("nil driver")
	errZeroMAC     = errors.New("zero MAC address")
	ErrBufferSmall = errors.New("packet buffer too small")
	ErrLinkDown    = errors.New("link down")
	ErrNoGateway   = errors.New("gateway MAC unresolved")
	// ErrServerPort is returned by New for a server port inside the client
	// port range.
	ErrServerPort = errors.New("server port overlaps client port range")
)

// Config configures a [Stack]. MAC and Driver are required.
type Config struct {
	MAC    [6]byte
	Driver Driver
	// BufferSize is the size of the single shared packet buffer.
	BufferSize int
	// ARPCacheSize is the number of entries kept in the ARP cache.
	ARPCacheSize int
	// ServerPort is the TCP port PacketLoop accepts connections on. Ports
	// 2816 to 3071, whose high byte is ClientPortHigh, are reserved for the
	// client session.
	ServerPort uint16
	// Clock returns a monotonic millisecond counter. It may wrap around.
	// If nil the stack counts milliseconds since New.
	Clock  func() uint32
	Logger *slog.Logger
}

// Stack is a single-buffer IPv4 network stack. It owns one packet buffer
// which holds at most one frame at a time; replies are built in place over
// the request that caused them. At most one TCP client session is active.
//
// Stack is not safe for concurrent use. Callers drive it from a single
// polling loop by calling [Stack.PacketReceive] and [Stack.PacketLoop].
type Stack struct {
	buf          []byte
	drv          Driver
	now          func() uint32
	logger       *slog.Logger
	traceEnabled bool

	mac        [6]byte
	ip         [4]byte
	netmask    [4]byte
	broadcast  [4]byte
	dnsIP      [4]byte
	serverPort uint16
	ipID       uint16

	arp ARPCache
	gw  gateway

	// seqnum is the byte used to build initial sequence numbers.
	seqnum uint8
	// infoDataLen is the payload length of the last accepted server segment.
	infoDataLen int
	// replySeq tracks our sequence number across multi-packet server replies.
	replySeq seqs.Value

	client tcpClient
	udp    [maxUDPListeners]udpListener
	nudp   int
	onPing PingFunc

	dhcp dhcpClient
	dns  dnsClient

	stats Stats
}

// Stats counts frames handled by the stack. Fields may be read concurrently
// with the polling loop.
type Stats struct {
	RxFrames     atomic.Uint64
	TxFrames     atomic.Uint64
	TxErrors     atomic.Uint64
	Dropped      atomic.Uint64
	ARPReplies   atomic.Uint64
	EchoReplies  atomic.Uint64
	UDPDelivered atomic.Uint64
	TCPAccepted  atomic.Uint64
}

// New allocates the packet buffer and returns a stack ready for
// [Stack.StaticSetup] or [Stack.DHCPSetup].
func New(cfg Config) (*Stack, error) {
	if cfg.Driver == nil {
		return nil, errNoDriver
	}
	if cfg.MAC == [6]byte{} {
		return nil, errZeroMAC
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	} else if cfg.BufferSize < minBufferSize {
		return nil, ErrBufferSmall
	}
	if cfg.ARPCacheSize <= 0 {
		cfg.ARPCacheSize = DefaultARPCacheSize
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = DefaultServerPort
	} else if cfg.ServerPort>>8 == ClientPortHigh {
		return nil, ErrServerPort
	}
	if cfg.Clock == nil {
		start := time.Now()
		cfg.Clock = func() uint32 { return uint32(time.Since(start).Milliseconds()) }
	}
	s := &Stack{
		buf:        make([]byte, cfg.BufferSize),
		drv:        cfg.Driver,
		now:        cfg.Clock,
		logger:     cfg.Logger,
		mac:        cfg.MAC,
		serverPort: cfg.ServerPort,
		arp:        ARPCache{entries: make([]arpEntry, cfg.ARPCacheSize)},
		seqnum:     0xa,
		ipID:       uint16(cfg.MAC[4])<<8 | uint16(cfg.MAC[5]),
	}
	s.traceEnabled = s.logger != nil && s.logger.Handler().Enabled(context.Background(), levelTrace)
	s.client.srcPortLow = 1
	s.debug("stack:new", slog.Int("bufsize", cfg.BufferSize), slog.String("mac", macString(s.mac)))
	return s, nil
}

// StaticSetup configures addresses without DHCP. A zero gateway leaves the
// gateway unset, a zero DNS server keeps the current one and a zero netmask
// defaults to 255.255.255.0.
func (s *Stack) StaticSetup(ip, gateway, dns, netmask [4]byte) {
	s.ip = ip
	if netmask == [4]byte{} {
		netmask = [4]byte{255, 255, 255, 0}
	}
	s.netmask = netmask
	s.updateBroadcast()
	if gateway != [4]byte{} {
		s.SetGatewayIP(gateway)
	}
	if dns != [4]byte{} {
		s.dnsIP = dns
	}
	s.dhcp.state = DHCPNone
	s.info("static setup", ipattr("ip", ip), ipattr("gw", gateway), ipattr("mask", netmask))
}

// SetDNSServer sets the server used by [Stack.DNSLookup].
func (s *Stack) SetDNSServer(ip [4]byte) { s.dnsIP = ip }

// Buffer returns the shared packet buffer. Its contents are only valid until
// the next call into the stack.
func (s *Stack) Buffer() []byte { return s.buf }

func (s *Stack) MAC() [6]byte { return s.mac }
func (s *Stack) IP() [4]byte { return s.ip }
func (s *Stack) Netmask() [4]byte { return s.netmask }
func (s *Stack) Broadcast() [4]byte { return s.broadcast }
func (s *Stack) Gateway() [4]byte { return s.gw.ip }
func (s *Stack) DNSServer() [4]byte { return s.dnsIP }
func (s *Stack) ServerPort() uint16 { return s.serverPort }
func (s *Stack) Stats() *Stats { return &s.stats }
func (s *Stack) ARPCache() *ARPCache { return &s.arp }

// PacketReceive reads a pending frame from the driver into the packet buffer
// and returns its length, or 0 if there is none.
func (s *Stack) PacketReceive() int {
	n, err := s.drv.Receive(s.buf)
	if err != nil {
		s.logerr("receive", slog.String("err", err.Error()))
		return 0
	}
	if n > 0 {
		s.stats.RxFrames.Add(1)
	}
	return n
}

// transmit sends the first n bytes of the packet buffer.
func (s *Stack) transmit(n int) {
	s.trace("tx", slog.Int("len", n))
	err := s.drv.Transmit(s.buf[:n])
	if err != nil {
		s.stats.TxErrors.Add(1)
		s.logerr("transmit", slog.Int("len", n), slog.String("err", err.Error()))
		return
	}
	s.stats.TxFrames.Add(1)
}

func (s *Stack) updateBroadcast() {
	for i := range s.broadcast {
		s.broadcast[i] = s.ip[i] | ^s.netmask[i]
	}
}

// isLAN reports whether ip is on our subnet.
func (s *Stack) isLAN(ip [4]byte) bool {
	if s.ip == [4]byte{} {
		return false
	}
	for i := range ip {
		if ip[i]&s.netmask[i] != s.ip[i]&s.netmask[i] {
			return false
		}
	}
	return true
}

// nextIPID returns a pseudo random IP identification for frames built from scratch.
func (s *Stack) nextIPID() uint16 {
	s.ipID = prand16(s.ipID)
	return s.ipID
}

// prand16 generates a pseudo random number from a seed.
func prand16(seed uint16) uint16 {
	// 16bit Xorshift  https://en.wikipedia.org/wiki/Xorshift
	if seed == 0 {
		seed = 0xace1
	}
	seed ^= seed << 7
	seed ^= seed >> 9
	seed ^= seed << 8
	return seed
}

// finishIP writes total length, flags, TTL and header checksum of the IPv4
// header in the buffer.
func (s *Stack) finishIP(totalLength int) {
	ip := eth.IPv4(s.buf)
	ip.SetTotalLength(uint16(totalLength))
	ip.SetFlagsAndOffset(eth.IPFlagDontFrag)
	ip.SetTTL(eth.IPDefaultTTL)
	ip.SetChecksum()
}

// makeEthIPReply turns the frame in the buffer into an IP reply to its sender.
func (s *Stack) makeEthIPReply() {
	eth.Ethernet(s.buf).MakeReply(&s.mac)
	eth.IPv4(s.buf).MakeReply(&s.ip)
}

func macString(mac [6]byte) string {
	const hexdigits = "0123456789abcdef"
	var b [17]byte
	for i, v := range mac {
		b[i*3] = hexdigits[v>>4]
		b[i*3+1] = hexdigits[v&0xf]
		if i < 5 {
			b[i*3+2] = ':'
		}
	}
	return string(b[:])
}
