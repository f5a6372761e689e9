package ethercard

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/soypat/ethercard/internal/eth"
)

// UDPFunc receives a datagram delivered to a listening port. data aliases the
// packet buffer and is only valid until the callback sends a frame or returns.
type UDPFunc func(port uint16, srcIP [4]byte, srcPort uint16, data []byte)

const (
	maxUDPListeners = 8
	maxUDPReplyLen  = 220

	wolPort    = 9
	wolSrcPort = 10<<8 | 0x42
	wolDataLen = 6 + 16*6

	ntpPort       = 123
	ntpSrcPortHi  = 10
	ntpPacketLen  = 48
	ntpTxTimeOff  = 40
	ntpUDPLength  = eth.SizeUDPHeader + ntpPacketLen
	ntpHeaderMode = 0xE3 // Leap unknown, version 4, client mode.
)

var (
	errNoListenerSlot = errors.New("no free UDP listener")
	errNilCallback    = errors.New("nil callback")
)

type udpListener struct {
	port      uint16
	fn        UDPFunc
	listening bool
}

// UDPListen registers fn for datagrams to port. Registering an already
// registered port replaces its callback and resumes it.
func (s *Stack) UDPListen(port uint16, fn UDPFunc) error {
	if fn == nil {
		return errNilCallback
	}
	if l := s.udpListener(port); l != nil {
		l.fn = fn
		l.listening = true
		return nil
	}
	if s.nudp == len(s.udp) {
		return errNoListenerSlot
	}
	s.udp[s.nudp] = udpListener{port: port, fn: fn, listening: true}
	s.nudp++
	return nil
}

// UDPPause stops delivery to port without releasing its slot.
func (s *Stack) UDPPause(port uint16) {
	if l := s.udpListener(port); l != nil {
		l.listening = false
	}
}

// UDPResume restarts delivery to a paused port.
func (s *Stack) UDPResume(port uint16) {
	if l := s.udpListener(port); l != nil {
		l.listening = true
	}
}

// UDPListening reports whether any listener is registered.
func (s *Stack) UDPListening() bool { return s.nudp > 0 }

func (s *Stack) udpListener(port uint16) *udpListener {
	for i := range s.udp[:s.nudp] {
		if s.udp[i].port == port {
			return &s.udp[i]
		}
	}
	return nil
}

func (s *Stack) handleUDP(plen int) {
	ip := eth.IPv4(s.buf)
	u := eth.UDP(s.buf)
	tl := int(ip.TotalLength())
	ulen := int(u.Length())
	if plen < eth.OffsetUDPPayload || ulen < eth.SizeUDPHeader || ulen > tl-eth.SizeIPv4Header {
		s.drop("udp:length")
		return
	}
	if u.Checksum() != 0 && !validL4(s.buf, eth.SizeIPv4Header+ulen, eth.PseudoUDP) {
		s.drop("udp:checksum")
		return
	}
	if s.dns.pending && s.checkDNSAnswer(plen) {
		return
	}
	port := u.DestinationPort()
	src := *ip.Source()
	sport := u.SourcePort()
	data := s.buf[eth.OffsetUDPPayload : eth.OffsetL4+ulen]
	delivered := false
	for i := range s.udp[:s.nudp] {
		l := &s.udp[i]
		if l.listening && l.port == port {
			l.fn(port, src, sport, data)
			delivered = true
		}
	}
	if !delivered {
		s.drop("udp:port")
		return
	}
	s.stats.UDPDelivered.Add(1)
}

// UDPPrepare writes the headers of a datagram from srcPort to dst:dstPort.
// The payload is written to [Stack.UDPPayload] and sent with [Stack.UDPTransmit].
// Broadcast and multicast destinations use the broadcast MAC.
func (s *Stack) UDPPrepare(srcPort uint16, dst [4]byte, dstPort uint16) error {
	mac := eth.BroadcastMAC
	if !s.isBroadcast(dst) && dst[0]&0xf0 != 0xe0 {
		var ok bool
		mac, ok = s.nextHop(dst)
		if !ok {
			return ErrNoGateway
		}
	}
	s.prepareIP(mac, dst, eth.IPProtoUDP)
	u := eth.UDP(s.buf)
	u.SetSourcePort(srcPort)
	u.SetDestinationPort(dstPort)
	return nil
}

// UDPPayload returns the payload area of the datagram being prepared.
func (s *Stack) UDPPayload() []byte { return s.buf[eth.OffsetUDPPayload:] }

// UDPTransmit sends the prepared datagram with dlen bytes of payload.
func (s *Stack) UDPTransmit(dlen int) {
	if room := len(s.buf) - eth.OffsetUDPPayload; dlen > room {
		dlen = room
	}
	u := eth.UDP(s.buf)
	u.SetLength(uint16(eth.SizeUDPHeader + dlen))
	s.finishIP(eth.SizeIPv4Header + eth.SizeUDPHeader + dlen)
	u.SetChecksum()
	s.transmit(eth.OffsetUDPPayload + dlen)
}

// SendUDP sends data as a single datagram. data is truncated to the buffer capacity.
func (s *Stack) SendUDP(data []byte, srcPort uint16, dst [4]byte, dstPort uint16) error {
	if err := s.UDPPrepare(srcPort, dst, dstPort); err != nil {
		return err
	}
	n := copy(s.UDPPayload(), data)
	s.UDPTransmit(n)
	return nil
}

// MakeUDPReply answers the datagram in the buffer from port. At most 220
// bytes of data are sent.
func (s *Stack) MakeUDPReply(data []byte, port uint16) {
	if len(data) > maxUDPReplyLen {
		data = data[:maxUDPReplyLen]
	}
	s.makeEthIPReply()
	u := eth.UDP(s.buf)
	u.SetDestinationPort(u.SourcePort())
	u.SetSourcePort(port)
	n := copy(s.UDPPayload(), data)
	s.UDPTransmit(n)
}

// SendWOL broadcasts a wake-on-LAN magic packet for mac.
func (s *Stack) SendWOL(mac [6]byte) {
	s.prepareIP(eth.BroadcastMAC, eth.BroadcastIP, eth.IPProtoUDP)
	u := eth.UDP(s.buf)
	u.SetSourcePort(wolSrcPort)
	u.SetDestinationPort(wolPort)
	p := s.UDPPayload()
	eth.CopyMAC(p, eth.BroadcastMAC)
	for i := 1; i <= 16; i++ {
		eth.CopyMAC(p[i*6:], mac)
	}
	s.debug("wol", slog.String("mac", macString(mac)))
	s.UDPTransmit(wolDataLen)
}

// NTPRequest sends an NTP client request to ip from port 10<<8|srcPortLow.
func (s *Stack) NTPRequest(ip [4]byte, srcPortLow uint8) error {
	if err := s.UDPPrepare(ntpSrcPortHi<<8|uint16(srcPortLow), ip, ntpPort); err != nil {
		return err
	}
	p := s.UDPPayload()[:ntpPacketLen]
	clear(p)
	p[0] = ntpHeaderMode
	p[2] = 4    // Poll interval.
	p[3] = 0xFA // Precision.
	p[5] = 1    // Root delay.
	p[9] = 1    // Root dispersion.
	s.UDPTransmit(ntpPacketLen)
	return nil
}

// NTPProcessAnswer extracts the transmit timestamp seconds of an NTP reply in
// the buffer. If dstPortLow is non-zero the low byte of the destination port
// must match it.
func (s *Stack) NTPProcessAnswer(dstPortLow uint8) (secs uint32, ok bool) {
	u := eth.UDP(s.buf)
	if eth.Ethernet(s.buf).EtherType() != eth.EtherTypeIPv4 || u.IPv4().Protocol() != eth.IPProtoUDP ||
		(dstPortLow != 0 && uint8(u.DestinationPort()) != dstPortLow) ||
		u.Length() != ntpUDPLength || u.SourcePort() != ntpPort {
		return 0, false
	}
	return binary.BigEndian.Uint32(u.Payload()[ntpTxTimeOff:]), true
}
