package ethercard

import (
	"log/slog"

	"github.com/soypat/ethercard/internal/eth"
)

// PacketLoop dispatches the frame of length plen held in the packet buffer.
// A plen of zero is an idle tick which drives gateway ARP requests and queued
// client connections. Replies are built in place over the received frame and
// sent before PacketLoop returns.
//
// PacketLoop returns the offset of a TCP payload received on the server port,
// ready to be read from [Stack.Buffer] and answered with [Stack.HTTPServerReply].
// It returns 0 in every other case.
func (s *Stack) PacketLoop(plen int) int {
	if plen < 0 || plen > len(s.buf) {
		plen = 0
	}
	if s.dhcp.state != DHCPNone && s.dhcpStep(plen) {
		return 0
	}
	if plen == 0 {
		s.gatewayTick()
		s.clientTick()
		return 0
	}

	switch eth.Ethernet(s.buf).EtherType() {
	case eth.EtherTypeARP:
		if plen < eth.OffsetARP+eth.SizeARPv4Header {
			s.drop("arp:short")
		} else if s.ip == [4]byte{} || *eth.ARP(s.buf).TargetIP() != s.ip {
			s.drop("arp:not-us")
		} else {
			s.handleARP()
		}
		return 0
	case eth.EtherTypeIPv4:
	default:
		s.drop("ethertype")
		return 0
	}

	ip := eth.IPv4(s.buf)
	if plen < eth.OffsetL4 || !ip.IsVersion4NoOptions() {
		s.drop("ip:header")
		return 0
	}
	tl := int(ip.TotalLength())
	if tl < eth.SizeIPv4Header || eth.OffsetIP+tl > plen || ip.IsFragment() || !ip.ValidChecksum() {
		s.drop("ip:invalid")
		return 0
	}
	proto := ip.Protocol()
	if dst := *ip.Destination(); s.ip == [4]byte{} || dst != s.ip {
		if proto == eth.IPProtoUDP && s.nudp > 0 && s.isBroadcast(dst) {
			s.handleUDP(plen)
		} else {
			s.drop("ip:not-us")
		}
		return 0
	}
	s.trace("rx", slog.Int("plen", plen), slog.Int("proto", int(proto)), ipattr("src", *ip.Source()))

	switch proto {
	case eth.IPProtoICMP:
		s.handleICMP()
	case eth.IPProtoUDP:
		s.handleUDP(plen)
	case eth.IPProtoTCP:
		t := eth.TCP(s.buf)
		if plen < eth.OffsetTCPOptions || t.HeaderLength() < eth.SizeTCPHeader ||
			eth.SizeIPv4Header+t.HeaderLength() > tl || !validL4(s.buf, tl, eth.PseudoTCP) {
			s.drop("tcp:invalid")
			return 0
		}
		if t.DestinationPort()>>8 == ClientPortHigh {
			s.handleClient(plen)
			return 0
		}
		if t.DestinationPort() != s.serverPort {
			s.drop("tcp:port")
			return 0
		}
		return s.Accept(s.serverPort, plen)
	default:
		s.drop("ip:proto")
	}
	return 0
}

// validL4 checks the UDP or TCP checksum of the IP datagram of length tl.
func validL4(buf []byte, tl int, kind eth.PseudoHeader) bool {
	return eth.Sum(buf[eth.OffsetIPSrc:eth.OffsetIP+tl], kind) == 0xffff
}

func (s *Stack) isBroadcast(ip [4]byte) bool {
	return ip == eth.BroadcastIP || (s.ip != [4]byte{} && ip == s.broadcast)
}

// drop counts a frame the stack does not handle. The buffer is left untouched.
func (s *Stack) drop(reason string) {
	s.stats.Dropped.Add(1)
	s.trace("drop", slog.String("reason", reason))
}

// prepareIP writes Ethernet and IPv4 headers for a new datagram from us to
// dst. Lengths and checksums are written later by finishIP.
func (s *Stack) prepareIP(dstMAC [6]byte, dst [4]byte, proto uint8) {
	e := eth.Ethernet(s.buf)
	*e.Destination() = dstMAC
	*e.Source() = s.mac
	e.SetEtherType(eth.EtherTypeIPv4)
	ip := eth.IPv4(s.buf)
	ip.SetHeader(proto, eth.SizeIPv4Header, s.nextIPID())
	*ip.Source() = s.ip
	*ip.Destination() = dst
}
