package ethercard

import (
	"github.com/soypat/ethercard/internal/eth"
)

// PingFunc is called with the source address of each echo request the stack answers.
type PingFunc func(src [4]byte)

const (
	pingPattern   = 0x42
	pingDataLen   = 56
	pingFrameLen  = eth.OffsetICMPData + pingDataLen
	pingIdentHigh = 5
)

// OnPing registers cb to be called on every echo request addressed to us.
func (s *Stack) OnPing(cb PingFunc) { s.onPing = cb }

func (s *Stack) handleICMP() {
	ip := eth.IPv4(s.buf)
	ic := eth.ICMP(s.buf)
	n := ip.PayloadLength()
	if n < eth.SizeICMPHeader {
		s.drop("icmp:short")
		return
	}
	switch ic.Type() {
	case eth.ICMPEchoRequest:
	case eth.ICMPEchoReply:
		return // Left in the buffer for CheckPingReply.
	default:
		s.drop("icmp:type")
		return
	}
	if s.onPing != nil {
		s.onPing(*ip.Source())
	}
	tl := int(ip.TotalLength())
	s.makeEthIPReply()
	s.finishIP(tl)
	ic.SetType(eth.ICMPEchoReply)
	ic.SetRawChecksum(echoReplyChecksum(ic.Checksum()))
	s.stats.EchoReplies.Add(1)
	s.transmit(eth.OffsetIP + tl)
}

// echoReplyChecksum adjusts the checksum of an echo request whose type byte
// went from 8 to 0. The type is the high byte of the first word so the
// checksum grows by 0x0800, with the carry wrapped around.
func echoReplyChecksum(crc uint16) uint16 {
	sum := uint32(crc) + eth.ICMPEchoRequest<<8
	return uint16(sum + sum>>16)
}

// SendPing sends an echo request to dst through the gateway or, for hosts on
// our subnet with a cached MAC, directly.
func (s *Stack) SendPing(dst [4]byte) error {
	mac, ok := s.nextHop(dst)
	if !ok {
		return ErrNoGateway
	}
	s.prepareIP(mac, dst, eth.IPProtoICMP)
	b := s.buf[eth.OffsetL4:pingFrameLen]
	b[0] = eth.ICMPEchoRequest
	b[1] = 0
	b[4] = pingIdentHigh
	b[5] = s.ip[3]
	b[6] = 0
	b[7] = 1
	for i := eth.SizeICMPHeader; i < len(b); i++ {
		b[i] = pingPattern
	}
	eth.ICMP(s.buf).SetChecksum(len(b))
	s.finishIP(eth.SizeIPv4Header + len(b))
	s.transmit(pingFrameLen)
	return nil
}

// CheckPingReply reports whether the frame in the buffer is an echo reply from
// ip to a request sent by [Stack.SendPing].
func (s *Stack) CheckPingReply(ip [4]byte) bool {
	v := eth.IPv4(s.buf)
	return eth.Ethernet(s.buf).EtherType() == eth.EtherTypeIPv4 &&
		v.Protocol() == eth.IPProtoICMP &&
		eth.ICMP(s.buf).Type() == eth.ICMPEchoReply &&
		s.buf[eth.OffsetICMPData] == pingPattern &&
		*v.Source() == ip
}
