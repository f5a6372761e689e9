/*
package eth implements the fixed offset frame layout used by the single buffer
stack: Ethernet, ARP, IPv4, ICMP, UDP and TCP header views and the internet
checksum.

Views are named byte slices over the whole frame, starting at the Ethernet
header. They never copy. Reading a field reads the shared buffer and writing a
field mutates it in place, which is how requests are turned into replies.
Headers never carry VLAN tags nor IP options so all offsets are constants:

	0        14          34              42           54
	| Ethernet | IPv4      | UDP/ICMP hdr | UDP payload |
	|          |           | TCP header                 | TCP payload

# ARP Frame (Address resolution protocol)

Below is the byte schema for an ARP header, offsets relative to the start of ARP:

	0      2          4       5          6         8       14          18       24          28
	| HW AT | Proto AT | HW AL | Proto AL | OP Code | HW AoS | Proto AoS | HW AoT | Proto AoT |
	|  2B   |  2B      |  1B   |  1B      | 2B      |   6B   |    4B     |  6B    |   4B
	| ethern| IP       |macaddr|          |ask|reply|                    |for op=1|
	| = 1   |=0x0800   |=6     |=4        | 1 | 2   |       known        |=0      |

See https://hpd.gasmi.net/ to decode Hex Frames.
*/
package eth

import (
	"encoding/binary"

	"github.com/soypat/lneto"
	"github.com/soypat/seqs"
)

// BroadcastMAC is the hardware address which indicates a Frame should
// be sent to every device on a given LAN segment.
var BroadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// BroadcastIP is the limited broadcast IPv4 address.
var BroadcastIP = [4]byte{0xff, 0xff, 0xff, 0xff}

// Ethernet is a view over the 14 byte Ethernet header at the start of a frame.
type Ethernet []byte

func (e Ethernet) Destination() *[6]byte { return (*[6]byte)(e[0:6]) }
func (e Ethernet) Source() *[6]byte { return (*[6]byte)(e[6:12]) }

// EtherType returns the Size or EtherType field of the Ethernet frame.
func (e Ethernet) EtherType() EtherType {
	return EtherType(binary.BigEndian.Uint16(e[12:14]))
}

func (e Ethernet) SetEtherType(t EtherType) { binary.BigEndian.PutUint16(e[12:14], uint16(t)) }

// MakeReply addresses the frame back to whoever sent it from mac.
func (e Ethernet) MakeReply(mac *[6]byte) {
	copy(e[0:6], e[6:12])
	copy(e[6:12], mac[:])
}

// ARP is a view over an ARPv4 over Ethernet frame.
type ARP []byte

// SetHeader writes the Ethernet/IPv4 hardware and protocol type fields.
func (a ARP) SetHeader() {
	b := a[OffsetARP:]
	binary.BigEndian.PutUint16(b[0:2], 1)
	binary.BigEndian.PutUint16(b[2:4], uint16(EtherTypeIPv4))
	b[4] = 6
	b[5] = 4
}

// IsEthernetIPv4 reports whether the ARP header describes Ethernet/IPv4 addresses.
func (a ARP) IsEthernetIPv4() bool {
	b := a[OffsetARP:]
	return binary.BigEndian.Uint16(b[0:2]) == 1 && binary.BigEndian.Uint16(b[2:4]) == uint16(EtherTypeIPv4) &&
		b[4] == 6 && b[5] == 4
}

func (a ARP) Operation() uint16 { return binary.BigEndian.Uint16(a[OffsetARP+6:]) }
func (a ARP) SetOperation(op uint16) { binary.BigEndian.PutUint16(a[OffsetARP+6:], op) }
func (a ARP) SenderMAC() *[6]byte { return (*[6]byte)(a[OffsetARP+8 : OffsetARP+14]) }
func (a ARP) SenderIP() *[4]byte { return (*[4]byte)(a[OffsetARP+14 : OffsetARP+18]) }
func (a ARP) TargetMAC() *[6]byte { return (*[6]byte)(a[OffsetARP+18 : OffsetARP+24]) }
func (a ARP) TargetIP() *[4]byte { return (*[4]byte)(a[OffsetARP+24 : OffsetARP+28]) }
func (a ARP) FrameLength() int { return OffsetARP + SizeARPv4Header }
func (a ARP) Ethernet() Ethernet { return Ethernet(a) }

// IPv4 is a view over an option-less IPv4 header at offset 14 of the frame.
type IPv4 []byte

func (ip IPv4) VersionAndIHL() uint8 { return ip[OffsetIP] }
func (ip IPv4) TotalLength() uint16 { return binary.BigEndian.Uint16(ip[OffsetIP+2:]) }
func (ip IPv4) SetTotalLength(tl uint16) { binary.BigEndian.PutUint16(ip[OffsetIP+2:], tl) }
func (ip IPv4) ID() uint16 { return binary.BigEndian.Uint16(ip[OffsetIP+4:]) }
func (ip IPv4) SetID(id uint16) { binary.BigEndian.PutUint16(ip[OffsetIP+4:], id) }
func (ip IPv4) FlagsAndOffset() uint16 { return binary.BigEndian.Uint16(ip[OffsetIP+6:]) }
func (ip IPv4) SetFlagsAndOffset(v uint16) { binary.BigEndian.PutUint16(ip[OffsetIP+6:], v) }
func (ip IPv4) TTL() uint8 { return ip[OffsetIP+8] }
func (ip IPv4) SetTTL(ttl uint8) { ip[OffsetIP+8] = ttl }
func (ip IPv4) Protocol() uint8 { return ip[OffsetIP+9] }
func (ip IPv4) SetProtocol(proto uint8) { ip[OffsetIP+9] = proto }
func (ip IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(ip[OffsetIP+10:]) }
func (ip IPv4) Source() *[4]byte { return (*[4]byte)(ip[OffsetIPSrc : OffsetIPSrc+4]) }
func (ip IPv4) Destination() *[4]byte { return (*[4]byte)(ip[OffsetIPDst : OffsetIPDst+4]) }
func (ip IPv4) Ethernet() Ethernet { return Ethernet(ip) }
func (ip IPv4) PayloadLength() int { return int(ip.TotalLength()) - SizeIPv4Header }
func (ip IPv4) setChecksum(crc uint16) { binary.BigEndian.PutUint16(ip[OffsetIP+10:], crc) }
func (ip IPv4) header() []byte { return ip[OffsetIP : OffsetIP+SizeIPv4Header] }
func (ip IPv4) IsVersion4NoOptions() bool { return ip[OffsetIP] == IPVersionIHL }
func (ip IPv4) IsFragment() bool { return ip.FlagsAndOffset()&(ipFlagMoreFrag|ipFragOffsetMask) != 0 }
func (ip IPv4) ValidChecksum() bool { return Sum(ip.header(), PseudoNone) == 0xffff }
func (ip IPv4) CalculateChecksum() uint16 { return ip.calculateChecksum() }
func (ip IPv4) SetChecksum() { ip.setChecksum(ip.calculateChecksum()) }
func (ip IPv4) calculateChecksum() (c uint16) { return checksumSkipping(ip.header(), 10) }

// MakeReply swaps source and destination IP, setting source to myIP.
func (ip IPv4) MakeReply(myIP *[4]byte) {
	copy(ip[OffsetIPDst:OffsetIPDst+4], ip[OffsetIPSrc:OffsetIPSrc+4])
	copy(ip[OffsetIPSrc:OffsetIPSrc+4], myIP[:])
}

// SetHeader writes a fresh option-less header with DF set and the default TTL.
// Checksum is left for [IPv4.SetChecksum].
func (ip IPv4) SetHeader(proto uint8, totalLength, id uint16) {
	h := ip.header()
	h[0] = IPVersionIHL
	h[1] = 0
	ip.SetTotalLength(totalLength)
	ip.SetID(id)
	ip.SetFlagsAndOffset(IPFlagDontFrag)
	h[8] = IPDefaultTTL
	h[9] = proto
}

// ICMP is a view over an ICMP header at offset 34 of the frame.
type ICMP []byte

func (ic ICMP) Type() uint8 { return ic[OffsetL4] }
func (ic ICMP) SetType(t uint8) { ic[OffsetL4] = t }
func (ic ICMP) Code() uint8 { return ic[OffsetL4+1] }
func (ic ICMP) Checksum() uint16 { return binary.BigEndian.Uint16(ic[OffsetL4+2:]) }
func (ic ICMP) SetRawChecksum(v uint16) { binary.BigEndian.PutUint16(ic[OffsetL4+2:], v) }
func (ic ICMP) Identifier() uint16 { return binary.BigEndian.Uint16(ic[OffsetL4+4:]) }
func (ic ICMP) Sequence() uint16 { return binary.BigEndian.Uint16(ic[OffsetL4+6:]) }
func (ic ICMP) Data() []byte { return ic[OffsetICMPData:] }

// SetChecksum computes the ICMP checksum over the n bytes of ICMP message.
func (ic ICMP) SetChecksum(n int) {
	ic.SetRawChecksum(checksumSkipping(ic[OffsetL4:OffsetL4+n], 2))
}

// UDP is a view over a UDP header at offset 34 of the frame.
type UDP []byte

func (u UDP) SourcePort() uint16 { return binary.BigEndian.Uint16(u[OffsetL4:]) }
func (u UDP) SetSourcePort(p uint16) { binary.BigEndian.PutUint16(u[OffsetL4:], p) }
func (u UDP) DestinationPort() uint16 { return binary.BigEndian.Uint16(u[OffsetL4+2:]) }
func (u UDP) SetDestinationPort(p uint16) { binary.BigEndian.PutUint16(u[OffsetL4+2:], p) }

// Length specifies length in bytes of UDP header and UDP payload.
func (u UDP) Length() uint16 { return binary.BigEndian.Uint16(u[OffsetL4+4:]) }
func (u UDP) SetLength(l uint16) { binary.BigEndian.PutUint16(u[OffsetL4+4:], l) }
func (u UDP) Checksum() uint16 { return binary.BigEndian.Uint16(u[OffsetL4+6:]) }
func (u UDP) Payload() []byte { return u[OffsetUDPPayload:] }
func (u UDP) IPv4() IPv4 { return IPv4(u) }

// PayloadLength returns the payload length declared by the UDP header.
func (u UDP) PayloadLength() int { return int(u.Length()) - SizeUDPHeader }

// SwapPorts exchanges the source and destination ports.
func (u UDP) SwapPorts() {
	src, dst := u.SourcePort(), u.DestinationPort()
	u.SetSourcePort(dst)
	u.SetDestinationPort(src)
}

// SetChecksum computes the UDP checksum including the IPv4 pseudo header. The
// UDP Length field must already be set.
func (u UDP) SetChecksum() {
	end := OffsetL4 + int(u.Length())
	binary.BigEndian.PutUint16(u[OffsetL4+6:], 0)
	crc := Checksum(u[OffsetIPSrc:end], PseudoUDP)
	// Zero means no checksum in UDP.
	binary.BigEndian.PutUint16(u[OffsetL4+6:], lneto.NeverZeroChecksum(crc))
}

// TCP is a view over a TCP header at offset 34 of the frame.
type TCP []byte

func (t TCP) SourcePort() uint16 { return binary.BigEndian.Uint16(t[OffsetL4:]) }
func (t TCP) SetSourcePort(p uint16) { binary.BigEndian.PutUint16(t[OffsetL4:], p) }
func (t TCP) DestinationPort() uint16 { return binary.BigEndian.Uint16(t[OffsetL4+2:]) }
func (t TCP) SetDestinationPort(p uint16) { binary.BigEndian.PutUint16(t[OffsetL4+2:], p) }

// Seq is the sequence number of the first data octet in this segment (except when SYN present)
// If SYN present this is the Initial Sequence Number (ISN) and the first data octet would be ISN+1.
func (t TCP) Seq() seqs.Value { return seqs.Value(binary.BigEndian.Uint32(t[OffsetL4+4:])) }
func (t TCP) SetSeq(v seqs.Value) { binary.BigEndian.PutUint32(t[OffsetL4+4:], uint32(v)) }

// Ack is the value of the next sequence number the sender is expecting to receive (when ACK is present).
func (t TCP) Ack() seqs.Value { return seqs.Value(binary.BigEndian.Uint32(t[OffsetL4+8:])) }
func (t TCP) SetAck(v seqs.Value) { binary.BigEndian.PutUint32(t[OffsetL4+8:], uint32(v)) }

// HeaderLength returns the TCP header length in bytes including options.
func (t TCP) HeaderLength() int { return int(t[OffsetL4+12]>>4) * 4 }

// SetHeaderLength sets the data offset field. length must be a multiple of 4.
func (t TCP) SetHeaderLength(length int) { t[OffsetL4+12] = uint8(length/4) << 4 }

func (t TCP) Flags() seqs.Flags { return seqs.Flags(t[OffsetL4+13]) }
func (t TCP) SetFlags(f seqs.Flags) { t[OffsetL4+13] = uint8(f) }
func (t TCP) WindowSize() seqs.Size { return seqs.Size(binary.BigEndian.Uint16(t[OffsetL4+14:])) }
func (t TCP) SetWindowSize(w uint16) { binary.BigEndian.PutUint16(t[OffsetL4+14:], w) }
func (t TCP) Checksum() uint16 { return binary.BigEndian.Uint16(t[OffsetL4+16:]) }
func (t TCP) SetUrgentPtr(p uint16) { binary.BigEndian.PutUint16(t[OffsetL4+18:], p) }
func (t TCP) Options() []byte { return t[OffsetTCPOptions : OffsetL4+t.HeaderLength()] }
func (t TCP) IPv4() IPv4 { return IPv4(t) }

// PayloadOffset returns the absolute offset of the segment's payload.
func (t TCP) PayloadOffset() int { return OffsetL4 + t.HeaderLength() }

// PayloadLength returns the payload length as declared by the IP total length
// and TCP data offset. It may be negative for malformed frames.
func (t TCP) PayloadLength() int {
	return IPv4(t).PayloadLength() - t.HeaderLength()
}

// SwapPorts exchanges the source and destination ports.
func (t TCP) SwapPorts() {
	src, dst := t.SourcePort(), t.DestinationPort()
	t.SetSourcePort(dst)
	t.SetDestinationPort(src)
}

// SetChecksum computes the TCP checksum including the IPv4 pseudo header over
// a segment of tcpLength bytes (header, options and payload).
func (t TCP) SetChecksum(tcpLength int) {
	binary.BigEndian.PutUint16(t[OffsetL4+16:], 0)
	crc := Checksum(t[OffsetIPSrc:OffsetL4+tcpLength], PseudoTCP)
	binary.BigEndian.PutUint16(t[OffsetL4+16:], crc)
}

// CopyIP copies ip into dst which must be at least 4 bytes long.
func CopyIP(dst []byte, ip [4]byte) { copy(dst[:4], ip[:]) }

// CopyMAC copies mac into dst which must be at least 6 bytes long.
func CopyMAC(dst []byte, mac [6]byte) { copy(dst[:6], mac[:]) }

// checksumSkipping computes the checksum of b as if the 16 bit word at off were zero.
func checksumSkipping(b []byte, off int) uint16 {
	var crc CRC791
	crc.Write(b[:off])
	crc.Write(b[off+2:])
	return crc.Sum16()
}

// bytesAreAll returns true if b is composed of only unit bytes
func bytesAreAll(b []byte, unit byte) bool {
	for i := range b {
		if b[i] != unit {
			return false
		}
	}
	return true
}

// IsZero reports whether the address is all zeros.
func IsZero(addr []byte) bool { return bytesAreAll(addr, 0) }
