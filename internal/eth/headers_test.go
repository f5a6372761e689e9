package eth

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/soypat/lneto"
	"github.com/soypat/seqs"
	"golang.org/x/net/ipv4"
)

func TestCRC791_oneshot(t *testing.T) {
	for _, data := range [][]byte{
		{0x23},
		{0x23, 0xfb},
		{0x23, 0xfb, 0xde},
		{0x23, 0xfb, 0xde, 0xad},
		{0x23, 0xfb, 0xde, 0xad, 0xde, 0xad, 0xc0, 0xff, 0xee},
		{0x23, 0xfb, 0xde, 0xad, 0xde, 0xad, 0xc0, 0xff, 0xee, 0x00},
	} {
		crc := CRC791{}
		crc.Write(data)
		got := crc.Sum16()
		expect := sum(data)
		if got != expect {
			t.Errorf("CRC791 mismatch (%d), got %#04x; expected %#04x", len(data), got, expect)
		}
	}
}

func TestCRC791_multifuzz(t *testing.T) {
	data := []byte("00\x0010")
	rng := rand.New(rand.NewSource(1))
	crc := CRC791{}
	dataDiv := data
	for len(dataDiv) > 0 {
		n := rng.Intn(len(dataDiv)) + 1
		crc.Write(dataDiv[:n])
		t.Logf("write: %q", dataDiv[:n])
		dataDiv = dataDiv[n:]
	}
	got := crc.Sum16()
	expect := sum(data)
	if got != expect {
		t.Errorf("crc mismatch, got %#04x; expected %#04x", got, expect)
	}
}

func TestCRC791_lneto(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		data := make([]byte, 2*rng.Intn(200))
		rng.Read(data)
		var mine CRC791
		mine.Write(data)
		var ref lneto.CRC791
		ref.WriteEven(data)
		if mine.Sum16() != ref.Sum16() {
			t.Fatalf("mismatch with lneto for len=%d: got %#04x want %#04x", len(data), mine.Sum16(), ref.Sum16())
		}
	}
}

func FuzzCRC(f *testing.F) {
	f.Add([]byte{0x23, 0xfb, 0xde, 0xad, 0xde, 0xad, 0xc0, 0xff, 0xee, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		rng := rand.New(rand.NewSource(1))
		crc := CRC791{}
		dataDiv := data
		for len(dataDiv) > 0 {
			n := rng.Intn(len(dataDiv)) + 1
			if n == 2 && !crc.odd {
				crc.AddUint16(binary.BigEndian.Uint16(dataDiv[:n]))
			} else {
				crc.Write(dataDiv[:n])
			}
			dataDiv = dataDiv[n:]
		}
		got := crc.Sum16()
		expect := sum(data)
		if got != expect {
			panic("CRC791 mismatch for data " + fmt.Sprintf("%q", data))
		}
	})
}

func TestChecksumRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	frame := make([]byte, 1500)
	for _, kind := range []PseudoHeader{PseudoUDP, PseudoTCP} {
		for plen := 0; plen < 64; plen++ {
			rng.Read(frame)
			ip := IPv4(frame)
			switch kind {
			case PseudoUDP:
				ip.SetHeader(IPProtoUDP, uint16(SizeIPv4Header+SizeUDPHeader+plen), 1)
				u := UDP(frame)
				u.SetLength(uint16(SizeUDPHeader + plen))
				u.SetChecksum()
				region := frame[OffsetIPSrc : OffsetL4+SizeUDPHeader+plen]
				if got := Sum(region, kind); got != 0xffff {
					t.Errorf("UDP plen=%d: sum over checksummed region %#04x, want 0xffff", plen, got)
				}
			case PseudoTCP:
				ip.SetHeader(IPProtoTCP, uint16(SizeIPv4Header+SizeTCPHeader+plen), 1)
				tc := TCP(frame)
				tc.SetHeaderLength(SizeTCPHeader)
				tc.SetChecksum(SizeTCPHeader + plen)
				region := frame[OffsetIPSrc : OffsetL4+SizeTCPHeader+plen]
				if got := Sum(region, kind); got != 0xffff {
					t.Errorf("TCP plen=%d: sum over checksummed region %#04x, want 0xffff", plen, got)
				}
			}
			ip.SetChecksum()
			if !ip.ValidChecksum() {
				t.Errorf("IP header checksum invalid after SetChecksum")
			}
		}
	}
}

func TestUDPChecksumMatchesGopacket(t *testing.T) {
	for _, payload := range []string{"", "a", "hello", "odd length payload!", "even length payload!"} {
		frame := gopacketUDP(t, []byte(payload))
		want := UDP(frame).Checksum()
		UDP(frame).SetChecksum()
		if got := UDP(frame).Checksum(); got != want {
			t.Errorf("payload %q: checksum %#04x, gopacket computed %#04x", payload, got, want)
		}
		if Sum(frame[OffsetIPSrc:OffsetL4+int(UDP(frame).Length())], PseudoUDP) != 0xffff {
			t.Errorf("payload %q: gopacket frame does not validate", payload)
		}
	}
}

func TestTCPViewMatchesGopacket(t *testing.T) {
	ipl := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Flags: layers.IPv4DontFragment, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{10, 0, 0, 2}, DstIP: net.IP{10, 0, 0, 1},
	}
	tcpl := &layers.TCP{
		SrcPort: 1234, DstPort: 80, Seq: 0xdeadbeef, Ack: 0x01020304,
		SYN: true, ACK: true, Window: 1400,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0x00}}},
	}
	tcpl.SetNetworkLayerForChecksum(ipl)
	frame := serialize(t, ipl, tcpl, gopacket.Payload("GET / HTTP/1.1\r\n\r\n"))
	tc := TCP(frame)
	if tc.SourcePort() != 1234 || tc.DestinationPort() != 80 {
		t.Errorf("ports: got %d->%d", tc.SourcePort(), tc.DestinationPort())
	}
	if tc.Seq() != 0xdeadbeef || tc.Ack() != 0x01020304 {
		t.Errorf("seq/ack: got %#x/%#x", tc.Seq(), tc.Ack())
	}
	if !tc.Flags().HasAll(seqs.FlagSYN|seqs.FlagACK) || tc.Flags().HasAny(seqs.FlagFIN|seqs.FlagRST) {
		t.Errorf("flags: got %s", tc.Flags())
	}
	if tc.HeaderLength() != 24 {
		t.Errorf("header length: got %d, want 24", tc.HeaderLength())
	}
	if tc.PayloadLength() != len("GET / HTTP/1.1\r\n\r\n") {
		t.Errorf("payload length: got %d", tc.PayloadLength())
	}
	if tc.PayloadOffset() != OffsetL4+24 {
		t.Errorf("payload offset: got %d", tc.PayloadOffset())
	}
	want := tc.Checksum()
	tc.SetChecksum(tc.HeaderLength() + tc.PayloadLength())
	if tc.Checksum() != want {
		t.Errorf("checksum: got %#04x, gopacket %#04x", tc.Checksum(), want)
	}
}

func TestIPv4HeaderParsesWithXNet(t *testing.T) {
	frame := make([]byte, 64)
	ip := IPv4(frame)
	ip.SetHeader(IPProtoUDP, 40, 0x1234)
	*ip.Source() = [4]byte{192, 168, 1, 10}
	*ip.Destination() = [4]byte{192, 168, 1, 1}
	ip.SetChecksum()

	hdr, err := ipv4.ParseHeader(frame[OffsetIP:])
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Version != 4 || hdr.Len != SizeIPv4Header {
		t.Errorf("version/len: got %d/%d", hdr.Version, hdr.Len)
	}
	if hdr.TTL != IPDefaultTTL || hdr.Protocol != IPProtoUDP || hdr.ID != 0x1234 {
		t.Errorf("ttl/proto/id: got %d/%d/%#x", hdr.TTL, hdr.Protocol, hdr.ID)
	}
	if hdr.Flags != ipv4.DontFragment {
		t.Errorf("flags: got %v", hdr.Flags)
	}
	if !hdr.Src.Equal(net.IP{192, 168, 1, 10}) || !hdr.Dst.Equal(net.IP{192, 168, 1, 1}) {
		t.Errorf("addrs: got %s->%s", hdr.Src, hdr.Dst)
	}
	if hdr.Checksum != int(ip.Checksum()) {
		t.Errorf("checksum: got %#04x, header has %#04x", hdr.Checksum, ip.Checksum())
	}
	var crc lneto.CRC791
	crc.WriteEven(frame[OffsetIP : OffsetIP+SizeIPv4Header])
	if crc.Sum16() != 0 {
		t.Errorf("lneto rejects header checksum: %#04x", crc.Sum16())
	}
	if ip.IsFragment() {
		t.Error("DF-only header reported as fragment")
	}
}

func TestARPViewReply(t *testing.T) {
	frame := make([]byte, 60)
	a := ARP(frame)
	a.SetHeader()
	a.SetOperation(ARPRequest)
	*a.SenderMAC() = [6]byte{1, 2, 3, 4, 5, 6}
	*a.SenderIP() = [4]byte{10, 0, 0, 1}
	*a.TargetIP() = [4]byte{10, 0, 0, 2}
	if !a.IsEthernetIPv4() {
		t.Fatal("expected Ethernet/IPv4 ARP header")
	}
	pkt := gopacket.NewPacket(frame[OffsetARP:], layers.LayerTypeARP, gopacket.Default)
	arpl, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok {
		t.Fatal("gopacket could not decode ARP")
	}
	if arpl.Operation != layers.ARPRequest || net.IP(arpl.DstProtAddress).String() != "10.0.0.2" {
		t.Errorf("decoded ARP op=%d dst=%v", arpl.Operation, arpl.DstProtAddress)
	}
}

func TestForEachDHCPOption(t *testing.T) {
	opts := []byte{
		byte(DHCPDHCPMessageType), 1, DHCPAck,
		byte(DHCPWordAligned),
		byte(DHCPSubnetMask), 4, 255, 255, 255, 0,
		byte(DHCPEnd),
		byte(DHCPRouter), 4, 1, 1, 1, 1, // After end, must not be visited.
	}
	var got []DHCPOption
	ForEachDHCPOption(opts, func(code DHCPOption, data []byte) bool {
		got = append(got, code)
		return true
	})
	if len(got) != 2 || got[0] != DHCPDHCPMessageType || got[1] != DHCPSubnetMask {
		t.Errorf("visited options %v", got)
	}
	// Truncated option must stop the walk.
	got = got[:0]
	ForEachDHCPOption([]byte{byte(DHCPRouter), 4, 1, 1}, func(code DHCPOption, data []byte) bool {
		got = append(got, code)
		return true
	})
	if len(got) != 0 {
		t.Errorf("truncated option visited: %v", got)
	}
}

func gopacketUDP(t *testing.T, payload []byte) []byte {
	t.Helper()
	ipl := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{192, 168, 1, 2}, DstIP: net.IP{192, 168, 1, 1},
	}
	udpl := &layers.UDP{SrcPort: 5000, DstPort: 53}
	udpl.SetNetworkLayerForChecksum(ipl)
	return serialize(t, ipl, udpl, gopacket.Payload(payload))
}

func serialize(t *testing.T, ipl *layers.IPv4, l4 gopacket.SerializableLayer, payload gopacket.Payload) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	ethl := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		EthernetType: layers.EthernetTypeIPv4,
	}
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ethl, ipl, l4, payload)
	if err != nil {
		t.Fatal(err)
	}
	// Give views room past the end of short frames.
	frame := make([]byte, 1500)
	copy(frame, buf.Bytes())
	return frame
}

// sum is a reference implementation of the internet checksum.
//
// Inspired by: https://gist.github.com/david-hoze/0c7021434796997a4ca42d7731a7073a
func sum(b []byte) uint16 {
	var sum uint32
	count := len(b)
	for count > 1 {
		sum += uint32(binary.BigEndian.Uint16(b[len(b)-count:]))
		count -= 2
	}
	if count > 0 {
		// If any bytes left, pad the bytes and add.
		sum += uint32(b[len(b)-1]) << 8
	}
	// Fold sum to 16 bits: add carrier to result.
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(^sum) // One's complement.
}
