package main

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	peerMAC = net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	peerIP  = net.IP{192, 168, 7, 40}
	// Defaults of the stack section.
	stackMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0xec, 0x28, 0x60}
	stackIP  = net.IP{192, 168, 7, 2}
)

// setupTest loads the default configuration into the globals the commands use.
func setupTest(t *testing.T) {
	t.Helper()
	c, err := loadConfig("")
	require.NoError(t, err)
	cfg = c
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...)
	require.NoError(t, err)
	return append([]byte(nil), buf.Bytes()...)
}

func peerEth(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: peerMAC, DstMAC: stackMAC, EthernetType: typ}
}

func peerIPv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Id: 7, Protocol: proto, SrcIP: peerIP, DstIP: stackIP}
}

func arpRequest(t *testing.T) []byte {
	eth := peerEth(layers.EthernetTypeARP)
	eth.DstMAC = layers.EthernetBroadcast
	return serialize(t, eth, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   peerMAC,
		SourceProtAddress: peerIP,
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    stackIP,
	})
}

func echoRequest(t *testing.T) []byte {
	return serialize(t, peerEth(layers.EthernetTypeIPv4), peerIPv4(layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1},
		gopacket.Payload("ping"))
}

func udpDatagram(t *testing.T, dport uint16, payload string) []byte {
	ip := peerIPv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dport)}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, peerEth(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

func httpRequest(t *testing.T, req string) []byte {
	ip := peerIPv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40001, DstPort: 80, Seq: 1000, Ack: 5000, ACK: true, PSH: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, peerEth(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(req))
}

func ipv6Frame(t *testing.T) []byte {
	return serialize(t, peerEth(layers.EthernetTypeIPv6), gopacket.Payload(make([]byte, 40)))
}

// memDriver is an in-memory ethercard.Driver.
type memDriver struct {
	rx, tx [][]byte
}

func (d *memDriver) Transmit(frame []byte) error {
	d.tx = append(d.tx, append([]byte(nil), frame...))
	return nil
}

func (d *memDriver) Receive(dst []byte) (int, error) {
	if len(d.rx) == 0 {
		return 0, nil
	}
	n := copy(dst, d.rx[0])
	d.rx = d.rx[1:]
	return n, nil
}

func (d *memDriver) LinkUp() bool                  { return true }
func (d *memDriver) EnableBroadcastReception(bool) {}

// tcpLayer decodes frame and returns its TCP layer.
func tcpLayer(t *testing.T, frame []byte) *layers.TCP {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok, "frame is not TCP: %v", pkt)
	return tcp
}
