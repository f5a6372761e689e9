package ethercard

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/soypat/ethercard/internal/eth"
)

var (
	dhcpServerIP = [4]byte{192, 168, 1, 1}
	offerIP      = [4]byte{192, 168, 1, 57}
	lanDNS       = [4]byte{192, 168, 1, 2}
)

// dhcpServer answers DISCOVERs with an OFFER and REQUESTs with an ACK, or a
// NAK if nak is set.
type dhcpServer struct {
	t     *testing.T
	lease uint32
	nak   bool
	extra layers.DHCPOptions
	seen  []*layers.DHCPv4
}

func (srv *dhcpServer) respond(frame []byte) [][]byte {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	req, ok := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if !ok {
		return nil
	}
	srv.seen = append(srv.seen, req)
	var typ layers.DHCPMsgType
	switch dhcpMsgType(req) {
	case layers.DHCPMsgTypeDiscover:
		typ = layers.DHCPMsgTypeOffer
	case layers.DHCPMsgTypeRequest:
		typ = layers.DHCPMsgTypeAck
		if srv.nak {
			typ = layers.DHCPMsgTypeNak
		}
	default:
		return nil
	}
	return [][]byte{srv.reply(req.Xid, typ)}
}

func (srv *dhcpServer) reply(xid uint32, typ layers.DHCPMsgType) []byte {
	var lease [4]byte
	binary.BigEndian.PutUint32(lease[:], srv.lease)
	d := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          xid,
		YourClientIP: net.IP(offerIP[:]),
		ClientHWAddr: net.HardwareAddr(testMAC[:]),
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(typ)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, dhcpServerIP[:]),
			layers.NewDHCPOption(layers.DHCPOptSubnetMask, []byte{255, 255, 255, 0}),
			layers.NewDHCPOption(layers.DHCPOptRouter, gwIP[:]),
			layers.NewDHCPOption(layers.DHCPOptDNS, lanDNS[:]),
			layers.NewDHCPOption(layers.DHCPOptLeaseTime, lease[:]),
		},
	}
	d.Options = append(d.Options, srv.extra...)
	ip := ipLayer(dhcpServerIP, eth.BroadcastIP, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: dhcpServerPort, DstPort: dhcpClientPort}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(srv.t, ethLayer(gwMAC, eth.BroadcastMAC, layers.EthernetTypeIPv4), ip, udp, d)
}

func dhcpMsgType(d *layers.DHCPv4) layers.DHCPMsgType {
	if data := dhcpOpt(d, layers.DHCPOptMessageType); len(data) == 1 {
		return layers.DHCPMsgType(data[0])
	}
	return layers.DHCPMsgTypeUnspecified
}

func dhcpOpt(d *layers.DHCPv4, typ layers.DHCPOpt) []byte {
	for _, o := range d.Options {
		if o.Type == typ {
			return o.Data
		}
	}
	return nil
}

func newDHCPStack(t *testing.T) (*Stack, *testDriver, *testClock) {
	t.Helper()
	drv := &testDriver{link: true}
	clk := &testClock{step: 1}
	s, err := New(Config{MAC: testMAC, Driver: drv, Clock: clk.now, Logger: testLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	return s, drv, clk
}

func TestDHCPSetup(t *testing.T) {
	s, drv, _ := newDHCPStack(t)
	srv := &dhcpServer{t: t, lease: 3600}
	drv.respond = srv.respond
	if err := s.DHCPSetup(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if s.DHCPState() != DHCPBound {
		t.Fatalf("want bound, got %s", s.DHCPState())
	}
	if s.IP() != offerIP || s.Gateway() != gwIP || s.DNSServer() != lanDNS || s.DHCPServer() != dhcpServerIP {
		t.Errorf("bad lease ip=%v gw=%v dns=%v server=%v", s.IP(), s.Gateway(), s.DNSServer(), s.DHCPServer())
	}
	if s.Netmask() != [4]byte{255, 255, 255, 0} || s.Broadcast() != [4]byte{192, 168, 1, 255} {
		t.Errorf("netmask %v broadcast %v", s.Netmask(), s.Broadcast())
	}
	if _, d := s.DHCPLease(); d != 3600_000 {
		t.Errorf("want lease 3600000ms, got %d", d)
	}
	if drv.bcast {
		t.Error("broadcast reception left enabled")
	}
	if s.GatewayState() != GatewayAwaitingARP {
		t.Errorf("gateway MAC should be requested, got %s", s.GatewayState())
	}

	if len(srv.seen) != 2 || len(drv.tx) != 2 {
		t.Fatalf("want DISCOVER and REQUEST, got %d messages", len(srv.seen))
	}
	for _, frame := range drv.tx {
		checkChecksums(t, frame)
		pkt := decode(t, frame)
		e := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !bytes.Equal(e.DstMAC, eth.BroadcastMAC[:]) || !ip.DstIP.Equal(net.IPv4bcast) || !ip.SrcIP.Equal(net.IPv4zero) {
			t.Errorf("DHCP message not broadcast from 0.0.0.0: %v %v->%v", e.DstMAC, ip.SrcIP, ip.DstIP)
		}
	}
	discover, request := srv.seen[0], srv.seen[1]
	if dhcpMsgType(discover) != layers.DHCPMsgTypeDiscover || dhcpMsgType(request) != layers.DHCPMsgTypeRequest {
		t.Fatalf("message types %s %s", dhcpMsgType(discover), dhcpMsgType(request))
	}
	if discover.Xid != request.Xid {
		t.Error("transaction ID changed within exchange")
	}
	if host := string(dhcpOpt(discover, layers.DHCPOptHostname)); host != "EtherCard-31" {
		t.Errorf("hostname %q", host)
	}
	if id := dhcpOpt(discover, layers.DHCPOptClientID); !bytes.Equal(id, append([]byte{1}, testMAC[:]...)) {
		t.Errorf("client id % x", id)
	}
	if params := dhcpOpt(discover, layers.DHCPOptParamsRequest); !bytes.Equal(params, []byte{1, 3, 6}) {
		t.Errorf("parameter request list % x", params)
	}
	if dhcpOpt(discover, layers.DHCPOptRequestIP) != nil {
		t.Error("DISCOVER requests an address")
	}
	if got := dhcpOpt(request, layers.DHCPOptRequestIP); !bytes.Equal(got, offerIP[:]) {
		t.Errorf("requested IP % x", got)
	}
	if got := dhcpOpt(request, layers.DHCPOptServerID); !bytes.Equal(got, dhcpServerIP[:]) {
		t.Errorf("server ID % x", got)
	}
}

func TestDHCPStepByStep(t *testing.T) {
	s, drv, clk := newDHCPStack(t)
	clk.ms, clk.step = 1000, 0
	srv := &dhcpServer{t: t, lease: 3600}
	s.dhcp.hostname = "stepper"
	s.dhcp.state = DHCPInit

	s.PacketLoop(0)
	if s.DHCPState() != DHCPSelecting {
		t.Fatalf("want selecting, got %s", s.DHCPState())
	}
	discover := decode(t, drv.popTx(t)).Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if dhcpMsgType(discover) != layers.DHCPMsgTypeDiscover {
		t.Fatalf("want DISCOVER, got %s", dhcpMsgType(discover))
	}

	clk.ms = 1500
	deliver(s, drv, srv.reply(discover.Xid, layers.DHCPMsgTypeOffer))
	if s.DHCPState() != DHCPRequesting {
		t.Fatalf("want requesting, got %s", s.DHCPState())
	}
	request := decode(t, drv.popTx(t)).Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if dhcpMsgType(request) != layers.DHCPMsgTypeRequest || request.Xid != discover.Xid {
		t.Fatalf("want REQUEST of the same exchange, got %s xid %#x", dhcpMsgType(request), request.Xid)
	}

	const ackAt = 4242
	clk.ms = ackAt
	deliver(s, drv, srv.reply(discover.Xid, layers.DHCPMsgTypeAck))
	if s.DHCPState() != DHCPBound {
		t.Fatalf("want bound, got %s", s.DHCPState())
	}
	start, lease := s.DHCPLease()
	if start != ackAt {
		t.Errorf("lease start %d, want tick of ACK %d", start, ackAt)
	}
	if lease != 3600_000 {
		t.Errorf("lease %dms", lease)
	}
	if s.IP() != offerIP {
		t.Errorf("ip %v", s.IP())
	}
}

func TestDHCPRenew(t *testing.T) {
	s, drv, clk := newDHCPStack(t)
	srv := &dhcpServer{t: t, lease: 2}
	drv.respond = srv.respond
	if err := s.DHCPSetup(context.Background(), "node"); err != nil {
		t.Fatal(err)
	}
	start, _ := s.DHCPLease()
	drv.tx = drv.tx[:0]
	srv.seen = srv.seen[:0]

	s.PacketLoop(0)
	if s.DHCPState() != DHCPBound {
		t.Fatalf("renewed early: %s", s.DHCPState())
	}
	drv.tx = drv.tx[:0]
	clk.ms += 2000
	s.PacketLoop(0)
	if s.DHCPState() != DHCPRenewing {
		t.Fatalf("want renewing, got %s", s.DHCPState())
	}
	frame := drv.popTx(t)
	checkChecksums(t, frame)
	pkt := decode(t, frame)
	e := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !bytes.Equal(e.DstMAC, eth.BroadcastMAC[:]) || !ip.DstIP.Equal(dhcpServerIP[:]) || !ip.SrcIP.Equal(offerIP[:]) {
		t.Errorf("renewal not unicast to server: %v %v->%v", e.DstMAC, ip.SrcIP, ip.DstIP)
	}
	req := srv.seen[0]
	if !req.ClientIP.Equal(offerIP[:]) || dhcpOpt(req, layers.DHCPOptRequestIP) != nil {
		t.Errorf("renewal ciaddr=%v requested=% x", req.ClientIP, dhcpOpt(req, layers.DHCPOptRequestIP))
	}
	if host := string(dhcpOpt(req, layers.DHCPOptHostname)); host != "node" {
		t.Errorf("hostname %q", host)
	}

	s.PacketLoop(s.PacketReceive())
	if s.DHCPState() != DHCPBound {
		t.Fatalf("want bound after renewal, got %s", s.DHCPState())
	}
	if again, _ := s.DHCPLease(); again == start {
		t.Error("lease start not updated")
	}
}

func TestDHCPRetryOnTimeout(t *testing.T) {
	s, drv, clk := newDHCPStack(t)
	s.dhcp.state = DHCPInit
	s.PacketLoop(0)
	if s.DHCPState() != DHCPSelecting || !drv.bcast {
		t.Fatalf("want selecting with broadcast reception, got %s", s.DHCPState())
	}
	first := decode(t, drv.popTx(t)).Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)

	clk.ms += dhcpStateTimeout
	s.PacketLoop(0)
	if s.DHCPState() != DHCPInit {
		t.Fatalf("want init after timeout, got %s", s.DHCPState())
	}
	s.PacketLoop(0)
	second := decode(t, drv.popTx(t)).Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if dhcpMsgType(second) != layers.DHCPMsgTypeDiscover || second.Xid == first.Xid {
		t.Errorf("want new DISCOVER with fresh xid, got %s xid=%#x (was %#x)", dhcpMsgType(second), second.Xid, first.Xid)
	}
}

func TestDHCPNak(t *testing.T) {
	s, drv, _ := newDHCPStack(t)
	srv := &dhcpServer{t: t, lease: 60, nak: true}
	drv.respond = srv.respond
	s.dhcp.state = DHCPInit
	s.PacketLoop(0)
	s.PacketLoop(s.PacketReceive())
	if s.DHCPState() != DHCPRequesting {
		t.Fatalf("want requesting, got %s", s.DHCPState())
	}
	s.PacketLoop(s.PacketReceive())
	if s.DHCPState() != DHCPInit {
		t.Fatalf("want init after NAK, got %s", s.DHCPState())
	}
}

func TestDHCPIgnoresOtherTransactions(t *testing.T) {
	s, drv, _ := newDHCPStack(t)
	srv := &dhcpServer{t: t, lease: 60}
	s.dhcp.state = DHCPInit
	s.PacketLoop(0)
	drv.popTx(t)
	deliver(s, drv, srv.reply(s.dhcp.xid+1, layers.DHCPMsgTypeOffer))
	if s.DHCPState() != DHCPSelecting || len(drv.tx) != 0 {
		t.Errorf("offer for another transaction accepted: %s", s.DHCPState())
	}
}

func TestDHCPOptionCallback(t *testing.T) {
	s, drv, _ := newDHCPStack(t)
	const ntpServers = 42
	ntp := []byte{192, 168, 1, 3}
	srv := &dhcpServer{t: t, lease: 60, extra: layers.DHCPOptions{layers.NewDHCPOption(ntpServers, ntp)}}
	drv.respond = srv.respond
	var got []byte
	s.DHCPAddOptionCallback(ntpServers, func(option uint8, data []byte) {
		if option != ntpServers {
			t.Errorf("callback for option %d", option)
		}
		got = append([]byte(nil), data...)
	})
	if err := s.DHCPSetup(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, ntp) {
		t.Errorf("callback got % x", got)
	}
	if params := dhcpOpt(srv.seen[0], layers.DHCPOptParamsRequest); !bytes.Equal(params, []byte{1, 3, 6, ntpServers}) {
		t.Errorf("custom option not requested: % x", params)
	}
}

func TestDHCPSetupTimeout(t *testing.T) {
	s, drv, clk := newDHCPStack(t)
	clk.step = 50
	err := s.DHCPSetup(context.Background(), "")
	if !errors.Is(err, ErrDHCPTimeout) || errors.Is(err, ErrLinkDown) {
		t.Fatalf("want plain ErrDHCPTimeout, got %v", err)
	}
	drv.link = false
	err = s.DHCPSetup(context.Background(), "")
	if !errors.Is(err, ErrDHCPTimeout) || !errors.Is(err, ErrLinkDown) {
		t.Fatalf("want timeout with link down, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.DHCPSetup(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
