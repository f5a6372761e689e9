package ethercard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soypat/ethercard/internal/eth"
)

// DHCPState is the state of the DHCP client.
type DHCPState uint8

const (
	// DHCPNone means addresses are configured statically.
	DHCPNone DHCPState = iota
	DHCPInit
	DHCPSelecting
	DHCPRequesting
	DHCPBound
	DHCPRenewing
)

func (ds DHCPState) String() string {
	switch ds {
	case DHCPNone:
		return "none"
	case DHCPInit:
		return "init"
	case DHCPSelecting:
		return "selecting"
	case DHCPRequesting:
		return "requesting"
	case DHCPBound:
		return "bound"
	case DHCPRenewing:
		return "renewing"
	}
	return "DHCPState(?)"
}

// DHCPOptionFunc receives the data of a custom option found in a DHCP ACK.
type DHCPOptionFunc func(option uint8, data []byte)

const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	// Timeouts in milliseconds.
	dhcpStateTimeout = 10_000
	dhcpSetupTimeout = 60_000

	dhcpInfiniteLease = 0xffffffff
	dhcpHostnameMax   = 32
	dhcpMinReplyLen   = 70
	dhcpHTypeEthernet = 1
	dhcpHostnamePfx   = "EtherCard-"
)

// ErrDHCPTimeout is returned by DHCPSetup when no lease is obtained in time.
var ErrDHCPTimeout = errors.New("dhcp: no lease obtained")

type dhcpClient struct {
	state      DHCPState
	xid        uint32
	timer      uint32
	leaseStart uint32
	leaseTime  uint32
	offered    [4]byte
	serverIP   [4]byte
	hostname   string
	customOpt  uint8
	customFn   DHCPOptionFunc
}

// DHCPState returns the DHCP client state.
func (s *Stack) DHCPState() DHCPState { return s.dhcp.state }

// DHCPServer returns the address of the server that granted the lease.
func (s *Stack) DHCPServer() [4]byte { return s.dhcp.serverIP }

// DHCPLease returns the clock time the lease was obtained at and its
// duration in milliseconds. A duration of 0xffffffff is an infinite lease.
func (s *Stack) DHCPLease() (start, duration uint32) {
	return s.dhcp.leaseStart, s.dhcp.leaseTime
}

// DHCPAddOptionCallback requests option from the server and calls cb with
// its data whenever it appears in an ACK.
func (s *Stack) DHCPAddOptionCallback(option uint8, cb DHCPOptionFunc) {
	s.dhcp.customOpt = option
	s.dhcp.customFn = cb
}

// DHCPSetup obtains a lease, polling the driver until the client is bound.
// An empty hostname defaults to EtherCard-XX with XX the last MAC octet in
// hex. DHCPSetup returns ErrDHCPTimeout if no lease is obtained within 60
// seconds of the stack clock. Once bound, PacketLoop renews the lease.
func (s *Stack) DHCPSetup(ctx context.Context, hostname string) error {
	if hostname == "" {
		const hexdigits = "0123456789ABCDEF"
		hostname = dhcpHostnamePfx + string([]byte{hexdigits[s.mac[5]>>4], hexdigits[s.mac[5]&0xf]})
	} else if len(hostname) > dhcpHostnameMax {
		hostname = hostname[:dhcpHostnameMax]
	}
	d := &s.dhcp
	d.hostname = hostname
	d.state = DHCPInit
	start := s.now()
	for d.state != DHCPBound {
		if err := ctx.Err(); err != nil {
			return err
		}
		if expired(s.now(), start, dhcpSetupTimeout) {
			s.warn("dhcp:timeout", slog.String("state", d.state.String()))
			if !s.drv.LinkUp() {
				return fmt.Errorf("%w: %w", ErrDHCPTimeout, ErrLinkDown)
			}
			return ErrDHCPTimeout
		}
		if !s.drv.LinkUp() {
			continue
		}
		s.PacketLoop(s.PacketReceive())
	}
	s.gw.delay = 0
	return nil
}

// dhcpStep advances the DHCP client with the frame of length plen, or an
// idle tick if plen is zero. It reports whether the frame was consumed or the
// buffer was overwritten by a DHCP message.
func (s *Stack) dhcpStep(plen int) bool {
	d := &s.dhcp
	now := s.now()
	switch d.state {
	case DHCPInit:
		d.xid = now
		s.ip = [4]byte{}
		s.sendDHCP(eth.DHCPDiscover, nil)
		s.drv.EnableBroadcastReception(true)
		s.setDHCPState(DHCPSelecting, now)
		return true

	case DHCPSelecting:
		if s.dhcpMessage(plen) == eth.DHCPOffer {
			s.processOffer(plen)
			s.sendDHCP(eth.DHCPRequest, &d.offered)
			s.setDHCPState(DHCPRequesting, now)
			return true
		}
		if elapsed(now, d.timer) > dhcpStateTimeout {
			s.setDHCPState(DHCPInit, now)
		}

	case DHCPRequesting, DHCPRenewing:
		switch s.dhcpMessage(plen) {
		case eth.DHCPAck:
			s.drv.EnableBroadcastReception(false)
			s.processAck(plen)
			d.leaseStart = now
			if s.gw.ip != [4]byte{} {
				s.SetGatewayIP(s.gw.ip)
			}
			s.setDHCPState(DHCPBound, now)
			s.info("dhcp:bound", ipattr("ip", s.ip), ipattr("gw", s.gw.ip), ipattr("dns", s.dnsIP), slog.Uint64("lease_ms", uint64(d.leaseTime)))
			return true
		case eth.DHCPNak:
			s.warn("dhcp:nak", ipattr("server", d.serverIP))
			s.setDHCPState(DHCPInit, now)
			return true
		}
		if elapsed(now, d.timer) > dhcpStateTimeout {
			s.setDHCPState(DHCPInit, now)
		}

	case DHCPBound:
		if d.leaseTime != dhcpInfiniteLease && expired(now, d.leaseStart, d.leaseTime) {
			// The renewal is sent while still bound so it is unicast to the server.
			s.sendDHCP(eth.DHCPRequest, nil)
			s.setDHCPState(DHCPRenewing, now)
			return true
		}
	}
	return false
}

func (s *Stack) setDHCPState(state DHCPState, now uint32) {
	s.debug("dhcp:state", slog.String("from", s.dhcp.state.String()), slog.String("to", state.String()))
	s.dhcp.state = state
	s.dhcp.timer = now
}

// sendDHCP builds a DHCP message of type msgType from scratch. requested is
// the offered address when answering an OFFER. The Ethernet destination is
// always broadcast; renewals are addressed to the server's IP.
func (s *Stack) sendDHCP(msgType uint8, requested *[4]byte) {
	d := &s.dhcp
	dst := eth.BroadcastIP
	if d.state == DHCPBound {
		dst = d.serverIP
	}
	s.prepareIP(eth.BroadcastMAC, dst, eth.IPProtoUDP)
	u := eth.UDP(s.buf)
	u.SetSourcePort(dhcpClientPort)
	u.SetDestinationPort(dhcpServerPort)

	hdr := eth.DHCPHeader{
		OP:    eth.DHCPOpRequest,
		HType: dhcpHTypeEthernet,
		HLen:  6,
		Xid:   d.xid,
	}
	if d.state == DHCPBound {
		hdr.CIAddr = s.ip
	}
	copy(hdr.CHAddr[:], s.mac[:])
	hdr.Put(s.buf[eth.OffsetUDPPayload:])

	opts := s.buf[eth.OffsetDHCPOptions:]
	n := eth.EncodeDHCPOption(opts, eth.DHCPDHCPMessageType, []byte{msgType})
	var clientID [7]byte
	clientID[0] = dhcpHTypeEthernet
	copy(clientID[1:], s.mac[:])
	n += eth.EncodeDHCPOption(opts[n:], eth.DHCPClientIdentifier, clientID[:])
	if d.hostname != "" {
		n += eth.EncodeDHCPOption(opts[n:], eth.DHCPHostName, []byte(d.hostname))
	}
	if requested != nil {
		n += eth.EncodeDHCPOption(opts[n:], eth.DHCPRequestedIPaddress, requested[:])
		n += eth.EncodeDHCPOption(opts[n:], eth.DHCPDHCPServerIdentification, d.serverIP[:])
	}
	params := []byte{byte(eth.DHCPSubnetMask), byte(eth.DHCPRouter), byte(eth.DHCPDNSServers)}
	if d.customOpt != 0 {
		params = append(params, d.customOpt)
	}
	n += eth.EncodeDHCPOption(opts[n:], eth.DHCPParameterRequestList, params)
	opts[n] = byte(eth.DHCPEnd)
	n++
	s.trace("dhcp:send", slog.Int("type", int(msgType)), slog.Uint64("xid", uint64(d.xid)))
	s.UDPTransmit(eth.OffsetDHCPOptions - eth.OffsetUDPPayload + n)
}

// dhcpOptions returns the options of the DHCP message in the buffer.
func (s *Stack) dhcpOptions(plen int) []byte {
	end := eth.OffsetL4 + int(eth.UDP(s.buf).Length())
	if end > plen {
		end = plen
	}
	if end < eth.OffsetDHCPOptions {
		return nil
	}
	return s.buf[eth.OffsetDHCPOptions:end]
}

// dhcpMessage returns the message type of a DHCP reply to our transaction in
// the buffer or 0 if there is none.
func (s *Stack) dhcpMessage(plen int) (msgType uint8) {
	if plen < dhcpMinReplyLen || plen < eth.OffsetDHCPOptions ||
		eth.Ethernet(s.buf).EtherType() != eth.EtherTypeIPv4 || eth.IPv4(s.buf).Protocol() != eth.IPProtoUDP {
		return 0
	}
	u := eth.UDP(s.buf)
	payload := s.buf[eth.OffsetUDPPayload:plen]
	if u.SourcePort() != dhcpServerPort || u.DestinationPort() != dhcpClientPort || !eth.DHCPMagicOK(payload) {
		return 0
	}
	hdr := eth.DecodeDHCPHeader(payload)
	if hdr.OP != eth.DHCPOpReply || hdr.Xid != s.dhcp.xid {
		return 0
	}
	eth.ForEachDHCPOption(s.dhcpOptions(plen), func(code eth.DHCPOption, data []byte) bool {
		if code == eth.DHCPDHCPMessageType && len(data) == 1 {
			msgType = data[0]
			return false
		}
		return true
	})
	return msgType
}

func (s *Stack) processOffer(plen int) {
	d := &s.dhcp
	hdr := eth.DecodeDHCPHeader(s.buf[eth.OffsetUDPPayload:])
	d.offered = hdr.YIAddr
	d.serverIP = *eth.IPv4(s.buf).Source()
	eth.ForEachDHCPOption(s.dhcpOptions(plen), func(code eth.DHCPOption, data []byte) bool {
		if code == eth.DHCPDHCPServerIdentification && len(data) == 4 {
			d.serverIP = [4]byte(data)
			return false
		}
		return true
	})
	s.debug("dhcp:offer", ipattr("ip", d.offered), ipattr("server", d.serverIP))
}

func (s *Stack) processAck(plen int) {
	d := &s.dhcp
	hdr := eth.DecodeDHCPHeader(s.buf[eth.OffsetUDPPayload:])
	s.ip = hdr.YIAddr
	var lease, renew uint32
	var haveLease, haveRenew bool
	eth.ForEachDHCPOption(s.dhcpOptions(plen), func(code eth.DHCPOption, data []byte) bool {
		if d.customFn != nil && uint8(code) == d.customOpt {
			d.customFn(uint8(code), data)
		}
		switch {
		case code == eth.DHCPSubnetMask && len(data) >= 4:
			s.netmask = [4]byte(data[:4])
		case code == eth.DHCPRouter && len(data) >= 4:
			s.gw.ip = [4]byte(data[:4])
		case code == eth.DHCPDNSServers && len(data) >= 4:
			s.dnsIP = [4]byte(data[:4])
		case code == eth.DHCPIPAddressLeaseTime && len(data) == 4:
			lease, haveLease = binary.BigEndian.Uint32(data), true
		case code == eth.DHCPRenewTimeValue && len(data) == 4:
			renew, haveRenew = binary.BigEndian.Uint32(data), true
		}
		return true
	})
	switch {
	case haveRenew:
		d.leaseTime = leaseMillis(renew)
	case haveLease:
		d.leaseTime = leaseMillis(lease)
	default:
		d.leaseTime = dhcpInfiniteLease
	}
	if s.netmask == [4]byte{} {
		s.netmask = [4]byte{255, 255, 255, 0}
	}
	s.updateBroadcast()
}

// leaseMillis converts a lease in seconds to milliseconds. Leases too long
// for the millisecond clock are clamped just below infinite.
func leaseMillis(secs uint32) uint32 {
	if secs == dhcpInfiniteLease {
		return dhcpInfiniteLease
	}
	if secs > (dhcpInfiniteLease-1)/1000 {
		return dhcpInfiniteLease - 1
	}
	return secs * 1000
}
