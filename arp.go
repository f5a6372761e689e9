package ethercard

import (
	"log/slog"

	"github.com/soypat/ethercard/internal/eth"
)

// GatewayState is the progress of resolving the gateway's hardware address.
type GatewayState uint8

const (
	// GatewayIdle means no gateway has been configured.
	GatewayIdle GatewayState = iota
	// GatewayAwaitingARP means a gateway IP is set and its MAC is unknown.
	GatewayAwaitingARP
	// GatewayResolved means the gateway MAC is known.
	GatewayResolved
	// GatewayRefreshing means the gateway MAC is known and being re-requested.
	GatewayRefreshing
)

func (gs GatewayState) String() string {
	switch gs {
	case GatewayIdle:
		return "idle"
	case GatewayAwaitingARP:
		return "awaiting-arp"
	case GatewayResolved:
		return "resolved"
	case GatewayRefreshing:
		return "refreshing"
	}
	return "GatewayState(?)"
}

type gateway struct {
	ip    [4]byte
	mac   [6]byte
	state GatewayState
	// delay is incremented on every idle tick. A who-has is sent when it wraps to zero.
	delay uint16
	// acceptReply is set once a who-has has been sent for the gateway.
	acceptReply bool
}

func (gw *gateway) hasMAC() bool {
	return gw.state == GatewayResolved || gw.state == GatewayRefreshing
}

type arpEntry struct {
	ip   [4]byte
	mac  [6]byte
	uses uint8 // Zero marks a free slot.
}

// ARPCache is a fixed capacity IPv4 to MAC table. When full, setting an
// unknown address evicts the least used entry. Entries never expire.
type ARPCache struct {
	entries []arpEntry
}

func (c *ARPCache) find(ip [4]byte) int {
	for i := range c.entries {
		if c.entries[i].uses != 0 && c.entries[i].ip == ip {
			return i
		}
	}
	return -1
}

// Has reports whether ip has a cached hardware address.
func (c *ARPCache) Has(ip [4]byte) bool { return c.find(ip) >= 0 }

// Lookup returns the cached hardware address of ip.
func (c *ARPCache) Lookup(ip [4]byte) (mac [6]byte, ok bool) {
	i := c.find(ip)
	if i < 0 {
		return mac, false
	}
	return c.entries[i].mac, true
}

// Set stores the hardware address of ip. Known entries have their use count
// incremented, saturating at 255. New entries replace the entry with the
// lowest use count and start with a use count of 1.
func (c *ARPCache) Set(ip [4]byte, mac [6]byte) {
	if len(c.entries) == 0 {
		return
	}
	i := c.find(ip)
	if i >= 0 {
		e := &c.entries[i]
		if e.uses < 0xff {
			e.uses++
		}
		e.mac = mac
		return
	}
	victim := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].uses < c.entries[victim].uses {
			victim = i
		}
	}
	c.entries[victim] = arpEntry{ip: ip, mac: mac, uses: 1}
}

// Invalidate removes ip from the cache.
func (c *ARPCache) Invalidate(ip [4]byte) {
	if i := c.find(ip); i >= 0 {
		c.entries[i] = arpEntry{}
	}
}

// Len returns the number of cached addresses.
func (c *ARPCache) Len() (n int) {
	for i := range c.entries {
		if c.entries[i].uses != 0 {
			n++
		}
	}
	return n
}

// Cap returns the maximum number of cached addresses.
func (c *ARPCache) Cap() int { return len(c.entries) }

// SetGatewayIP sets the gateway and schedules an ARP request for its
// hardware address on the next idle tick. A zero IP clears the gateway.
func (s *Stack) SetGatewayIP(ip [4]byte) {
	s.gw = gateway{ip: ip}
	if ip != [4]byte{} {
		s.gw.state = GatewayAwaitingARP
	}
	s.debug("gateway:set", ipattr("gw", ip))
}

// RefreshGateway re-requests the gateway MAC. The known MAC stays in use
// until a new reply arrives.
func (s *Stack) RefreshGateway() {
	if s.gw.state == GatewayResolved {
		s.gw.state = GatewayRefreshing
		s.gw.delay = 0
	}
}

// GatewayState returns the gateway resolution state.
func (s *Stack) GatewayState() GatewayState { return s.gw.state }

// GatewayMAC returns the gateway hardware address if it has been resolved.
func (s *Stack) GatewayMAC() ([6]byte, bool) { return s.gw.mac, s.gw.hasMAC() }

// ClientWaitingGateway reports whether the gateway MAC is still unknown.
func (s *Stack) ClientWaitingGateway() bool { return !s.gw.hasMAC() }

// WhoHas broadcasts an ARP request for ip. The reply is stored in the ARP cache
// by PacketLoop.
func (s *Stack) WhoHas(ip [4]byte) {
	s.sendARPRequest(ip)
}

// nextHop returns the MAC frames to dst are addressed to: the cached MAC
// for hosts on our subnet and the gateway MAC for everyone else.
func (s *Stack) nextHop(dst [4]byte) ([6]byte, bool) {
	if s.isLAN(dst) {
		if mac, ok := s.arp.Lookup(dst); ok {
			return mac, true
		}
	}
	return s.gw.mac, s.gw.hasMAC()
}

// gatewayTick runs on idle ticks and requests the gateway MAC while it is needed.
func (s *Stack) gatewayTick() {
	gw := &s.gw
	if (gw.state == GatewayAwaitingARP || gw.state == GatewayRefreshing) && gw.delay == 0 && s.drv.LinkUp() {
		s.sendARPRequest(gw.ip)
		gw.acceptReply = true
	}
	gw.delay++
}

func (s *Stack) sendARPRequest(target [4]byte) {
	e := eth.Ethernet(s.buf)
	*e.Destination() = eth.BroadcastMAC
	*e.Source() = s.mac
	e.SetEtherType(eth.EtherTypeARP)
	a := eth.ARP(s.buf)
	a.SetHeader()
	a.SetOperation(eth.ARPRequest)
	*a.SenderMAC() = s.mac
	*a.SenderIP() = s.ip
	*a.TargetMAC() = [6]byte{}
	*a.TargetIP() = target
	s.trace("arp:who-has", ipattr("ip", target))
	s.transmit(a.FrameLength())
}

// handleARP processes an ARP frame addressed to our IP.
func (s *Stack) handleARP() {
	a := eth.ARP(s.buf)
	if !a.IsEthernetIPv4() {
		s.drop("arp:hwtype")
		return
	}
	senderIP := *a.SenderIP()
	senderMAC := *a.SenderMAC()
	switch a.Operation() {
	case eth.ARPRequest:
		if senderIP != [4]byte{} {
			s.arp.Set(senderIP, senderMAC)
		}
		s.makeARPReply()
	case eth.ARPReply:
		s.arp.Set(senderIP, senderMAC)
		if s.gw.acceptReply && senderIP == s.gw.ip && s.gw.state != GatewayIdle {
			s.gw.mac = senderMAC
			s.gw.state = GatewayResolved
			s.gw.acceptReply = false
			s.info("gateway:resolved", ipattr("gw", senderIP), slog.String("mac", macString(senderMAC)))
		}
	default:
		s.drop("arp:op")
	}
}

// makeARPReply turns the ARP request in the buffer into our reply and sends it.
func (s *Stack) makeARPReply() {
	eth.Ethernet(s.buf).MakeReply(&s.mac)
	a := eth.ARP(s.buf)
	a.SetOperation(eth.ARPReply)
	*a.TargetMAC() = *a.SenderMAC()
	*a.TargetIP() = *a.SenderIP()
	*a.SenderMAC() = s.mac
	*a.SenderIP() = s.ip
	s.stats.ARPReplies.Add(1)
	s.transmit(a.FrameLength())
}
