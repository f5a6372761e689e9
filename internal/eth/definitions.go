package eth

// EtherType values used by the stack. From: http://en.wikipedia.org/wiki/Ethertype
const (
	EtherTypeIPv4      EtherType = 0x0800
	EtherTypeARP       EtherType = 0x0806
	EtherTypeWakeOnLAN EtherType = 0x0842
	EtherTypeVLAN      EtherType = 0x8100
	EtherTypeIPv6      EtherType = 0x86DD
)

type EtherType uint16

// IP protocol numbers.
const (
	IPProtoICMP = 1
	IPProtoTCP  = 6
	IPProtoUDP  = 17
)

// ARP operation codes.
const (
	ARPRequest = 1
	ARPReply   = 2
)

// ICMP types.
const (
	ICMPEchoReply   = 0
	ICMPEchoRequest = 8
)

// These are the sizes of option-less headers. The stack never parses IP
// options or VLAN tags so every offset below is a constant.
const (
	SizeEthernetHeader = 14
	SizeIPv4Header     = 20
	SizeUDPHeader      = 8
	SizeARPv4Header    = 28
	SizeTCPHeader      = 20
	SizeICMPHeader     = 8
	SizeDHCPHeader     = 44
)

// Absolute offsets into a frame that starts with its Ethernet header.
const (
	OffsetIP  = SizeEthernetHeader
	OffsetARP = SizeEthernetHeader
	// OffsetIPSrc is where checksums over a pseudo header start.
	OffsetIPSrc = OffsetIP + 12
	OffsetIPDst = OffsetIP + 16
	// OffsetL4 is the start of the ICMP, UDP or TCP header.
	OffsetL4 = OffsetIP + SizeIPv4Header
	// OffsetICMPData is the start of ICMP echo data.
	OffsetICMPData = OffsetL4 + SizeICMPHeader
	// OffsetUDPPayload is the start of the UDP payload.
	OffsetUDPPayload = OffsetL4 + SizeUDPHeader
	// OffsetTCPOptions is the start of TCP options, or payload if there are none.
	OffsetTCPOptions = OffsetL4 + SizeTCPHeader
	// OffsetTCPPayload is where the stack writes TCP data in frames it builds.
	OffsetTCPPayload = OffsetTCPOptions
	// OffsetDHCPOptions is the start of DHCP options, right after the magic cookie.
	OffsetDHCPOptions = OffsetUDPPayload + SizeDHCPHeader + dhcpLegacyBOOTP + 4
)

// IPv4 header constants as written by the stack.
const (
	IPVersionIHL     = 0x45
	IPDefaultTTL     = 64
	IPFlagDontFrag   = 0x4000
	ipFlagMoreFrag   = 0x2000
	ipFragOffsetMask = 0x1fff
)

const (
	dhcpLegacyBOOTP = 192
	// DHCPMagicCookie follows the BOOTP legacy area in every DHCP message.
	DHCPMagicCookie = 0x63825363
)

type DHCPOption uint8

// DHCP options used by the stack. Taken from https://help.sonicwall.com/help/sw/eng/6800/26/2/3/content/Network_DHCP_Server.042.12.htm.
const (
	DHCPWordAligned              DHCPOption = 0
	DHCPSubnetMask               DHCPOption = 1
	DHCPRouter                   DHCPOption = 3
	DHCPDNSServers               DHCPOption = 6
	DHCPHostName                 DHCPOption = 12
	DHCPRequestedIPaddress       DHCPOption = 50
	DHCPIPAddressLeaseTime       DHCPOption = 51
	DHCPDHCPMessageType          DHCPOption = 53
	DHCPDHCPServerIdentification DHCPOption = 54
	DHCPParameterRequestList     DHCPOption = 55
	DHCPRenewTimeValue           DHCPOption = 58
	DHCPClientIdentifier         DHCPOption = 61
	DHCPEnd                      DHCPOption = 255
)

// DHCP message types carried in option 53.
const (
	DHCPDiscover = 1
	DHCPOffer    = 2
	DHCPRequest  = 3
	DHCPDecline  = 4
	DHCPAck      = 5
	DHCPNak      = 6
	DHCPRelease  = 7
	DHCPInform   = 8
)
