package eth

import (
	"encoding/binary"
	"net/netip"
	"strconv"
)

// DHCPHeader specifies the first 44 bytes of a DHCP packet payload. It does
// not include BOOTP, magic cookie and options.
// Reference: https://lists.gnu.org/archive/html/lwip-users/2012-12/msg00016.html
type DHCPHeader struct {
	OP    byte   // 0:1
	HType byte   // 1:2
	HLen  byte   // 2:3
	HOps  byte   // 3:4
	Xid   uint32 // 4:8
	Secs  uint16 // 8:10
	Flags uint16 // 10:12
	// CIAddr is the client IP address. If the client has not obtained an IP
	// address yet, this field is set to 0.
	CIAddr [4]byte // 12:16
	YIAddr [4]byte // 16:20
	SIAddr [4]byte // 20:24
	GIAddr [4]byte // 24:28
	// CHAddr is the client hardware address. Can be up to 16 bytes in length but
	// is usually 6 bytes for Ethernet.
	CHAddr [16]byte // 28:44
}

// DHCP header OP values.
const (
	DHCPOpRequest = 1
	DHCPOpReply   = 2
)

// Put writes the header, zeroes the legacy BOOTP area and writes the magic
// cookie. dst must be at least SizeDHCPHeader+196 bytes long.
func (d *DHCPHeader) Put(dst []byte) {
	_ = dst[SizeDHCPHeader+dhcpLegacyBOOTP+3]
	dst[0] = d.OP
	dst[1] = d.HType
	dst[2] = d.HLen
	dst[3] = d.HOps
	binary.BigEndian.PutUint32(dst[4:8], d.Xid)
	binary.BigEndian.PutUint16(dst[8:10], d.Secs)
	binary.BigEndian.PutUint16(dst[10:12], d.Flags)
	copy(dst[12:16], d.CIAddr[:])
	copy(dst[16:20], d.YIAddr[:])
	copy(dst[20:24], d.SIAddr[:])
	copy(dst[24:28], d.GIAddr[:])
	copy(dst[28:44], d.CHAddr[:])
	legacy := dst[SizeDHCPHeader : SizeDHCPHeader+dhcpLegacyBOOTP]
	for i := range legacy {
		legacy[i] = 0
	}
	binary.BigEndian.PutUint32(dst[SizeDHCPHeader+dhcpLegacyBOOTP:], DHCPMagicCookie)
}

func DecodeDHCPHeader(src []byte) (d DHCPHeader) {
	_ = src[43]
	d.OP = src[0]
	d.HType = src[1]
	d.HLen = src[2]
	d.HOps = src[3]
	d.Xid = binary.BigEndian.Uint32(src[4:8])
	d.Secs = binary.BigEndian.Uint16(src[8:10])
	d.Flags = binary.BigEndian.Uint16(src[10:12])
	copy(d.CIAddr[:], src[12:16])
	copy(d.YIAddr[:], src[16:20])
	copy(d.SIAddr[:], src[20:24])
	copy(d.GIAddr[:], src[24:28])
	copy(d.CHAddr[:], src[28:44])
	return d
}

// DHCPMagicOK reports whether the DHCP payload carries the magic cookie.
func DHCPMagicOK(payload []byte) bool {
	const off = SizeDHCPHeader + dhcpLegacyBOOTP
	return len(payload) >= off+4 && binary.BigEndian.Uint32(payload[off:]) == DHCPMagicCookie
}

// EncodeDHCPOption writes a TLV option into dst and returns bytes written.
func EncodeDHCPOption(dst []byte, code DHCPOption, data []byte) int {
	if len(data)+2 > len(dst) {
		panic("small buffer for DHCP option")
	}
	dst[0] = byte(code)
	dst[1] = byte(len(data))
	copy(dst[2:], data)
	return 2 + len(data)
}

// ForEachDHCPOption walks the TLV options in opts until the End option or
// the end of opts, calling fn for each option except padding. Walking stops
// early if fn returns false or an option overruns opts.
func ForEachDHCPOption(opts []byte, fn func(code DHCPOption, data []byte) bool) {
	for len(opts) > 0 {
		code := DHCPOption(opts[0])
		switch {
		case code == DHCPEnd:
			return
		case code == DHCPWordAligned:
			opts = opts[1:]
			continue
		case len(opts) < 2:
			return
		}
		n := int(opts[1])
		if 2+n > len(opts) {
			return
		}
		if !fn(code, opts[2:2+n]) {
			return
		}
		opts = opts[2+n:]
	}
}

func (d *DHCPHeader) String() (s string) {
	s = "DHCP op=" + strconv.Itoa(int(d.OP)) + " "
	if d.CIAddr != [4]byte{} {
		s += "ciaddr=" + netip.AddrFrom4(d.CIAddr).String() + " "
	}
	if d.YIAddr != [4]byte{} {
		s += "yiaddr=" + netip.AddrFrom4(d.YIAddr).String() + " "
	}
	if d.SIAddr != [4]byte{} {
		s += "siaddr=" + netip.AddrFrom4(d.SIAddr).String() + " "
	}
	if d.GIAddr != [4]byte{} {
		s += "giaddr=" + netip.AddrFrom4(d.GIAddr).String() + " "
	}
	return s
}
