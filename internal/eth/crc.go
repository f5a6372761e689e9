package eth

import (
	"encoding/binary"
)

// PseudoHeader selects the IPv4 pseudo header accounted for by [Sum] and [Checksum].
type PseudoHeader uint8

const (
	PseudoNone PseudoHeader = iota
	PseudoUDP
	PseudoTCP
)

// CRC791 function as defined by RFC 791. The Checksum field for TCP+IP
// is the 16-bit ones' complement of the ones' complement sum of
// all 16-bit words in the header. In case of uneven number of octet the
// last word is LSB padded with zeros.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum      uint32
	excedent uint8
	odd      bool
}

// Write adds the bytes in p to the running checksum.
func (c *CRC791) Write(buff []byte) (n int, err error) {
	n = len(buff)
	if n == 0 {
		return 0, nil
	}
	if c.odd {
		c.sum += uint32(c.excedent)<<8 + uint32(buff[0])
		buff = buff[1:]
		c.excedent = 0
		c.odd = false
	}
	count := len(buff)
	for count > 1 {
		c.sum += uint32(binary.BigEndian.Uint16(buff[len(buff)-count:]))
		count -= 2
	}
	if count != 0 {
		c.excedent = buff[len(buff)-1]
		c.odd = true
	}
	return n, nil
}

// AddUint16 adds a big endian 16 bit word to the running checksum.
// It must not be called when an odd number of bytes has been written.
func (c *CRC791) AddUint16(v uint16) {
	c.sum += uint32(v)
}

// Sum16 calculates the checksum with the data written to c thus far.
func (c *CRC791) Sum16() uint16 {
	return ^c.fold()
}

func (c *CRC791) fold() uint16 {
	sum := c.sum
	if c.odd {
		sum += uint32(c.excedent) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// Reset zeros out the CRC791, resetting it to the initial state.
func (c *CRC791) Reset() { *c = CRC791{} }

// Sum returns the folded ones' complement sum of b without complementing it.
// For kind PseudoUDP and PseudoTCP b must start at the IPv4 source address
// and span the addresses plus the whole transport segment, so len(b) >= 8.
// The running sum is then seeded with protocol+len(b)-8, which together with
// the address bytes in b makes up the pseudo header.
//
// Summing a region that already holds its correct checksum yields 0xffff.
func Sum(b []byte, kind PseudoHeader) uint16 {
	var c CRC791
	switch kind {
	case PseudoUDP:
		c.sum = IPProtoUDP + uint32(len(b)) - 8
	case PseudoTCP:
		c.sum = IPProtoTCP + uint32(len(b)) - 8
	}
	c.Write(b)
	return c.fold()
}

// Checksum computes the RFC 1071 internet checksum of b. See [Sum] for the
// meaning of kind.
func Checksum(b []byte, kind PseudoHeader) uint16 {
	return ^Sum(b, kind)
}
