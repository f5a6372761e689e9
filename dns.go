package ethercard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soypat/ethercard/internal/eth"
)

const (
	dnsPort        = 53
	dnsSrcPortHigh = 0xE0
	dnsTimeout     = 30_000 // milliseconds
	dnsMinReplyLen = 70
	dnsHeaderLen   = 12
	dnsTypeA       = 1
	dnsClassIN     = 1
)

// Errors returned by DNSLookup.
var (
	ErrDNSTimeout = errors.New("dns: timeout")
	ErrDNSServer  = errors.New("dns: server returned error")
	ErrDNSNotIPv4 = errors.New("dns: no IPv4 address in answer")
	errDNSName    = errors.New("dns: invalid name")
)

var defaultDNSServer = [4]byte{8, 8, 8, 8}

type dnsClient struct {
	tid     uint8
	pending bool
	answer  [4]byte
	err     error
}

// DNSLookup resolves the IPv4 address of name. It first waits up to 30 seconds
// for the link and the gateway MAC, then up to 30 seconds for an answer while
// dispatching received frames. On success the address also becomes the remote
// server of client requests.
func (s *Stack) DNSLookup(ctx context.Context, name string) ([4]byte, error) {
	start := s.now()
	for !s.drv.LinkUp() || s.ClientWaitingGateway() {
		if err := ctx.Err(); err != nil {
			return [4]byte{}, err
		}
		if expired(s.now(), start, dnsTimeout) {
			return [4]byte{}, fmt.Errorf("%w: %w", ErrDNSTimeout, ErrNoGateway)
		}
		s.PacketLoop(s.PacketReceive())
	}
	if err := s.dnsRequest(name); err != nil {
		return [4]byte{}, err
	}
	d := &s.dns
	start = s.now()
	for d.pending {
		if err := ctx.Err(); err != nil {
			d.pending = false
			return [4]byte{}, err
		}
		if expired(s.now(), start, dnsTimeout) {
			d.pending = false
			return [4]byte{}, ErrDNSTimeout
		}
		s.PacketLoop(s.PacketReceive())
	}
	if d.err != nil {
		return [4]byte{}, d.err
	}
	s.client.remoteIP = d.answer
	s.info("dns:resolved", slog.String("name", name), ipattr("ip", d.answer))
	return d.answer, nil
}

// dnsRequest sends an A query for name. The query length is stored in the
// high byte of the transaction ID so the answer section can be found without
// parsing the question.
func (s *Stack) dnsRequest(name string) error {
	if s.dnsIP == [4]byte{} {
		s.dnsIP = defaultDNSServer
	}
	d := &s.dns
	d.tid++
	if err := s.UDPPrepare(dnsSrcPortHigh<<8|uint16(d.tid), s.dnsIP, dnsPort); err != nil {
		return err
	}
	p := s.UDPPayload()
	n, err := putDNSQuestion(p, name)
	if err != nil {
		return err
	}
	p[0] = byte(n)
	p[1] = d.tid
	d.pending = true
	d.err = nil
	d.answer = [4]byte{}
	s.debug("dns:query", slog.String("name", name), slog.Int("tid", int(d.tid)), ipattr("server", s.dnsIP))
	s.UDPTransmit(n)
	return nil
}

// putDNSQuestion writes a query header with a zero ID, recursion desired and
// one question, followed by an A/IN question for name, into dst and returns
// the message length.
func putDNSQuestion(dst []byte, name string) (int, error) {
	const maxLen = 0xff // Must fit the high byte of the transaction ID.
	if len(dst) > maxLen {
		dst = dst[:maxLen]
	}
	if len(name) == 0 || dnsHeaderLen+len(name)+6 > len(dst) {
		return 0, errDNSName
	}
	clear(dst[:dnsHeaderLen])
	dst[2] = 1 // Recursion desired.
	dst[5] = 1 // One question.
	n := dnsHeaderLen
	for len(name) > 0 {
		label := name
		dot := -1
		for i := 0; i < len(name); i++ {
			if name[i] == '.' {
				dot = i
				break
			}
		}
		if dot >= 0 {
			label, name = name[:dot], name[dot+1:]
		} else {
			name = ""
		}
		if len(label) == 0 || len(label) > 63 {
			return 0, errDNSName
		}
		dst[n] = byte(len(label))
		n += 1 + copy(dst[n+1:], label)
	}
	dst[n] = 0 // Root label.
	binary.BigEndian.PutUint16(dst[n+1:], dnsTypeA)
	binary.BigEndian.PutUint16(dst[n+3:], dnsClassIN)
	return n + 5, nil
}

// checkDNSAnswer looks for the answer to the pending query in the buffer and
// reports whether the frame was a reply to it.
func (s *Stack) checkDNSAnswer(plen int) bool {
	d := &s.dns
	u := eth.UDP(s.buf)
	if plen < dnsMinReplyLen || u.SourcePort() != dnsPort ||
		u.DestinationPort() != dnsSrcPortHigh<<8|uint16(d.tid) {
		return false
	}
	end := eth.OffsetL4 + int(u.Length())
	if end > plen {
		end = plen
	}
	p := s.buf[eth.OffsetUDPPayload:end]
	if len(p) < dnsHeaderLen || p[1] != d.tid {
		return false
	}
	d.pending = false
	if rcode := p[3] & 0x0f; rcode != 0 {
		s.debug("dns:rcode", slog.Int("rcode", int(rcode)))
		d.err = ErrDNSServer
		return true
	}
	if ip, ok := firstARecord(p, int(p[0])); ok {
		d.answer = ip
		return true
	}
	d.err = ErrDNSNotIPv4
	return true
}

// firstARecord walks the resource records of msg starting at off and returns
// the data of the first A record.
func firstARecord(msg []byte, off int) (ip [4]byte, ok bool) {
	i := off
	for i < len(msg) {
		// Skip the owner name: labels ending in a root label or a pointer.
		for i < len(msg) {
			c := msg[i]
			if c == 0 {
				i++
				break
			} else if c&0xc0 == 0xc0 {
				i += 2
				break
			}
			i += 1 + int(c)
		}
		if i+10 > len(msg) {
			break
		}
		typ := binary.BigEndian.Uint16(msg[i:])
		rdlen := int(binary.BigEndian.Uint16(msg[i+8:]))
		if typ == dnsTypeA && rdlen == 4 && i+14 <= len(msg) {
			return [4]byte(msg[i+10 : i+14]), true
		}
		i += 10 + rdlen
	}
	return ip, false
}
