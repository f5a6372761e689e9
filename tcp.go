package ethercard

import (
	"log/slog"

	"github.com/soypat/ethercard/internal/eth"
	"github.com/soypat/seqs"
)

const (
	// ClientPortHigh is the high byte of every client connection's source port.
	ClientPortHigh = 11

	synOptionsLen = 4
	// serverMSS is the MSS advertised in SYN-ACKs.
	serverMSS = 0x0500
	// clientMSS is the MSS advertised in client SYNs.
	clientMSS = 550

	windowSynAck = 0x578
	windowAck    = 0x400
	windowSyn    = 0x300

	tcpHeaderLenSyn = eth.SizeTCPHeader + synOptionsLen
	tcpFrameLenSyn  = eth.OffsetTCPOptions + synOptionsLen
	tcpFrameLenAck  = eth.OffsetTCPPayload
)

// TCPOffset returns the payload area of TCP segments built by the stack.
// Server replies and client requests are written here.
func (s *Stack) TCPOffset() []byte { return s.buf[eth.OffsetTCPPayload:] }

// Accept handles a TCP segment in the buffer addressed to port. It answers
// SYNs with a SYN-ACK and returns the payload offset of data segments,
// remembering the payload length for the reply. It returns 0 otherwise.
//
// PacketLoop calls Accept for the configured server port. Applications serving
// more ports call it when PacketLoop returns 0.
func (s *Stack) Accept(port uint16, plen int) int {
	if plen < eth.OffsetTCPOptions || eth.Ethernet(s.buf).EtherType() != eth.EtherTypeIPv4 {
		return 0
	}
	ip := eth.IPv4(s.buf)
	t := eth.TCP(s.buf)
	if ip.Protocol() != eth.IPProtoTCP || *ip.Destination() != s.ip || t.DestinationPort() != port {
		return 0
	}
	flags := t.Flags()
	switch {
	case flags.HasAny(seqs.FlagSYN):
		s.stats.TCPAccepted.Add(1)
		s.makeSynAck()
	case flags.HasAny(seqs.FlagACK):
		n := t.PayloadLength()
		if n > 0 {
			s.infoDataLen = n
			off := t.PayloadOffset()
			if off <= plen-8 {
				return off
			}
		} else if flags.HasAny(seqs.FlagFIN) {
			s.infoDataLen = 0
			s.ackFromAny(0, 0)
		}
	}
	return 0
}

// HTTPServerReply acknowledges the request last returned by PacketLoop and
// sends the dlen bytes written at [Stack.TCPOffset] with FIN set.
func (s *Stack) HTTPServerReply(dlen int) {
	s.ackFromAny(s.infoDataLen, 0)
	eth.TCP(s.buf).SetFlags(seqs.FlagACK | seqs.FlagPSH | seqs.FlagFIN)
	s.ackWithData(dlen)
}

// HTTPServerReplyACK acknowledges the request last returned by PacketLoop and
// starts a reply sent over several segments with [Stack.HTTPServerReplyWithFlags].
func (s *Stack) HTTPServerReplyACK() {
	s.ackFromAny(s.infoDataLen, 0)
	s.replySeq = eth.TCP(s.buf).Seq()
}

// HTTPServerReplyWithFlags sends the next dlen bytes of a multi segment reply
// written at [Stack.TCPOffset]. ACK is always set. The last segment should
// carry PSH and FIN.
func (s *Stack) HTTPServerReplyWithFlags(dlen int, flags seqs.Flags) {
	t := eth.TCP(s.buf)
	t.SetSeq(s.replySeq)
	t.SetFlags(flags | seqs.FlagACK)
	s.ackWithData(dlen)
	s.replySeq = seqs.Add(s.replySeq, seqs.Size(dlen))
}

// makeTCPHead turns the received segment's header into the header of our
// answer: ports are swapped, the peer's data is acknowledged up to relAck
// and our sequence number is taken from the peer's ack when copySeq is set.
func (s *Stack) makeTCPHead(relAck int, copySeq bool) {
	t := eth.TCP(s.buf)
	t.SwapPorts()
	peerSeq, peerAck := t.Seq(), t.Ack()
	t.SetAck(seqs.Add(peerSeq, seqs.Size(relAck)))
	if copySeq {
		t.SetSeq(peerAck)
	} else {
		t.SetSeq(0)
	}
	t.SetHeaderLength(eth.SizeTCPHeader)
	t.SetUrgentPtr(0)
}

// initialSeq returns the next initial sequence number and advances the counter.
func (s *Stack) initialSeq() seqs.Value {
	v := seqs.Value(s.seqnum) << 8
	s.seqnum += 3
	return v
}

func putMSSOption(dst []byte, mss uint16) {
	dst[0] = 2
	dst[1] = 4
	dst[2] = byte(mss >> 8)
	dst[3] = byte(mss)
}

func (s *Stack) makeSynAck() {
	s.makeEthIPReply()
	t := eth.TCP(s.buf)
	t.SetFlags(seqs.FlagSYN | seqs.FlagACK)
	s.makeTCPHead(1, false)
	t.SetSeq(s.initialSeq())
	putMSSOption(s.buf[eth.OffsetTCPOptions:], serverMSS)
	t.SetHeaderLength(tcpHeaderLenSyn)
	t.SetWindowSize(windowSynAck)
	s.finishIP(eth.SizeIPv4Header + tcpHeaderLenSyn)
	t.SetChecksum(tcpHeaderLenSyn)
	s.trace("tcp:syn-ack", slog.Int("port", int(t.SourcePort())))
	s.transmit(tcpFrameLenSyn)
}

// ackFromAny acknowledges dlen bytes of the segment in the buffer with ACK and
// extra flags. A zero dlen acknowledges one sequence number (a SYN or FIN)
// unless the answer is a reset.
func (s *Stack) ackFromAny(dlen int, extra seqs.Flags) {
	t := eth.TCP(s.buf)
	t.SetFlags(seqs.FlagACK | extra)
	if extra != seqs.FlagRST && dlen == 0 {
		dlen = 1
	}
	s.makeTCPHead(dlen, true)
	s.makeEthIPReply()
	t.SetWindowSize(windowAck)
	s.finishIP(eth.SizeIPv4Header + eth.SizeTCPHeader)
	t.SetChecksum(eth.SizeTCPHeader)
	s.transmit(tcpFrameLenAck)
}

// ackWithData sends the header already in the buffer with dlen bytes of
// payload from [Stack.TCPOffset]. Flags are left as the caller set them.
func (s *Stack) ackWithData(dlen int) {
	if room := len(s.buf) - eth.OffsetTCPPayload; dlen > room {
		dlen = room
	} else if dlen < 0 {
		dlen = 0
	}
	s.finishIP(eth.SizeIPv4Header + eth.SizeTCPHeader + dlen)
	eth.TCP(s.buf).SetChecksum(eth.SizeTCPHeader + dlen)
	s.transmit(tcpFrameLenAck + dlen)
}
