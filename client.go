package ethercard

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/soypat/ethercard/internal/eth"
	"github.com/soypat/lneto/http/httpraw"
	"github.com/soypat/seqs"
)

// ClientState is the state of the single TCP client session.
type ClientState uint8

const (
	ClientIdle ClientState = iota
	// ClientSynPending means a request is queued and a SYN is sent on the
	// next idle tick with a resolved next hop.
	ClientSynPending
	ClientSynSent
	ClientEstablished
	ClientDataReceived
	ClientClosed
)

func (cs ClientState) String() string {
	switch cs {
	case ClientIdle:
		return "idle"
	case ClientSynPending:
		return "syn-pending"
	case ClientSynSent:
		return "syn-sent"
	case ClientEstablished:
		return "established"
	case ClientDataReceived:
		return "data-received"
	case ClientClosed:
		return "closed"
	}
	return "ClientState(" + strconv.Itoa(int(cs)) + ")"
}

// Status values passed to result and browse callbacks.
const (
	StatusOK = 0
	// StatusHTTPError is passed to a BrowseFunc when the response status is not 200.
	StatusHTTPError = 1
	// StatusReset means the server reset the connection.
	StatusReset = 3
	// StatusStale is passed to a BrowseFunc for data belonging to a superseded request.
	StatusStale = 4
)

// ResultFunc receives data from the server. The payload is at
// Buffer()[off:off+n]. Returning true closes the connection.
type ResultFunc func(fd uint8, status uint8, off, n int) (close bool)

// FillFunc writes the request of session fd into dst, which is the TCP
// payload area of the packet buffer, and returns the number of bytes written.
type FillFunc func(fd uint8, dst []byte) int

// BrowseFunc receives the response to [Stack.BrowseURL] and [Stack.HTTPPost].
type BrowseFunc func(status uint8, off, n int)

type tcpClient struct {
	state      ClientState
	fd         uint8
	srcPortLow uint8
	persist    bool
	remoteIP   [4]byte
	remotePort uint16 // Port of the queued request.
	httpPort   uint16 // Port used by the HTTP and stash helpers.
	result     ResultFunc
	fill       FillFunc

	// HTTP helpers.
	wwwFD  uint8
	browse BrowseFunc
	hdr    httpraw.Header
	req    []byte

	// Stash helpers.
	stash    Stash
	replyFD  uint8
	replyOff int
	replyN   int
	replyOK  bool
}

// SetRemote sets the server client requests connect to. port is used by
// [Stack.BrowseURL], [Stack.HTTPPost] and [Stack.TCPSend]; zero means 80.
// [Stack.DNSLookup] sets the remote IP to the resolved address.
func (s *Stack) SetRemote(ip [4]byte, port uint16) {
	s.client.remoteIP = ip
	s.client.httpPort = port
}

// Remote returns the server client requests connect to.
func (s *Stack) Remote() (ip [4]byte, port uint16) {
	port = s.client.httpPort
	if port == 0 {
		port = 80
	}
	return s.client.remoteIP, port
}

// ClientState returns the state of the client session.
func (s *Stack) ClientState() ClientState { return s.client.state }

// PersistTCPConnection keeps client connections open after data is received
// unless the result callback asks to close. By default the connection is
// closed after the first data segment.
func (s *Stack) PersistTCPConnection(persist bool) { s.client.persist = persist }

// ClientTCPRequest queues a connection to the remote server on port. The SYN
// is sent on a later idle tick once the next hop MAC is known. fill is asked
// for the request once connected and result receives the server's data.
//
// Only one session is active: a new request replaces the previous one. The
// returned handle identifies the session in callbacks.
func (s *Stack) ClientTCPRequest(result ResultFunc, fill FillFunc, port uint16) uint8 {
	c := &s.client
	c.result = result
	c.fill = fill
	c.remotePort = port
	c.state = ClientSynPending
	c.fd = (c.fd + 1) & 7
	s.debug("client:request", ipattr("remote", c.remoteIP), slog.Int("port", int(port)), slog.Int("fd", int(c.fd)))
	return c.fd
}

// clientTick sends the SYN of a queued request.
func (s *Stack) clientTick() {
	c := &s.client
	if c.state != ClientSynPending {
		return
	}
	mac, ok := s.nextHop(c.remoteIP)
	if !ok {
		return
	}
	c.state = ClientSynSent
	c.srcPortLow++
	srcPort := ClientPortHigh<<8 | uint16(c.fd)<<5 | uint16(c.srcPortLow&0x1f)

	s.prepareIP(mac, c.remoteIP, eth.IPProtoTCP)
	t := eth.TCP(s.buf)
	t.SetSourcePort(srcPort)
	t.SetDestinationPort(c.remotePort)
	t.SetSeq(s.initialSeq())
	t.SetAck(0)
	t.SetHeaderLength(tcpHeaderLenSyn)
	t.SetFlags(seqs.FlagSYN)
	t.SetWindowSize(windowSyn)
	t.SetUrgentPtr(0)
	putMSSOption(s.buf[eth.OffsetTCPOptions:], clientMSS)
	s.finishIP(eth.SizeIPv4Header + tcpHeaderLenSyn)
	t.SetChecksum(tcpHeaderLenSyn)
	s.trace("client:syn", slog.Int("sport", int(srcPort)))
	s.transmit(tcpFrameLenSyn)
}

// handleClient advances the client session with a segment addressed to the
// client port range.
func (s *Stack) handleClient(plen int) {
	c := &s.client
	t := eth.TCP(s.buf)
	if *t.IPv4().Source() != c.remoteIP {
		s.drop("client:remote")
		return
	}
	fd := uint8(t.DestinationPort()>>5) & 7
	flags := t.Flags()
	if flags.HasAny(seqs.FlagRST) {
		if c.result != nil {
			c.result(fd, StatusReset, 0, 0)
		}
		c.state = ClientClosed
		s.debug("client:reset", slog.Int("fd", int(fd)))
		return
	}
	n := t.PayloadLength()
	if n < 0 {
		n = 0
	}

	if c.state == ClientSynSent {
		if flags.HasAll(seqs.FlagSYN | seqs.FlagACK) {
			s.ackFromAny(0, 0)
			t.SetFlags(seqs.FlagACK | seqs.FlagPSH)
			dlen := 0
			if c.fill != nil {
				dlen = c.fill(fd, s.TCPOffset())
			}
			c.state = ClientEstablished
			s.ackWithData(dlen)
			return
		}
		// Not the handshake we expected: reset the peer and retry the SYN.
		c.state = ClientSynPending
		rel := n + 1
		if flags.HasAny(seqs.FlagACK) {
			rel = 0
		}
		s.ackFromAny(rel, seqs.FlagRST)
		return
	}

	if (c.state == ClientEstablished || c.state == ClientDataReceived) && n > 0 && c.result != nil {
		off := t.PayloadOffset()
		avail := n
		if off+avail > plen {
			avail = plen - off
		}
		closeConn := c.result(fd, StatusOK, off, avail)
		if closeConn || !c.persist {
			s.ackFromAny(n, seqs.FlagPSH|seqs.FlagFIN)
			c.state = ClientClosed
			return
		}
		c.state = ClientDataReceived
	}
	if c.state != ClientClosed {
		if flags.HasAny(seqs.FlagFIN) {
			s.ackFromAny(n+1, seqs.FlagPSH|seqs.FlagFIN)
			c.state = ClientClosed
		} else if n > 0 {
			s.ackFromAny(n, 0)
		}
	}
}

// BrowseURL sends an HTTP GET for urlPath+urlVar to host on the remote server.
// cb receives the first response segment.
func (s *Stack) BrowseURL(urlPath, urlVar, host string, cb BrowseFunc) error {
	c := &s.client
	h := &c.hdr
	h.Reset(nil)
	h.SetMethod("GET")
	h.SetRequestURI(urlPath + urlVar)
	h.SetProtocol("HTTP/1.1")
	h.Add("Host", host)
	h.Add("Accept", "text/html")
	h.Add("Connection", "close")
	return s.browse(cb, nil)
}

// HTTPPost sends an HTTP POST of a form encoded body to urlPath on host. header
// is an optional extra "Key: value" header line.
func (s *Stack) HTTPPost(urlPath, host, header, body string, cb BrowseFunc) error {
	c := &s.client
	h := &c.hdr
	h.Reset(nil)
	h.SetMethod("POST")
	h.SetRequestURI(urlPath)
	h.SetProtocol("HTTP/1.1")
	h.Add("Host", host)
	if key, value, ok := strings.Cut(header, ":"); ok {
		h.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	h.Add("Accept", "*/*")
	h.Add("Connection", "close")
	h.Add("Content-Length", strconv.Itoa(len(body)))
	h.Add("Content-Type", "application/x-www-form-urlencoded")
	return s.browse(cb, []byte(body))
}

func (s *Stack) browse(cb BrowseFunc, body []byte) (err error) {
	c := &s.client
	c.req, err = c.hdr.AppendRequest(c.req[:0])
	if err != nil {
		return err
	}
	c.req = append(c.req, body...)
	c.browse = cb
	_, port := s.Remote()
	c.wwwFD = s.ClientTCPRequest(s.browseResult, s.browseFill, port)
	return nil
}

func (s *Stack) browseFill(fd uint8, dst []byte) int {
	if fd != s.client.wwwFD {
		return 0
	}
	return copy(dst, s.client.req)
}

func (s *Stack) browseResult(fd, status uint8, off, n int) bool {
	c := &s.client
	if c.browse == nil {
		return false
	}
	switch {
	case fd != c.wwwFD:
		c.browse(StatusStale, 0, 0)
	case status == StatusOK && n > 12:
		st := uint8(StatusOK)
		if !httpStatusOK(s.buf[off : off+n]) {
			st = StatusHTTPError
		}
		c.browse(st, off, n)
	}
	return false
}

// httpStatusOK reports whether resp starts with an "HTTP/1.x 200" status line.
func httpStatusOK(resp []byte) bool {
	return len(resp) >= 12 && string(resp[:5]) == "HTTP/" && string(resp[9:12]) == "200"
}

// TCPSend sends the contents of stash to the remote server and returns the
// session handle to poll with [Stack.TCPReply].
func (s *Stack) TCPSend(stash Stash) uint8 {
	c := &s.client
	c.stash = stash
	c.replyOK = false
	_, port := s.Remote()
	c.wwwFD = s.ClientTCPRequest(s.stashResult, s.stashFill, port)
	return c.wwwFD
}

// TCPReply returns the location of the reply to session fd in the packet buffer
// once it has arrived. A reply is returned only once.
func (s *Stack) TCPReply(fd uint8) (off, n int, ok bool) {
	c := &s.client
	if !c.replyOK || c.replyFD != fd {
		return 0, 0, false
	}
	c.replyOK = false
	return c.replyOff, c.replyN, true
}

func (s *Stack) stashFill(fd uint8, dst []byte) int {
	st := s.client.stash
	if st == nil {
		return 0
	}
	n := st.Len()
	if n > len(dst) {
		n = len(dst)
	}
	n, err := st.ReadAt(dst[:n], 0)
	if err != nil && n == 0 {
		s.logerr("client:stash", slog.String("err", err.Error()))
	}
	s.client.stash = nil
	return n
}

func (s *Stack) stashResult(fd, status uint8, off, n int) bool {
	c := &s.client
	if status == StatusOK {
		c.replyFD = fd
		c.replyOff = off
		c.replyN = n
		c.replyOK = true
	}
	return true
}
