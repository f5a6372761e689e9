package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/http/httpraw"

	"github.com/soypat/ethercard"
	"github.com/soypat/ethercard/internal/eth"
	"github.com/soypat/ethercard/mqttpub"
)

const resolveTimeout = 30 * time.Second

// node is the application served over the stack: a status web page on the
// server port, a UDP echo service and periodic MQTT publishing of the stack
// counters.
type node struct {
	stack *ethercard.Stack
	cfg   *cliConfig
	log   *slog.Logger
	now   func() time.Time

	req  httpraw.Header
	resp httpraw.Header
	head []byte
	hits int

	pub      *mqttpub.Publisher
	broker   [4]byte
	payload  []byte
	lastPub  time.Time
	havePub  bool
	echoPort uint16
}

func newNode(stack *ethercard.Stack, c *cliConfig, log *slog.Logger) *node {
	return &node{stack: stack, cfg: c, log: log, now: time.Now}
}

// setup configures addresses, statically or over DHCP, and registers the
// node's services.
func (n *node) setup(ctx context.Context) error {
	if n.cfg.Stack.DHCP {
		dctx, cancel := context.WithTimeout(ctx, n.cfg.Stack.DHCPTimeout)
		defer cancel()
		if err := n.stack.DHCPSetup(dctx, n.cfg.Stack.Hostname); err != nil {
			return fmt.Errorf("dhcp: %w", err)
		}
	} else {
		a, err := n.cfg.Stack.addrs()
		if err != nil {
			return err
		}
		n.stack.StaticSetup(a.IP, a.Gateway, a.DNS, a.Netmask)
	}
	if port := n.cfg.Serve.UDPEchoPort; port != 0 {
		if err := n.stack.UDPListen(port, n.echo); err != nil {
			return fmt.Errorf("udp echo: %w", err)
		}
		n.echoPort = port
	}
	if n.cfg.MQTT.Broker != "" {
		ip, err := n.resolve(ctx, n.cfg.MQTT.Broker)
		if err != nil {
			return fmt.Errorf("mqtt broker: %w", err)
		}
		n.broker = ip
		n.pub = mqttpub.New(n.stack, mqttpub.Config{
			ClientID: n.cfg.MQTT.ClientID,
			Topic:    n.cfg.MQTT.Topic,
			Port:     n.cfg.MQTT.Port,
			Logger:   n.log,
		})
	}
	n.log.Info("serving",
		"ip", netip.AddrFrom4(n.stack.IP()).String(),
		"http", n.stack.ServerPort(),
		"udp-echo", n.echoPort,
	)
	return nil
}

func (n *node) resolve(ctx context.Context, host string) ([4]byte, error) {
	if ip, err := parseIPv4(host); err == nil {
		return ip, nil
	}
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	return n.stack.DNSLookup(rctx, host)
}

// poll runs one receive and dispatch cycle. It reports whether a frame was
// received.
func (n *node) poll() bool {
	plen := n.stack.PacketReceive()
	if off := n.stack.PacketLoop(plen); off > 0 {
		n.serveHTTP(off)
	}
	n.publishTick()
	return plen > 0
}

func (n *node) echo(port uint16, src [4]byte, srcPort uint16, data []byte) {
	n.log.Debug("udp echo", "src", netip.AddrPortFrom(netip.AddrFrom4(src), srcPort).String(), "len", len(data))
	n.stack.MakeUDPReply(data, port)
}

// serveHTTP answers the request at off in the packet buffer.
func (n *node) serveHTTP(off int) {
	buf := n.stack.Buffer()
	end := min(off+eth.TCP(buf).PayloadLength(), len(buf))
	err := n.req.ParseBytes(false, buf[off:end])
	bf := n.stack.BufferFiller()
	switch {
	case err != nil:
		n.log.Debug("http bad request", "err", err)
		n.writeHead(bf, "400", "Bad Request", "text/plain")
		bf.Emit("bad request\n")
	case string(n.req.Method()) != "GET":
		n.writeHead(bf, "405", "Method Not Allowed", "text/plain")
		bf.Emit("method not allowed\n")
	case string(n.req.RequestURI()) == "/":
		n.hits++
		n.writeHead(bf, "200", "OK", "text/html")
		n.writeIndex(bf)
	case string(n.req.RequestURI()) == "/stats":
		n.writeHead(bf, "200", "OK", "text/plain")
		n.writeStats(bf)
	default:
		n.writeHead(bf, "404", "Not Found", "text/plain")
		bf.Emit("not found\n")
	}
	if err == nil {
		n.log.Debug("http", "method", string(n.req.Method()), "uri", string(n.req.RequestURI()), "len", bf.Position())
	}
	n.stack.HTTPServerReply(bf.Position())
}

func (n *node) writeHead(bf *ethercard.BufferFiller, code, text, contentType string) {
	h := &n.resp
	h.Reset(nil)
	h.SetProtocol("HTTP/1.0")
	h.SetStatus(code, text)
	h.Add("Content-Type", contentType)
	h.Add("Connection", "close")
	h.Add("Pragma", "no-cache")
	var err error
	n.head, err = h.AppendResponse(n.head[:0])
	if err != nil {
		n.log.Error("http header", "err", err)
		return
	}
	bf.Write(n.head)
}

func (n *node) writeIndex(bf *ethercard.BufferFiller) {
	mac := n.stack.MAC()
	bf.Emit("<html><head><title>ethercard</title></head><body>\n")
	bf.Emit("<h1>ethercard</h1>\n<p>ip $S mac $H:$H:$H:$H:$H:$H</p>\n",
		netip.AddrFrom4(n.stack.IP()).String(), mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
	bf.Emit("<p>page views $D</p>\n", n.hits)
	bf.Emit("<p><a href=\"/stats\">stack counters</a></p>\n</body></html>\n")
}

func (n *node) writeStats(bf *ethercard.BufferFiller) {
	st := n.stack.Stats()
	bf.Emit("rx_frames $D\ntx_frames $D\ntx_errors $D\ndropped $D\n",
		st.RxFrames.Load(), st.TxFrames.Load(), st.TxErrors.Load(), st.Dropped.Load())
	bf.Emit("arp_replies $D\necho_replies $D\nudp_delivered $D\ntcp_accepted $D\n",
		st.ARPReplies.Load(), st.EchoReplies.Load(), st.UDPDelivered.Load(), st.TCPAccepted.Load())
}

// publishTick publishes the stack counters once every configured interval.
func (n *node) publishTick() {
	if n.pub == nil {
		return
	}
	if done, _ := n.pub.Status(); !done {
		return
	}
	now := n.now()
	if n.havePub && now.Sub(n.lastPub) < n.cfg.MQTT.Interval {
		return
	}
	st := n.stack.Stats()
	n.payload = fmt.Appendf(n.payload[:0], `{"rx":%d,"tx":%d,"dropped":%d,"tcp_accepted":%d}`,
		st.RxFrames.Load(), st.TxFrames.Load(), st.Dropped.Load(), st.TCPAccepted.Load())
	n.stack.SetRemote(n.broker, n.cfg.MQTT.Port)
	if _, err := n.pub.Publish(n.payload); err != nil {
		n.log.Error("mqtt publish", "err", err)
		return
	}
	n.lastPub, n.havePub = now, true
}
