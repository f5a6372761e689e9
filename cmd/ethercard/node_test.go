package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypat/ethercard"
)

func newTestNode(t *testing.T) (*node, *memDriver) {
	t.Helper()
	setupTest(t)
	drv := &memDriver{}
	scfg, err := cfg.ethercardConfig(drv, nil)
	require.NoError(t, err)
	stack, err := ethercard.New(scfg)
	require.NoError(t, err)
	n := newNode(stack, cfg, logger)
	require.NoError(t, n.setup(context.Background()))
	return n, drv
}

// exchange delivers frame to the node and returns the frames sent in reply.
func exchange(n *node, drv *memDriver, frame []byte) [][]byte {
	drv.rx = append(drv.rx, frame)
	drv.tx = nil
	n.poll()
	return drv.tx
}

// httpResponse checks that a reply is a bare ACK of the request followed by
// the response segment closing the connection, and returns the response.
func httpResponse(t *testing.T, sent [][]byte) string {
	t.Helper()
	require.Len(t, sent, 2)
	ack := tcpLayer(t, sent[0])
	assert.True(t, ack.ACK && !ack.PSH && !ack.FIN && !ack.SYN, "first segment is not a bare ACK")
	assert.Empty(t, ack.Payload)
	data := tcpLayer(t, sent[1])
	assert.True(t, data.ACK && data.PSH && data.FIN, "response segment flags")
	assert.Equal(t, ack.Seq, data.Seq, "response does not follow the ACK")
	return string(data.Payload)
}

func TestNodeHTTP(t *testing.T) {
	n, drv := newTestNode(t)
	for _, tc := range []struct {
		req      string
		wantHead string
		wantBody string
	}{
		{req: "GET / HTTP/1.1\r\nHost: ethercard\r\n\r\n", wantHead: "HTTP/1.0 200 OK\r\n", wantBody: "page views 1"},
		{req: "GET /stats HTTP/1.1\r\n\r\n", wantHead: "HTTP/1.0 200 OK\r\n", wantBody: "rx_frames 2\n"},
		{req: "GET /nope HTTP/1.1\r\n\r\n", wantHead: "HTTP/1.0 404 Not Found\r\n", wantBody: "not found"},
		{req: "POST / HTTP/1.1\r\n\r\n", wantHead: "HTTP/1.0 405 Method Not Allowed\r\n", wantBody: "method not allowed"},
	} {
		resp := httpResponse(t, exchange(n, drv, httpRequest(t, tc.req)))
		assert.True(t, strings.HasPrefix(resp, tc.wantHead), "response %q", resp)
		assert.Contains(t, resp, "Content-Type: ")
		assert.Contains(t, resp, tc.wantBody)
	}
	assert.Equal(t, 1, n.hits)
}

func TestNodeIndexShowsAddresses(t *testing.T) {
	n, drv := newTestNode(t)
	resp := httpResponse(t, exchange(n, drv, httpRequest(t, "GET / HTTP/1.0\r\n\r\n")))
	assert.Contains(t, resp, "ip 192.168.7.2")
	assert.Contains(t, resp, "mac 02:00:00:EC:28:60")
}

func TestNodeUDPEcho(t *testing.T) {
	n, drv := newTestNode(t)
	sent := exchange(n, drv, udpDatagram(t, cfg.Serve.UDPEchoPort, "hello"))
	require.Len(t, sent, 1)
	pkt := gopacket.NewPacket(sent[0], layers.LayerTypeEthernet, gopacket.Default)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(cfg.Serve.UDPEchoPort), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(40000), udp.DstPort)
	assert.Equal(t, "hello", string(udp.Payload))
}

func TestNodePublishTick(t *testing.T) {
	setupTest(t)
	cfg.MQTT.Broker = "192.168.7.9"
	drv := &memDriver{}
	scfg, err := cfg.ethercardConfig(drv, nil)
	require.NoError(t, err)
	stack, err := ethercard.New(scfg)
	require.NoError(t, err)
	n := newNode(stack, cfg, logger)
	require.NoError(t, n.setup(context.Background()))
	require.NotNil(t, n.pub)
	assert.Equal(t, [4]byte{192, 168, 7, 9}, n.broker)

	now := time.Unix(1000, 0)
	n.now = func() time.Time { return now }
	n.publishTick()
	done, _ := n.pub.Status()
	assert.False(t, done, "publish not started")
	assert.Contains(t, string(n.payload), `"rx":0`)
	ip, port := stack.Remote()
	assert.Equal(t, n.broker, ip)
	assert.Equal(t, cfg.MQTT.Port, port)

	first := n.lastPub
	now = now.Add(time.Hour)
	n.publishTick()
	assert.Equal(t, first, n.lastPub, "published while a publish was pending")
}
