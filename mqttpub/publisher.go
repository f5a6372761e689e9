// Package mqttpub publishes MQTT messages over the single TCP client session
// of an ethercard stack.
//
// Each publish opens a connection to the broker, sends CONNECT and PUBLISH in
// one segment and closes once the broker's CONNACK arrives. Only QoS 0 is
// supported since the stack cannot keep a session open for acknowledgements.
package mqttpub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/soypat/ethercard"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	DefaultPort      = 1883
	DefaultKeepAlive = 60
)

var (
	ErrRefused   = errors.New("mqtt: connection refused")
	ErrReset     = errors.New("mqtt: connection reset")
	ErrNoConnack = errors.New("mqtt: expected CONNACK")
	ErrTooLarge  = errors.New("mqtt: message does not fit in packet buffer")
	ErrPending   = errors.New("mqtt: publish in progress")
)

type Config struct {
	ClientID string
	Topic    string
	// Port is the broker's TCP port. Zero means DefaultPort.
	Port uint16
	// KeepAlive in seconds sent in CONNECT. Zero means DefaultKeepAlive.
	KeepAlive uint16
	Retain    bool
	Logger    *slog.Logger
}

// Publisher sends messages to the broker set as the stack's remote with
// [ethercard.Stack.SetRemote] or [ethercard.Stack.DNSLookup].
type Publisher struct {
	stack   *ethercard.Stack
	cfg     Config
	varConn mqtt.VariablesConnect
	tx      mqtt.Tx
	rx      mqtt.Rx
	payload []byte
	packet  uint16
	fd      uint8
	pending bool
	err     error
	connack mqtt.VariablesConnack
	gotAck  bool
}

func New(stack *ethercard.Stack, cfg Config) *Publisher {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	p := &Publisher{stack: stack, cfg: cfg}
	p.varConn.SetDefaultMQTT([]byte(cfg.ClientID))
	p.varConn.KeepAlive = cfg.KeepAlive
	p.rx.RxCallbacks.OnConnack = func(_ *mqtt.Rx, vc mqtt.VariablesConnack) error {
		p.connack = vc
		p.gotAck = true
		return nil
	}
	return p
}

// Publish queues payload for publishing and returns the client session
// handle. Progress is reported by [Publisher.Status] while the caller keeps
// running the stack's packet loop. The payload must not be modified until
// the publish is done.
func (p *Publisher) Publish(payload []byte) (fd uint8, err error) {
	if p.pending {
		return 0, ErrPending
	}
	p.payload = payload
	p.pending = true
	p.err = nil
	p.packet++
	p.fd = p.stack.ClientTCPRequest(p.Result, p.Fill, p.cfg.Port)
	p.debug("mqtt:publish", slog.Int("fd", int(p.fd)), slog.Int("len", len(payload)))
	return p.fd, nil
}

// Status reports whether the last publish finished and how.
func (p *Publisher) Status() (done bool, err error) {
	return !p.pending, p.err
}

// Fill writes the CONNECT and PUBLISH packets into dst. It satisfies
// [ethercard.FillFunc].
func (p *Publisher) Fill(fd uint8, dst []byte) int {
	w := frameWriter{buf: dst[:0:len(dst)]}
	p.tx.SetTxTransport(&w)
	err := p.tx.WriteConnect(&p.varConn)
	if err == nil {
		err = p.writePublish()
	}
	if err != nil {
		if errors.Is(err, io.ErrShortWrite) {
			err = ErrTooLarge
		}
		p.finish(err)
		return 0
	}
	p.trace("mqtt:fill", slog.Int("len", len(w.buf)))
	return len(w.buf)
}

func (p *Publisher) writePublish() error {
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, p.cfg.Retain)
	if err != nil {
		return err
	}
	vp := mqtt.VariablesPublish{
		TopicName:        []byte(p.cfg.Topic),
		PacketIdentifier: p.packet,
	}
	hdr, err := mqtt.NewHeader(mqtt.PacketPublish, flags, uint32(vp.Size(mqtt.QoS0)+len(p.payload)))
	if err != nil {
		return err
	}
	return p.tx.WritePublishPayload(hdr, vp, p.payload)
}

// Result decodes the broker's CONNACK. It satisfies [ethercard.ResultFunc]
// and always asks the stack to close the connection.
func (p *Publisher) Result(fd, status uint8, off, n int) bool {
	if fd != p.fd || !p.pending {
		return true
	}
	if status == ethercard.StatusReset {
		p.finish(ErrReset)
		return true
	}
	buf := p.stack.Buffer()
	if off < 0 || off+n > len(buf) {
		p.finish(io.ErrUnexpectedEOF)
		return true
	}
	p.gotAck = false
	p.rx.SetRxTransport(io.NopCloser(bytes.NewReader(buf[off : off+n])))
	_, err := p.rx.ReadNextPacket()
	switch {
	case err != nil:
		p.finish(fmt.Errorf("mqtt: decoding reply: %w", err))
	case !p.gotAck:
		p.finish(ErrNoConnack)
	case p.connack.ReturnCode != 0:
		p.finish(fmt.Errorf("%w: return code %d", ErrRefused, p.connack.ReturnCode))
	default:
		p.finish(nil)
	}
	return true
}

func (p *Publisher) finish(err error) {
	p.pending = false
	p.err = err
	if err != nil {
		p.logattrs(slog.LevelError, "mqtt:publish-failed", slog.String("err", err.Error()))
	} else {
		p.debug("mqtt:published", slog.String("topic", p.cfg.Topic))
	}
}

func (p *Publisher) debug(msg string, attrs ...slog.Attr) { p.logattrs(slog.LevelDebug, msg, attrs...) }
func (p *Publisher) trace(msg string, attrs ...slog.Attr) { p.logattrs(slog.LevelDebug-2, msg, attrs...) }

func (p *Publisher) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// frameWriter appends to a fixed capacity buffer.
type frameWriter struct {
	buf []byte
}

func (w *frameWriter) Write(b []byte) (int, error) {
	if len(b) > cap(w.buf)-len(w.buf) {
		return 0, io.ErrShortWrite
	}
	w.buf = append(w.buf, b...)
	return len(b), nil
}

func (w *frameWriter) Close() error { return nil }
