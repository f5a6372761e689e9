package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soypat/ethercard"
)

// newRegistry exposes the stack counters. Counters are read atomically at
// scrape time so the poll loop never blocks on the metrics server.
func newRegistry(st *ethercard.Stats) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	for _, c := range []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"rx_frames_total", "Frames read from the driver.", &st.RxFrames},
		{"tx_frames_total", "Frames handed to the driver.", &st.TxFrames},
		{"tx_errors_total", "Frames the driver failed to send.", &st.TxErrors},
		{"dropped_frames_total", "Received frames discarded as malformed or not addressed to us.", &st.Dropped},
		{"arp_replies_total", "ARP requests answered.", &st.ARPReplies},
		{"echo_replies_total", "ICMP echo requests answered.", &st.EchoReplies},
		{"udp_delivered_total", "UDP datagrams delivered to listeners.", &st.UDPDelivered},
		{"tcp_accepted_total", "TCP connections accepted on served ports.", &st.TCPAccepted},
	} {
		v := c.v
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "ethercard",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) }))
	}
	return reg
}

// metricsServer is the HTTP server for Prometheus metrics.
type metricsServer struct {
	addr   string
	path   string
	reg    *prometheus.Registry
	log    *slog.Logger
	server *http.Server
	ln     net.Listener
}

func newMetricsServer(mc metricsConfig, reg *prometheus.Registry, log *slog.Logger) *metricsServer {
	path := mc.Path
	if path == "" {
		path = "/metrics"
	}
	return &metricsServer{addr: mc.Listen, path: path, reg: reg, log: log}
}

// Start listens on the configured address and serves in the background.
func (m *metricsServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle(m.path, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	m.ln = ln
	m.log.Info("starting metrics server", "addr", ln.Addr().String(), "path", m.path)
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (m *metricsServer) Addr() string {
	if m.ln == nil {
		return m.addr
	}
	return m.ln.Addr().String()
}

// Stop gracefully stops the metrics server.
func (m *metricsServer) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}
