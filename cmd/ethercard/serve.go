package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soypat/ethercard"
)

var (
	serveTap     string
	serveDHCP    bool
	serveMetrics string
	serveBroker  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stack on a Linux TAP interface",
	Long: `serve attaches the stack to a TAP interface and answers ARP and ping,
serves a status page over HTTP and echoes UDP datagrams. With a static
configuration the host side of the interface is assigned the gateway address.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveTap, "tap", "", "TAP interface name (default from config)")
	f.BoolVar(&serveDHCP, "dhcp", false, "obtain an address over DHCP")
	f.StringVar(&serveMetrics, "metrics", "", "serve Prometheus metrics on this address")
	f.StringVar(&serveBroker, "mqtt-broker", "", "publish stack counters to this MQTT broker")
}

func runServe(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	if f.Changed("tap") {
		cfg.Serve.Tap = serveTap
	}
	if f.Changed("dhcp") {
		cfg.Stack.DHCP = serveDHCP
	}
	if f.Changed("metrics") {
		cfg.Metrics.Enabled, cfg.Metrics.Listen = true, serveMetrics
	}
	if f.Changed("mqtt-broker") {
		cfg.MQTT.Broker = serveBroker
	}
	host, err := hostPrefix(cfg)
	if err != nil {
		return err
	}
	tap, err := openTap(cfg.Serve.Tap, host)
	if err != nil {
		return err
	}
	defer tap.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scfg, err := cfg.ethercardConfig(tap, nil)
	if err != nil {
		return err
	}
	stack, err := ethercard.New(scfg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		ms := newMetricsServer(cfg.Metrics, newRegistry(stack.Stats()), logger)
		if err := ms.Start(); err != nil {
			return err
		}
		defer ms.Stop(context.Background())
	}
	n := newNode(stack, cfg, logger)
	if err := n.setup(ctx); err != nil {
		return err
	}
	for ctx.Err() == nil {
		if n.poll() {
			continue
		}
		if err := tap.wait(10 * time.Millisecond); err != nil {
			return fmt.Errorf("tap: %w", err)
		}
	}
	logger.Info("shutting down")
	return nil
}

// hostPrefix is the address given to the host side of the TAP interface. It
// is invalid when the stack configures itself over DHCP or has no gateway.
func hostPrefix(c *cliConfig) (netip.Prefix, error) {
	if c.Stack.DHCP {
		return netip.Prefix{}, nil
	}
	a, err := c.Stack.addrs()
	if err != nil || a.Gateway == [4]byte{} {
		return netip.Prefix{}, err
	}
	mask := a.Netmask
	if mask == [4]byte{} {
		mask = [4]byte{255, 255, 255, 0}
	}
	ones, bits := net.IPMask(mask[:]).Size()
	if bits == 0 {
		return netip.Prefix{}, fmt.Errorf("netmask %v is not contiguous", netip.AddrFrom4(mask))
	}
	return netip.PrefixFrom(netip.AddrFrom4(a.Gateway), ones), nil
}
