package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/soypat/ethercard"
)

// cliConfig is the configuration shared by all subcommands. Values come from
// the config file, ETHERCARD_* environment variables and flags, in
// increasing order of precedence.
type cliConfig struct {
	Log     logConfig     `mapstructure:"log" yaml:"log"`
	Stack   stackConfig   `mapstructure:"stack" yaml:"stack"`
	Serve   serveConfig   `mapstructure:"serve" yaml:"serve"`
	Metrics metricsConfig `mapstructure:"metrics" yaml:"metrics"`
	MQTT    mqttConfig    `mapstructure:"mqtt" yaml:"mqtt"`
}

type logConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type stackConfig struct {
	MAC     string `mapstructure:"mac" yaml:"mac"`
	IP      string `mapstructure:"ip" yaml:"ip"`
	Gateway string `mapstructure:"gateway" yaml:"gateway"`
	DNS     string `mapstructure:"dns" yaml:"dns"`
	Netmask string `mapstructure:"netmask" yaml:"netmask"`
	// DHCP requests an address instead of using IP, Gateway, DNS and Netmask.
	DHCP         bool          `mapstructure:"dhcp" yaml:"dhcp"`
	DHCPTimeout  time.Duration `mapstructure:"dhcp_timeout" yaml:"dhcp_timeout"`
	Hostname     string        `mapstructure:"hostname" yaml:"hostname"`
	BufferSize   int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	ARPCacheSize int           `mapstructure:"arp_cache_size" yaml:"arp_cache_size"`
	ServerPort   uint16        `mapstructure:"server_port" yaml:"server_port"`
}

type serveConfig struct {
	Tap         string `mapstructure:"tap" yaml:"tap"`
	UDPEchoPort uint16 `mapstructure:"udp_echo_port" yaml:"udp_echo_port"`
}

type metricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type mqttConfig struct {
	// Broker is the broker's host name or IPv4 address. Empty disables publishing.
	Broker   string        `mapstructure:"broker" yaml:"broker"`
	Port     uint16        `mapstructure:"port" yaml:"port"`
	Topic    string        `mapstructure:"topic" yaml:"topic"`
	ClientID string        `mapstructure:"client_id" yaml:"client_id"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// loadConfig reads path, if not empty, and the environment into a cliConfig
// with defaults applied.
func loadConfig(path string) (*cliConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ETHERCARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	var c cliConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default for AutomaticEnv to reach it on Unmarshal.
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.compress", false)
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)

	v.SetDefault("stack.mac", "02:00:00:ec:28:60")
	v.SetDefault("stack.ip", "192.168.7.2")
	v.SetDefault("stack.gateway", "192.168.7.1")
	v.SetDefault("stack.dns", "")
	v.SetDefault("stack.netmask", "255.255.255.0")
	v.SetDefault("stack.dhcp", false)
	v.SetDefault("stack.dhcp_timeout", "60s")
	v.SetDefault("stack.hostname", "ethercard")
	v.SetDefault("stack.buffer_size", ethercard.DefaultBufferSize)
	v.SetDefault("stack.arp_cache_size", ethercard.DefaultARPCacheSize)
	v.SetDefault("stack.server_port", ethercard.DefaultServerPort)

	v.SetDefault("serve.tap", "tap0")
	v.SetDefault("serve.udp_echo_port", 7)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topic", "ethercard/stats")
	v.SetDefault("mqtt.client_id", "ethercard")
	v.SetDefault("mqtt.interval", "30s")
}

func (c *cliConfig) validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := c.Stack.mac(); err != nil {
		return err
	}
	if _, err := c.Stack.addrs(); err != nil {
		return err
	}
	if c.MQTT.Broker != "" && c.MQTT.Interval <= 0 {
		return errors.New("mqtt interval must be positive")
	}
	return nil
}

func (sc *stackConfig) mac() ([6]byte, error) {
	hw, err := net.ParseMAC(sc.MAC)
	if err != nil {
		return [6]byte{}, fmt.Errorf("invalid mac: %w", err)
	}
	if len(hw) != 6 {
		return [6]byte{}, fmt.Errorf("mac %q is not a 48 bit address", sc.MAC)
	}
	return [6]byte(hw), nil
}

// stackAddrs holds the static addresses of the stack. Unset addresses are zero.
type stackAddrs struct {
	IP, Gateway, DNS, Netmask [4]byte
}

func (sc *stackConfig) addrs() (a stackAddrs, err error) {
	for _, f := range []struct {
		name string
		s    string
		dst  *[4]byte
	}{
		{"ip", sc.IP, &a.IP},
		{"gateway", sc.Gateway, &a.Gateway},
		{"dns", sc.DNS, &a.DNS},
		{"netmask", sc.Netmask, &a.Netmask},
	} {
		if f.s == "" {
			continue
		}
		*f.dst, err = parseIPv4(f.s)
		if err != nil {
			return a, fmt.Errorf("invalid %s: %w", f.name, err)
		}
	}
	return a, nil
}

func parseIPv4(s string) ([4]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return [4]byte{}, err
	}
	if !addr.Is4() {
		return [4]byte{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr.As4(), nil
}

// ethercardConfig builds the stack configuration for drv.
func (c *cliConfig) ethercardConfig(drv ethercard.Driver, clock func() uint32) (ethercard.Config, error) {
	mac, err := c.Stack.mac()
	if err != nil {
		return ethercard.Config{}, err
	}
	return ethercard.Config{
		MAC:          mac,
		Driver:       drv,
		BufferSize:   c.Stack.BufferSize,
		ARPCacheSize: c.Stack.ARPCacheSize,
		ServerPort:   c.Stack.ServerPort,
		Clock:        clock,
		Logger:       logger,
	}, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}
