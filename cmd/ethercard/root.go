package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags.
	configFile string
	logLevel   string
	logFile    string

	// Set by the root command before any subcommand runs.
	cfg    *cliConfig
	logger *slog.Logger
	logOut io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "ethercard",
	Short: "ethercard - single buffer IPv4 stack for small Ethernet controllers",
	Long: `ethercard runs a single buffer IPv4 stack built for ENC28J60 class
Ethernet controllers. On a host it can serve a TAP interface, replay pcap
captures through the stack and decode logic analyzer captures of the
controller's SPI bus.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			c.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-file") {
			c.Log.File = logFile
		}
		l, closer, err := newLogger(c.Log, os.Stderr)
		if err != nil {
			return err
		}
		cfg, logger, logOut = c, l, closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logOut != nil {
			return logOut.Close()
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotating file instead of stderr")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(spiCmd)
	rootCmd.AddCommand(configCmd)
}
