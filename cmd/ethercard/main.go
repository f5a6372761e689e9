// Command ethercard runs the ethercard IPv4 stack on a host TAP interface,
// replays packet captures through it and decodes ENC28J60 SPI bus captures.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
