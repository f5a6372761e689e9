//go:build pico

package enc28j60

import (
	"log/slog"
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"
)

// Raspberry Pi Pico pins of the SPI0 header block, where ENC28J60 modules
// are usually wired.
const (
	picoSDI = machine.GPIO16
	picoCS  = machine.GPIO17
	picoSCK = machine.GPIO18
	picoSDO = machine.GPIO19
)

// NewPicoDev returns a Dev on the Pico SPI0 pins driven by a PIO state
// machine at the given clock frequency. The ENC28J60 is rated up to 20MHz.
func NewPicoDev(baud uint32, logger *slog.Logger) (*Dev, error) {
	picoCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	picoCS.High()
	sm, err := pio.PIO0.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	spi, err := piolib.NewSPI(sm, machine.SPIConfig{
		Frequency: baud,
		SCK:       picoSCK,
		SDO:       picoSDO,
		SDI:       picoSDI,
		Mode:      0,
	})
	if err != nil {
		return nil, err
	}
	return New(spi, picoCS.Set, logger), nil
}

// NewPicoDevBitbang is like NewPicoDev but bit-bangs the bus, leaving the
// PIO blocks free.
func NewPicoDevBitbang(delay uint32, logger *slog.Logger) *Dev {
	picoCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	picoCS.High()
	spi := &SPIbb{SCK: picoSCK, SDI: picoSDI, SDO: picoSDO, Delay: delay}
	spi.Configure()
	return New(spi, picoCS.Set, logger)
}
