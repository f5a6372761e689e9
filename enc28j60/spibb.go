//go:build tinygo

package enc28j60

import (
	"device"
	"machine"
)

// SPIbb is a bit-banged mode 0 SPI bus for boards without a free SPI
// peripheral or PIO block. Delay is the number of nops in a quarter clock.
type SPIbb struct {
	SCK   machine.Pin
	SDI   machine.Pin
	SDO   machine.Pin
	Delay uint32
}

// Configure sets SCK and SDO as outputs driven low and SDI as input.
func (s *SPIbb) Configure() {
	s.SCK.Configure(machine.PinConfig{Mode: machine.PinOutput})
	s.SDO.Configure(machine.PinConfig{Mode: machine.PinOutput})
	s.SDI.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	s.SCK.Low()
	s.SDO.Low()
	if s.Delay == 0 {
		s.Delay = 1
	}
}

// Tx clocks out w while clocking in r. Either may be nil, in which case
// zeros are sent or the received bytes are discarded.
func (s *SPIbb) Tx(w, r []byte) error {
	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		in := s.transfer(out)
		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

// Transfer sends and receives a single byte.
func (s *SPIbb) Transfer(b byte) (byte, error) {
	return s.transfer(b), nil
}

//go:inline
func (s *SPIbb) transfer(b byte) (in byte) {
	for bit := 7; bit >= 0; bit-- {
		if s.bitTransfer(b&(1<<bit) != 0) {
			in |= 1 << bit
		}
	}
	return in
}

// bitTransfer sets SDO before the rising edge and samples SDI after it.
//
//go:inline
func (s *SPIbb) bitTransfer(b bool) bool {
	s.SDO.Set(b)
	s.delay()
	s.SCK.High()
	s.delay()
	in := s.SDI.Get()
	s.delay()
	s.SCK.Low()
	s.delay()
	return in
}

// delay waits a quarter of the clock period.
//
//go:inline
func (s *SPIbb) delay() {
	for i := uint32(0); i < s.Delay; i++ {
		device.Asm("nop")
	}
}
