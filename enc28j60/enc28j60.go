// Package enc28j60 drives the Microchip ENC28J60 SPI Ethernet controller.
//
// A [Dev] satisfies the ethercard.Driver interface, so it can be handed
// directly to ethercard.New:
//
//	dev := enc28j60.New(spi, csPin.Set, logger)
//	rev, err := dev.Init(mac)
//	stack, err := ethercard.New(ethercard.Config{MAC: mac, Driver: dev})
package enc28j60

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"
)

// SPI is a full duplex SPI bus in mode 0. machine.SPI satisfies SPI.
type SPI interface {
	Tx(w, r []byte) error
}

// MaxFrameLength is the longest frame the MAC accepts, frame check sequence included.
const MaxFrameLength = 1518

const (
	clkrdyPolls = 1000
	txPolls     = 1000
	miiPolls    = 100
	bistPolls   = 10000
	// maxLateCollisionRetries bounds retransmissions after a late collision.
	maxLateCollisionRetries = 16
)

var (
	ErrClockNotReady = errors.New("enc28j60: oscillator not ready")
	ErrTxTimeout     = errors.New("enc28j60: transmit timeout")
	ErrTxAborted     = errors.New("enc28j60: transmit aborted")
	ErrFrameTooLong  = errors.New("enc28j60: frame too long")
	ErrMemRange      = errors.New("enc28j60: buffer memory address out of range")
	errMIIBusy       = errors.New("enc28j60: MII busy")
	errDMABusy       = errors.New("enc28j60: DMA busy")
)

// Dev is an ENC28J60 attached over SPI. It is not safe for concurrent use.
type Dev struct {
	spi SPI
	// cs drives the chip select line. Low selects the chip.
	cs     func(level bool)
	logger *slog.Logger
	mac    [6]byte
	// bank is the register bank currently selected in ECON1.
	bank       uint8
	nextPacket uint16
	// unreleased is set while the last received frame still occupies the ring.
	unreleased  bool
	broadcast   bool
	promiscuous bool
	// err is the first SPI error since the last public call returned.
	err error
	buf [3]byte
}

// New returns a Dev using spi for transfers and cs as chip select. Call
// [Dev.Init] before using it.
func New(spi SPI, cs func(level bool), logger *slog.Logger) *Dev {
	cs(true)
	return &Dev{spi: spi, cs: cs, logger: logger, nextPacket: rxStart}
}

// Init resets the controller, sets up its receive and transmit buffers,
// filters and MAC address, enables reception and returns the silicon revision.
func (d *Dev) Init(mac [6]byte) (rev uint8, err error) {
	d.err = nil
	if err = d.reset(); err != nil {
		return 0, err
	}
	d.nextPacket = rxStart
	d.unreleased = false
	d.write16(regERXST, rxStart)
	d.write16(regERXRDPT, rxStart)
	d.write16(regERXND, rxStop)
	d.write16(regETXST, txStart)
	d.write16(regETXND, txStop)

	d.writePhy(phyPHLCON, phlconLEDSetup)

	// Unicast to us, broadcasts and the ARP pattern match, CRC checked.
	d.write8(regERXFCON, erxfconDefault)
	d.write16(regEPMM0, 0x303f)
	d.write16(regEPMCS, 0xf7f9)

	d.write8(regMACON1, macon1MARXEN)
	d.bitSet(regMACON3, macon3PADCFG0|macon3TXCRCEN|macon3FRMLNEN)
	d.write16(regMAIPG, 0x0c12)
	d.write8(regMABBIPG, 0x12)
	d.write16(regMAMXFL, MaxFrameLength)
	d.write8(regMAADR5, mac[0])
	d.write8(regMAADR4, mac[1])
	d.write8(regMAADR3, mac[2])
	d.write8(regMAADR2, mac[3])
	d.write8(regMAADR1, mac[4])
	d.write8(regMAADR0, mac[5])
	d.writePhy(phyPHCON2, phcon2HDLDIS)

	d.bitSet(regEIE, eieINTIE|eiePKTIE)
	d.bitSet(regECON1, econ1RXEN)

	rev = d.read8(regEREVID)
	// Silicon B7 reports revision 6.
	if rev > 5 {
		rev++
	}
	if err = d.takeErr(); err != nil {
		return 0, err
	}
	d.mac = mac
	d.info("enc28j60:init", slog.Int("rev", int(rev)))
	return rev, nil
}

// reset issues a soft reset and waits for the oscillator to stabilize.
func (d *Dev) reset() error {
	d.csLow()
	d.tx(d.buf[:1], opSoftReset)
	d.csHigh()
	d.bank = 0
	time.Sleep(2 * time.Millisecond) // Errata B7/2.
	if !d.poll(regESTAT, estatCLKRDY, true, clkrdyPolls) && d.err == nil {
		return ErrClockNotReady
	}
	return d.takeErr()
}

// MAC returns the address programmed by Init.
func (d *Dev) MAC() [6]byte { return d.mac }

// LinkUp reports whether the PHY has link.
func (d *Dev) LinkUp() bool {
	stat := d.readPhy(phyPHSTAT2)
	if err := d.takeErr(); err != nil {
		d.logerr("enc28j60:link", slog.String("err", err.Error()))
		return false
	}
	return stat&phstat2LSTAT != 0
}

// Transmit sends frame, which must not include the frame check sequence.
// The transmit logic is reset before every attempt and frames aborted by a
// late collision are retried.
func (d *Dev) Transmit(frame []byte) error {
	if len(frame) > txStop-txStart-tsvLen {
		return ErrFrameTooLong
	}
	end := uint16(txStart + len(frame))
	for retry := 0; ; retry++ {
		// Errata 12: always reset the transmit logic.
		d.bitSet(regECON1, econ1TXRST)
		d.bitClear(regECON1, econ1TXRST)
		d.bitClear(regEIR, eirTXERIF|eirTXIF)
		if retry == 0 {
			d.write16(regEWRPT, txStart)
			d.write16(regETXND, end)
			// Per packet control byte of zero uses the MACON3 settings.
			ctrl := [1]byte{0}
			d.writeBuf(ctrl[:], frame)
		}
		d.bitSet(regECON1, econ1TXRTS)

		// Errata 13: TXIF or TXERIF may never get set.
		done := d.poll(regEIR, eirTXIF|eirTXERIF, true, txPolls)
		eir := d.read8(regEIR)
		if err := d.takeErr(); err != nil {
			return err
		}
		if done && eir&eirTXERIF == 0 {
			d.trace("enc28j60:tx", slog.Int("len", len(frame)), slog.Int("retry", retry))
			return nil
		}
		d.bitClear(regECON1, econ1TXRTS)
		if eir&eirTXERIF == 0 {
			d.takeErr()
			return ErrTxTimeout
		}
		// Errata 15: ESTAT.LATECOL is unreliable, check the status vector instead.
		var tsv [tsvLen]byte
		d.readMem(end+1, tsv[:])
		if err := d.takeErr(); err != nil {
			return err
		}
		if tsv[3]&tsvLateCollision == 0 || retry >= maxLateCollisionRetries {
			d.debug("enc28j60:tx-aborted", slog.Int("retry", retry))
			return ErrTxAborted
		}
	}
}

// Receive copies the next frame in the receive ring into dst, frame check
// sequence stripped, and returns its length. Frames longer than dst are
// truncated. It returns 0 when no frame is pending or the pending frame was
// received with errors. The previously received frame is released from the
// ring on the next call.
func (d *Dev) Receive(dst []byte) (int, error) {
	if d.unreleased {
		// Errata 14: ERXRDPT must be odd.
		if d.nextPacket == rxStart {
			d.write16(regERXRDPT, rxStop)
		} else {
			d.write16(regERXRDPT, d.nextPacket-1)
		}
		d.unreleased = false
	}
	if d.read8(regEPKTCNT) == 0 {
		return 0, d.takeErr()
	}
	var rsv [rsvLen]byte
	d.readMem(d.nextPacket, rsv[:])
	d.nextPacket = binary.LittleEndian.Uint16(rsv[0:])
	count := int(binary.LittleEndian.Uint16(rsv[2:]))
	status := binary.LittleEndian.Uint16(rsv[4:])
	n := min(max(count-4, 0), len(dst))
	if status&rsvRxOK == 0 {
		d.debug("enc28j60:rx-error", slog.Int("count", count), slog.Int("status", int(status)))
		n = 0
	} else if n > 0 {
		d.readBuf(dst[:n])
	}
	d.unreleased = true
	d.bitSet(regECON2, econ2PKTDEC)
	if err := d.takeErr(); err != nil {
		return 0, err
	}
	d.trace("enc28j60:rx", slog.Int("len", n), slog.Int("next", int(d.nextPacket)))
	return n, nil
}

// EnableBroadcast accepts broadcast frames. A temporary change is undone by
// the next DisableBroadcast, while a permanent one survives temporary disables.
func (d *Dev) EnableBroadcast(temporary bool) error {
	d.write8(regERXFCON, d.read8(regERXFCON)|erxfconBCEN)
	if !temporary {
		d.broadcast = true
	}
	return d.takeErr()
}

// DisableBroadcast stops accepting broadcast frames unless they were
// permanently enabled and this call is temporary.
func (d *Dev) DisableBroadcast(temporary bool) error {
	if !temporary {
		d.broadcast = false
	}
	if !d.broadcast {
		d.write8(regERXFCON, d.read8(regERXFCON)&^erxfconBCEN)
	}
	return d.takeErr()
}

// EnableBroadcastReception temporarily toggles broadcast reception. It is
// used by the network stack around DHCP exchanges.
func (d *Dev) EnableBroadcastReception(enable bool) {
	var err error
	if enable {
		err = d.EnableBroadcast(true)
	} else {
		err = d.DisableBroadcast(true)
	}
	if err != nil {
		d.logerr("enc28j60:broadcast", slog.Bool("enable", enable), slog.String("err", err.Error()))
	}
}

func (d *Dev) EnableMulticast() error {
	d.write8(regERXFCON, d.read8(regERXFCON)|erxfconMCEN)
	return d.takeErr()
}

func (d *Dev) DisableMulticast() error {
	d.write8(regERXFCON, d.read8(regERXFCON)&^erxfconMCEN)
	return d.takeErr()
}

// EnablePromiscuous accepts every frame with a valid CRC.
func (d *Dev) EnablePromiscuous(temporary bool) error {
	d.write8(regERXFCON, d.read8(regERXFCON)&erxfconCRCEN)
	if !temporary {
		d.promiscuous = true
	}
	return d.takeErr()
}

// DisablePromiscuous restores the filters set by Init unless promiscuous
// mode was permanently enabled and this call is temporary.
func (d *Dev) DisablePromiscuous(temporary bool) error {
	if !temporary {
		d.promiscuous = false
	}
	if !d.promiscuous {
		d.write8(regERXFCON, erxfconDefault)
	}
	return d.takeErr()
}

// PowerDown stops reception, waits for pending transfers and puts the
// controller to sleep.
func (d *Dev) PowerDown() error {
	d.bitClear(regECON1, econ1RXEN)
	if !d.poll(regESTAT, estatRXBUSY, false, txPolls) && d.err == nil {
		return ErrTxTimeout
	}
	if !d.poll(regECON1, econ1TXRTS, false, txPolls) && d.err == nil {
		return ErrTxTimeout
	}
	d.bitSet(regECON2, econ2VRPS)
	d.bitSet(regECON2, econ2PWRSV)
	return d.takeErr()
}

// PowerUp wakes the controller and re-enables reception.
func (d *Dev) PowerUp() error {
	d.bitClear(regECON2, econ2PWRSV)
	if !d.poll(regESTAT, estatCLKRDY, true, clkrdyPolls) && d.err == nil {
		return ErrClockNotReady
	}
	d.bitSet(regECON1, econ1RXEN)
	return d.takeErr()
}

// BIST runs the built-in self test over the whole buffer memory: an address
// fill checked against its known checksum, then a random fill seeded with
// seed where the DMA and BIST checksums must agree. It resets the
// controller and destroys buffer memory so Init must be called afterwards.
func (d *Dev) BIST(seed uint8) (ok bool, err error) {
	d.err = nil
	if err = d.reset(); err != nil {
		return false, err
	}
	d.write8(regECON1, 0)
	d.bank = 0
	d.write16(regEDMAST, 0)
	d.write16(regEDMAND, memEnd)
	d.write16(regERXND, memEnd)

	dma, bist, err := d.bistRun(ebstconBIST | bistAddressFill)
	if err != nil {
		return false, err
	}
	if dma != bist || bist != bistAddressSum {
		d.info("enc28j60:bist", slog.String("fill", "address"), slog.Int("dma", int(dma)), slog.Int("bist", int(bist)))
		return false, nil
	}
	d.write8(regEBSTSD, 0xaa|seed)
	dma, bist, err = d.bistRun(ebstconPSEL | ebstconBIST | bistRandomFill)
	if err != nil {
		return false, err
	}
	if dma != bist {
		d.info("enc28j60:bist", slog.String("fill", "random"), slog.Int("dma", int(dma)), slog.Int("bist", int(bist)))
	}
	return dma == bist, nil
}

// bistRun fills memory in test mode and returns the DMA and BIST checksums.
func (d *Dev) bistRun(mode uint8) (dma, bist uint16, err error) {
	d.write8(regEBSTCON, ebstconTME|mode)
	if !d.poll(regEBSTCON, ebstconBIST, false, bistPolls) && d.err == nil {
		return 0, 0, errDMABusy
	}
	d.bitClear(regEBSTCON, ebstconTME)
	d.bitSet(regECON1, econ1DMAST|econ1CSUMEN)
	if !d.poll(regECON1, econ1DMAST, false, bistPolls) && d.err == nil {
		return 0, 0, errDMABusy
	}
	dma = d.read16(regEDMACS)
	bist = d.read16(regEBSTCS)
	return dma, bist, d.takeErr()
}

// ReadMem copies buffer memory starting at addr into dst.
func (d *Dev) ReadMem(addr uint16, dst []byte) error {
	if int(addr)+len(dst) > memEnd+1 {
		return ErrMemRange
	}
	d.readMem(addr, dst)
	return d.takeErr()
}

// WriteMem copies src into buffer memory starting at addr.
func (d *Dev) WriteMem(addr uint16, src []byte) error {
	if int(addr)+len(src) > memEnd+1 {
		return ErrMemRange
	}
	d.write16(regEWRPT, addr)
	d.writeBuf(src)
	return d.takeErr()
}

func (d *Dev) readMem(addr uint16, dst []byte) {
	d.write16(regERDPT, addr)
	d.readBuf(dst)
}

// takeErr returns and clears the pending SPI error.
func (d *Dev) takeErr() error {
	err := d.err
	d.err = nil
	return err
}
