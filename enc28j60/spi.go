package enc28j60

// spi.go maps the controller's SPI instruction set onto register and buffer
// accesses. Transfer errors are kept in d.err and further transfers are
// skipped until a public method collects the error with takeErr.

func (d *Dev) csLow()  { d.cs(false) }
func (d *Dev) csHigh() { d.cs(true) }

// tx sends the bytes in buf, which is reused to hold the reply.
func (d *Dev) tx(buf []byte, first byte) {
	if d.err != nil {
		return
	}
	buf[0] = first
	d.err = d.spi.Tx(buf, buf)
}

// op issues a one argument instruction on a control register.
func (d *Dev) op(opcode, addr, data uint8) {
	if d.err != nil {
		return
	}
	d.buf[1] = data
	d.csLow()
	d.tx(d.buf[:2], opcode|addr&addrMask)
	d.csHigh()
}

// setBank selects the bank addr lives in.
func (d *Dev) setBank(addr uint8) {
	if addr&addrMask >= firstComm {
		return
	}
	bank := addr & bankMask
	if bank == d.bank || d.err != nil {
		return
	}
	d.op(opBitClear, regECON1, econ1BSEL)
	d.op(opBitSet, regECON1, bank>>5)
	d.bank = bank
}

func (d *Dev) read8(addr uint8) uint8 {
	d.setBank(addr)
	if d.err != nil {
		return 0
	}
	n := 2
	if addr&spiDummy != 0 {
		n = 3
	}
	buf := d.buf[:n]
	clear(buf)
	d.csLow()
	d.tx(buf, opReadCtrl|addr&addrMask)
	d.csHigh()
	return buf[n-1]
}

func (d *Dev) write8(addr, v uint8) {
	d.setBank(addr)
	d.op(opWriteCtrl, addr, v)
}

// read16 reads a register pair, low byte first.
func (d *Dev) read16(addr uint8) uint16 {
	lo := d.read8(addr)
	return uint16(lo) | uint16(d.read8(addr+1))<<8
}

// write16 writes a register pair, low byte first.
func (d *Dev) write16(addr uint8, v uint16) {
	d.write8(addr, uint8(v))
	d.write8(addr+1, uint8(v>>8))
}

func (d *Dev) bitSet(addr, mask uint8) {
	d.setBank(addr)
	d.op(opBitSet, addr, mask)
}

func (d *Dev) bitClear(addr, mask uint8) {
	d.setBank(addr)
	d.op(opBitClear, addr, mask)
}

// poll reads addr until the bits in mask are all clear, or any is set when
// set is true. It gives up after limit reads.
func (d *Dev) poll(addr, mask uint8, set bool, limit int) bool {
	for i := 0; i < limit && d.err == nil; i++ {
		if (d.read8(addr)&mask != 0) == set {
			return true
		}
	}
	return false
}

// readBuf reads from buffer memory at ERDPT.
func (d *Dev) readBuf(dst []byte) {
	if d.err != nil || len(dst) == 0 {
		return
	}
	d.csLow()
	d.tx(d.buf[:1], opReadBuf)
	if d.err == nil {
		d.err = d.spi.Tx(nil, dst)
	}
	d.csHigh()
}

// writeBuf writes the concatenation of parts to buffer memory at EWRPT.
func (d *Dev) writeBuf(parts ...[]byte) {
	if d.err != nil {
		return
	}
	d.csLow()
	d.tx(d.buf[:1], opWriteBuf)
	for _, p := range parts {
		if d.err != nil || len(p) == 0 {
			continue
		}
		d.err = d.spi.Tx(p, nil)
	}
	d.csHigh()
}

func (d *Dev) readPhy(reg uint8) uint16 {
	d.write8(regMIREGADR, reg)
	d.write8(regMICMD, micmdMIIRD)
	d.waitMII()
	d.write8(regMICMD, 0)
	return d.read16(regMIRD)
}

func (d *Dev) writePhy(reg uint8, v uint16) {
	d.write8(regMIREGADR, reg)
	d.write16(regMIWR, v)
	d.waitMII()
}

func (d *Dev) waitMII() {
	if !d.poll(regMISTAT, mistatBUSY, false, miiPolls) && d.err == nil {
		d.err = errMIIBusy
	}
}
