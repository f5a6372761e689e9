package enc28j60

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/ethercard/internal/eth"
)

// fakeChip models the ENC28J60 SPI instruction set, banked control
// registers, buffer memory and PHY closely enough to drive Dev.
type fakeChip struct {
	selected bool
	pos      int
	opcode   byte
	arg      byte

	regs [4][0x20]byte
	mem  [memEnd + 1]byte
	phy  [0x20]uint16

	rev     byte
	noClock bool
	// lateCollisions is the number of transmissions to abort with a late collision.
	lateCollisions int
	// hangTx leaves transmissions pending forever.
	hangTx bool
	// badBIST corrupts the BIST checksum.
	badBIST  bool
	txErr    error
	attempts int
	sent     [][]byte
	rxWrite  uint16
	resets   int
}

func newFakeChip() *fakeChip {
	f := &fakeChip{rev: 6}
	f.softReset()
	f.resets = 0
	return f
}

func (f *fakeChip) cs(level bool) {
	f.selected = !level
	f.pos = 0
}

func (f *fakeChip) Tx(w, r []byte) error {
	if f.txErr != nil {
		return f.txErr
	}
	if !f.selected {
		return errors.New("fake: transfer without chip select")
	}
	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		var b byte
		if i < len(w) {
			b = w[i]
		}
		out := f.transfer(b)
		if i < len(r) {
			r[i] = out
		}
	}
	return nil
}

func (f *fakeChip) transfer(b byte) (out byte) {
	defer func() { f.pos++ }()
	if f.pos == 0 {
		f.opcode, f.arg = b&^addrMask, b&addrMask
		if b == opSoftReset {
			f.softReset()
		}
		return 0
	}
	switch {
	case f.opcode == opSoftReset&^addrMask && f.arg == addrMask:
	case f.opcode == opReadCtrl:
		if f.isMACMII(f.arg) && f.pos == 1 {
			return 0 // Dummy byte.
		}
		return *f.reg(f.arg)
	case f.opcode|f.arg == opReadBuf:
		p := f.get16(0, regERDPT)
		out = f.mem[p]
		if p == f.get16(0, regERXND) {
			p = f.get16(0, regERXST)
		} else {
			p = (p + 1) & memEnd
		}
		f.set16(0, regERDPT, p)
		return out
	case f.opcode|f.arg == opWriteBuf:
		p := f.get16(0, regEWRPT)
		f.mem[p] = b
		f.set16(0, regEWRPT, (p+1)&memEnd)
	case f.pos > 1:
	case f.opcode == opWriteCtrl:
		f.write(f.arg, b)
	case f.opcode == opBitSet:
		f.write(f.arg, *f.reg(f.arg)|b)
	case f.opcode == opBitClear:
		f.write(f.arg, *f.reg(f.arg)&^b)
	}
	return 0
}

func (f *fakeChip) bank() int { return int(f.regs[0][regECON1] & econ1BSEL) }

func (f *fakeChip) reg(a byte) *byte {
	if a >= firstComm {
		return &f.regs[0][a]
	}
	return &f.regs[f.bank()][a]
}

func (f *fakeChip) isMACMII(a byte) bool {
	switch f.bank() {
	case 2:
		return a < firstComm
	case 3:
		return a <= 5 || a == regMISTAT&addrMask
	}
	return false
}

// get16 and set16 access a register pair by its full address.
func (f *fakeChip) get16(bank int, addr byte) uint16 {
	a := addr & addrMask
	return uint16(f.regs[bank][a]) | uint16(f.regs[bank][a+1])<<8
}

func (f *fakeChip) set16(bank int, addr byte, v uint16) {
	a := addr & addrMask
	f.regs[bank][a] = byte(v)
	f.regs[bank][a+1] = byte(v >> 8)
}

func (f *fakeChip) reg8(addr byte) byte {
	return f.regs[(addr&bankMask)>>5][addr&addrMask]
}

func (f *fakeChip) write(a, v byte) {
	p := f.reg(a)
	old := *p
	*p = v
	bank := f.bank()
	if a >= firstComm {
		bank = -1
	}
	switch {
	case a == regECON1:
		if v&econ1TXRTS != 0 && old&econ1TXRTS == 0 {
			f.transmit()
		}
		if v&econ1DMAST != 0 {
			st, nd := f.get16(0, regEDMAST), f.get16(0, regEDMAND)
			f.set16(0, regEDMACS, eth.Checksum(f.mem[st:int(nd)+1], eth.PseudoNone))
			*p &^= econ1DMAST
		}
	case a == regECON2:
		if v&econ2PKTDEC != 0 {
			f.regs[1][regEPKTCNT&addrMask]--
			*p &^= econ2PKTDEC
		}
		if v&econ2PWRSV != 0 {
			f.regs[0][regESTAT] &^= estatCLKRDY
		} else {
			f.regs[0][regESTAT] |= estatCLKRDY
		}
	case bank == 2 && a == regMICMD&addrMask:
		if v&micmdMIIRD != 0 {
			f.set16(2, regMIRD, f.phy[f.regs[2][regMIREGADR&addrMask]])
		}
	case bank == 2 && a == regMIWR&addrMask+1:
		f.phy[f.regs[2][regMIREGADR&addrMask]] = f.get16(2, regMIWR)
	case bank == 3 && a == regEBSTCON&addrMask:
		if v&ebstconBIST != 0 {
			f.bist(v)
			*p &^= ebstconBIST
		}
	}
}

func (f *fakeChip) softReset() {
	f.resets++
	f.regs = [4][0x20]byte{}
	if !f.noClock {
		f.regs[0][regESTAT] = estatCLKRDY
	}
	f.regs[3][regEREVID&addrMask] = f.rev
	f.rxWrite = rxStart
}

func (f *fakeChip) transmit() {
	f.attempts++
	if f.hangTx {
		return
	}
	st, nd := f.get16(0, regETXST), f.get16(0, regETXND)
	var tsv [tsvLen]byte
	if f.lateCollisions > 0 {
		f.lateCollisions--
		tsv[3] = tsvLateCollision
		f.regs[0][regEIR] |= eirTXERIF
	} else {
		f.sent = append(f.sent, append([]byte(nil), f.mem[st+1:nd+1]...))
		f.regs[0][regEIR] |= eirTXIF
	}
	copy(f.mem[nd+1:], tsv[:])
	f.regs[0][regECON1] &^= econ1TXRTS
}

func (f *fakeChip) bist(mode byte) {
	if mode&bistAddressFill != 0 {
		for i := range f.mem {
			f.mem[i] = byte(i)
		}
	} else {
		seed := f.regs[3][regEBSTSD&addrMask]
		for i := range f.mem {
			seed = seed*37 + 11
			f.mem[i] = seed
		}
	}
	sum := eth.Checksum(f.mem[:], eth.PseudoNone)
	if f.badBIST {
		sum++
	}
	f.set16(3, regEBSTCS, sum)
}

// inject places frame in the receive ring as the controller would, followed
// by a zeroed frame check sequence.
func (f *fakeChip) inject(frame []byte, ok bool) {
	start, stop := f.get16(0, regERXST), f.get16(0, regERXND)
	advance := func(p uint16, n int) uint16 {
		for ; n > 0; n-- {
			if p == stop {
				p = start
			} else {
				p++
			}
		}
		return p
	}
	put := func(p uint16, data []byte) uint16 {
		for _, b := range data {
			f.mem[p] = b
			p = advance(p, 1)
		}
		return p
	}
	count := len(frame) + 4
	next := advance(f.rxWrite, rsvLen+count)
	if next&1 != 0 {
		next = advance(next, 1)
	}
	var rsv [rsvLen]byte
	binary.LittleEndian.PutUint16(rsv[0:], next)
	binary.LittleEndian.PutUint16(rsv[2:], uint16(count))
	if ok {
		binary.LittleEndian.PutUint16(rsv[4:], rsvRxOK)
	}
	p := put(f.rxWrite, rsv[:])
	p = put(p, frame)
	put(p, make([]byte, 4))
	f.rxWrite = next
	f.regs[1][regEPKTCNT&addrMask]++
}
