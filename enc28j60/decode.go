package enc28j60

import (
	"errors"
	"fmt"
)

// Opcode is the SPI instruction held in the three high bits of the first
// byte of a transaction.
type Opcode uint8

const (
	OpReadControl  Opcode = opReadCtrl >> 5
	OpReadBuffer   Opcode = opReadBuf >> 5
	OpWriteControl Opcode = opWriteCtrl >> 5
	OpWriteBuffer  Opcode = opWriteBuf >> 5
	OpBitSet       Opcode = opBitSet >> 5
	OpBitClear     Opcode = opBitClear >> 5
	OpSoftReset    Opcode = opSoftReset >> 5
)

func (op Opcode) String() string {
	switch op {
	case OpReadControl:
		return "RCR"
	case OpReadBuffer:
		return "RBM"
	case OpWriteControl:
		return "WCR"
	case OpWriteBuffer:
		return "WBM"
	case OpBitSet:
		return "BFS"
	case OpBitClear:
		return "BFC"
	case OpSoftReset:
		return "SRC"
	}
	return "invalid"
}

// Instruction is one decoded SPI transaction.
type Instruction struct {
	Op Opcode
	// Addr is the 5 bit register argument.
	Addr uint8
	// Data is what was read or written after the opcode byte. The dummy byte
	// of MAC and MII register reads is not included.
	Data []byte
}

var errEmptyTx = errors.New("enc28j60: empty transaction")

// DecodeInstruction decodes the bytes shifted out (sdo) and in (sdi) during
// one chip select. bank is the register bank selected at the time, needed to
// recognize MAC and MII register reads.
func DecodeInstruction(sdo, sdi []byte, bank uint8) (Instruction, error) {
	if len(sdo) == 0 {
		return Instruction{}, errEmptyTx
	}
	ins := Instruction{Op: Opcode(sdo[0] >> 5), Addr: sdo[0] & addrMask}
	switch ins.Op {
	case OpReadControl:
		data := sdi[min(1, len(sdi)):]
		if isMACMII(bank, ins.Addr) && len(data) > 0 {
			data = data[1:]
		}
		ins.Data = data
	case OpReadBuffer:
		ins.Data = sdi[min(1, len(sdi)):]
	case OpSoftReset:
		if ins.Addr != addrMask {
			return ins, fmt.Errorf("enc28j60: invalid opcode %#x", sdo[0])
		}
	default:
		if ins.Op == 6 {
			return ins, fmt.Errorf("enc28j60: invalid opcode %#x", sdo[0])
		}
		ins.Data = sdo[1:]
	}
	return ins, nil
}

// NextBank returns the register bank selected after ins executes with bank
// selected.
func (ins Instruction) NextBank(bank uint8) uint8 {
	if ins.Op == OpSoftReset {
		return 0
	}
	if ins.Addr != regECON1 || len(ins.Data) == 0 {
		return bank
	}
	bsel := ins.Data[0] & econ1BSEL
	switch ins.Op {
	case OpWriteControl:
		return bsel
	case OpBitSet:
		return bank | bsel
	case OpBitClear:
		return bank &^ bsel
	}
	return bank
}

// Register returns the name of the control register ins addresses, or an
// empty string for buffer and reset instructions.
func (ins Instruction) Register(bank uint8) string {
	switch ins.Op {
	case OpReadBuffer, OpWriteBuffer, OpSoftReset:
		return ""
	}
	return RegisterName(bank, ins.Addr)
}

func (ins Instruction) String() string {
	return fmt.Sprintf("%s %#02x data=%#x", ins.Op, ins.Addr, ins.Data)
}

// isMACMII reports whether reads of addr in bank shift out a dummy byte first.
func isMACMII(bank, addr uint8) bool {
	switch {
	case addr >= firstComm:
		return false
	case bank&3 == 2:
		return true
	case bank&3 == 3:
		return addr <= 0x05 || addr == regMISTAT&addrMask
	}
	return false
}

// RegisterName returns the name of the control register at the 5 bit
// address addr in bank. Unimplemented addresses are returned in hex.
func RegisterName(bank, addr uint8) string {
	addr &= addrMask
	if name := registerNames[bank&3][addr]; name != "" {
		return name
	}
	return fmt.Sprintf("%d:%#02x", bank&3, addr)
}

var registerNames = func() (t [4][32]string) {
	banks := [4]map[uint8]string{
		{
			0x00: "ERDPTL", 0x01: "ERDPTH", 0x02: "EWRPTL", 0x03: "EWRPTH",
			0x04: "ETXSTL", 0x05: "ETXSTH", 0x06: "ETXNDL", 0x07: "ETXNDH",
			0x08: "ERXSTL", 0x09: "ERXSTH", 0x0a: "ERXNDL", 0x0b: "ERXNDH",
			0x0c: "ERXRDPTL", 0x0d: "ERXRDPTH", 0x0e: "ERXWRPTL", 0x0f: "ERXWRPTH",
			0x10: "EDMASTL", 0x11: "EDMASTH", 0x12: "EDMANDL", 0x13: "EDMANDH",
			0x14: "EDMADSTL", 0x15: "EDMADSTH", 0x16: "EDMACSL", 0x17: "EDMACSH",
		},
		{
			0x00: "EHT0", 0x01: "EHT1", 0x02: "EHT2", 0x03: "EHT3",
			0x04: "EHT4", 0x05: "EHT5", 0x06: "EHT6", 0x07: "EHT7",
			0x08: "EPMM0", 0x09: "EPMM1", 0x0a: "EPMM2", 0x0b: "EPMM3",
			0x0c: "EPMM4", 0x0d: "EPMM5", 0x0e: "EPMM6", 0x0f: "EPMM7",
			0x10: "EPMCSL", 0x11: "EPMCSH", 0x14: "EPMOL", 0x15: "EPMOH",
			0x18: "ERXFCON", 0x19: "EPKTCNT",
		},
		{
			0x00: "MACON1", 0x02: "MACON3", 0x03: "MACON4", 0x04: "MABBIPG",
			0x06: "MAIPGL", 0x07: "MAIPGH", 0x08: "MACLCON1", 0x09: "MACLCON2",
			0x0a: "MAMXFLL", 0x0b: "MAMXFLH", 0x12: "MICMD", 0x14: "MIREGADR",
			0x16: "MIWRL", 0x17: "MIWRH", 0x18: "MIRDL", 0x19: "MIRDH",
		},
		{
			// Byte order of the station address follows the MAADR constants.
			0x00: "MAADR1", 0x01: "MAADR0", 0x02: "MAADR3", 0x03: "MAADR2",
			0x04: "MAADR5", 0x05: "MAADR4", 0x06: "EBSTSD", 0x07: "EBSTCON",
			0x08: "EBSTCSL", 0x09: "EBSTCSH", 0x0a: "MISTAT", 0x12: "EREVID",
			0x15: "ECOCON", 0x17: "EFLOCON", 0x18: "EPAUSL", 0x19: "EPAUSH",
		},
	}
	common := [...]string{"EIE", "EIR", "ESTAT", "ECON2", "ECON1"}
	for b, m := range banks {
		for a, name := range m {
			t[b][a] = name
		}
		copy(t[b][firstComm:], common[:])
	}
	return t
}()
