package enc28j60

// Register addresses encode the bank in bits 5-6 and set bit 7 for MAC and
// MII registers, which shift out a dummy byte before their value on reads.
const (
	addrMask  = 0x1f
	bankMask  = 0x60
	spiDummy  = 0x80
	firstComm = 0x1b // Registers at and above this address are mapped in every bank.
)

// Registers common to all banks.
const (
	regEIE   = 0x1b
	regEIR   = 0x1c
	regESTAT = 0x1d
	regECON2 = 0x1e
	regECON1 = 0x1f
)

// Bank 0. 16 bit registers are addressed by their low byte.
const (
	regERDPT   = 0x00
	regEWRPT   = 0x02
	regETXST   = 0x04
	regETXND   = 0x06
	regERXST   = 0x08
	regERXND   = 0x0a
	regERXRDPT = 0x0c
	regERXWRPT = 0x0e
	regEDMAST  = 0x10
	regEDMAND  = 0x12
	regEDMACS  = 0x16
)

// Bank 1.
const (
	regEPMM0   = 0x28
	regEPMCS   = 0x30
	regERXFCON = 0x38
	regEPKTCNT = 0x39
)

// Bank 2.
const (
	regMACON1   = 0xc0
	regMACON3   = 0xc2
	regMABBIPG  = 0xc4
	regMAIPG    = 0xc6
	regMAMXFL   = 0xca
	regMICMD    = 0xd2
	regMIREGADR = 0xd4
	regMIWR     = 0xd6
	regMIRD     = 0xd8
)

// Bank 3.
const (
	regMAADR1  = 0xe0
	regMAADR0  = 0xe1
	regMAADR3  = 0xe2
	regMAADR2  = 0xe3
	regMAADR5  = 0xe4
	regMAADR4  = 0xe5
	regEBSTSD  = 0x66
	regEBSTCON = 0x67
	regEBSTCS  = 0x68
	regMISTAT  = 0xea
	regEREVID  = 0x72
)

// PHY registers, accessed through the MII.
const (
	phyPHCON2  = 0x10
	phyPHSTAT2 = 0x11
	phyPHLCON  = 0x14

	phcon2HDLDIS   = 0x0100
	phstat2LSTAT   = 0x0400
	phlconLEDSetup = 0x0476 // LEDA link, LEDB activity, stretched pulses.
)

// Register bits.
const (
	erxfconUCEN  = 0x80
	erxfconCRCEN = 0x20
	erxfconPMEN  = 0x10
	erxfconMCEN  = 0x02
	erxfconBCEN  = 0x01

	erxfconDefault = erxfconUCEN | erxfconCRCEN | erxfconPMEN | erxfconBCEN

	eieINTIE = 0x80
	eiePKTIE = 0x40

	eirTXIF   = 0x08
	eirTXERIF = 0x02

	estatRXBUSY = 0x04
	estatCLKRDY = 0x01

	econ2PKTDEC = 0x40
	econ2PWRSV  = 0x20
	econ2VRPS   = 0x08

	econ1TXRST  = 0x80
	econ1DMAST  = 0x20
	econ1CSUMEN = 0x10
	econ1TXRTS  = 0x08
	econ1RXEN   = 0x04
	econ1BSEL   = 0x03

	macon1MARXEN = 0x01

	macon3PADCFG0 = 0x20
	macon3TXCRCEN = 0x10
	macon3FRMLNEN = 0x02

	micmdMIIRD  = 0x01
	mistatBUSY  = 0x01
	ebstconPSEL = 0x10
	ebstconTME  = 0x02
	ebstconBIST = 0x01

	bistRandomFill  = 0x00
	bistAddressFill = 0x04
	// bistAddressSum is the checksum an address fill of the whole memory yields.
	bistAddressSum = 0xf807
)

// SPI instruction opcodes.
const (
	opReadCtrl  = 0x00
	opReadBuf   = 0x3a
	opWriteCtrl = 0x40
	opWriteBuf  = 0x7a
	opBitSet    = 0x80
	opBitClear  = 0xa0
	opSoftReset = 0xff
)

// Buffer memory layout.
const (
	rxStart = 0x0000
	rxStop  = 0x0bff
	txStart = 0x0c00
	txStop  = 0x11ff
	memEnd  = 0x1fff

	// tsvLen is the size of the transmit status vector written after a frame.
	tsvLen = 7
	// tsvLateCollision is the late collision bit in byte 3 of the status vector.
	tsvLateCollision = 1 << 5
	// rsvLen is the size of the receive header preceding each received frame.
	rsvLen = 6
	// rsvRxOK is the received ok bit in the receive status word.
	rsvRxOK = 0x80
)
