package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/spf13/cobra"

	"github.com/soypat/ethercard/enc28j60"
)

var bus busDecoder

var (
	spiCS, spiCLK, spiSDO, spiSDI string
	spiOutput                     string
)

var spiCmd = &cobra.Command{
	Use:   "spi",
	Short: "Decode a Saleae capture of the ENC28J60 SPI bus",
	Long: `spi reads the binary digital channel exports of a Saleae logic analyzer
capture of the ENC28J60 SPI bus and prints one line per instruction with
its opcode, register name and data. Repeated identical instructions are
merged into one line with a repeat count.`,
	Args: cobra.NoArgs,
	RunE: runSPI,
}

func init() {
	f := spiCmd.Flags()
	f.StringVar(&spiCS, "f-cs", "digital_0.bin", "input filename: SPI CS channel")
	f.StringVar(&spiCLK, "f-clk", "digital_1.bin", "input filename: SPI SCK channel")
	f.StringVar(&spiSDO, "f-sdo", "digital_2.bin", "input filename: SPI SDO (host to controller) channel")
	f.StringVar(&spiSDI, "f-sdi", "digital_3.bin", "input filename: SPI SDI (controller to host) channel")
	f.StringVarP(&spiOutput, "out", "o", "", "output filename (default stdout)")
	f.BoolVar(&bus.OmitBuffer, "omit-buffer", false, "omit buffer memory data of RBM and WBM instructions")
	f.BoolVar(&bus.OmitReads, "omit-read", false, "omit control register reads")
	f.BoolVar(&bus.NoMerge, "no-merge", false, "print repeated instructions on separate lines")
}

func runSPI(cmd *cobra.Command, args []string) error {
	txs, err := readSPIFiles(spiCLK, spiCS, spiSDO, spiSDI)
	if err != nil {
		return err
	}
	logger.Debug("decoded spi capture", "transactions", len(txs))
	var w io.Writer = cmd.OutOrStdout()
	if spiOutput != "" {
		fp, err := os.Create(spiOutput)
		if err != nil {
			return err
		}
		defer fp.Close()
		w = fp
	}
	return bus.write(w, bus.process(txs))
}

// spiTx is the data exchanged during one chip select.
type spiTx struct {
	sdo, sdi []byte
	start    float64
}

func readSPIFiles(fclk, fcs, fsdo, fsdi string) ([]spiTx, error) {
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	cs, err := opendigital(fcs)
	if err != nil {
		return nil, err
	}
	sdo, err := opendigital(fsdo)
	if err != nil {
		return nil, err
	}
	sdi, err := opendigital(fsdi)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	raw, _ := spi.Scan(clk, cs, sdo, sdi)
	txs := make([]spiTx, len(raw))
	for i := range raw {
		txs[i] = spiTx{sdo: raw[i].SDO, sdi: raw[i].SDI, start: raw[i].StartTime()}
	}
	return txs, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

// busDecoder turns SPI transactions into ENC28J60 instructions, tracking the
// selected register bank across them.
type busDecoder struct {
	OmitBuffer bool
	OmitReads  bool
	NoMerge    bool
}

type busInstruction struct {
	Num   int
	Start float64
	Bank  uint8
	Ins   enc28j60.Instruction
	Err   error
}

func (bi *busInstruction) String() string {
	if bi.Err != nil {
		return fmt.Sprintf("cmd×%2d t=%.6f %v", bi.Num, bi.Start, bi.Err)
	}
	reg := bi.Ins.Register(bi.Bank)
	if reg == "" {
		return fmt.Sprintf("cmd×%2d t=%.6f %s data=%#x", bi.Num, bi.Start, bi.Ins.Op, bi.Ins.Data)
	}
	return fmt.Sprintf("cmd×%2d t=%.6f %s %-8s data=%#x", bi.Num, bi.Start, bi.Ins.Op, reg, bi.Ins.Data)
}

func (bd *busDecoder) process(txs []spiTx) (out []busInstruction) {
	var bank uint8
	for _, tx := range txs {
		ins, err := enc28j60.DecodeInstruction(tx.sdo, tx.sdi, bank)
		cur := busInstruction{Num: 1, Start: tx.start, Bank: bank, Ins: ins, Err: err}
		if err == nil {
			bank = ins.NextBank(bank)
		}
		if bd.OmitReads && ins.Op == enc28j60.OpReadControl {
			continue
		}
		if bd.OmitBuffer && (ins.Op == enc28j60.OpReadBuffer || ins.Op == enc28j60.OpWriteBuffer) {
			cur.Ins.Data = nil
		}
		if n := len(out); !bd.NoMerge && n > 0 && sameInstruction(&out[n-1], &cur) {
			out[n-1].Num++
			continue
		}
		out = append(out, cur)
	}
	return out
}

func sameInstruction(a, b *busInstruction) bool {
	return a.Err == nil && b.Err == nil && a.Bank == b.Bank && a.Ins.Op == b.Ins.Op &&
		a.Ins.Addr == b.Ins.Addr && bytes.Equal(a.Ins.Data, b.Ins.Data)
}

func (bd *busDecoder) write(w io.Writer, ins []busInstruction) error {
	for i := range ins {
		if _, err := fmt.Fprintln(w, ins[i].String()); err != nil {
			return err
		}
	}
	return nil
}
