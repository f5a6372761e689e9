package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/net/bpf"

	"github.com/soypat/ethercard"
)

const replaySnaplen = 65536

var (
	replayOut       string
	replayEtherType string
	replayQuiet     bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture.pcap>",
	Short: "Feed the frames of a pcap capture through the stack",
	Long: `replay reads an Ethernet pcap capture and dispatches every frame through
the stack with its static configuration, using capture timestamps as the
stack clock. Frames the stack transmits in response can be written to an
output capture.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.StringVarP(&replayOut, "out", "o", "", "write transmitted frames to this pcap file")
	f.StringVar(&replayEtherType, "ethertype", "", "only replay frames of this EtherType: ipv4, arp, ipv6, vlan or a number")
	f.BoolVarP(&replayQuiet, "quiet", "q", false, "do not show a progress bar")
}

func runReplay(cmd *cobra.Command, args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()
	var r io.Reader = in
	if !replayQuiet {
		st, err := in.Stat()
		if err != nil {
			return err
		}
		bar := progressbar.NewOptions64(st.Size(),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("replay"),
			progressbar.OptionShowBytes(true),
		)
		defer bar.Finish()
		r = io.TeeReader(in, bar)
	}
	var out io.Writer
	if replayOut != "" {
		fp, err := os.Create(replayOut)
		if err != nil {
			return err
		}
		defer fp.Close()
		out = fp
	}
	var filter *bpf.VM
	if replayEtherType != "" {
		filter, err = etherTypeFilter(replayEtherType)
		if err != nil {
			return err
		}
	}
	// Replays are deterministic: no DHCP and no broker lookups.
	cfg.Stack.DHCP = false
	cfg.MQTT.Broker = ""
	res, err := replay(cmd.Context(), r, out, filter)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "frames %d filtered %d transmitted %d dropped %d\n",
		res.frames, res.filtered, res.sent, res.dropped)
	return nil
}

type replayResult struct {
	frames, filtered, sent int
	dropped                uint64
}

// replay runs every frame of the capture in r through a stack configured
// from cfg and writes its transmissions to out when not nil.
func replay(ctx context.Context, r io.Reader, out io.Writer, filter *bpf.VM) (replayResult, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return replayResult{}, fmt.Errorf("reading capture: %w", err)
	}
	if pr.LinkType() != layers.LinkTypeEthernet {
		return replayResult{}, fmt.Errorf("unsupported link type %v", pr.LinkType())
	}
	drv := &pcapDriver{r: pr, filter: filter}
	if out != nil {
		drv.w = pcapgo.NewWriter(out)
		if err := drv.w.WriteFileHeader(replaySnaplen, layers.LinkTypeEthernet); err != nil {
			return replayResult{}, err
		}
	}
	scfg, err := cfg.ethercardConfig(drv, drv.clock)
	if err != nil {
		return replayResult{}, err
	}
	stack, err := ethercard.New(scfg)
	if err != nil {
		return replayResult{}, err
	}
	n := newNode(stack, cfg, logger)
	n.now = func() time.Time { return drv.now }
	if err := n.setup(ctx); err != nil {
		return replayResult{}, err
	}
	for !drv.eof {
		n.poll()
		if drv.err != nil {
			return replayResult{}, drv.err
		}
	}
	logger.Info("replay done", "frames", drv.frames, "filtered", drv.filtered, "sent", drv.sent,
		"duration", drv.now.Sub(drv.start))
	return replayResult{
		frames:   drv.frames,
		filtered: drv.filtered,
		sent:     drv.sent,
		dropped:  stack.Stats().Dropped.Load(),
	}, nil
}

// pcapDriver is an ethercard.Driver that receives the frames of a capture
// and records transmitted frames to another.
type pcapDriver struct {
	r      *pcapgo.Reader
	w      *pcapgo.Writer
	filter *bpf.VM

	start, now time.Time
	eof        bool
	err        error

	frames, filtered, sent int
}

func (d *pcapDriver) Receive(dst []byte) (int, error) {
	for !d.eof {
		data, ci, err := d.r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			d.eof = true
			break
		} else if err != nil {
			d.err = err
			return 0, err
		}
		if d.start.IsZero() {
			d.start = ci.Timestamp
		}
		d.now = ci.Timestamp
		if d.filter != nil {
			if keep, err := d.filter.Run(data); err != nil || keep == 0 {
				d.filtered++
				continue
			}
		}
		d.frames++
		return copy(dst, data), nil
	}
	return 0, nil
}

func (d *pcapDriver) Transmit(frame []byte) error {
	d.sent++
	if d.w == nil {
		return nil
	}
	return d.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     d.now,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

func (d *pcapDriver) LinkUp() bool                  { return !d.eof }
func (d *pcapDriver) EnableBroadcastReception(bool) {}

// clock returns the milliseconds elapsed in the capture.
func (d *pcapDriver) clock() uint32 {
	if d.start.IsZero() {
		return 0
	}
	return uint32(d.now.Sub(d.start).Milliseconds())
}

// etherTypeFilter compiles a classic BPF program accepting frames of the
// named EtherType.
func etherTypeFilter(name string) (*bpf.VM, error) {
	var et layers.EthernetType
	switch strings.ToLower(name) {
	case "ipv4", "ip":
		et = layers.EthernetTypeIPv4
	case "arp":
		et = layers.EthernetTypeARP
	case "ipv6":
		et = layers.EthernetTypeIPv6
	case "vlan", "dot1q":
		et = layers.EthernetTypeDot1Q
	default:
		v, err := strconv.ParseUint(name, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid ethertype %q", name)
		}
		et = layers.EthernetType(v)
	}
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(et), SkipFalse: 1},
		bpf.RetConstant{Val: replaySnaplen},
		bpf.RetConstant{Val: 0},
	}
	if _, err := bpf.Assemble(prog); err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter: %w", err)
	}
	return bpf.NewVM(prog)
}
