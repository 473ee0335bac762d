package cmd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
	"golang.org/x/net/bpf"

	"firestige.xyz/tunsidecar/internal/classifier"
	"firestige.xyz/tunsidecar/internal/config"
	"firestige.xyz/tunsidecar/internal/controlplane"
	"firestige.xyz/tunsidecar/internal/diag"
	"firestige.xyz/tunsidecar/internal/store"
)

var (
	replayFlags        configFlags
	replayFile         string
	replayLive         string
	replaySentinelOnly bool
	replayTunIndex     uint32
	replayMark         uint32
	replayVerbose      bool
)

// liveCapture is a capture on a running interface.
type liveCapture interface {
	gopacket.PacketDataSource
	io.Closer
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Classify captured packets without touching the kernel classifier",
	Long: `Run every Ethernet frame of a pcap or pcapng file, or of a live capture on
an interface, through the classifier with the tables start would write, and
print how many packets would be passed and redirected. A live capture runs
until interrupted.

Examples:
  tun-sidecar replay -r egress.pcap -i eth0 -t tun0
  tun-sidecar replay -r egress.pcapng -c config.yml --mark 0xff -v
  tun-sidecar replay --live eth0 -t tun0 --sentinel-only -v`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := replayFlags.load(cmd)
		if err != nil {
			return err
		}

		var src gopacket.PacketDataSource
		if replayLive != "" {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			var filter []bpf.Instruction
			if replaySentinelOnly {
				filter = sentinelFilter(cfg.Redirect.Sentinel)
			}
			live, err := openLive(ctx, replayLive, filter)
			if err != nil {
				return err
			}
			defer live.Close()
			src = live
		} else {
			f, err := os.Open(replayFile)
			if err != nil {
				return err
			}
			defer f.Close()
			if src, err = openCapture(f, replayFile); err != nil {
				return err
			}
		}

		var verbose io.Writer
		if replayVerbose {
			verbose = cmd.OutOrStdout()
		}
		sum, err := runReplay(cfg, src, replayTunIndex, classifier.Metadata{Mark: replayMark}, verbose)
		if err != nil {
			return err
		}
		sum.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	replayFlags.register(replayCmd.Flags())
	replayCmd.Flags().StringVarP(&replayFile, "read", "r", "", "capture file to replay")
	replayCmd.Flags().StringVar(&replayLive, "live", "", "capture live on this interface instead of reading a file")
	replayCmd.Flags().BoolVar(&replaySentinelOnly, "sentinel-only", false, "with --live, only capture packets sent to the sentinel")
	replayCmd.Flags().Uint32Var(&replayTunIndex, "tun-index", 1, "ifindex the tunnel resolves to")
	replayCmd.Flags().Uint32Var(&replayMark, "mark", 0, "packet mark applied to every frame")
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false, "print every matched packet")
	replayCmd.MarkFlagsOneRequired("read", "live")
	replayCmd.MarkFlagsMutuallyExclusive("read", "live")
}

// sentinelFilter returns a socket filter accepting IPv4 frames addressed to
// sentinel and dropping everything else.
func sentinelFilter(sentinel netip.Addr) []bpf.Instruction {
	dst := sentinel.As4()
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(layers.EthernetTypeIPv4), SkipTrue: 3},
		bpf.LoadAbsolute{Off: 14 + 16, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: binary.BigEndian.Uint32(dst[:]), SkipTrue: 1},
		bpf.RetConstant{Val: 0x40000},
		bpf.RetConstant{Val: 0},
	}
}

// openCapture picks the pcap or pcapng reader. Only Ethernet captures are
// accepted since the classifier expects an Ethernet header.
func openCapture(r io.Reader, name string) (gopacket.PacketDataSource, error) {
	if strings.HasSuffix(name, ".pcapng") {
		ng, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if ng.LinkType() != layers.LinkTypeEthernet {
			return nil, fmt.Errorf("%s: unsupported link type %s", name, ng.LinkType())
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if pr.LinkType() != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("%s: unsupported link type %s", name, pr.LinkType())
	}
	return pr, nil
}

type replaySummary struct {
	sentinel   netip.Addr
	packets    int
	passed     int
	redirected map[uint32]int
	records    map[diag.Kind]int
}

func (s replaySummary) print(w io.Writer) {
	fmt.Fprintf(w, "sentinel:   %s\n", s.sentinel)
	fmt.Fprintf(w, "packets:    %d\n", s.packets)
	fmt.Fprintf(w, "passed:     %d\n", s.passed)
	targets := make([]uint32, 0, len(s.redirected))
	for t := range s.redirected {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, t := range targets {
		fmt.Fprintf(w, "redirected: %d (ifindex %d)\n", s.redirected[t], t)
	}
	if n := s.records[diag.KindMissingTarget]; n > 0 {
		fmt.Fprintf(w, "matched without tunnel target: %d\n", n)
	}
}

// runReplay classifies every packet of src against tables populated from
// cfg, with the tunnel resolving to tunIndex.
func runReplay(cfg *config.Config, src gopacket.PacketDataSource, tunIndex uint32, md classifier.Metadata, verbose io.Writer) (replaySummary, error) {
	tables := store.NewMemorySet(cfg.Bypass.Capacity)
	loader := controlplane.New(controlplane.Params{
		TunnelName:  cfg.Tunnel.Name,
		BypassMarks: cfg.Bypass.Marks,
		BypassPids:  cfg.Bypass.Pids,
	}, tables, controlplane.StaticResolver{cfg.Tunnel.Name: tunIndex}, nil, nil)
	if err := loader.Populate(); err != nil {
		return replaySummary{}, err
	}

	ring := diag.NewRing(1)
	c := classifier.New(tables,
		classifier.WithSentinel(cfg.Redirect.Sentinel),
		classifier.WithSink(ring),
	)

	sum := replaySummary{
		sentinel:   c.Sentinel(),
		redirected: make(map[uint32]int),
		records:    make(map[diag.Kind]int),
	}
	for {
		data, _, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return sum, fmt.Errorf("packet %d: %w", sum.packets+1, err)
		}
		sum.packets++

		action := c.Classify(data, md)
		switch action.Verdict {
		case classifier.Redirect:
			sum.redirected[action.Ifindex]++
		default:
			sum.passed++
		}

		// At most one record per packet, so the ring never overflows.
		select {
		case rec := <-ring.Records():
			sum.records[rec.Kind]++
			if verbose != nil {
				fmt.Fprintf(verbose, "#%d %s\n", sum.packets, rec)
			}
		default:
		}
	}
}
