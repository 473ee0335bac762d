//go:build linux

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"
)

type liveSource struct {
	ctx context.Context
	tp  *afpacket.TPacket
}

// openLive captures on iface until ctx is done, at which point reads
// return io.EOF.
func openLive(ctx context.Context, iface string, filter []bpf.Instruction) (liveCapture, error) {
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptPollTimeout(200*time.Millisecond),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture on %s: %w", iface, err)
	}

	if len(filter) > 0 {
		raw, err := bpf.Assemble(filter)
		if err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to assemble capture filter: %w", err)
		}
		if err := tp.SetBPF(raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to set capture filter on %s: %w", iface, err)
		}
	}
	return &liveSource{ctx: ctx, tp: tp}, nil
}

func (s *liveSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	for {
		if s.ctx.Err() != nil {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}
		data, ci, err := s.tp.ReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			continue
		}
		return data, ci, err
	}
}

func (s *liveSource) Close() error {
	s.tp.Close()
	return nil
}
