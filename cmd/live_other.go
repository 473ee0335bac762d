//go:build !linux

package cmd

import (
	"context"
	"errors"

	"golang.org/x/net/bpf"
)

func openLive(context.Context, string, []bpf.Instruction) (liveCapture, error) {
	return nil, errors.New("live capture is only supported on linux")
}
