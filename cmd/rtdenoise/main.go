// Command rtdenoise renders a procedural scene progressively and denoises
// it every N frames.
//
// Usage:
//
//	rtdenoise render --frames 256 --every 32 --out ./frames
//	rtdenoise devices
//	rtdenoise config > rtdenoise.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/gogpu/wgpu/hal/allbackends"

	_ "github.com/gogpu/rtdenoise/denoiser/cpu"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rtdenoise:", err)
		os.Exit(1)
	}
}
