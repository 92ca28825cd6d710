package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/rtdenoise"
	"github.com/gogpu/rtdenoise/cadence"
	"github.com/gogpu/rtdenoise/denoiser"
	"github.com/gogpu/rtdenoise/gbuffer"
	"github.com/gogpu/rtdenoise/internal/gpu"
	"github.com/gogpu/rtdenoise/internal/procedural"
)

// openDevice is replaced in tests.
var openDevice = func(backend string) (*gpu.Device, error) {
	b, err := gpu.ParseBackend(backend)
	if err != nil {
		return nil, err
	}
	return gpu.Open(b)
}

// RenderOptions holds flags for the render command.
type RenderOptions struct {
	*RootOptions

	Frames      int
	Width       uint32
	Height      uint32
	Every       int
	First       bool
	Blend       float32
	Denoiser    string
	Backend     string
	Samples     int
	Out         string
	Thumbnail   int
	MetricsAddr string
}

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RenderOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the procedural scene until it converges",
		Long: `Render the built-in procedural scene progressively for --frames frames,
denoising every --every frames and always the last one. The display image
and every guide buffer are written as PNG files into --out.

Example:
  rtdenoise render --frames 256 --every 32 --out ./frames
  rtdenoise render --config rtdenoise.yaml --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.apply(cmd)
			return runRender(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Frames, "frames", 0, "frames to accumulate (default from config)")
	f.Uint32Var(&opts.Width, "width", 0, "image width")
	f.Uint32Var(&opts.Height, "height", 0, "image height")
	f.IntVar(&opts.Every, "every", 0, "denoise every N frames [1,500]")
	f.BoolVar(&opts.First, "first", false, "denoise the first frame")
	f.Float32Var(&opts.Blend, "blend", 0, "mix of the raw image into the denoised one [0,1]")
	f.StringVar(&opts.Denoiser, "denoiser", "", `denoiser backend ("auto", "none", or a name)`)
	f.StringVar(&opts.Backend, "backend", "", "HAL backend")
	f.IntVar(&opts.Samples, "spp", 0, "samples per pixel per frame")
	f.StringVarP(&opts.Out, "out", "o", ".", "output directory for PNG files")
	f.IntVar(&opts.Thumbnail, "thumb", 0, "also write thumbnails no larger than this many pixels")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while rendering")

	return cmd
}

// apply overrides the configuration with the flags set on the command line.
func (o *RenderOptions) apply(cmd *cobra.Command) {
	f := cmd.Flags()
	r, c := &o.File.Render, &o.File.Cadence
	if f.Changed("frames") {
		r.MaxFrames = o.Frames
	}
	if f.Changed("width") {
		r.Width = o.Width
	}
	if f.Changed("height") {
		r.Height = o.Height
	}
	if f.Changed("backend") {
		r.Backend = o.Backend
	}
	if f.Changed("spp") {
		r.SamplesPerFrame = o.Samples
	}
	if f.Changed("every") {
		c.EveryNFrames = o.Every
	}
	if f.Changed("first") {
		c.DenoiseFirstFrame = o.First
	}
	if f.Changed("blend") {
		c.BlendFactor = o.Blend
	}
	if f.Changed("denoiser") {
		o.File.Denoiser.Backend = o.Denoiser
	}
	if f.Changed("metrics-addr") {
		o.File.Metrics.Addr = o.MetricsAddr
	}
}

func runRender(ctx context.Context, opts *RenderOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	file := opts.File
	if err := file.Validate(); err != nil {
		return err
	}
	params, err := file.TonemapParams()
	if err != nil {
		return err
	}

	dev, err := openDevice(file.Render.Backend)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			rtdenoise.Logger().Warn("rtdenoise: device close", "err", err)
		}
	}()

	tracer, err := procedural.New(dev.Device, file.Render.FramesInFlight,
		procedural.WithSamplesPerFrame(file.Render.SamplesPerFrame),
		procedural.WithSeed(file.Render.Seed))
	if err != nil {
		return err
	}
	defer tracer.Destroy()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	eng, err := rtdenoise.New(dev.Device, dev.Queue,
		rtdenoise.WithSize(file.Render.Width, file.Render.Height),
		rtdenoise.WithMaxFrames(file.Render.MaxFrames),
		rtdenoise.WithFramesInFlight(file.Render.FramesInFlight),
		rtdenoise.WithCadence(file.CadenceConfig()),
		rtdenoise.WithDenoiser(file.Denoiser.Backend, denoiser.GuideChannels{
			Albedo: file.Denoiser.Albedo,
			Normal: file.Denoiser.Normal,
		}),
		rtdenoise.WithTracer(tracer),
		rtdenoise.WithTonemapParams(params),
		rtdenoise.WithMetrics(reg),
	)
	if err != nil {
		return err
	}
	// The tracer's staging memory is in use until the engine has drained.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			rtdenoise.Logger().Warn("rtdenoise: engine close", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	renderCtx, stop := context.WithCancel(gctx)
	defer stop()

	if addr := file.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-renderCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		if err := renderLoop(renderCtx, eng); err != nil {
			return err
		}
		// Snapshots complete after every frame, so the status is final.
		if err := writeImages(renderCtx, eng, opts.Out, opts.Thumbnail, out); err != nil {
			return err
		}
		fmt.Fprintln(out, eng.Status())
		return nil
	})
	return g.Wait()
}

func renderLoop(ctx context.Context, eng *rtdenoise.Engine) error {
	var cam cadence.Camera
	for {
		plan, err := eng.RenderFrame(ctx, cam)
		if errors.Is(err, rtdenoise.ErrConverged) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", eng.Frame(), err)
		}
		if f := eng.Frame(); f%100 == 0 {
			rtdenoise.Logger().Info("rtdenoise: progress", "frame", f, "plan", plan.Kind, "status", eng.Status().String())
		}
	}
}

func writeImages(ctx context.Context, eng *rtdenoise.Engine, dir string, thumb int, out io.Writer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range gbuffer.Names {
		img, err := eng.Snapshot(ctx, name)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", name, err)
		}
		path := filepath.Join(dir, name.String()+".png")
		if err := writePNG(path, img); err != nil {
			return err
		}
		fmt.Fprintln(out, "wrote", path)
		if thumb > 0 {
			path := filepath.Join(dir, name.String()+"_thumb.png")
			if err := writePNG(path, gbuffer.Thumbnail(img, thumb)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}
