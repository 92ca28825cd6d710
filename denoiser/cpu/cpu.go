// Package cpu is a denoiser backend that runs on the host.
//
// The session behaves like an external compute device with its own in-order
// command stream: a goroutine takes invocations in order, waits for the
// shared timeline to reach each wait value, filters the staged buffers and
// signals the completion value. The filter is an edge-aware joint bilateral
// filter guided by albedo and normal.
//
// Importing the package registers the backend under [Name].
package cpu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/rtdenoise/denoiser"
	"github.com/gogpu/rtdenoise/gbuffer"
	"github.com/gogpu/rtdenoise/internal/parallel"
	"github.com/gogpu/rtdenoise/transfer"
)

// Name is the registry name of the backend.
const Name = "cpu"

func init() {
	denoiser.Register(Name, func() denoiser.Backend { return New(DefaultParams()) })
}

// Params tunes the filter.
type Params struct {
	// Radius is the half width of the filter window in pixels.
	Radius int

	SigmaSpatial float32
	SigmaColor   float32
	SigmaAlbedo  float32

	// NormalPower sharpens the normal weight max(0, dot(n0, n1))^NormalPower.
	NormalPower float32

	// Workers is the size of the filter pool. Zero uses GOMAXPROCS.
	Workers int
}

// DefaultParams returns the parameters used by the registered backend.
func DefaultParams() Params {
	return Params{
		Radius:       3,
		SigmaSpatial: 2,
		SigmaColor:   0.6,
		SigmaAlbedo:  0.1,
		NormalPower:  32,
	}
}

// Backend opens host sessions.
type Backend struct {
	params Params
}

// New returns a backend with the given parameters.
func New(p Params) *Backend {
	p.Radius = max(p.Radius, 0)
	return &Backend{params: p}
}

// Name implements denoiser.Backend.
func (b *Backend) Name() string { return Name }

// Open implements denoiser.Backend.
func (b *Backend) Open(ctx context.Context, guides denoiser.GuideChannels, env denoiser.Env) (denoiser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		guides:   guides,
		params:   b.params,
		env:      env,
		transfer: transfer.New(env.Device),
		pool:     parallel.NewWorkerPool(b.params.Workers),
		kernel:   spatialKernel(b.params.Radius, b.params.SigmaSpatial),
		wake:     make(chan struct{}, 1),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type invocation struct {
	wait, signal uint64
	blend        float32
}

// Session is an open host denoiser. It implements denoiser.Session.
type Session struct {
	id     string
	guides denoiser.GuideChannels
	params Params
	env    denoiser.Env
	pool   *parallel.WorkerPool
	kernel []float32

	// bufMu serializes filtering against reallocation of the buffers.
	bufMu    sync.Mutex
	transfer *transfer.Transfer
	planes   planes

	qmu     sync.Mutex
	pending []invocation
	closed  bool
	wake    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// ID implements denoiser.Session.
func (s *Session) ID() string { return s.id }

// Backend implements denoiser.Session.
func (s *Session) Backend() string { return Name }

// Guides implements denoiser.Session.
func (s *Session) Guides() denoiser.GuideChannels { return s.guides }

// Transfer implements denoiser.Session.
func (s *Session) Transfer() *transfer.Transfer { return s.transfer }

// AllocateTransferBuffers implements denoiser.Session.
func (s *Session) AllocateTransferBuffers(width, height uint32) error {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if err := s.transfer.Allocate(width, height); err != nil {
		return fmt.Errorf("cpu denoiser: %w", err)
	}
	denoiser.Logger().Info("denoiser: transfer buffers allocated", "session", s.id, "width", width, "height", height)
	return nil
}

// Invoke implements denoiser.Session. Invocations run in call order.
func (s *Session) Invoke(wait, signal uint64, blend float32) error {
	if signal <= wait {
		return fmt.Errorf("cpu denoiser: signal %d must follow wait %d", signal, wait)
	}
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return denoiser.ErrClosed
	}
	s.pending = append(s.pending, invocation{wait: wait, signal: signal, blend: blend})
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close implements denoiser.Session. Invocations still waiting on the
// timeline are dropped.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.qmu.Lock()
		s.closed = true
		dropped := len(s.pending)
		s.qmu.Unlock()

		s.cancel()
		<-s.done
		s.pool.Close()

		s.bufMu.Lock()
		s.transfer.Free()
		s.bufMu.Unlock()

		if dropped > 0 {
			denoiser.Logger().Warn("denoiser: invocations dropped at close", "session", s.id, "count", dropped)
		}
		denoiser.Logger().Info("denoiser: session closed", "session", s.id)
	})
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	for {
		inv, ok := s.next()
		if !ok {
			return
		}
		s.execute(inv)
	}
}

func (s *Session) next() (invocation, bool) {
	for {
		s.qmu.Lock()
		if len(s.pending) > 0 {
			inv := s.pending[0]
			s.pending = s.pending[1:]
			s.qmu.Unlock()
			return inv, true
		}
		s.qmu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return invocation{}, false
		}
	}
}

func (s *Session) execute(inv invocation) {
	select {
	case <-s.env.Timeline.Reached(inv.wait):
	case <-s.ctx.Done():
		denoiser.Logger().Warn("denoiser: invocation abandoned", "session", s.id, "wait", inv.wait)
		return
	}

	start := time.Now()
	s.bufMu.Lock()
	err := s.denoise(inv.blend)
	s.bufMu.Unlock()
	took := time.Since(start)
	if err != nil {
		denoiser.Logger().Warn("denoiser: invocation failed", "session", s.id, "wait", inv.wait, "err", err)
	}
	if s.env.OnDenoise != nil {
		s.env.OnDenoise(inv.wait, inv.signal, took)
	}

	// The render queue waits on this value whether or not the filter ran.
	if err := s.env.Timeline.Signal(inv.signal); err != nil {
		denoiser.Logger().Error("denoiser: signal failed", "session", s.id, "value", inv.signal, "err", err)
	}
}

// planes holds the decoded RGBA float inputs, reused across invocations.
type planes struct {
	color, albedo, normal []float32
}

func (p *planes) resize(n int) {
	if cap(p.color) < n {
		p.color = make([]float32, n)
		p.albedo = make([]float32, n)
		p.normal = make([]float32, n)
	}
	p.color, p.albedo, p.normal = p.color[:n], p.albedo[:n], p.normal[:n]
}

func (s *Session) denoise(blend float32) error {
	t := s.transfer
	if !t.Allocated() {
		return transfer.ErrNotAllocated
	}
	out := t.Output()
	w, h := int(out.Width), int(out.Height)
	s.planes.resize(w * h * 4)

	var g errgroup.Group
	g.Go(func() error { return decodePlane(t.Input(gbuffer.Result), s.planes.color) })
	if s.guides.Albedo {
		g.Go(func() error { return decodePlane(t.Input(gbuffer.Albedo), s.planes.albedo) })
	}
	if s.guides.Normal {
		g.Go(func() error { return decodePlane(t.Input(gbuffer.Normal), s.planes.normal) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	blend = clamp01(blend)
	f := filter{
		params: s.params,
		kernel: s.kernel,
		width:  w,
		height: h,
		planes: &s.planes,
		guides: s.guides,
	}
	dst := out.Bytes()
	pitch := int(out.RowPitch)
	s.pool.Rows(h, 8, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			row := dst[y*pitch:]
			for x := range w {
				r, gr, b := f.pixel(x, y)
				i := (y*w + x) * 4
				raw := s.planes.color[i : i+4]
				px := row[x*16:]
				putFloat(px[0:], lerp(r, raw[0], blend))
				putFloat(px[4:], lerp(gr, raw[1], blend))
				putFloat(px[8:], lerp(b, raw[2], blend))
				putFloat(px[12:], raw[3])
			}
		}
	})
	return nil
}

func decodePlane(b *transfer.Buffer, dst []float32) error {
	if b == nil {
		return transfer.ErrNotAllocated
	}
	w, h := int(b.Width), int(b.Height)
	src := b.Bytes()
	pitch := int(b.RowPitch)
	if len(dst) < w*h*4 || len(src) < pitch*(h-1)+w*16 {
		return errors.New("cpu denoiser: plane size mismatch")
	}
	for y := range h {
		row := src[y*pitch:]
		for x := range w * 4 {
			dst[y*w*4+x] = math.Float32frombits(binary.LittleEndian.Uint32(row[x*4:]))
		}
	}
	return nil
}

type filter struct {
	params        Params
	kernel        []float32
	width, height int
	planes        *planes
	guides        denoiser.GuideChannels
}

// pixel returns the filtered color at (x, y).
func (f *filter) pixel(x, y int) (r, g, b float32) {
	rad := f.params.Radius
	side := 2*rad + 1
	c := f.planes.color
	p := (y*f.width + x) * 4
	invColor := inv2Sigma2(f.params.SigmaColor)
	invAlbedo := inv2Sigma2(f.params.SigmaAlbedo)

	var sum [3]float32
	var wsum float32
	for dy := -rad; dy <= rad; dy++ {
		qy := y + dy
		if qy < 0 || qy >= f.height {
			continue
		}
		for dx := -rad; dx <= rad; dx++ {
			qx := x + dx
			if qx < 0 || qx >= f.width {
				continue
			}
			q := (qy*f.width + qx) * 4
			wgt := f.kernel[(dy+rad)*side+dx+rad]
			wgt *= expNeg(dist2(c[p:p+3], c[q:q+3]) * invColor)
			if f.guides.Albedo {
				wgt *= expNeg(dist2(f.planes.albedo[p:p+3], f.planes.albedo[q:q+3]) * invAlbedo)
			}
			if f.guides.Normal {
				n0, n1 := f.planes.normal[p:p+3], f.planes.normal[q:q+3]
				d := n0[0]*n1[0] + n0[1]*n1[1] + n0[2]*n1[2]
				if d <= 0 {
					continue
				}
				wgt *= float32(math.Pow(float64(d), float64(f.params.NormalPower)))
			}
			sum[0] += wgt * c[q]
			sum[1] += wgt * c[q+1]
			sum[2] += wgt * c[q+2]
			wsum += wgt
		}
	}
	if wsum <= 0 {
		return c[p], c[p+1], c[p+2]
	}
	return sum[0] / wsum, sum[1] / wsum, sum[2] / wsum
}

func spatialKernel(radius int, sigma float32) []float32 {
	side := 2*radius + 1
	k := make([]float32, side*side)
	inv := inv2Sigma2(sigma)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			k[(dy+radius)*side+dx+radius] = expNeg(float32(dx*dx+dy*dy) * inv)
		}
	}
	return k
}

// inv2Sigma2 returns 1/(2*sigma^2); a non-positive sigma disables the term.
func inv2Sigma2(sigma float32) float32 {
	if !(sigma > 0) {
		return 0
	}
	return 1 / (2 * sigma * sigma)
}

func dist2(a, b []float32) float32 {
	d0, d1, d2 := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return d0*d0 + d1*d1 + d2*d2
}

func expNeg(v float32) float32 { return float32(math.Exp(-float64(v))) }

func lerp(a, b, t float32) float32 { return a + (b-a)*t }

func clamp01(v float32) float32 {
	switch {
	case !(v > 0):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func putFloat(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}
