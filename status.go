package rtdenoise

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Status is a snapshot of progress, refreshed as frames complete.
type Status struct {
	Width, Height uint32

	// Frame is the last presented frame.
	Frame     int
	MaxFrames int

	// DenoisedFrame is the frame whose denoised output is on screen, or -1.
	DenoisedFrame int

	// FPS and FrameTime are smoothed over recent frames.
	FPS       float64
	FrameTime time.Duration

	Denoiser string
}

// String formats the status for English.
func (s Status) String() string {
	return s.Format(language.English)
}

// Format formats the status with the number conventions of tag.
func (s Status) Format(tag language.Tag) string {
	p := message.NewPrinter(tag)
	line := fmt.Sprintf("%dx%d", s.Width, s.Height) +
		p.Sprintf(" | %.0f FPS / %.3fms | Frame %d/%d",
			s.FPS, float64(s.FrameTime)/float64(time.Millisecond), s.Frame, s.MaxFrames)
	if s.DenoisedFrame >= 0 {
		line += p.Sprintf(" | Denoised %d (%s)", s.DenoisedFrame, s.Denoiser)
	}
	return line
}

// frameClock smooths presentation intervals.
type frameClock struct {
	last  time.Time
	avg   time.Duration
	count int
}

const clockSmoothing = 0.1

func (c *frameClock) tick(now time.Time) {
	if !c.last.IsZero() {
		d := now.Sub(c.last)
		if c.count == 0 {
			c.avg = d
		} else {
			c.avg += time.Duration(clockSmoothing * float64(d-c.avg))
		}
		c.count++
	}
	c.last = now
}

func (c *frameClock) fps() float64 {
	if c.avg <= 0 {
		return 0
	}
	return float64(time.Second) / float64(c.avg)
}
