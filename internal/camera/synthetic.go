package camera

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"watchpost/internal/pipeline"
)

// SyntheticDriverName is the registry key of the pattern generator
const SyntheticDriverName = "synthetic"

// Synthetic patterns
const (
	PatternBlack = "black"
	PatternGray  = "gray"
	PatternNoise = "noise"
	PatternBox   = "box"
)

// SyntheticDriver generates deterministic test patterns at the configured
// frame rate. The pattern comes from DeviceConfig.Pattern or a device of the
// form "synthetic:<pattern>".
type SyntheticDriver struct{}

// NewSyntheticDriver creates the pattern generator driver
func NewSyntheticDriver() *SyntheticDriver {
	return &SyntheticDriver{}
}

// Name implements pipeline.Driver
func (d *SyntheticDriver) Name() string { return SyntheticDriverName }

// Open implements pipeline.Driver
func (d *SyntheticDriver) Open(ctx context.Context, cfg pipeline.DeviceConfig) (pipeline.Source, error) {
	cfg = withDefaults(cfg)

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = strings.TrimPrefix(cfg.Device, "synthetic:")
	}
	if pattern == "" {
		pattern = PatternBox
	}
	switch pattern {
	case PatternBlack, PatternGray, PatternNoise, PatternBox:
	default:
		return nil, fmt.Errorf("%w: unknown synthetic pattern %q", pipeline.ErrDeviceUnavailable, pattern)
	}

	return &syntheticSource{
		cfg:      cfg,
		pattern:  pattern,
		seq:      pipeline.NewSequencer(cfg.FirstSeq),
		interval: time.Second / time.Duration(cfg.FPS),
		rng:      rand.New(rand.NewPCG(uint64(cfg.FirstSeq), 0x5EED)),
	}, nil
}

type syntheticSource struct {
	cfg      pipeline.DeviceConfig
	pattern  string
	seq      *pipeline.Sequencer
	interval time.Duration
	rng      *rand.Rand
	last     time.Time
	tick     int
}

func (s *syntheticSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if wait := time.Until(s.last.Add(s.interval)); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	s.last = time.Now()

	w, h := s.cfg.Width, s.cfg.Height
	pix := s.render(w, h)
	s.tick++

	encoded, err := encodeLuma(pix, w, h, DefaultJPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrMalformedFrame, err)
	}

	return &pipeline.Frame{
		Source:    s.cfg.ID,
		Seq:       s.seq.Next(),
		Timestamp: s.last,
		Width:     w,
		Height:    h,
		Pix:       pix,
		Encoded:   encoded,
		Format:    pipeline.FormatJPEG,
	}, nil
}

func (s *syntheticSource) render(w, h int) []byte {
	pix := make([]byte, w*h)
	switch s.pattern {
	case PatternGray:
		for i := range pix {
			pix[i] = 128
		}
	case PatternNoise:
		for i := range pix {
			pix[i] = byte(s.rng.IntN(256))
		}
	case PatternBox:
		bw, bh := max(w/8, 1), max(h/8, 1)
		x := bounce(s.tick*4, w-bw)
		y := bounce(s.tick*3, h-bh)
		for row := y; row < y+bh; row++ {
			for col := x; col < x+bw; col++ {
				pix[row*w+col] = 255
			}
		}
	}
	return pix
}

// bounce maps a step counter onto 0..limit and back
func bounce(step, limit int) int {
	if limit <= 0 {
		return 0
	}
	period := 2 * limit
	p := step % period
	if p > limit {
		return period - p
	}
	return p
}

func (s *syntheticSource) Close() error {
	return nil
}

var _ pipeline.Driver = (*SyntheticDriver)(nil)
