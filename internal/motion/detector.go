// Package motion scores frames against a learned background and emits an
// event when a motion episode begins.
package motion

import (
	"fmt"

	"github.com/google/uuid"

	"watchpost/internal/pipeline"
)

// Defaults applied when an AnalysisConfig leaves a field unset
const (
	DefaultThresholdScore = 0.02
	DefaultNoiseThreshold = 0.1
	DefaultDecayRate      = 0.05
	DefaultBlockSize      = 16
	DefaultWarmupFrames   = 10
)

// New returns the analyzer for a device kind: level analysis for audio,
// block background subtraction for everything else
func New(kind pipeline.Kind, cfg pipeline.AnalysisConfig) pipeline.Analyzer {
	if kind == pipeline.KindAudio {
		return NewLevelAnalyzer(cfg)
	}
	return NewBlockAnalyzer(cfg)
}

var _ pipeline.AnalyzerFactory = New

func withDefaults(cfg pipeline.AnalysisConfig) pipeline.AnalysisConfig {
	if cfg.ThresholdScore <= 0 {
		cfg.ThresholdScore = DefaultThresholdScore
	}
	if cfg.NoiseThreshold <= 0 {
		cfg.NoiseThreshold = DefaultNoiseThreshold
	}
	if cfg.DecayRate <= 0 || cfg.DecayRate >= 1 {
		cfg.DecayRate = DefaultDecayRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.WarmupFrames <= 0 {
		cfg.WarmupFrames = DefaultWarmupFrames
	}
	return cfg
}

// sequenceGuard detects frames that do not directly follow the previous one
type sequenceGuard struct {
	last uint64
}

// advance records seq and reports whether it continues the sequence.
// The first frame after a reset always continues.
func (g *sequenceGuard) advance(seq uint64) bool {
	continuous := g.last == 0 || seq == g.last+1
	g.last = seq
	return continuous
}

func (g *sequenceGuard) reset() {
	g.last = 0
}

// episode tracks the rising edge of motion
type episode struct {
	active bool
}

// update returns true when motion starts a new episode
func (e *episode) update(motion bool) bool {
	started := motion && !e.active
	e.active = motion
	return started
}

func newEvent(frame *pipeline.Frame, score float64, regions []pipeline.Region) *pipeline.Event {
	return &pipeline.Event{
		ID:        uuid.New().String(),
		Source:    frame.Source,
		Seq:       frame.Seq,
		Score:     score,
		Regions:   regions,
		Timestamp: frame.Timestamp,
	}
}

func malformed(frame *pipeline.Frame) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", pipeline.ErrMalformedFrame)
	}
	return fmt.Errorf("%w: %s seq %d is %dx%d with %d bytes",
		pipeline.ErrMalformedFrame, frame.Source, frame.Seq, frame.Width, frame.Height, len(frame.Pix))
}
