package pipeline

import (
	"context"
)

// Source is an open capture device producing an unbounded sequence of frames
type Source interface {
	// Next blocks until the next frame is read, the read timeout elapses or
	// ctx is done. Sources never retry internally.
	Next(ctx context.Context) (*Frame, error)

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Driver opens devices of one capture backend (ffmpeg, http, gocv, alsa, ...)
type Driver interface {
	// Name returns the registry key of the driver
	Name() string

	// Open acquires the device described by cfg
	Open(ctx context.Context, cfg DeviceConfig) (Source, error)
}

// Analyzer turns a stream of frames into scores and motion events.
// An analyzer is owned by a single pipeline goroutine.
type Analyzer interface {
	// Analyze scores one frame. Frames must arrive in increasing Seq order;
	// a discontinuity resets the baseline.
	Analyze(frame *Frame) (Result, error)

	// Reset discards the baseline and returns to warming
	Reset()

	// State returns the current baseline state
	State() AnalyzerState
}

// AnalyzerFactory builds the analyzer for a source
type AnalyzerFactory func(kind Kind, cfg AnalysisConfig) Analyzer

// Controller is the operator surface of the supervisor
type Controller interface {
	Restart(id string) error
	StartSource(id string) error
	StopSource(id string) error
}

// Sequencer assigns frame sequence numbers within one open session.
// It is used only from the goroutine that reads the device.
type Sequencer struct {
	next uint64
}

// NewSequencer returns a sequencer whose first value is first (minimum 1)
func NewSequencer(first uint64) *Sequencer {
	if first == 0 {
		first = 1
	}
	return &Sequencer{next: first}
}

// Next returns the next sequence number
func (s *Sequencer) Next() uint64 {
	n := s.next
	s.next++
	return n
}
