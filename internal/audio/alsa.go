// Package audio captures microphone input as fixed-size PCM chunks.
package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"watchpost/internal/ffmpeg"
	"watchpost/internal/pipeline"
)

// ALSADriverName is the registry key of the ALSA capture driver
const ALSADriverName = "alsa"

// Defaults for audio capture
const (
	DefaultDevice     = "default"
	DefaultSampleRate = 16000
	DefaultChunkBytes = 1024
)

// ALSADriver records mono signed 16-bit little-endian PCM through ffmpeg's
// alsa input. Each frame carries one chunk.
type ALSADriver struct {
	Binary string
}

// NewALSADriver creates the ALSA driver
func NewALSADriver() *ALSADriver {
	return &ALSADriver{Binary: ffmpeg.DefaultBinary}
}

// Name implements pipeline.Driver
func (d *ALSADriver) Name() string { return ALSADriverName }

// Open implements pipeline.Driver
func (d *ALSADriver) Open(ctx context.Context, cfg pipeline.DeviceConfig) (pipeline.Source, error) {
	cfg = withDefaults(cfg)

	proc, err := ffmpeg.Start(d.Binary, captureArgs(cfg), ffmpeg.SplitFixed(cfg.AudioChunk))
	if err != nil {
		return nil, fmt.Errorf("opening audio %s: %w", cfg.Device, err)
	}
	return &alsaSource{
		cfg:  cfg,
		proc: proc,
		seq:  pipeline.NewSequencer(cfg.FirstSeq),
	}, nil
}

func withDefaults(cfg pipeline.DeviceConfig) pipeline.DeviceConfig {
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.AudioChunk < DefaultChunkBytes {
		cfg.AudioChunk = DefaultChunkBytes
	}
	// Whole samples only
	cfg.AudioChunk -= cfg.AudioChunk % 2
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	return cfg
}

func captureArgs(cfg pipeline.DeviceConfig) []string {
	return []string{
		"-nostdin", "-loglevel", "error",
		"-f", "alsa",
		"-i", cfg.Device,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

type alsaSource struct {
	cfg  pipeline.DeviceConfig
	proc *ffmpeg.Process
	seq  *pipeline.Sequencer
}

func (s *alsaSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	chunk, err := s.proc.Next(ctx, s.cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.ID, err)
	}
	envelope := Envelope(chunk)
	return &pipeline.Frame{
		Source:    s.cfg.ID,
		Seq:       s.seq.Next(),
		Timestamp: time.Now(),
		Width:     len(envelope),
		Height:    1,
		Pix:       envelope,
		Encoded:   chunk,
		Format:    pipeline.FormatPCM,
	}, nil
}

func (s *alsaSource) Close() error {
	return s.proc.Close()
}

// Envelope maps each s16le sample to its 8-bit magnitude
func Envelope(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		v := int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		if v < 0 {
			v = -v
		}
		out[i] = byte(min(v>>7, 255))
	}
	return out
}

// Samples decodes s16le PCM to floats in [-1, 1]
func Samples(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
	}
	return out
}

var _ pipeline.Driver = (*ALSADriver)(nil)
