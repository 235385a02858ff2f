package camera

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchpost/internal/ffmpeg"
	"watchpost/internal/pipeline"
)

// FFmpegDriverName is the registry key of the ffmpeg camera driver
const FFmpegDriverName = "ffmpeg"

// FFmpegDriver captures V4L2 devices and RTSP/HTTP streams through an ffmpeg
// child process emitting an MJPEG image pipe
type FFmpegDriver struct {
	Binary string // ffmpeg executable, defaults to "ffmpeg"
}

// NewFFmpegDriver creates the ffmpeg camera driver
func NewFFmpegDriver() *FFmpegDriver {
	return &FFmpegDriver{Binary: ffmpeg.DefaultBinary}
}

// Name implements pipeline.Driver
func (d *FFmpegDriver) Name() string { return FFmpegDriverName }

// Open implements pipeline.Driver
func (d *FFmpegDriver) Open(ctx context.Context, cfg pipeline.DeviceConfig) (pipeline.Source, error) {
	cfg = withDefaults(cfg)
	if err := deviceAccessible(cfg.Device); err != nil {
		return nil, err
	}

	proc, err := ffmpeg.Start(d.Binary, captureArgs(cfg), ffmpeg.SplitJPEG)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Device, err)
	}

	discard := cfg.DiscardFrames
	if isNetworkSource(cfg.Device) {
		discard = 0
	}
	return &ffmpegSource{
		cfg:     cfg,
		proc:    proc,
		seq:     pipeline.NewSequencer(cfg.FirstSeq),
		discard: discard,
	}, nil
}

// captureArgs builds the ffmpeg command line for a device
func captureArgs(cfg pipeline.DeviceConfig) []string {
	args := []string{"-nostdin", "-loglevel", "error"}

	switch {
	case strings.HasPrefix(cfg.Device, "rtsp://"):
		args = append(args,
			"-rtsp_transport", "tcp",
			"-i", cfg.Device,
			"-r", fmt.Sprintf("%d", cfg.FPS),
		)
	case isNetworkSource(cfg.Device):
		args = append(args,
			"-i", cfg.Device,
			"-r", fmt.Sprintf("%d", cfg.FPS),
		)
	default:
		// V4L2 device (USB camera)
		args = append(args,
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", fmt.Sprintf("%d", cfg.FPS),
			"-i", cfg.Device,
		)
	}

	return append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

type ffmpegSource struct {
	cfg     pipeline.DeviceConfig
	proc    *ffmpeg.Process
	seq     *pipeline.Sequencer
	discard int
}

func (s *ffmpegSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	for {
		data, err := s.proc.Next(ctx, s.cfg.ReadTimeout)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.cfg.ID, err)
		}
		if s.discard > 0 {
			s.discard--
			continue
		}
		return decodeFrame(s.cfg, s.seq, data, time.Now())
	}
}

func (s *ffmpegSource) Close() error {
	return s.proc.Close()
}

var _ pipeline.Driver = (*FFmpegDriver)(nil)
