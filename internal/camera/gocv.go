//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"watchpost/internal/pipeline"
)

// GoCVDriverName is the registry key of the OpenCV driver
const GoCVDriverName = "gocv"

// GoCVDriver captures through OpenCV's VideoCapture
type GoCVDriver struct{}

// NewGoCVDriver creates the OpenCV driver
func NewGoCVDriver() *GoCVDriver {
	return &GoCVDriver{}
}

// Name implements pipeline.Driver
func (d *GoCVDriver) Name() string { return GoCVDriverName }

// Open implements pipeline.Driver. Numeric devices are camera indexes;
// anything else is passed to OpenCV as a file or URL.
func (d *GoCVDriver) Open(ctx context.Context, cfg pipeline.DeviceConfig) (pipeline.Source, error) {
	cfg = withDefaults(cfg)

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if index, convErr := strconv.Atoi(cfg.Device); convErr == nil {
		capture, err = gocv.OpenVideoCapture(index)
	} else {
		capture, err = gocv.OpenVideoCapture(cfg.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrDeviceUnavailable, cfg.Device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: %s did not open", pipeline.ErrDeviceUnavailable, cfg.Device)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	s := &gocvSource{
		cfg:     cfg,
		capture: capture,
		seq:     pipeline.NewSequencer(cfg.FirstSeq),
		frames:  make(chan gocvFrame, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.read()
	return s, nil
}

type gocvFrame struct {
	pix     []byte
	encoded []byte
	width   int
	height  int
	err     error
}

// gocvSource reads on its own goroutine because VideoCapture.Read cannot be
// interrupted. That goroutine owns the capture and its Mats and closes them.
type gocvSource struct {
	cfg     pipeline.DeviceConfig
	capture *gocv.VideoCapture
	seq     *pipeline.Sequencer

	frames chan gocvFrame
	stop   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

func (s *gocvSource) read() {
	defer close(s.done)
	defer s.capture.Close()

	img := gocv.NewMat()
	defer img.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	scaled := gocv.NewMat()
	defer scaled.Close()

	discard := s.cfg.DiscardFrames
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if ok := s.capture.Read(&img); !ok {
			s.send(gocvFrame{err: fmt.Errorf("%w: %s: read failed", pipeline.ErrDeviceDisconnected, s.cfg.ID)})
			return
		}
		if img.Empty() {
			s.send(gocvFrame{err: fmt.Errorf("%w: %s: empty frame", pipeline.ErrMalformedFrame, s.cfg.ID)})
			continue
		}
		if discard > 0 {
			discard--
			continue
		}

		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, DefaultJPEGQuality})
		if err != nil {
			s.send(gocvFrame{err: fmt.Errorf("%w: %s: %v", pipeline.ErrMalformedFrame, s.cfg.ID, err)})
			continue
		}
		encoded := append([]byte(nil), buf.GetBytes()...)
		buf.Close()

		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
		luma := gray
		if gray.Cols() != s.cfg.Width || gray.Rows() != s.cfg.Height {
			gocv.Resize(gray, &scaled, image.Pt(s.cfg.Width, s.cfg.Height), 0, 0, gocv.InterpolationLinear)
			luma = scaled
		}

		s.send(gocvFrame{
			pix:     append([]byte(nil), luma.ToBytes()...),
			encoded: encoded,
			width:   luma.Cols(),
			height:  luma.Rows(),
		})
	}
}

// send keeps only the newest result
func (s *gocvSource) send(f gocvFrame) {
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- f:
	default:
	}
}

func (s *gocvSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case f := <-s.frames:
		if f.err != nil {
			return nil, f.err
		}
		return &pipeline.Frame{
			Source:    s.cfg.ID,
			Seq:       s.seq.Next(),
			Timestamp: time.Now(),
			Width:     f.width,
			Height:    f.height,
			Pix:       f.pix,
			Encoded:   f.encoded,
			Format:    pipeline.FormatJPEG,
		}, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: %s: capture stopped", pipeline.ErrDeviceDisconnected, s.cfg.ID)
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s: no frame for %s", pipeline.ErrReadTimeout, s.cfg.ID, s.cfg.ReadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the reader, which releases the capture when its current read
// returns. A read hung on the device is waited for up to ReadTimeout.
func (s *gocvSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = awaitRelease(s.cfg.ID, s.done, s.cfg.ReadTimeout)
	})
	return err
}

var _ pipeline.Driver = (*GoCVDriver)(nil)
