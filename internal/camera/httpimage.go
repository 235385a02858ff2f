package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"watchpost/internal/pipeline"
)

// HTTPDriverName is the registry key of the still-image polling driver
const HTTPDriverName = "http"

// maxImageBytes bounds a single polled image
const maxImageBytes = 16 << 20

// HTTPDriver polls a URL that returns one JPEG per request
type HTTPDriver struct {
	Client *http.Client
}

// NewHTTPDriver creates the polling driver
func NewHTTPDriver() *HTTPDriver {
	return &HTTPDriver{Client: &http.Client{}}
}

// Name implements pipeline.Driver
func (d *HTTPDriver) Name() string { return HTTPDriverName }

// Open implements pipeline.Driver. The endpoint is probed once so an
// unreachable camera fails at open time.
func (d *HTTPDriver) Open(ctx context.Context, cfg pipeline.DeviceConfig) (pipeline.Source, error) {
	cfg = withDefaults(cfg)

	interval := time.Second / time.Duration(cfg.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	s := &httpSource{
		cfg:      cfg,
		client:   d.Client,
		seq:      pipeline.NewSequencer(cfg.FirstSeq),
		interval: interval,
	}
	if _, err := s.fetch(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrDeviceUnavailable, err)
	}
	return s, nil
}

type httpSource struct {
	cfg      pipeline.DeviceConfig
	client   *http.Client
	seq      *pipeline.Sequencer
	interval time.Duration
	last     time.Time
}

func (s *httpSource) fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Device, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, s.cfg.Device)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

func (s *httpSource) Next(ctx context.Context) (*pipeline.Frame, error) {
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

	data, err := s.fetch(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrReadTimeout, s.cfg.ID, err)
		default:
			return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrDeviceDisconnected, s.cfg.ID, err)
		}
	}
	return decodeFrame(s.cfg, s.seq, data, s.last)
}

func (s *httpSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ pipeline.Driver = (*HTTPDriver)(nil)
