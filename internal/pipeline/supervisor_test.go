package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver opens fakeSources, or fails with openErr when set
type fakeDriver struct {
	mu      sync.Mutex
	openErr error
	readErr error // Returned by the first Next of every session
	opens   int
	closes  int
	firsts  []uint64
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Open(ctx context.Context, cfg DeviceConfig) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.firsts = append(d.firsts, cfg.FirstSeq)
	return &fakeSource{driver: d, id: cfg.ID, seq: NewSequencer(cfg.FirstSeq), readErr: d.readErr}, nil
}

func (d *fakeDriver) set(openErr, readErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr, d.readErr = openErr, readErr
}

func (d *fakeDriver) counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

type fakeSource struct {
	driver  *fakeDriver
	id      string
	seq     *Sequencer
	readErr error
	closed  bool
}

func (s *fakeSource) Next(ctx context.Context) (*Frame, error) {
	if s.readErr != nil {
		err := s.readErr
		s.readErr = nil
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return &Frame{Source: s.id, Seq: s.seq.Next(), Timestamp: time.Now(), Width: 2, Height: 2, Pix: make([]byte, 4)}, nil
}

func (s *fakeSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.driver.mu.Lock()
	s.driver.closes++
	s.driver.mu.Unlock()
	return nil
}

// stubAnalyzer reports a fixed state and never fires
type stubAnalyzer struct {
	state AnalyzerState
}

func (a *stubAnalyzer) Analyze(*Frame) (Result, error) { return Result{State: a.state}, nil }
func (a *stubAnalyzer) Reset()                          {}
func (a *stubAnalyzer) State() AnalyzerState            { return a.state }

func newTestSupervisor(t *testing.T, drv *fakeDriver, state AnalyzerState, cfg SourceConfig) (*Supervisor, *Aggregator) {
	t.Helper()

	agg := NewAggregator(4, 0)
	reg := NewDriverRegistry()
	require.NoError(t, reg.Register(drv))

	factory := func(Kind, AnalysisConfig) Analyzer { return &stubAnalyzer{state: state} }
	sup := NewSupervisor(agg, reg, factory, log.New(io.Discard, "", 0))

	cfg.Device.ID = "cam"
	cfg.Device.Kind = KindCamera
	cfg.Device.Driver = "fake"
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffCap = 2 * time.Millisecond
	}
	require.NoError(t, sup.Add(cfg))

	sup.Start(context.Background())
	t.Cleanup(sup.Shutdown)
	return sup, agg
}

func waitForState(t *testing.T, sup *Supervisor, state HealthState) DeviceHealth {
	t.Helper()
	var h DeviceHealth
	require.Eventually(t, func() bool {
		var err error
		h, err = sup.Health("cam")
		return err == nil && h.State == state
	}, 2*time.Second, 2*time.Millisecond, "state %s never reached", state)
	return h
}

func TestSupervisorFailureCapParksUntilRestart(t *testing.T) {
	drv := &fakeDriver{openErr: ErrDeviceUnavailable}
	sup, _ := newTestSupervisor(t, drv, AnalyzerTracking, SourceConfig{RingCapacity: 3, FailureCap: 3})

	h := waitForState(t, sup, StateFailed)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Contains(t, h.LastError, "device unavailable")

	time.Sleep(50 * time.Millisecond)
	opens, _ := drv.counts()
	assert.Equal(t, 3, opens, "failed source must not be reopened")

	drv.set(nil, nil)
	require.NoError(t, sup.Restart("cam"))

	h = waitForState(t, sup, StateRunning)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	opens, _ = drv.counts()
	assert.Equal(t, 4, opens)
}

func TestSupervisorReopensAfterReadError(t *testing.T) {
	drv := &fakeDriver{readErr: ErrReadTimeout}
	sup, agg := newTestSupervisor(t, drv, AnalyzerTracking, SourceConfig{RingCapacity: 3, FailureCap: 1000})

	// Every session fails its first read, so clear the error once a reopen happened
	require.Eventually(t, func() bool {
		opens, _ := drv.counts()
		return opens >= 2
	}, 2*time.Second, time.Millisecond)
	drv.set(nil, nil)

	h := waitForState(t, sup, StateRunning)
	assert.GreaterOrEqual(t, h.Reopens, uint64(1))

	require.Eventually(t, func() bool {
		snap, _ := agg.Snapshot("cam")
		return snap.Frame != nil && snap.Frame.Seq > 3
	}, 2*time.Second, time.Millisecond)
	h, _ = sup.Health("cam")
	assert.Zero(t, h.FramesOutOfOrder)
}

func TestSupervisorStopAndStart(t *testing.T) {
	drv := &fakeDriver{}
	sup, agg := newTestSupervisor(t, drv, AnalyzerTracking, SourceConfig{RingCapacity: 3, FailureCap: 3})

	waitForState(t, sup, StateRunning)
	require.NoError(t, sup.StopSource("cam"))
	waitForState(t, sup, StateStopped)

	opens, closes := drv.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)

	stopped, _ := agg.Snapshot("cam")
	time.Sleep(20 * time.Millisecond)
	still, _ := agg.Snapshot("cam")
	assert.Equal(t, stopped.Frame.Seq, still.Frame.Seq, "stopped source must not capture")

	require.NoError(t, sup.StartSource("cam"))
	waitForState(t, sup, StateRunning)

	require.Eventually(t, func() bool {
		snap, _ := agg.Snapshot("cam")
		return snap.Frame.Seq > stopped.Frame.Seq
	}, 2*time.Second, time.Millisecond)

	drv.mu.Lock()
	firsts := append([]uint64(nil), drv.firsts...)
	drv.mu.Unlock()
	require.Len(t, firsts, 2)
	assert.Equal(t, uint64(1), firsts[0])
	assert.Equal(t, stopped.Frame.Seq+1, firsts[1], "sequence continues across sessions")

	assert.ErrorIs(t, sup.Restart("missing"), ErrUnknownSource)
}

func TestSupervisorDegradesWhenWarmupStalls(t *testing.T) {
	drv := &fakeDriver{}
	sup, _ := newTestSupervisor(t, drv, AnalyzerWarming, SourceConfig{
		RingCapacity:  3,
		FailureCap:    3,
		WarmupTimeout: 20 * time.Millisecond,
	})

	h := waitForState(t, sup, StateDegraded)
	assert.Contains(t, h.LastError, "baseline")
	assert.Greater(t, h.FramesCaptured, uint64(0))
}

func TestSupervisorRejectsBadConfig(t *testing.T) {
	agg := NewAggregator(4, 0)
	reg := NewDriverRegistry()
	require.NoError(t, reg.Register(&fakeDriver{}))
	assert.Error(t, reg.Register(&fakeDriver{}))

	sup := NewSupervisor(agg, reg, func(Kind, AnalysisConfig) Analyzer { return &stubAnalyzer{} }, log.New(io.Discard, "", 0))

	assert.Error(t, sup.Add(SourceConfig{}))
	assert.ErrorIs(t, sup.Add(SourceConfig{Device: DeviceConfig{ID: "a", Driver: "v4l9"}}), ErrUnknownDriver)
	require.NoError(t, sup.Add(SourceConfig{Device: DeviceConfig{ID: "a", Driver: "fake"}}))
	assert.Error(t, sup.Add(SourceConfig{Device: DeviceConfig{ID: "a", Driver: "fake"}}))

	assert.Len(t, sup.Configs(), 1)
	assert.Equal(t, []string{"fake"}, reg.Names())
}

func TestSupervisorStartRefusedWhileFailed(t *testing.T) {
	drv := &fakeDriver{openErr: ErrDeviceUnavailable}
	sup, _ := newTestSupervisor(t, drv, AnalyzerTracking, SourceConfig{RingCapacity: 3, FailureCap: 2})

	waitForState(t, sup, StateFailed)
	drv.set(nil, nil)

	assert.ErrorIs(t, sup.StartSource("cam"), ErrSourceFailed)

	// A start that reaches the runner anyway is ignored too
	require.NoError(t, sup.send("cam", cmdStart))
	time.Sleep(30 * time.Millisecond)
	h, err := sup.Health("cam")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, h.State)
	opens, _ := drv.counts()
	assert.Equal(t, 2, opens)

	require.NoError(t, sup.Restart("cam"))
	waitForState(t, sup, StateRunning)
}

// malformedAnalyzer rejects every frame
type malformedAnalyzer struct{}

func (malformedAnalyzer) Analyze(f *Frame) (Result, error) {
	return Result{}, fmt.Errorf("%w: seq %d", ErrMalformedFrame, f.Seq)
}
func (malformedAnalyzer) Reset()               {}
func (malformedAnalyzer) State() AnalyzerState { return AnalyzerTracking }

// syncBuffer is a log sink shared with pipeline goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSupervisorLogsSkippedFramesRateLimited(t *testing.T) {
	agg := NewAggregator(4, 0)
	reg := NewDriverRegistry()
	require.NoError(t, reg.Register(&fakeDriver{}))

	var logs syncBuffer
	sup := NewSupervisor(agg, reg, func(Kind, AnalysisConfig) Analyzer { return malformedAnalyzer{} }, log.New(&logs, "", 0))
	require.NoError(t, sup.Add(SourceConfig{
		Device:       DeviceConfig{ID: "cam", Kind: KindCamera, Driver: "fake"},
		RingCapacity: 3,
		FailureCap:   3,
	}))
	sup.Start(context.Background())
	t.Cleanup(sup.Shutdown)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Skipping malformed frame")
	}, 2*time.Second, 2*time.Millisecond)
	// Frames keep failing every millisecond, well inside one log interval
	time.Sleep(50 * time.Millisecond)

	out := logs.String()
	assert.Contains(t, out, "cam: Skipping malformed frame")
	assert.Contains(t, out, "malformed frame: seq 1")
	assert.Equal(t, 1, strings.Count(out, "Skipping malformed frame"), "skips are logged at most once per interval")
}
