package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// healthInterval bounds how stale published counters and LastSuccess get
const healthInterval = time.Second

type command int

const (
	cmdNone command = iota
	cmdRestart
	cmdStart
	cmdStop
)

func (c command) String() string {
	switch c {
	case cmdRestart:
		return "restart"
	case cmdStart:
		return "start"
	case cmdStop:
		return "stop"
	default:
		return "none"
	}
}

// Supervisor runs one capture pipeline goroutine per configured device.
// Pipelines share nothing but the aggregator.
type Supervisor struct {
	aggregator  *Aggregator
	drivers     *DriverRegistry
	newAnalyzer AnalyzerFactory
	logger      *log.Logger

	mu      sync.RWMutex
	runners map[string]*runner
	order   []string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor publishing into aggregator
func NewSupervisor(aggregator *Aggregator, drivers *DriverRegistry, newAnalyzer AnalyzerFactory, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		aggregator:  aggregator,
		drivers:     drivers,
		newAnalyzer: newAnalyzer,
		logger:      logger,
		runners:     make(map[string]*runner),
	}
}

// Add configures a source. Sources added after Start begin immediately.
func (s *Supervisor) Add(cfg SourceConfig) error {
	id := cfg.Device.ID
	if id == "" {
		return fmt.Errorf("source id cannot be empty")
	}

	driver, err := s.drivers.Get(cfg.Device.Driver)
	if err != nil {
		return fmt.Errorf("source %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[id]; exists {
		return fmt.Errorf("source %q already configured", id)
	}

	s.aggregator.Register(id, cfg.Device.Kind)
	r := &runner{
		cfg:        cfg,
		driver:     driver,
		analyzer:   s.newAnalyzer(cfg.Device.Kind, cfg.Analysis),
		aggregator: s.aggregator,
		logger:     s.logger,
		control:    make(chan command, 4),
		ring:       NewRing(cfg.RingCapacity),
		backoff:    NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		health:     DeviceHealth{Source: id, State: StateStarting},
		now:        time.Now,
	}
	s.runners[id] = r
	s.order = append(s.order, id)

	if s.ctx != nil {
		s.launch(r)
	}
	return nil
}

// Start launches every configured pipeline. Pipelines run until ctx is done
// or Shutdown is called.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, id := range s.order {
		s.launch(s.runners[id])
	}
	s.logger.Printf("[Supervisor] Started %d pipeline(s)", len(s.order))
}

func (s *Supervisor) launch(r *runner) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run(s.ctx)
	}()
}

// Shutdown stops every pipeline and waits for the devices to be released
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Printf("[Supervisor] All pipelines stopped")
}

func (s *Supervisor) runner(id string) (*runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return r, nil
}

func (s *Supervisor) send(id string, cmd command) error {
	r, err := s.runner(id)
	if err != nil {
		return err
	}
	select {
	case r.control <- cmd:
	default:
		return fmt.Errorf("source %q: command queue full", id)
	}
	return nil
}

// Restart reopens a source, clearing its failure count. A Failed source
// leaves Failed only through Restart, or through Stop followed by Start.
func (s *Supervisor) Restart(id string) error {
	return s.send(id, cmdRestart)
}

// StartSource resumes a stopped source. Failed sources refuse it with
// ErrSourceFailed.
func (s *Supervisor) StartSource(id string) error {
	if h, err := s.Health(id); err == nil && h.State == StateFailed {
		return fmt.Errorf("%w: %q", ErrSourceFailed, id)
	}
	return s.send(id, cmdStart)
}

// StopSource releases a source's device until it is started again
func (s *Supervisor) StopSource(id string) error {
	return s.send(id, cmdStop)
}

// Health returns the last published health of a source
func (s *Supervisor) Health(id string) (DeviceHealth, error) {
	snap, ok := s.aggregator.Snapshot(id)
	if !ok {
		return DeviceHealth{}, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return snap.Health, nil
}

// Configs returns the source configurations in the order they were added
func (s *Supervisor) Configs() []SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]SourceConfig, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.runners[id].cfg)
	}
	return result
}

var _ Controller = (*Supervisor)(nil)

// runner owns one device. Every field below is touched only by the
// goroutine executing run.
type runner struct {
	cfg        SourceConfig
	driver     Driver
	analyzer   Analyzer
	aggregator *Aggregator
	logger     *log.Logger
	control    chan command
	ring       *Ring
	backoff    *Backoff
	now        func() time.Time

	health        DeviceHealth
	opened        bool
	lastAnalyzed  uint64
	warmingSince  time.Time
	warmupStalled bool
	lastPublish   time.Time
	lastSkipLog   time.Time
}

func (r *runner) logf(format string, args ...any) {
	r.logger.Printf("[Supervisor] %s: "+format, append([]any{r.cfg.Device.ID}, args...)...)
}

func (r *runner) run(ctx context.Context) {
	defer func() {
		r.setState(StateStopped)
		r.logf("Pipeline exited")
	}()

	r.publishHealth()
	for {
		cmd, err := r.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cmd = r.fail(ctx, err)
			if ctx.Err() != nil {
				return
			}
		}

		switch cmd {
		case cmdStop:
			r.setState(StateStopped)
			r.logf("Stopped by operator")
			if !r.parked(ctx) {
				return
			}
			r.resume()
		case cmdRestart, cmdStart:
			r.logf("Restarting on %s command", cmd)
			r.resume()
		}
	}
}

// session opens the device and captures until a read fails or an operator
// command interrupts it
func (r *runner) session(ctx context.Context) (command, error) {
	cfg := r.cfg.Device
	cfg.FirstSeq = r.ring.MaxSeq() + 1

	src, err := r.driver.Open(ctx, cfg)
	if err != nil {
		return cmdNone, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.logf("Close failed: %v", err)
		}
	}()

	if r.opened {
		r.health.Reopens++
	}
	r.opened = true
	r.analyzer.Reset()
	r.warmingSince = time.Time{}
	r.logf("Opened %s device %s", cfg.Driver, cfg.Device)

	for {
		select {
		case cmd := <-r.control:
			if cmd == cmdStop || cmd == cmdRestart {
				return cmd, nil
			}
		default:
		}

		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return cmdNone, ctx.Err()
			}
			if errors.Is(err, ErrMalformedFrame) {
				r.noteMalformed(err)
				r.checkWarmup()
				r.maybePublishHealth()
				continue
			}
			return cmdNone, err
		}
		r.capture(frame)
	}
}

func (r *runner) capture(frame *Frame) {
	if err := r.ring.Push(frame); err != nil {
		r.health.FramesOutOfOrder++
		r.analyzer.Reset()
		r.maybePublishHealth()
		return
	}

	r.health.FramesCaptured++
	r.health.LastSuccess = frame.Timestamp
	if r.health.LastSuccess.IsZero() {
		r.health.LastSuccess = r.now()
	}
	r.health.ConsecutiveFailures = 0
	r.backoff.Reset()

	frames, gap := r.ring.DrainSince(r.lastAnalyzed)
	if gap {
		r.health.Gaps++
		r.analyzer.Reset()
	}
	for _, f := range frames {
		r.lastAnalyzed = f.Seq
		result, err := r.analyzer.Analyze(f)
		if err != nil {
			r.noteMalformed(err)
			continue
		}
		if result.Event != nil {
			r.health.Events++
			r.logf("Motion event %s at seq %d (score %.3f, %d region(s))",
				result.Event.ID, result.Event.Seq, result.Event.Score, len(result.Event.Regions))
		}
		if err := r.aggregator.Observe(f, result); err != nil {
			r.logf("Publish failed: %v", err)
		}
	}

	r.checkWarmup()
	if !r.warmupStalled && r.health.State != StateRunning {
		r.health.LastError = ""
		r.setState(StateRunning)
		return
	}
	r.maybePublishHealth()
}

// noteMalformed counts a skipped frame, logging at most once per
// healthInterval
func (r *runner) noteMalformed(err error) {
	r.health.FramesMalformed++
	now := r.now()
	if now.Sub(r.lastSkipLog) < healthInterval {
		return
	}
	r.lastSkipLog = now
	r.logf("Skipping malformed frame (%d so far): %v", r.health.FramesMalformed, err)
}

// checkWarmup degrades a device whose analyzer cannot settle on a baseline
// while frames keep arriving
func (r *runner) checkWarmup() {
	if r.analyzer.State() == AnalyzerTracking {
		r.warmingSince = time.Time{}
		if r.warmupStalled {
			r.warmupStalled = false
			r.health.LastError = ""
			r.setState(StateRunning)
		}
		return
	}

	now := r.now()
	if r.warmingSince.IsZero() {
		r.warmingSince = now
		return
	}
	if r.cfg.WarmupTimeout > 0 && !r.warmupStalled && now.Sub(r.warmingSince) > r.cfg.WarmupTimeout {
		r.warmupStalled = true
		r.health.LastError = fmt.Sprintf("baseline not established after %s", r.cfg.WarmupTimeout)
		r.logf("Degraded: %s", r.health.LastError)
		r.setState(StateDegraded)
	}
}

// fail records a device error and waits out the backoff. It returns the
// operator command received while waiting, if any.
func (r *runner) fail(ctx context.Context, err error) command {
	r.health.ConsecutiveFailures++
	r.health.LastError = err.Error()

	if r.cfg.FailureCap > 0 && r.health.ConsecutiveFailures >= r.cfg.FailureCap {
		r.setState(StateFailed)
		r.logf("Failed after %d consecutive errors, waiting for restart: %v", r.health.ConsecutiveFailures, err)
		for {
			cmd, ok := r.waitCommand(ctx)
			if !ok {
				return cmdNone
			}
			if cmd == cmdStart {
				r.logf("Ignoring start while failed, restart required")
				continue
			}
			return cmd
		}
	}

	delay := r.backoff.Next()
	r.setState(StateDegraded)
	r.logf("Device error (%d/%d), reopening in %s: %v", r.health.ConsecutiveFailures, r.cfg.FailureCap, delay, err)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return cmdNone
	case <-timer.C:
		return cmdNone
	case cmd := <-r.control:
		return cmd
	}
}

// parked blocks a stopped pipeline until it is started or restarted
func (r *runner) parked(ctx context.Context) bool {
	for {
		cmd, ok := r.waitCommand(ctx)
		if !ok {
			return false
		}
		if cmd != cmdStop {
			return true
		}
	}
}

func (r *runner) waitCommand(ctx context.Context) (command, bool) {
	select {
	case <-ctx.Done():
		return cmdNone, false
	case cmd := <-r.control:
		return cmd, true
	}
}

// resume clears failure state before the next open
func (r *runner) resume() {
	r.health.ConsecutiveFailures = 0
	r.health.LastError = ""
	r.warmupStalled = false
	r.backoff.Reset()
	r.setState(StateStarting)
}

func (r *runner) setState(state HealthState) {
	r.health.State = state
	r.publishHealth()
}

func (r *runner) maybePublishHealth() {
	if r.now().Sub(r.lastPublish) >= healthInterval {
		r.publishHealth()
	}
}

func (r *runner) publishHealth() {
	r.lastPublish = r.now()
	if err := r.aggregator.SetHealth(r.health); err != nil {
		r.logf("Health publish failed: %v", err)
	}
}
