// Package ffmpeg runs ffmpeg child processes and splits their stdout into
// payloads (JPEG images, PCM chunks) for capture sources.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"watchpost/internal/pipeline"
)

// DefaultBinary is the ffmpeg executable looked up in PATH
const DefaultBinary = "ffmpeg"

// maxBuffered drops unsplittable stdout data beyond this size
const maxBuffered = 8 << 20

// Splitter removes and returns the next complete payload from buffer, or
// returns nil when buffer holds no complete payload yet
type Splitter func(buffer *[]byte) []byte

// Process is a running ffmpeg whose stdout is cut into payloads. Only the
// newest payload is kept when the consumer falls behind.
type Process struct {
	cmd      *exec.Cmd
	payloads chan []byte
	done     chan struct{}
	err      error // Valid once done is closed

	stderrMu   sync.Mutex
	stderrLast string

	closeOnce sync.Once
}

// Start launches binary with args. Start returns once the process runs;
// payloads are read in the background.
func Start(binary string, args []string, split Splitter) (*Process, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrDeviceUnavailable, err)
	}

	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", pipeline.ErrDeviceUnavailable, binary, err)
	}

	p := &Process{
		cmd:      cmd,
		payloads: make(chan []byte, 1),
		done:     make(chan struct{}),
	}
	go p.consumeStderr(stderr)
	go p.read(stdout, split)
	return p, nil
}

// consumeStderr keeps the last diagnostic line for error reports
func (p *Process) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.stderrMu.Lock()
		p.stderrLast = line
		p.stderrMu.Unlock()
	}
}

func (p *Process) lastStderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return p.stderrLast
}

func (p *Process) read(r io.Reader, split Splitter) {
	defer close(p.done)

	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			for {
				payload := split(&buffer)
				if payload == nil {
					break
				}
				p.deliver(payload)
			}
			if len(buffer) > maxBuffered {
				buffer = buffer[:0]
			}
		}
		if err != nil {
			if msg := p.lastStderr(); msg != "" {
				p.err = fmt.Errorf("%w: ffmpeg output ended (%v): %s", pipeline.ErrDeviceDisconnected, err, msg)
			} else {
				p.err = fmt.Errorf("%w: ffmpeg output ended (%v)", pipeline.ErrDeviceDisconnected, err)
			}
			return
		}
	}
}

// deliver replaces any unread payload with the newest one
func (p *Process) deliver(payload []byte) {
	select {
	case p.payloads <- payload:
		return
	default:
	}
	select {
	case <-p.payloads:
	default:
	}
	select {
	case p.payloads <- payload:
	default:
	}
}

// Next waits up to timeout for the next payload
func (p *Process) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-p.payloads:
		return payload, nil
	case <-p.done:
		select {
		case payload := <-p.payloads:
			return payload, nil
		default:
		}
		return nil, p.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: no data for %s", pipeline.ErrReadTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills the process and waits for it to exit
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.done
		if werr := p.cmd.Wait(); werr != nil {
			if _, killed := werr.(*exec.ExitError); !killed {
				err = werr
			}
		}
	})
	return err
}
