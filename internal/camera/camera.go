// Package camera implements the video capture drivers: ffmpeg (V4L2, RTSP,
// HTTP MJPEG), still-image HTTP polling, OpenCV (build tag gocv) and a
// synthetic pattern generator.
package camera

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"watchpost/internal/pipeline"
)

// Defaults match what small USB cameras deliver reliably
const (
	DefaultWidth         = 320
	DefaultHeight        = 240
	DefaultFPS           = 15
	DefaultDiscardFrames = 5
	DefaultJPEGQuality   = 60
)

// Device status values reported by Enumerate
const (
	StatusAvailable = "available"
	StatusInUse     = "in_use"
)

// DeviceInfo describes a local video device node
type DeviceInfo struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Status string `json:"status"`
}

func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// isHTTPImageEndpoint reports whether device serves single still images
func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "image"))
}

// InferDriver picks a driver name for a device when none is configured
func InferDriver(device string) string {
	switch {
	case device == "" || strings.HasPrefix(device, "synthetic:"):
		return SyntheticDriverName
	case isHTTPImageEndpoint(device):
		return HTTPDriverName
	default:
		return FFmpegDriverName
	}
}

// deviceAccessible checks that a local device node exists and is readable
func deviceAccessible(device string) error {
	if isNetworkSource(device) {
		return nil // Verified when capturing
	}

	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("%w: %s: %v", pipeline.ErrDeviceUnavailable, device, err)
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", pipeline.ErrDeviceUnavailable, device, err)
	}
	defer file.Close()

	return nil
}

// Enumerate probes devDir/video0 .. video{count-1}. Devices claimed by a
// configured source are reported in use; other readable nodes available.
func Enumerate(devDir string, count int, inUse func(path string) bool) []DeviceInfo {
	var devices []DeviceInfo
	for i := 0; i < count; i++ {
		path := filepath.Join(devDir, fmt.Sprintf("video%d", i))
		switch {
		case inUse != nil && inUse(path):
			devices = append(devices, DeviceInfo{Index: i, Path: path, Status: StatusInUse})
		case deviceAccessible(path) == nil:
			devices = append(devices, DeviceInfo{Index: i, Path: path, Status: StatusAvailable})
		}
	}
	return devices
}

// withDefaults fills unset capture settings
func withDefaults(cfg pipeline.DeviceConfig) pipeline.DeviceConfig {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = DefaultWidth, DefaultHeight
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.DiscardFrames < 0 {
		cfg.DiscardFrames = 0
	}
	return cfg
}

// awaitRelease waits up to timeout for a reader goroutine to close done after
// letting go of a device. A reader still blocked afterwards releases the
// device on its own once its read returns.
func awaitRelease(id string, done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s: read still blocked after %s, device released when it returns",
			pipeline.ErrReadTimeout, id, timeout)
	}
}
