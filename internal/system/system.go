// Package system reports host and capture device information.
package system

import (
	"os"
	"runtime"
	"time"

	"watchpost/internal/camera"
)

// maxVideoDevices is how many /dev/video indexes are probed
const maxVideoDevices = 10

// OSInfo describes the host operating system
type OSInfo struct {
	Type     string `json:"type"`
	Release  string `json:"release"`
	Machine  string `json:"machine"`
	Hostname string `json:"hostname"`
}

// Info is the host report served on /system
type Info struct {
	OS            OSInfo              `json:"os"`
	GoVersion     string              `json:"go_version"`
	UptimeSeconds int                 `json:"uptime_seconds"`
	Cameras       []camera.DeviceInfo `json:"cameras"`
}

// Reporter assembles host information
type Reporter struct {
	DevDir    string
	InUse     func(path string) bool // Reports devices held by a running source
	startTime time.Time
}

// NewReporter creates a reporter scanning devDir for video devices
func NewReporter(devDir string, inUse func(path string) bool) *Reporter {
	if devDir == "" {
		devDir = "/dev"
	}
	return &Reporter{DevDir: devDir, InUse: inUse, startTime: time.Now()}
}

// Info collects the current host report
func (r *Reporter) Info() Info {
	return Info{
		OS:            HostOS(),
		GoVersion:     runtime.Version(),
		UptimeSeconds: int(time.Since(r.startTime).Seconds()),
		Cameras:       camera.Enumerate(r.DevDir, maxVideoDevices, r.InUse),
	}
}

// HostOS returns the kernel name and release of the running host
func HostOS() OSInfo {
	info := uname()
	if info.Type == "" {
		info.Type = runtime.GOOS
	}
	if info.Machine == "" {
		info.Machine = runtime.GOARCH
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	return info
}
