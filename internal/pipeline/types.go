package pipeline

import (
	"time"
)

// Kind identifies the class of a capture device
type Kind string

const (
	KindCamera Kind = "camera"
	KindAudio  Kind = "audio"
)

// Frame payload formats carried in Frame.Format
const (
	FormatJPEG = "jpeg"
	FormatPCM  = "pcm_s16le"
	FormatGray = "gray"
)

// Frame is one unit of captured data. Frames are never modified after a
// source hands them out; the ring and the aggregator share them by pointer.
type Frame struct {
	Source    string    `json:"source"`    // Source identifier
	Seq       uint64    `json:"seq"`       // Monotonic per source, starts at 1
	Timestamp time.Time `json:"timestamp"` // Capture timestamp
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Pix       []byte    `json:"-"` // 8-bit luma, row-major, stride == Width
	Encoded   []byte    `json:"-"` // Relay payload (JPEG image or PCM chunk)
	Format    string    `json:"format"`
}

// Valid reports whether the frame carries a usable luma plane
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pix) >= f.Width*f.Height
}

// Region is a rectangle of interest in pixel coordinates
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the region size in pixels
func (r Region) Area() int {
	return r.Width * r.Height
}

// Event is emitted once at the start of each motion episode
type Event struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Seq       uint64    `json:"seq"`   // Frame that opened the episode
	Score     float64   `json:"score"` // Detection score in [0,1]
	Regions   []Region  `json:"regions"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthState is the lifecycle state of a device pipeline
type HealthState string

const (
	StateStarting HealthState = "starting"
	StateRunning  HealthState = "running"
	StateDegraded HealthState = "degraded"
	StateFailed   HealthState = "failed"
	StateStopped  HealthState = "stopped"
)

// DeviceHealth is written only by the supervisor goroutine that owns the device
type DeviceHealth struct {
	Source              string      `json:"source"`
	State               HealthState `json:"state"`
	LastSuccess         time.Time   `json:"last_success,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
	Reopens             uint64      `json:"reopens"`
	FramesCaptured      uint64      `json:"frames_captured"`
	FramesMalformed     uint64      `json:"frames_malformed"`
	FramesOutOfOrder    uint64      `json:"frames_out_of_order"`
	Gaps                uint64      `json:"gaps"`
	Events              uint64      `json:"events"`
}

// AnalyzerState is the baseline state of an analyzer
type AnalyzerState string

const (
	AnalyzerWarming  AnalyzerState = "warming"
	AnalyzerTracking AnalyzerState = "tracking"
)

// Result is the outcome of analyzing one frame
type Result struct {
	Score  float64
	Motion bool
	State  AnalyzerState
	Event  *Event // Set only on the first frame of a motion episode
	Reset  bool   // Baseline was discarded before this frame was analyzed
}

// Snapshot is the published view of one source. Snapshots are immutable;
// the aggregator swaps in a new value on every update.
type Snapshot struct {
	Source        string        `json:"source"`
	Kind          Kind          `json:"kind"`
	Frame         *Frame        `json:"frame,omitempty"`
	Event         *Event        `json:"event,omitempty"`
	Recent        []Event       `json:"recent"`
	Health        DeviceHealth  `json:"health"`
	AnalyzerState AnalyzerState `json:"analyzer_state"`
	Score         float64       `json:"score"`
	Motion        bool          `json:"motion"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AnalysisConfig holds analyzer tuning for one source
type AnalysisConfig struct {
	ThresholdScore float64 // Score at or above which a frame counts as motion
	NoiseThreshold float64 // Per-block mean deviation (0-1 luma) that flags a block
	DecayRate      float64 // EMA weight of a quiet frame blended into the baseline
	BlockSize      int     // Block edge in pixels, 1 = per pixel
	WarmupFrames   int     // Frames averaged into the initial baseline
}

// DeviceConfig describes how a driver opens a device
type DeviceConfig struct {
	ID            string
	Kind          Kind
	Driver        string
	Device        string // Device path or URL
	Width         int
	Height        int
	FPS           int
	ReadTimeout   time.Duration
	DiscardFrames int    // Reads dropped after open while the device settles
	AudioChunk    int    // Bytes per audio frame
	SampleRate    int    // Audio sample rate
	Pattern       string // Synthetic pattern name
	FirstSeq      uint64 // Sequence number of the first frame of this session
}

// SourceConfig is the full per-source configuration handed to the supervisor
type SourceConfig struct {
	Device        DeviceConfig
	Analysis      AnalysisConfig
	RingCapacity  int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	FailureCap    int
	WarmupTimeout time.Duration
}
