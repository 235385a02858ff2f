// Package config loads the service configuration from the environment, an
// optional .env file and an optional YAML device file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"watchpost/internal/audio"
	"watchpost/internal/camera"
	"watchpost/internal/motion"
	"watchpost/internal/pipeline"
)

// Supervision defaults
const (
	DefaultRingCapacity  = 3
	DefaultReadTimeout   = 2 * time.Second
	DefaultBackoffBase   = 500 * time.Millisecond
	DefaultBackoffCap    = 30 * time.Second
	DefaultFailureCap    = 10
	DefaultWarmupTimeout = 30 * time.Second
	DefaultHistorySize   = 16
	DefaultEventTTL      = 24 * time.Hour

	DefaultTelegramCooldown = 30 * time.Second
)

// Config is the resolved service configuration
type Config struct {
	Host     string
	HTTPPort string
	Debug    bool

	InstanceID  string
	DevicesFile string // YAML device file, empty for the built-in sources
	Audio       bool   // Add the default ALSA source when no device file is given
	DevDir      string // Directory scanned for video devices

	JournalPath     string // SQLite event journal, empty disables it
	MQTTBroker      string // MQTT broker URL, empty disables the emitter
	MQTTTopicPrefix string
	GRPCAddr        string // gRPC health listener, empty disables it

	TelegramToken    string // Bot token, empty disables notifications
	TelegramChatID   string
	TelegramCooldown time.Duration // Minimum gap between alerts per source

	HistorySize int
	EventTTL    time.Duration

	Sources []SourceSpec
}

// Tuning holds the per-source options that may be given as file-wide
// defaults and overridden per source. Nil means not set.
type Tuning struct {
	ThresholdScore *float64       `yaml:"thresholdScore"`
	NoiseThreshold *float64       `yaml:"noiseThreshold"`
	DecayRate      *float64       `yaml:"decayRate"`
	BlockSize      *int           `yaml:"blockSize"`
	WarmupFrames   *int           `yaml:"warmupFrames"`
	RingCapacity   *int           `yaml:"ringCapacity"`
	ReadTimeout    *time.Duration `yaml:"readTimeout"`
	BackoffBase    *time.Duration `yaml:"backoffBase"`
	BackoffCap     *time.Duration `yaml:"backoffCap"`
	FailureCap     *int           `yaml:"failureCap"`
	WarmupTimeout  *time.Duration `yaml:"warmupTimeout"`
	Width          *int           `yaml:"width"`
	Height         *int           `yaml:"height"`
	FPS            *int           `yaml:"fps"`
	DiscardFrames  *int           `yaml:"discardFrames"`
}

// SourceSpec is one source entry of the device file
type SourceSpec struct {
	ID         string `yaml:"id"`
	Kind       string `yaml:"kind"`
	Driver     string `yaml:"driver"`
	Device     string `yaml:"device"`
	Pattern    string `yaml:"pattern"`
	SampleRate int    `yaml:"sampleRate"`
	AudioChunk int    `yaml:"audioChunk"`
	Tuning     `yaml:",inline"`
}

// deviceFile is the layout of WATCHPOST_DEVICES
type deviceFile struct {
	Defaults Tuning       `yaml:"defaults"`
	Sources  []SourceSpec `yaml:"sources"`
}

// Load reads envFile (missing files are ignored), then the environment, then
// the device file it names, and validates the result.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "watchpost"
	}

	cfg := &Config{
		Host:             getEnv("WATCHPOST_HOST", "0.0.0.0"),
		HTTPPort:         getEnv("WATCHPOST_HTTP_PORT", "8080"),
		Debug:            getEnvAsBool("WATCHPOST_DEBUG", false),
		InstanceID:       getEnv("WATCHPOST_INSTANCE", hostname),
		DevicesFile:      getEnv("WATCHPOST_DEVICES", ""),
		Audio:            getEnvAsBool("WATCHPOST_AUDIO", false),
		DevDir:           getEnv("WATCHPOST_DEV_DIR", "/dev"),
		JournalPath:      getEnv("WATCHPOST_JOURNAL", ""),
		MQTTBroker:       getEnv("WATCHPOST_MQTT_BROKER", ""),
		MQTTTopicPrefix:  getEnv("WATCHPOST_MQTT_PREFIX", "watchpost"),
		GRPCAddr:         getEnv("WATCHPOST_GRPC_ADDR", ""),
		TelegramToken:    getEnv("WATCHPOST_TELEGRAM_TOKEN", ""),
		TelegramChatID:   getEnv("WATCHPOST_TELEGRAM_CHAT_ID", ""),
		TelegramCooldown: getEnvAsDuration("WATCHPOST_TELEGRAM_COOLDOWN", DefaultTelegramCooldown),
		HistorySize:      getEnvAsInt("WATCHPOST_HISTORY_SIZE", DefaultHistorySize),
		EventTTL:         getEnvAsDuration("WATCHPOST_EVENT_TTL", DefaultEventTTL),
	}

	if cfg.DevicesFile != "" {
		sources, err := LoadDevices(cfg.DevicesFile)
		if err != nil {
			return nil, err
		}
		cfg.Sources = sources
	} else {
		cfg.Sources = DefaultSources(cfg.Audio)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDevices reads a YAML device file and applies its defaults block to
// every source
func LoadDevices(path string) ([]SourceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices decodes device file contents
func ParseDevices(data []byte) ([]SourceSpec, error) {
	var file deviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing device file: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, errors.New("device file lists no sources")
	}

	sources := make([]SourceSpec, 0, len(file.Sources))
	for _, src := range file.Sources {
		src.Tuning = src.Tuning.MergeWith(file.Defaults)
		if src.Kind == "" {
			src.Kind = string(pipeline.KindCamera)
		}
		if src.Driver == "" {
			src.Driver = defaultDriver(pipeline.Kind(src.Kind), src.Device)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// DefaultSources is the built-in layout: the first V4L2 camera and,
// optionally, the default ALSA input
func DefaultSources(withAudio bool) []SourceSpec {
	sources := []SourceSpec{{
		ID:     "eyes",
		Kind:   string(pipeline.KindCamera),
		Driver: camera.FFmpegDriverName,
		Device: "/dev/video0",
	}}
	if withAudio {
		sources = append(sources, SourceSpec{
			ID:     "ears",
			Kind:   string(pipeline.KindAudio),
			Driver: audio.ALSADriverName,
			Device: audio.DefaultDevice,
		})
	}
	return sources
}

func defaultDriver(kind pipeline.Kind, device string) string {
	if kind == pipeline.KindAudio {
		return audio.ALSADriverName
	}
	return camera.InferDriver(device)
}

// MergeWith returns t with every unset option taken from defaults
func (t Tuning) MergeWith(defaults Tuning) Tuning {
	merged := t
	if merged.ThresholdScore == nil {
		merged.ThresholdScore = defaults.ThresholdScore
	}
	if merged.NoiseThreshold == nil {
		merged.NoiseThreshold = defaults.NoiseThreshold
	}
	if merged.DecayRate == nil {
		merged.DecayRate = defaults.DecayRate
	}
	if merged.BlockSize == nil {
		merged.BlockSize = defaults.BlockSize
	}
	if merged.WarmupFrames == nil {
		merged.WarmupFrames = defaults.WarmupFrames
	}
	if merged.RingCapacity == nil {
		merged.RingCapacity = defaults.RingCapacity
	}
	if merged.ReadTimeout == nil {
		merged.ReadTimeout = defaults.ReadTimeout
	}
	if merged.BackoffBase == nil {
		merged.BackoffBase = defaults.BackoffBase
	}
	if merged.BackoffCap == nil {
		merged.BackoffCap = defaults.BackoffCap
	}
	if merged.FailureCap == nil {
		merged.FailureCap = defaults.FailureCap
	}
	if merged.WarmupTimeout == nil {
		merged.WarmupTimeout = defaults.WarmupTimeout
	}
	if merged.Width == nil {
		merged.Width = defaults.Width
	}
	if merged.Height == nil {
		merged.Height = defaults.Height
	}
	if merged.FPS == nil {
		merged.FPS = defaults.FPS
	}
	if merged.DiscardFrames == nil {
		merged.DiscardFrames = defaults.DiscardFrames
	}
	return merged
}

// Validate checks every source against the recognized option ranges
func (c *Config) Validate() error {
	if c.HistorySize <= 0 {
		return fmt.Errorf("history size must be positive, got %d", c.HistorySize)
	}
	if c.EventTTL < 0 {
		return fmt.Errorf("event ttl must not be negative, got %s", c.EventTTL)
	}
	if c.TelegramToken != "" && c.TelegramChatID == "" {
		return fmt.Errorf("telegram chat ID is required when a bot token is set")
	}
	if c.TelegramCooldown < 0 {
		return fmt.Errorf("telegram cooldown must not be negative, got %s", c.TelegramCooldown)
	}

	seen := make(map[string]bool, len(c.Sources))
	var errs []error
	for _, src := range c.Sources {
		if src.ID == "" {
			errs = append(errs, errors.New("source without id"))
			continue
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("source %q: duplicate id", src.ID))
			continue
		}
		seen[src.ID] = true
		if err := src.validate(); err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", src.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s SourceSpec) validate() error {
	switch pipeline.Kind(s.Kind) {
	case pipeline.KindCamera, pipeline.KindAudio:
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}

	t := s.Tuning
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	if t.ThresholdScore != nil {
		check(*t.ThresholdScore > 0 && *t.ThresholdScore <= 1, "thresholdScore must be in (0,1], got %v", *t.ThresholdScore)
	}
	if t.NoiseThreshold != nil {
		check(*t.NoiseThreshold >= 0 && *t.NoiseThreshold < 1, "noiseThreshold must be in [0,1), got %v", *t.NoiseThreshold)
	}
	if t.DecayRate != nil {
		check(*t.DecayRate > 0 && *t.DecayRate < 1, "decayRate must be in (0,1), got %v", *t.DecayRate)
	}
	if t.BlockSize != nil {
		check(*t.BlockSize >= 1, "blockSize must be at least 1, got %d", *t.BlockSize)
	}
	if t.WarmupFrames != nil {
		check(*t.WarmupFrames >= 1, "warmupFrames must be at least 1, got %d", *t.WarmupFrames)
	}
	if t.RingCapacity != nil {
		check(*t.RingCapacity >= 1, "ringCapacity must be at least 1, got %d", *t.RingCapacity)
	}
	if t.ReadTimeout != nil {
		check(*t.ReadTimeout > 0, "readTimeout must be positive, got %s", *t.ReadTimeout)
	}
	if t.BackoffBase != nil {
		check(*t.BackoffBase > 0, "backoffBase must be positive, got %s", *t.BackoffBase)
	}
	if t.BackoffBase != nil && t.BackoffCap != nil {
		check(*t.BackoffCap >= *t.BackoffBase, "backoffCap %s is below backoffBase %s", *t.BackoffCap, *t.BackoffBase)
	}
	if t.FailureCap != nil {
		check(*t.FailureCap >= 1, "failureCap must be at least 1, got %d", *t.FailureCap)
	}
	if t.WarmupTimeout != nil {
		check(*t.WarmupTimeout >= 0, "warmupTimeout must not be negative, got %s", *t.WarmupTimeout)
	}
	for name, v := range map[string]*int{"width": t.Width, "height": t.Height, "fps": t.FPS} {
		if v != nil {
			check(*v > 0, "%s must be positive, got %d", name, *v)
		}
	}
	if t.DiscardFrames != nil {
		check(*t.DiscardFrames >= 0, "discardFrames must not be negative, got %d", *t.DiscardFrames)
	}
	check(s.AudioChunk == 0 || s.AudioChunk >= audio.DefaultChunkBytes, "audioChunk must be at least %d bytes, got %d", audio.DefaultChunkBytes, s.AudioChunk)
	return errors.Join(errs...)
}

// SourceConfigs resolves every source into supervisor configuration with the
// built-in defaults filled in
func (c *Config) SourceConfigs() []pipeline.SourceConfig {
	configs := make([]pipeline.SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		configs = append(configs, src.SourceConfig())
	}
	return configs
}

// SourceConfig resolves one source
func (s SourceSpec) SourceConfig() pipeline.SourceConfig {
	t := s.Tuning
	return pipeline.SourceConfig{
		Device: pipeline.DeviceConfig{
			ID:            s.ID,
			Kind:          pipeline.Kind(s.Kind),
			Driver:        s.Driver,
			Device:        s.Device,
			Width:         intOr(t.Width, camera.DefaultWidth),
			Height:        intOr(t.Height, camera.DefaultHeight),
			FPS:           intOr(t.FPS, camera.DefaultFPS),
			ReadTimeout:   durationOr(t.ReadTimeout, DefaultReadTimeout),
			DiscardFrames: intOr(t.DiscardFrames, camera.DefaultDiscardFrames),
			AudioChunk:    max(s.AudioChunk, audio.DefaultChunkBytes),
			SampleRate:    valueOr(s.SampleRate, audio.DefaultSampleRate),
			Pattern:       s.Pattern,
		},
		Analysis: pipeline.AnalysisConfig{
			ThresholdScore: floatOr(t.ThresholdScore, motion.DefaultThresholdScore),
			NoiseThreshold: floatOr(t.NoiseThreshold, motion.DefaultNoiseThreshold),
			DecayRate:      floatOr(t.DecayRate, motion.DefaultDecayRate),
			BlockSize:      intOr(t.BlockSize, motion.DefaultBlockSize),
			WarmupFrames:   intOr(t.WarmupFrames, motion.DefaultWarmupFrames),
		},
		RingCapacity:  intOr(t.RingCapacity, DefaultRingCapacity),
		BackoffBase:   durationOr(t.BackoffBase, DefaultBackoffBase),
		BackoffCap:    durationOr(t.BackoffCap, DefaultBackoffCap),
		FailureCap:    intOr(t.FailureCap, DefaultFailureCap),
		WarmupTimeout: durationOr(t.WarmupTimeout, DefaultWarmupTimeout),
	}
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func durationOr(v *time.Duration, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return *v
}

func valueOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
