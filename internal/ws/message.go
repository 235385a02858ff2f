package ws

import (
	"encoding/base64"
	"time"

	"watchpost/internal/audio"
	"watchpost/internal/pipeline"
)

// Message types
const (
	TypeFrame   = "frame"
	TypeAudio   = "audio"
	TypeEvent   = "event"
	TypeHealth  = "health"
	TypeCommand = "command"
)

// FrameMessage represents a video frame broadcast
type FrameMessage struct {
	Type        string    `json:"type"` // "frame"
	Source      string    `json:"source"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	Motion      bool      `json:"motion"`
	Score       float64   `json:"score"`
	Frame       string    `json:"frame"` // Base64 encoded JPEG frame
}

// AudioMessage carries one chunk of audio as float samples in [-1,1]
type AudioMessage struct {
	Type       string    `json:"type"` // "audio"
	Source     string    `json:"source"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Level      float64   `json:"level"`
	Samples    []float32 `json:"samples"`
}

// EventMessage announces a new motion or sound episode
type EventMessage struct {
	Type  string         `json:"type"` // "event"
	Event pipeline.Event `json:"event"`
}

// HealthMessage reports a health state transition
type HealthMessage struct {
	Type   string                `json:"type"` // "health"
	Health pipeline.DeviceHealth `json:"health"`
}

// CommandReply acknowledges a client command
type CommandReply struct {
	Type    string `json:"type"` // "command"
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// NewFrameMessage creates a frame message from the snapshot's latest frame
func NewFrameMessage(snap pipeline.Snapshot) *FrameMessage {
	f := snap.Frame
	return &FrameMessage{
		Type:        TypeFrame,
		Source:      snap.Source,
		Seq:         f.Seq,
		Timestamp:   f.Timestamp,
		FrameWidth:  f.Width,
		FrameHeight: f.Height,
		Motion:      snap.Motion,
		Score:       snap.Score,
		Frame:       base64.StdEncoding.EncodeToString(f.Encoded),
	}
}

// NewAudioMessage creates an audio message from the snapshot's latest chunk
func NewAudioMessage(snap pipeline.Snapshot, sampleRate int) *AudioMessage {
	f := snap.Frame
	return &AudioMessage{
		Type:       TypeAudio,
		Source:     snap.Source,
		Seq:        f.Seq,
		Timestamp:  f.Timestamp,
		SampleRate: sampleRate,
		Level:      snap.Score,
		Samples:    audio.Samples(f.Encoded),
	}
}

// NewEventMessage wraps an event
func NewEventMessage(event pipeline.Event) *EventMessage {
	return &EventMessage{Type: TypeEvent, Event: event}
}

// NewHealthMessage wraps a health record
func NewHealthMessage(health pipeline.DeviceHealth) *HealthMessage {
	return &HealthMessage{Type: TypeHealth, Health: health}
}
