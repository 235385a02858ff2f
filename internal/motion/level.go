package motion

import (
	"math"

	"watchpost/internal/pipeline"
)

// LevelAnalyzer scores audio chunks by how far their RMS level rises above
// the ambient baseline. A frame's Pix row holds the |sample| envelope.
type LevelAnalyzer struct {
	cfg pipeline.AnalysisConfig

	state    pipeline.AnalyzerState
	baseline float64
	warmed   int

	seq     sequenceGuard
	episode episode
}

// NewLevelAnalyzer creates an audio level analyzer
func NewLevelAnalyzer(cfg pipeline.AnalysisConfig) *LevelAnalyzer {
	return &LevelAnalyzer{
		cfg:   withDefaults(cfg),
		state: pipeline.AnalyzerWarming,
	}
}

// State returns the current baseline state
func (a *LevelAnalyzer) State() pipeline.AnalyzerState {
	return a.state
}

// Reset discards the baseline
func (a *LevelAnalyzer) Reset() {
	a.seq.reset()
	a.clear()
}

func (a *LevelAnalyzer) clear() {
	a.state = pipeline.AnalyzerWarming
	a.baseline = 0
	a.warmed = 0
	a.episode = episode{}
}

// Analyze scores one audio chunk
func (a *LevelAnalyzer) Analyze(frame *pipeline.Frame) (pipeline.Result, error) {
	if !frame.Valid() {
		return pipeline.Result{State: a.state}, malformed(frame)
	}

	var reset bool
	if !a.seq.advance(frame.Seq) {
		reset = true
		a.clear()
	}

	level := rms(frame.Pix[:frame.Width*frame.Height])

	if a.state == pipeline.AnalyzerWarming {
		a.warmed++
		a.baseline += (level - a.baseline) / float64(a.warmed)
		if a.warmed >= a.cfg.WarmupFrames {
			a.state = pipeline.AnalyzerTracking
		}
		return pipeline.Result{State: a.state, Reset: reset}, nil
	}

	var score float64
	if a.baseline < 1 {
		score = (level - a.baseline) / (1 - a.baseline)
	}
	score = math.Max(0, math.Min(1, score))

	result := pipeline.Result{
		Score:  score,
		Motion: score >= a.cfg.ThresholdScore,
		State:  a.state,
		Reset:  reset,
	}
	if !result.Motion {
		a.baseline += a.cfg.DecayRate * (level - a.baseline)
	}

	if a.episode.update(result.Motion) {
		region := pipeline.Region{Width: frame.Width, Height: frame.Height}
		result.Event = newEvent(frame, score, []pipeline.Region{region})
	}
	return result, nil
}

// rms returns the root mean square of an 8-bit envelope, normalized to [0,1]
func rms(envelope []byte) float64 {
	if len(envelope) == 0 {
		return 0
	}
	var sum float64
	for _, v := range envelope {
		f := float64(v) / 255
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(envelope)))
}

var _ pipeline.Analyzer = (*LevelAnalyzer)(nil)
