package motion

import (
	"watchpost/internal/pipeline"
)

// BlockAnalyzer detects motion by comparing per-block mean luma against a
// background baseline. Quiet frames are blended into the baseline; frames
// with motion leave it untouched so a lingering object keeps scoring.
type BlockAnalyzer struct {
	cfg pipeline.AnalysisConfig

	state    pipeline.AnalyzerState
	width    int
	height   int
	cols     int
	rows     int
	baseline []float64 // Per-block mean luma in [0,1]
	means    []float64
	flags    []bool
	warmed   int

	seq     sequenceGuard
	episode episode
}

// NewBlockAnalyzer creates a block analyzer. Unset tuning fields take the
// package defaults.
func NewBlockAnalyzer(cfg pipeline.AnalysisConfig) *BlockAnalyzer {
	return &BlockAnalyzer{
		cfg:   withDefaults(cfg),
		state: pipeline.AnalyzerWarming,
	}
}

// State returns the current baseline state
func (a *BlockAnalyzer) State() pipeline.AnalyzerState {
	return a.state
}

// Reset discards the baseline. The next frame starts a new warm-up.
func (a *BlockAnalyzer) Reset() {
	a.seq.reset()
	a.clear()
}

func (a *BlockAnalyzer) clear() {
	a.state = pipeline.AnalyzerWarming
	a.warmed = 0
	a.episode = episode{}
	for i := range a.baseline {
		a.baseline[i] = 0
	}
}

// layout sizes the block grid for a new frame geometry
func (a *BlockAnalyzer) layout(width, height int) {
	bs := a.cfg.BlockSize
	a.width, a.height = width, height
	a.cols = (width + bs - 1) / bs
	a.rows = (height + bs - 1) / bs
	n := a.cols * a.rows
	a.baseline = make([]float64, n)
	a.means = make([]float64, n)
	a.flags = make([]bool, n)
}

// Analyze scores one frame
func (a *BlockAnalyzer) Analyze(frame *pipeline.Frame) (pipeline.Result, error) {
	if !frame.Valid() {
		return pipeline.Result{State: a.state}, malformed(frame)
	}

	var reset bool
	continuous := a.seq.advance(frame.Seq)
	if frame.Width != a.width || frame.Height != a.height {
		reset = a.width != 0
		a.layout(frame.Width, frame.Height)
		a.clear()
	} else if !continuous {
		reset = true
		a.clear()
	}

	a.blockMeans(frame)

	if a.state == pipeline.AnalyzerWarming {
		a.warmed++
		n := float64(a.warmed)
		for i, m := range a.means {
			a.baseline[i] += (m - a.baseline[i]) / n
		}
		if a.warmed >= a.cfg.WarmupFrames {
			a.state = pipeline.AnalyzerTracking
		}
		return pipeline.Result{State: a.state, Reset: reset}, nil
	}

	flagged := 0
	for i, m := range a.means {
		d := m - a.baseline[i]
		if d < 0 {
			d = -d
		}
		a.flags[i] = d > a.cfg.NoiseThreshold
		if a.flags[i] {
			flagged++
		}
	}

	score := float64(flagged) / float64(len(a.means))
	result := pipeline.Result{
		Score:  score,
		Motion: score >= a.cfg.ThresholdScore,
		State:  a.state,
		Reset:  reset,
	}

	if !result.Motion {
		decay := a.cfg.DecayRate
		for i, m := range a.means {
			a.baseline[i] += decay * (m - a.baseline[i])
		}
	}

	if a.episode.update(result.Motion) {
		regions := groupRegions(a.flags, a.cols, a.rows, a.cfg.BlockSize, a.width, a.height)
		result.Event = newEvent(frame, score, regions)
	}
	return result, nil
}

// blockMeans fills a.means with the mean luma of every block, normalized to [0,1]
func (a *BlockAnalyzer) blockMeans(frame *pipeline.Frame) {
	bs := a.cfg.BlockSize
	pix := frame.Pix
	for by := 0; by < a.rows; by++ {
		y0 := by * bs
		y1 := min(y0+bs, a.height)
		for bx := 0; bx < a.cols; bx++ {
			x0 := bx * bs
			x1 := min(x0+bs, a.width)

			var sum int
			for y := y0; y < y1; y++ {
				row := pix[y*a.width : y*a.width+a.width]
				for x := x0; x < x1; x++ {
					sum += int(row[x])
				}
			}
			count := (y1 - y0) * (x1 - x0)
			a.means[by*a.cols+bx] = float64(sum) / float64(count) / 255
		}
	}
}

var _ pipeline.Analyzer = (*BlockAnalyzer)(nil)
