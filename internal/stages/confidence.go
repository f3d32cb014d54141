package stages

import "math"

const (
	scoreExponent       = 1.35
	scoreScale          = 1.15
	inconclusivePenalty = 0.35
	// inconclusiveCap bounds the run-level score whenever synthesis
	// declined to decide, regardless of how clean the stages were.
	inconclusiveCap = 0.49
)

// stageWeights is the run-level blend across analysis stages.
var stageWeights = map[Stage]float64{
	StageExtract:    0.35,
	StageAnalyze:    0.35,
	StageSynthesize: 0.30,
}

// Score converts a stage's error ratio into a confidence value:
// 1 − min(1, ratio^1.35 × 1.15), less 0.35 when the stage was
// inconclusive, clamped to [0,1] and rounded to three decimals.
func Score(errRatio float64, inconclusive bool) float64 {
	if errRatio < 0 {
		errRatio = 0
	}

	penalty := math.Pow(errRatio, scoreExponent) * scoreScale
	if penalty > 1 {
		penalty = 1
	}

	score := 1 - penalty
	if inconclusive {
		score -= inconclusivePenalty
	}
	return round3(clamp01(score))
}

// RunScore blends per-stage confidences into the run-level score using the
// 0.35/0.35/0.30 weights, normalized over the stages present, and capped at
// 0.49 when the synthesis was inconclusive.
func RunScore(confidences map[Stage]float64, synthesisInconclusive bool) float64 {
	var total, weight float64
	for stage, w := range stageWeights {
		c, ok := confidences[stage]
		if !ok {
			continue
		}
		total += c * w
		weight += w
	}
	if weight == 0 {
		return 0
	}

	score := total / weight
	if synthesisInconclusive && score > inconclusiveCap {
		score = inconclusiveCap
	}
	return round3(clamp01(score))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
