package nn

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TuneSample is one labelled frame for threshold tuning: the raw detector
// output before fusion, plus a human-verified person count.
type TuneSample struct {
	Detections  []Detection
	ImageWidth  int
	ImageHeight int
	TrueCount   int
}

// TuneResult is the outcome of a threshold grid search.
type TuneResult struct {
	ConfidenceThreshold float32
	NmsIouThreshold     float32
	Accuracy            float64 // fraction of samples where |fused count - true count| <= 1
	MeanAbsError        float64
	CountErrorStdDev    float64
}

var (
	tuneConfidenceGrid = []float32{0.3, 0.4, 0.5, 0.6, 0.7}
	tuneNmsGrid        = []float32{0.2, 0.3, 0.4, 0.5, 0.6}
)

// Tune runs a grid search over confidence and NMS IoU thresholds, and returns
// the pair that maximizes the fraction of samples where the fused person count
// agrees with the labelled count to within one. Ties are broken by lower mean
// absolute count error, so the earliest (most permissive) grid point wins only
// when it is genuinely no worse.
// With no samples we return the defaults, with zero accuracy.
func Tune(samples []TuneSample) TuneResult {
	best := TuneResult{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		NmsIouThreshold:     DefaultNmsIouThreshold,
		MeanAbsError:        math.Inf(1),
	}
	if len(samples) == 0 {
		best.MeanAbsError = 0
		return best
	}
	for _, conf := range tuneConfidenceGrid {
		for _, nms := range tuneNmsGrid {
			r := evaluateThresholds(samples, conf, nms)
			if r.Accuracy > best.Accuracy || (r.Accuracy == best.Accuracy && r.MeanAbsError < best.MeanAbsError) {
				best = r
			}
		}
	}
	return best
}

func evaluateThresholds(samples []TuneSample, conf, nms float32) TuneResult {
	params := NewFuseParams()
	params.ConfidenceThreshold = conf
	params.NmsIouThreshold = nms

	nAgree := 0
	errors := make([]float64, 0, len(samples))
	for _, s := range samples {
		fused := Fuse(s.Detections, s.ImageWidth, s.ImageHeight, params)
		diff := len(fused) - s.TrueCount
		if diff < 0 {
			diff = -diff
		}
		if diff <= 1 {
			nAgree++
		}
		errors = append(errors, float64(diff))
	}
	return TuneResult{
		ConfidenceThreshold: conf,
		NmsIouThreshold:     nms,
		Accuracy:            float64(nAgree) / float64(len(samples)),
		MeanAbsError:        stat.Mean(errors, nil),
		CountErrorStdDev:    stat.StdDev(errors, nil),
	}
}
