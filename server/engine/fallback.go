package engine

import (
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/pkg/nn"
	"github.com/crowdcam/crowdcam/server/risk"
)

// fallbackAnalyze produces a degraded-mode result from measurable image
// statistics when the detectors or classifier can't run. The estimates are
// deterministic and only weakly correlated with content (larger and darker
// frames read as busier), but downstream consumers get a contract-shaped
// result instead of an error.
func fallbackAnalyze(img *cimg.Image, streamID string, thresholds risk.Thresholds, at time.Time) *risk.RiskResult {
	width := 0
	height := 0
	var avgBrightness float32
	if img != nil {
		width = img.Width
		height = img.Height
		avgBrightness = meanBrightness(img)
	}

	densityFactor := float32(width*height) / 100000
	if densityFactor > 2 {
		densityFactor = 2
	}
	brightnessFactor := (255 - avgBrightness) / 255
	if brightnessFactor < 0.3 {
		brightnessFactor = 0.3
	}
	peopleCount := int(densityFactor * brightnessFactor * 2.75)
	if peopleCount < 1 {
		peopleCount = 1
	}
	if peopleCount > 25 {
		peopleCount = 25
	}

	smaller := width
	if height < smaller {
		smaller = height
	}
	qualityBoost := float32(smaller) / 1000 * 0.25
	if qualityBoost > 0.25 {
		qualityBoost = 0.25
	}
	confidence := 0.65 + qualityBoost
	if confidence > 0.95 {
		confidence = 0.95
	}

	// Shape a pseudo classifier output from the heuristics, then run the real
	// evaluator so fallback results obey the same level rules as live ones.
	cls := nn.ClassifierOutput{PNormal: 1}
	if peopleCount >= 3 {
		cls = nn.ClassifierOutput{PCrowded: confidence}
	}
	if peopleCount >= 8 {
		cls = nn.ClassifierOutput{PStampede: confidence * 0.6, PCrowded: confidence}
	}
	density := risk.Density(peopleCount, width, height)
	level, score := risk.Evaluate(cls, peopleCount, density, 0, thresholds)

	return &risk.RiskResult{
		StreamID:        streamID,
		Level:           level,
		RiskScore:       score,
		CalibratedScore: score,
		PeopleCount:     peopleCount,
		Density:         density,
		Fallback:        true,
		Timestamp:       at,
	}
}

// Mean luma over a sparse pixel grid. Sampling every Nth pixel is plenty for
// a brightness estimate and keeps the degraded path cheap.
func meanBrightness(img *cimg.Image) float32 {
	const step = 8
	nchan := img.NChan()
	var sum int64
	var n int64
	for y := 0; y < img.Height; y += step {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < img.Width; x += step {
			p := x * nchan
			r := int(row[p])
			g := int(row[p+1])
			b := int(row[p+2])
			sum += int64((19595*r + 38470*g + 7471*b) >> 16)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float32(sum) / float32(n)
}
