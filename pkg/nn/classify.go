package nn

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
)

// LinearModel is a tiny softmax crowd classifier stored as a JSON artifact.
// Features are mean luma values over a Grid x Grid pooling of the frame, so the
// artifact stays small enough to ship inside the repo and load in microseconds.
// Weights is [class][feature], Bias is [class], Classes is expected to be
// ["normal", "crowded", "stampede"].
type LinearModel struct {
	Grid    int         `json:"grid"`    // eg 8, giving 64 features
	Classes []string    `json:"classes"` // eg ["normal", "crowded", "stampede"]
	Weights [][]float32 `json:"weights"`
	Bias    []float32   `json:"bias"`
}

// Load a linear classifier artifact from a JSON file
func LoadLinearModel(filename string) (*LinearModel, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load classifier artifact %v: %w", filename, err)
	}
	model := &LinearModel{}
	if err := json.Unmarshal(b, model); err != nil {
		return nil, fmt.Errorf("failed to parse classifier artifact %v: %w", filename, err)
	}
	if err := model.validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier artifact %v: %w", filename, err)
	}
	return model, nil
}

func (m *LinearModel) validate() error {
	if m.Grid < 1 {
		return fmt.Errorf("grid must be at least 1, got %v", m.Grid)
	}
	if len(m.Classes) != 3 {
		return fmt.Errorf("expected 3 classes, got %v", len(m.Classes))
	}
	if len(m.Weights) != len(m.Classes) || len(m.Bias) != len(m.Classes) {
		return fmt.Errorf("weights/bias shape does not match %v classes", len(m.Classes))
	}
	nFeatures := m.Grid * m.Grid
	for i, row := range m.Weights {
		if len(row) != nFeatures {
			return fmt.Errorf("weights[%v] has %v values, want %v", i, len(row), nFeatures)
		}
	}
	return nil
}

func (m *LinearModel) Close() {
}

func (m *LinearModel) Classify(img *cimg.Image) (ClassifierOutput, error) {
	if img == nil || img.Width == 0 || img.Height == 0 {
		return ClassifierOutput{}, ErrClassifierUnavailable
	}
	features := pooledLuma(img, m.Grid)

	logits := make([]float32, len(m.Classes))
	for c := range m.Classes {
		v := m.Bias[c]
		for f, x := range features {
			v += m.Weights[c][f] * x
		}
		logits[c] = v
	}

	// Softmax, with the usual max subtraction for stability
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float32
	probs := make([]float32, len(logits))
	for i, v := range logits {
		probs[i] = math32.Exp(v - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}

	return ClassifierOutput{
		PNormal:   probs[0],
		PCrowded:  probs[1],
		PStampede: probs[2],
	}, nil
}

// Mean luma of each cell in a grid x grid pooling of the image, scaled to [0,1].
func pooledLuma(img *cimg.Image, grid int) []float32 {
	features := make([]float32, grid*grid)
	counts := make([]int32, grid*grid)
	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		cellY := y * grid / img.Height
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < img.Width; x++ {
			p := x * nchan
			r := int(row[p])
			g := int(row[p+1])
			b := int(row[p+2])
			luma := (19595*r + 38470*g + 7471*b) >> 16
			cell := cellY*grid + x*grid/img.Width
			features[cell] += float32(luma)
			counts[cell]++
		}
	}
	for i := range features {
		if counts[i] != 0 {
			features[i] /= float32(counts[i]) * 255
		}
	}
	return features
}
