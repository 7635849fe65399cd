package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// FuseParams controls the detection fusion pass.
// The zero value is not usable; start from NewFuseParams().
type FuseParams struct {
	ConfidenceThreshold float32 // Drop detections below this confidence
	NmsIouThreshold     float32 // Suppress the lower-confidence box of any pair with IoU >= this
	MinWidth            int     // Drop boxes narrower than this
	MinHeight           int     // Drop boxes shorter than this
	MaxWidth            int     // Drop boxes wider than this
	MaxHeight           int     // Drop boxes taller than this
	BorderMargin        int     // Drop boxes within this many pixels of the image border
	MinAspectRatio      float32 // Drop boxes with height/width below this
}

// Create a default FuseParams object
func NewFuseParams() *FuseParams {
	return &FuseParams{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		NmsIouThreshold:     DefaultNmsIouThreshold,
		MinWidth:            30,
		MinHeight:           50,
		MaxWidth:            300,
		MaxHeight:           400,
		BorderMargin:        5,
		MinAspectRatio:      1.2,
	}
}

// Fuse merges the raw output of one or more person detectors into a single
// deduplicated detection set for a frame. The resulting slice is the unit of
// truth for people counting; its ordering carries no meaning.
//
// Pipeline: geometric plausibility filter, confidence filter, then greedy NMS
// (highest confidence first, suppress everything overlapping it).
func Fuse(input []Detection, imageWidth, imageHeight int, params *FuseParams) []Detection {
	filtered := make([]Detection, 0, len(input))
	for _, det := range input {
		if !plausiblePerson(det, imageWidth, imageHeight, params) {
			continue
		}
		if det.Confidence < params.ConfidenceThreshold {
			continue
		}
		filtered = append(filtered, det)
	}
	if len(filtered) <= 1 {
		return filtered
	}

	// Highest confidence first, so the greedy pass always keeps the best box
	// of an overlapping cluster.
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Confidence > filtered[j].Confidence
	})

	// Spatial index to avoid O(N^2) IoU comparisons on busy frames
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(filtered))
	for _, det := range filtered {
		fb.Add(int32(det.Box.X), int32(det.Box.Y), int32(det.Box.X2()), int32(det.Box.Y2()))
	}
	fb.Finish()

	suppressed := make([]bool, len(filtered))
	result := make([]Detection, 0, len(filtered))
	for i, det := range filtered {
		if suppressed[i] {
			continue
		}
		result = append(result, det)
		for _, j := range fb.Search(int32(det.Box.X), int32(det.Box.Y), int32(det.Box.X2()), int32(det.Box.Y2())) {
			if j == i || suppressed[j] {
				continue
			}
			// filtered is confidence-descending, so j > i implies filtered[j]
			// is the weaker of the pair.
			if j > i && det.Box.IOU(filtered[j].Box) >= params.NmsIouThreshold {
				suppressed[j] = true
			}
		}
	}
	return result
}

func plausiblePerson(det Detection, imageWidth, imageHeight int, params *FuseParams) bool {
	box := det.Box
	if box.Width < params.MinWidth || box.Height < params.MinHeight {
		return false
	}
	if box.Width > params.MaxWidth || box.Height > params.MaxHeight {
		return false
	}
	if box.TouchesBorder(imageWidth, imageHeight, params.BorderMargin) {
		return false
	}
	if box.AspectRatio() < params.MinAspectRatio {
		return false
	}
	return true
}
