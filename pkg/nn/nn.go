package nn

// Package nn is the person detection and crowd classification interface layer.

import (
	"errors"
	"time"
)

const DefaultConfidenceThreshold = 0.5
const DefaultNmsIouThreshold = 0.4

// Returned by detector/classifier implementations when the underlying model
// could not be loaded, or has been closed. Callers route these to the
// degraded-mode provider instead of failing the request.
var ErrDetectorUnavailable = errors.New("person detector unavailable")
var ErrClassifierUnavailable = errors.New("crowd classifier unavailable")

// DetectorSource identifies which kind of detector produced a Detection.
type DetectorSource int

const (
	SourceFace    DetectorSource = iota // body box extrapolated from a detected face
	SourceBody                          // full-body detector
	SourceLearned                       // learned (NN) detector
)

func (s DetectorSource) String() string {
	switch s {
	case SourceFace:
		return "face"
	case SourceBody:
		return "body"
	case SourceLearned:
		return "learned"
	}
	return "unknown"
}

// Detection is one person that a detector has found in an image.
// Detections are throwaway values: they exist between a detector call and the
// fusion pass, and only the fused survivors are reported onward.
type Detection struct {
	Box        Rect           `json:"box"`
	Confidence float32        `json:"confidence"`
	Source     DetectorSource `json:"source"`
}

// Results of running all detectors + fusion on one frame
type DetectionResult struct {
	StreamID    string      `json:"streamID,omitempty"`
	ImageWidth  int         `json:"imageWidth"`
	ImageHeight int         `json:"imageHeight"`
	People      []Detection `json:"people"`
	FramePTS    time.Time   `json:"framePTS"`
}

// PeopleCount is the size of the post-fusion set. Never report a raw
// pre-filter count; overlapping detectors make it meaningless.
func (r *DetectionResult) PeopleCount() int {
	return len(r.People)
}
