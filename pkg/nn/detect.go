package nn

import (
	"github.com/bmharper/cimg/v2"
)

// PersonDetector is given an image, and returns zero or more person detections.
// Implementations tag every Detection with their DetectorSource, and must be
// safe against nil/empty images (return an empty slice, not a panic).
type PersonDetector interface {
	// Close closes the detector (you MUST call this when finished, because
	// implementations may hold model memory)
	Close()

	// DetectPeople returns the raw, unfused person detections in the image.
	// Callers are expected to pass the combined output of all detectors
	// through Fuse before counting anything.
	DetectPeople(img *cimg.Image) ([]Detection, error)
}

// ClassifierOutput is one frame's crowd classification: a probability
// distribution over the three crowd states, summing to 1.
type ClassifierOutput struct {
	PNormal   float32 `json:"pNormal"`
	PCrowded  float32 `json:"pCrowded"`
	PStampede float32 `json:"pStampede"`

	// Auxiliary regression heads. Only meaningful when HasAux is true;
	// artifacts without those heads leave them zero.
	DensityEstimate float32 `json:"densityEstimate,omitempty"`
	CountEstimate   float32 `json:"countEstimate,omitempty"`
	HasAux          bool    `json:"hasAux,omitempty"`
}

// Classifier is the trained crowd-state artifact. The runtime treats it as an
// opaque, swappable dependency.
type Classifier interface {
	Close()
	Classify(img *cimg.Image) (ClassifierOutput, error)
}

// Ensemble averages the probability vectors of several classifiers.
// An ensemble of one behaves exactly like its member.
type Ensemble struct {
	Members []Classifier
}

func NewEnsemble(members ...Classifier) *Ensemble {
	return &Ensemble{Members: members}
}

func (e *Ensemble) Close() {
	for _, m := range e.Members {
		m.Close()
	}
}

func (e *Ensemble) Classify(img *cimg.Image) (ClassifierOutput, error) {
	if len(e.Members) == 0 {
		return ClassifierOutput{}, ErrClassifierUnavailable
	}
	sum := ClassifierOutput{}
	nOK := 0
	var firstErr error
	for _, m := range e.Members {
		out, err := m.Classify(img)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sum.PNormal += out.PNormal
		sum.PCrowded += out.PCrowded
		sum.PStampede += out.PStampede
		if out.HasAux {
			sum.DensityEstimate += out.DensityEstimate
			sum.CountEstimate += out.CountEstimate
			sum.HasAux = true
		}
		nOK++
	}
	if nOK == 0 {
		return ClassifierOutput{}, firstErr
	}
	n := float32(nOK)
	sum.PNormal /= n
	sum.PCrowded /= n
	sum.PStampede /= n
	sum.DensityEstimate /= n
	sum.CountEstimate /= n
	return sum, nil
}
