// Package risk turns classifier output, people counts and motion into a
// discrete risk level and a continuous risk score.
package risk

import (
	"fmt"

	"github.com/crowdcam/crowdcam/pkg/nn"
)

// Level is the severity of the crowd situation. Higher is worse.
type Level int

const (
	LevelNormal Level = iota
	LevelCrowded
	LevelHighRisk
	LevelStampedeImminent
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelCrowded:
		return "CROWDED"
	case LevelHighRisk:
		return "HIGH_RISK"
	case LevelStampedeImminent:
		return "STAMPEDE_IMMINENT"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "NORMAL":
		*l = LevelNormal
	case "CROWDED":
		*l = LevelCrowded
	case "HIGH_RISK":
		*l = LevelHighRisk
	case "STAMPEDE_IMMINENT":
		*l = LevelStampedeImminent
	default:
		return fmt.Errorf("unknown risk level '%v'", string(b))
	}
	return nil
}

// Alertable is true for levels severe enough to emit an alert event.
func (l Level) Alertable() bool {
	return l >= LevelHighRisk
}

// Thresholds holds the decision boundaries of the evaluator.
// All are "exceeds" tests (strictly greater than).
type Thresholds struct {
	StampedePStampede float32 `json:"stampedePStampede"`
	StampedeMinPeople int     `json:"stampedeMinPeople"`
	StampedeDensity   float32 `json:"stampedeDensity"`
	HighPStampede     float32 `json:"highPStampede"`
	CrowdedMaxPeople  int     `json:"crowdedMaxPeople"`
	HighDensity       float32 `json:"highDensity"`
	CrowdedPCrowded   float32 `json:"crowdedPCrowded"`
	NormalMaxPeople   int     `json:"normalMaxPeople"`
	CrowdedDensity    float32 `json:"crowdedDensity"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StampedePStampede: 0.7,
		StampedeMinPeople: 20,
		StampedeDensity:   0.8,
		HighPStampede:     0.4,
		CrowdedMaxPeople:  15,
		HighDensity:       0.6,
		CrowdedPCrowded:   0.5,
		NormalMaxPeople:   5,
		CrowdedDensity:    0.3,
	}
}

// Nominal footprint of one person in a frame, in pixels. This is a deliberate
// rough constant, used only to turn a people count into a 0..1 density.
const personAreaPixels = 75 * 150

// Density of a crowd of peopleCount in a frame of the given size, in [0,1].
func Density(peopleCount, imageWidth, imageHeight int) float32 {
	frameArea := imageWidth * imageHeight
	if frameArea <= 0 || peopleCount <= 0 {
		return 0
	}
	d := float32(peopleCount) * personAreaPixels / float32(frameArea)
	if d > 1 {
		d = 1
	}
	return d
}

// Evaluate maps one frame's signals to a risk level and score. It is a pure
// function: all cross-frame adaptation lives in the calibrator.
//
// The level is decided most-severe-first, so the first rule that fires wins.
// The score blends a people-count term with the worst of the stampede
// probability and the density, then mixes in the motion score.
func Evaluate(cls nn.ClassifierOutput, peopleCount int, density, motionScore float32, th Thresholds) (Level, float32) {
	level := LevelNormal
	switch {
	case cls.PStampede > th.StampedePStampede || peopleCount > th.StampedeMinPeople || density > th.StampedeDensity:
		level = LevelStampedeImminent
	case cls.PStampede > th.HighPStampede || peopleCount > th.CrowdedMaxPeople || density > th.HighDensity:
		level = LevelHighRisk
	case cls.PCrowded > th.CrowdedPCrowded || peopleCount > th.NormalMaxPeople || density > th.CrowdedDensity:
		level = LevelCrowded
	}

	countTerm := float32(peopleCount) / 12
	if countTerm > 1 {
		countTerm = 1
	}
	worst := cls.PStampede
	if density > worst {
		worst = density
	}
	score := 0.5*countTerm + 0.5*worst*countTerm
	fused := 0.7*score + 0.3*motionScore
	if fused > 1 {
		fused = 1
	} else if fused < 0 {
		fused = 0
	}
	return level, fused
}
