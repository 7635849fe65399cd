// Package calibrate adapts raw risk scores to each stream's own baseline.
// A camera that always looks at a busy concourse should not read as elevated
// all day, and a camera on an empty corridor should flag a small crowd.
package calibrate

import (
	"sync"

	"github.com/chewxy/math32"
)

const (
	// EMA rate of the running mean
	DefaultAlpha = 0.1
	// EMA rate of the running variance
	DefaultBeta = 0.1
	// Logistic steepness on the z-score
	logisticSlope = 1.0
	// Variance floor, so a perfectly constant signal doesn't blow up the z-score
	minVariance = 1e-4
)

type streamState struct {
	mean     float32
	variance float32
	n        int64
}

// Calibrator keeps a per-stream EMA of the fused risk signal and of its
// squared deviation, and maps each new observation's z-score through a
// logistic into [0,1].
//
// The engine partitions streams across workers, so in practice each stream's
// state has a single writer. The lock makes the calibrator safe regardless.
type Calibrator struct {
	alpha float32
	beta  float32

	lock    sync.Mutex
	streams map[string]*streamState
}

func NewCalibrator(alpha, beta float32) *Calibrator {
	return &Calibrator{
		alpha:   alpha,
		beta:    beta,
		streams: map[string]*streamState{},
	}
}

// Calibrate folds fusedRisk into the stream's baseline and returns the
// calibrated score in [0,1]. With no history the score starts at 0.5 and
// drifts as evidence accumulates.
func (c *Calibrator) Calibrate(streamID string, fusedRisk float32) float32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	state := c.streams[streamID]
	if state == nil {
		state = &streamState{mean: fusedRisk}
		c.streams[streamID] = state
	}

	state.mean = (1-c.alpha)*state.mean + c.alpha*fusedRisk
	dev := fusedRisk - state.mean
	state.variance = (1-c.beta)*state.variance + c.beta*dev*dev
	state.n++

	variance := state.variance
	if variance < minVariance {
		variance = minVariance
	}
	z := (fusedRisk - state.mean) / math32.Sqrt(variance)
	return logistic(z)
}

// Samples returns how many observations the stream has folded in (0 if unknown)
func (c *Calibrator) Samples(streamID string) int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	if state := c.streams[streamID]; state != nil {
		return state.n
	}
	return 0
}

// Drop the stream's baseline
func (c *Calibrator) CloseStream(streamID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.streams, streamID)
}

func logistic(z float32) float32 {
	return 1 / (1 + math32.Exp(-logisticSlope*z))
}
