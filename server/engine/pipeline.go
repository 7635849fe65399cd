package engine

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/pkg/nn"
	"github.com/crowdcam/crowdcam/server/decode"
	"github.com/crowdcam/crowdcam/server/risk"
)

// analyzeFrame runs the full pipeline on one frame. streaming is true on the
// async path, where the frame belongs to a stream with motion and calibration
// history; the one-shot path has neither.
//
// A nil return means the frame was unusable (decode failure). Every other
// outcome, including total detector/classifier failure, produces a result.
func (e *Engine) analyzeFrame(payload *FramePayload, streaming bool) *risk.RiskResult {
	img := payload.Image
	if img == nil {
		var err error
		img, err = decode.Bytes(payload.Raw)
		if err != nil {
			if e.metrics != nil {
				e.metrics.DecodeErrors.Add(1)
			}
			e.throttledError("Failed to decode frame on stream %v: %v", payload.StreamID, err)
			return nil
		}
	}

	rawDetections := []nn.Detection{}
	detectorOK := false
	for _, d := range e.detectors {
		dets, err := d.DetectPeople(img)
		if err != nil {
			e.throttledError("Person detector failed on stream %v: %v", payload.StreamID, err)
			continue
		}
		detectorOK = true
		rawDetections = append(rawDetections, dets...)
	}

	cls := nn.ClassifierOutput{}
	classifierOK := false
	if e.classifier != nil {
		out, err := e.classifier.Classify(img)
		if err != nil {
			e.throttledError("Classifier failed on stream %v: %v", payload.StreamID, err)
		} else {
			cls = out
			classifierOK = true
		}
	}

	if !detectorOK && !classifierOK {
		res := fallbackAnalyze(img, payload.StreamID, e.options.Thresholds, payload.PTS)
		if e.metrics != nil {
			e.metrics.FallbackResults.Add(1)
		}
		e.finishResult(img, res, streaming)
		return res
	}

	// One signal survived but a configured dependency errored: continue with
	// what we have, but flag the result so consumers know the classification
	// or detection signal is missing.
	degraded := (len(e.detectors) > 0 && !detectorOK) || (e.classifier != nil && !classifierOK)

	fused := nn.Fuse(rawDetections, img.Width, img.Height, e.options.FuseParams)
	peopleCount := len(fused)

	density := risk.Density(peopleCount, img.Width, img.Height)
	if cls.HasAux && cls.DensityEstimate > density {
		density = cls.DensityEstimate
	}

	var motionScore float32
	if streaming {
		motionScore = e.motion.Score(payload.StreamID, img)
	}

	level, score := risk.Evaluate(cls, peopleCount, density, motionScore, e.options.Thresholds)
	calibrated := score
	if streaming {
		calibrated = e.calibrator.Calibrate(payload.StreamID, score)
	}

	res := &risk.RiskResult{
		StreamID:        payload.StreamID,
		Level:           level,
		RiskScore:       score,
		CalibratedScore: calibrated,
		PeopleCount:     peopleCount,
		Density:         density,
		MotionScore:     motionScore,
		Fallback:        degraded,
		Timestamp:       payload.PTS,
	}
	if e.options.IncludeBoxes {
		res.Boxes = fused
	}
	e.finishResult(img, res, streaming)
	return res
}

// finishResult routes a completed result to persistence, alerting and metrics.
// Sink failures are logged and swallowed; they never fail the analysis.
func (e *Engine) finishResult(img *cimg.Image, res *risk.RiskResult, streaming bool) {
	if e.metrics != nil {
		e.metrics.FramesAnalyzed.Add(1)
	}
	if e.db != nil {
		if err := e.db.AddAnalysis(res); err != nil {
			e.throttledError("Failed to persist analysis: %v", err)
		}
	}
	if res.Level.Alertable() {
		ev := &risk.AlertEvent{
			StreamID:    res.StreamID,
			Severity:    res.Level,
			Message:     fmt.Sprintf("%v on stream %v: %v people, risk %.2f", res.Level, res.StreamID, res.PeopleCount, res.RiskScore),
			RiskScore:   res.RiskScore,
			PeopleCount: res.PeopleCount,
			Timestamp:   res.Timestamp,
		}
		if e.alerts != nil {
			e.alerts.Send(ev)
		}
		if e.db != nil {
			if err := e.db.AddAlert(ev); err != nil {
				e.throttledError("Failed to persist alert: %v", err)
			}
		}
		if e.metrics != nil {
			e.metrics.AlertsEmitted.Add(1)
		}
	}
	// Frames the calibrator finds anomalous are worth labeling, but fallback
	// estimates say nothing about the actual scene, so don't train on those.
	if streaming && !res.Fallback && e.db != nil && res.CalibratedScore >= e.options.PersistThreshold {
		if err := e.db.AddSample(img, res); err != nil {
			e.throttledError("Failed to persist active-learning sample: %v", err)
		} else if e.metrics != nil {
			e.metrics.SamplesWritten.Add(1)
		}
	}
}
