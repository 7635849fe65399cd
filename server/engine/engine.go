// Package engine runs the frame analysis pipeline: decode, detect, fuse,
// motion, risk, calibration, persistence, alerting. Frames arrive via a
// bounded queue and are processed by a single worker per engine instance;
// run multiple instances behind a Pool to scale out.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/bmharper/ringbuffer"
	"github.com/crowdcam/crowdcam/pkg/nn"
	"github.com/crowdcam/crowdcam/server/alerts"
	"github.com/crowdcam/crowdcam/server/calibrate"
	"github.com/crowdcam/crowdcam/server/metrics"
	"github.com/crowdcam/crowdcam/server/motion"
	"github.com/crowdcam/crowdcam/server/riskdb"
	"github.com/cyclopcam/logs"

	"github.com/crowdcam/crowdcam/server/risk"
)

const (
	DefaultQueueDepth = 10
	// Per-stream buffer of unpolled results. When it fills up we evict the
	// oldest result, favoring freshness like the submit queue does.
	resultQueueSize = 16
	// Per-stream ring of recent results kept for the history API (power of 2)
	recentRingSize = 16
)

// FramePayload is one frame submitted for analysis. Either Image or Raw must
// be set; Raw is decoded on the worker.
type FramePayload struct {
	StreamID string
	Image    *cimg.Image
	Raw      []byte
	PTS      time.Time

	// Stream close generation at submit time. The worker drops the frame if
	// the stream has been closed since.
	gen int64
}

// Options configures one engine instance.
type Options struct {
	QueueDepth       int
	FuseParams       *nn.FuseParams
	Thresholds       risk.Thresholds
	PersistThreshold float32 // Calibrated score at which we keep the frame as a training sample
	IncludeBoxes     bool    // Attach fused boxes to results
	CalibrationAlpha float32
	CalibrationBeta  float32
}

func DefaultOptions() Options {
	return Options{
		QueueDepth:       DefaultQueueDepth,
		FuseParams:       nn.NewFuseParams(),
		Thresholds:       risk.DefaultThresholds(),
		PersistThreshold: 0.75,
		IncludeBoxes:     true,
		CalibrationAlpha: calibrate.DefaultAlpha,
		CalibrationBeta:  calibrate.DefaultBeta,
	}
}

type streamState struct {
	results chan *risk.RiskResult
	recent  *ringbuffer.RingP[*risk.RiskResult]
}

// Engine is one worker plus its bounded queue and per-stream state.
type Engine struct {
	log        logs.Log
	options    Options
	detectors  []nn.PersonDetector
	classifier nn.Classifier
	motion     *motion.Scorer
	calibrator *calibrate.Calibrator

	// Optional sinks. Any of these may be nil.
	db      *riskdb.RiskDB
	alerts  *alerts.Broker
	metrics *metrics.Metrics

	queue         chan *FramePayload
	shutdown      chan bool
	mustStop      atomic.Bool
	workerStopped chan bool

	streamsLock sync.Mutex
	streams     map[string]*streamState
	// Incremented by CloseStream. A queued frame whose generation doesn't
	// match is stale and gets dropped instead of resurrecting the stream.
	streamGen map[string]int64

	watchersLock sync.RWMutex
	watchers     map[string][]chan *risk.RiskResult

	// One throttle window per cause (keyed by format string), so a flood of
	// one error class doesn't suppress the first log of another
	lastErrLock sync.Mutex
	lastErrAt   map[string]time.Time
}

// NewEngine starts an engine. detectors and classifier may be empty/nil, in
// which case every frame takes the fallback path.
func NewEngine(log logs.Log, options Options, detectors []nn.PersonDetector, classifier nn.Classifier, db *riskdb.RiskDB, alertBroker *alerts.Broker, m *metrics.Metrics) *Engine {
	if options.QueueDepth < 1 {
		options.QueueDepth = DefaultQueueDepth
	}
	if options.FuseParams == nil {
		options.FuseParams = nn.NewFuseParams()
	}
	e := &Engine{
		log:           log,
		options:       options,
		detectors:     detectors,
		classifier:    classifier,
		motion:        motion.NewScorer(),
		calibrator:    calibrate.NewCalibrator(options.CalibrationAlpha, options.CalibrationBeta),
		db:            db,
		alerts:        alertBroker,
		metrics:       m,
		queue:         make(chan *FramePayload, options.QueueDepth),
		shutdown:      make(chan bool),
		workerStopped: make(chan bool),
		streams:       map[string]*streamState{},
		streamGen:     map[string]int64{},
		watchers:      map[string][]chan *risk.RiskResult{},
		lastErrAt:     map[string]time.Time{},
	}
	go e.worker()
	return e
}

func (e *Engine) Close() {
	e.log.Infof("Engine shutting down")
	e.mustStop.Store(true)
	close(e.shutdown)
	<-e.workerStopped
	for _, d := range e.detectors {
		d.Close()
	}
	if e.classifier != nil {
		e.classifier.Close()
	}
	e.log.Infof("Engine is closed")
}

// Submit queues a frame for analysis. Returns false, dropping the frame, if
// the queue is full or the engine is shutting down. Never blocks.
func (e *Engine) Submit(streamID string, payload FramePayload) bool {
	if e.mustStop.Load() {
		return false
	}
	payload.StreamID = streamID
	if payload.PTS.IsZero() {
		payload.PTS = time.Now()
	}
	e.streamsLock.Lock()
	payload.gen = e.streamGen[streamID]
	e.streamsLock.Unlock()
	if e.metrics != nil {
		e.metrics.FramesSubmitted.Add(1)
	}
	select {
	case e.queue <- &payload:
		if e.metrics != nil {
			e.metrics.QueueDepth.Add(1)
		}
		return true
	default:
		if e.metrics != nil {
			e.metrics.FramesDropped.Add(1)
		}
		return false
	}
}

// Poll returns the oldest unconsumed result for the stream. Never blocks;
// a stream with no pending results (or an unknown stream) returns (nil, false).
func (e *Engine) Poll(streamID string) (*risk.RiskResult, bool) {
	e.streamsLock.Lock()
	state := e.streams[streamID]
	e.streamsLock.Unlock()
	if state == nil {
		return nil, false
	}
	select {
	case res := <-state.results:
		return res, true
	default:
		return nil, false
	}
}

// Recent returns up to limit recent results for the stream, oldest first.
// Unlike Poll, this does not consume.
func (e *Engine) Recent(streamID string, limit int) []*risk.RiskResult {
	e.streamsLock.Lock()
	state := e.streams[streamID]
	e.streamsLock.Unlock()
	if state == nil {
		return nil
	}
	n := state.recent.Len()
	start := 0
	if limit > 0 && n > limit {
		start = n - limit
	}
	out := make([]*risk.RiskResult, 0, n-start)
	for i := start; i < n; i++ {
		out = append(out, state.recent.Peek(i))
	}
	return out
}

// CloseStream discards the stream's queued results and evicts its
// calibration baseline and motion state. Frames already sitting in the submit
// queue for this stream are dropped by the worker, not processed.
func (e *Engine) CloseStream(streamID string) {
	e.streamsLock.Lock()
	state := e.streams[streamID]
	delete(e.streams, streamID)
	e.streamGen[streamID]++
	e.streamsLock.Unlock()
	if state != nil {
		for {
			select {
			case <-state.results:
			default:
				if e.metrics != nil {
					e.metrics.ActiveStreams.Add(-1)
				}
				e.motion.CloseStream(streamID)
				e.calibrator.CloseStream(streamID)
				return
			}
		}
	}
	e.motion.CloseStream(streamID)
	e.calibrator.CloseStream(streamID)
}

// AnalyzeImage runs the pipeline synchronously, bypassing the queue. If ctx
// expires before the pipeline finishes, we return a fallback result derived
// from image statistics instead of blocking the caller.
func (e *Engine) AnalyzeImage(ctx context.Context, payload FramePayload) *risk.RiskResult {
	if payload.PTS.IsZero() {
		payload.PTS = time.Now()
	}
	done := make(chan *risk.RiskResult, 1)
	go func() {
		// One-shot analysis: no stream, so no motion or calibration history
		done <- e.analyzeFrame(&payload, false)
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if e.metrics != nil {
			e.metrics.FallbackResults.Add(1)
		}
		return fallbackAnalyze(payload.Image, payload.StreamID, e.options.Thresholds, payload.PTS)
	}
}

func (e *Engine) worker() {
	defer close(e.workerStopped)
	for {
		select {
		case <-e.shutdown:
			return
		case payload := <-e.queue:
			if e.metrics != nil {
				e.metrics.QueueDepth.Add(-1)
			}
			e.streamsLock.Lock()
			stale := payload.gen != e.streamGen[payload.StreamID]
			e.streamsLock.Unlock()
			if stale {
				if e.metrics != nil {
					e.metrics.FramesDropped.Add(1)
				}
				continue
			}
			res := e.analyzeFrame(payload, true)
			if res == nil {
				continue
			}
			e.pushResult(payload.StreamID, res)
		}
	}
}

func (e *Engine) pushResult(streamID string, res *risk.RiskResult) {
	e.streamsLock.Lock()
	state := e.streams[streamID]
	if state == nil {
		state = &streamState{
			results: make(chan *risk.RiskResult, resultQueueSize),
			recent:  ringbuffer.NewRingP[*risk.RiskResult](recentRingSize),
		}
		e.streams[streamID] = state
		if e.metrics != nil {
			e.metrics.ActiveStreams.Add(1)
		}
	}
	state.recent.Add(res)
	e.streamsLock.Unlock()

	e.sendToWatchers(res)

	for {
		select {
		case state.results <- res:
			return
		default:
			// Consumer is not polling. Evict the oldest result.
			select {
			case <-state.results:
			default:
			}
		}
	}
}

func (e *Engine) throttledError(format string, args ...any) {
	e.lastErrLock.Lock()
	defer e.lastErrLock.Unlock()
	now := time.Now()
	if now.Sub(e.lastErrAt[format]) > 15*time.Second {
		e.lastErrAt[format] = now
		e.log.Errorf(format, args...)
	}
}
