package engine

import (
	"context"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/pkg/nn"
	"github.com/crowdcam/crowdcam/server/alerts"
	"github.com/crowdcam/crowdcam/server/detect"
	"github.com/crowdcam/crowdcam/server/risk"
	"github.com/crowdcam/crowdcam/server/riskdb"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// gateDetector blocks inside DetectPeople until released, so tests can hold
// the worker mid-frame and fill the queue deterministically.
type gateDetector struct {
	gate chan bool
}

func (d *gateDetector) Close() {
}

func (d *gateDetector) DetectPeople(img *cimg.Image) ([]nn.Detection, error) {
	<-d.gate
	return nil, nil
}

func testFrame() FramePayload {
	return FramePayload{Image: cimg.NewImage(640, 480, cimg.PixelFormatRGB)}
}

// crowdDetections returns n plausible, non-overlapping person boxes in a
// 640x480 frame.
func crowdDetections(n int) []nn.Detection {
	dets := []nn.Detection{}
	for y := 10; y < 380 && len(dets) < n; y += 140 {
		for x := 10; x < 580 && len(dets) < n; x += 55 {
			dets = append(dets, nn.Detection{
				Box:        nn.MakeRect(x, y, 40, 80),
				Confidence: 0.9,
				Source:     nn.SourceBody,
			})
		}
	}
	return dets
}

func newTestEngine(t *testing.T, detectors []nn.PersonDetector) *Engine {
	e := NewEngine(logs.NewTestingLog(t), DefaultOptions(), detectors, nil, nil, nil, nil)
	t.Cleanup(e.Close)
	return e
}

func pollWait(t *testing.T, e *Engine, streamID string) *risk.RiskResult {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := e.Poll(streamID); ok {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("No result for stream %v", streamID)
	return nil
}

func TestSubmitBackpressure(t *testing.T) {
	gate := &gateDetector{gate: make(chan bool)}
	e := newTestEngine(t, []nn.PersonDetector{gate})

	// First frame occupies the worker. Give it a moment to be dequeued.
	require.True(t, e.Submit("cam1", testFrame()))
	time.Sleep(50 * time.Millisecond)

	// The queue itself holds QueueDepth frames, then Submit must refuse.
	for i := 0; i < DefaultQueueDepth; i++ {
		require.True(t, e.Submit("cam1", testFrame()), "submit %v should fit in the queue", i)
	}
	require.False(t, e.Submit("cam1", testFrame()))

	close(gate.gate)
	// All accepted frames drain and yield results; the dropped one does not.
	for i := 0; i < DefaultQueueDepth+1; i++ {
		pollWait(t, e, "cam1")
	}
	_, ok := e.Poll("cam1")
	require.False(t, ok)
}

func TestPollUnknownStream(t *testing.T) {
	e := newTestEngine(t, nil)
	res, ok := e.Poll("nosuchstream")
	require.Nil(t, res)
	require.False(t, ok)
}

func TestResultsInSubmissionOrder(t *testing.T) {
	e := newTestEngine(t, []nn.PersonDetector{detect.NewStaticDetector(nil)})
	base := time.Now()
	for i := 0; i < 5; i++ {
		f := testFrame()
		f.PTS = base.Add(time.Duration(i) * time.Second)
		require.True(t, e.Submit("cam1", f))
		// Wait for each frame so none are dropped
		res := pollWait(t, e, "cam1")
		require.Equal(t, f.PTS, res.Timestamp)
	}
}

func TestCrowdedFrameRaisesAlert(t *testing.T) {
	broker := alerts.NewBroker(logs.NewTestingLog(t), "")
	alertCh := broker.AddWatcher()
	det := detect.NewStaticDetector(crowdDetections(17))
	e := NewEngine(logs.NewTestingLog(t), DefaultOptions(), []nn.PersonDetector{det}, nil, nil, broker, nil)
	t.Cleanup(e.Close)

	require.True(t, e.Submit("cam1", testFrame()))
	res := pollWait(t, e, "cam1")
	require.Equal(t, 17, res.PeopleCount)
	require.Equal(t, risk.LevelHighRisk, res.Level)
	require.Len(t, res.Boxes, 17)

	select {
	case ev := <-alertCh:
		require.Equal(t, "cam1", ev.StreamID)
		require.Equal(t, risk.LevelHighRisk, ev.Severity)
		require.Equal(t, 17, ev.PeopleCount)
	case <-time.After(5 * time.Second):
		t.Fatal("No alert event received")
	}
}

func TestQuietFrameNoAlert(t *testing.T) {
	broker := alerts.NewBroker(logs.NewTestingLog(t), "")
	alertCh := broker.AddWatcher()
	det := detect.NewStaticDetector(crowdDetections(2))
	e := NewEngine(logs.NewTestingLog(t), DefaultOptions(), []nn.PersonDetector{det}, nil, nil, broker, nil)
	t.Cleanup(e.Close)

	require.True(t, e.Submit("cam1", testFrame()))
	res := pollWait(t, e, "cam1")
	require.Equal(t, risk.LevelNormal, res.Level)
	require.Len(t, alertCh, 0)
}

func TestFallbackWhenNoDetectors(t *testing.T) {
	e := newTestEngine(t, nil)
	res := e.AnalyzeImage(context.Background(), testFrame())
	require.NotNil(t, res)
	require.True(t, res.Fallback)
	require.GreaterOrEqual(t, res.PeopleCount, 1)
	require.LessOrEqual(t, res.PeopleCount, 25)
}

func TestFallbackWhenDetectorFails(t *testing.T) {
	det := detect.NewStaticDetector(nil)
	det.SetError(nn.ErrDetectorUnavailable)
	e := newTestEngine(t, []nn.PersonDetector{det})

	require.True(t, e.Submit("cam1", testFrame()))
	res := pollWait(t, e, "cam1")
	require.True(t, res.Fallback)
}

// failingClassifier always reports itself unavailable.
type failingClassifier struct {
}

func (c *failingClassifier) Close() {
}

func (c *failingClassifier) Classify(img *cimg.Image) (nn.ClassifierOutput, error) {
	return nn.ClassifierOutput{}, nn.ErrClassifierUnavailable
}

func TestDegradedWhenClassifierFails(t *testing.T) {
	// A working detector alongside a broken classifier: the real person count
	// is kept, but the result must be flagged degraded so consumers know the
	// classification signal is missing.
	det := detect.NewStaticDetector(crowdDetections(4))
	e := NewEngine(logs.NewTestingLog(t), DefaultOptions(), []nn.PersonDetector{det}, &failingClassifier{}, nil, nil, nil)
	t.Cleanup(e.Close)

	require.True(t, e.Submit("cam1", testFrame()))
	res := pollWait(t, e, "cam1")
	require.True(t, res.Fallback)
	require.Equal(t, 4, res.PeopleCount)
}

func TestErrorThrottlePerCause(t *testing.T) {
	e := newTestEngine(t, nil)
	// Each distinct cause gets its own throttle window: a flood of one error
	// class must not swallow the first log of another.
	e.throttledError("decode failed on stream %v: %v", "cam1", "bad header")
	e.throttledError("decode failed on stream %v: %v", "cam1", "bad header")
	e.throttledError("detector failed on stream %v: %v", "cam1", "model gone")
	require.Len(t, e.lastErrAt, 2)

	// A repeat inside the window is suppressed and doesn't refresh the window
	before := e.lastErrAt["decode failed on stream %v: %v"]
	e.throttledError("decode failed on stream %v: %v", "cam1", "bad header")
	require.Equal(t, before, e.lastErrAt["decode failed on stream %v: %v"])
}

func TestAnalyzeImageDeadline(t *testing.T) {
	gate := &gateDetector{gate: make(chan bool)}
	e := newTestEngine(t, []nn.PersonDetector{gate})
	t.Cleanup(func() { close(gate.gate) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := e.AnalyzeImage(ctx, testFrame())
	require.Less(t, time.Since(start), 3*time.Second)
	require.True(t, res.Fallback)
}

func TestCloseStreamEvictsState(t *testing.T) {
	e := newTestEngine(t, []nn.PersonDetector{detect.NewStaticDetector(nil)})
	require.True(t, e.Submit("cam1", testFrame()))
	pollWait(t, e, "cam1")

	e.CloseStream("cam1")
	_, ok := e.Poll("cam1")
	require.False(t, ok)
	require.Empty(t, e.Recent("cam1", 10))
}

func TestCloseStreamDiscardsQueuedFrames(t *testing.T) {
	gate := &gateDetector{gate: make(chan bool)}
	e := newTestEngine(t, []nn.PersonDetector{gate})

	// Occupy the worker with another stream's frame, then queue up frames for
	// cam1 and close it while they're still waiting.
	require.True(t, e.Submit("other", testFrame()))
	time.Sleep(50 * time.Millisecond)
	require.True(t, e.Submit("cam1", testFrame()))
	require.True(t, e.Submit("cam1", testFrame()))
	e.CloseStream("cam1")

	close(gate.gate)
	pollWait(t, e, "other")

	// The queued cam1 frames must be dropped, not processed: no result, and
	// no resurrected calibration or motion state.
	time.Sleep(100 * time.Millisecond)
	_, ok := e.Poll("cam1")
	require.False(t, ok)
	require.EqualValues(t, 0, e.calibrator.Samples("cam1"))
	require.Equal(t, 1, e.motion.NumStreams())

	// The stream is usable again after close
	require.True(t, e.Submit("cam1", testFrame()))
	pollWait(t, e, "cam1")
}

func TestRecentHistory(t *testing.T) {
	e := newTestEngine(t, []nn.PersonDetector{detect.NewStaticDetector(nil)})
	for i := 0; i < 3; i++ {
		require.True(t, e.Submit("cam1", testFrame()))
		pollWait(t, e, "cam1")
	}
	recent := e.Recent("cam1", 2)
	require.Len(t, recent, 2)
	require.Len(t, e.Recent("cam1", 0), 3)
}

func TestActiveLearningSample(t *testing.T) {
	db, err := riskdb.Open(logs.NewTestingLog(t), t.TempDir(), riskdb.DefaultRetentionPolicy())
	require.NoError(t, err)
	t.Cleanup(db.Close)

	det := detect.NewStaticDetector(nil)
	e := NewEngine(logs.NewTestingLog(t), DefaultOptions(), []nn.PersonDetector{det}, nil, db, nil, nil)
	t.Cleanup(e.Close)

	// Build a quiet baseline. Calibrated scores hover near 0.5, below the
	// persistence threshold, so none of these frames become samples.
	for i := 0; i < 20; i++ {
		require.True(t, e.Submit("cam1", testFrame()))
		res := pollWait(t, e, "cam1")
		require.Less(t, res.CalibratedScore, float32(0.75))
	}
	n, err := db.NumSamples()
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	// A sudden crowd is far outside the baseline: the calibrator flags it and
	// the frame is kept for labeling.
	det.SetDetections(crowdDetections(17))
	require.True(t, e.Submit("cam1", testFrame()))
	res := pollWait(t, e, "cam1")
	require.GreaterOrEqual(t, res.CalibratedScore, float32(0.75))

	n, err = db.NumSamples()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Every analyzed frame left an analysis row
	rows, err := db.RecentAnalysis("cam1", 100)
	require.NoError(t, err)
	require.Len(t, rows, 21)
}

func TestBadFrameYieldsNoResult(t *testing.T) {
	e := newTestEngine(t, []nn.PersonDetector{detect.NewStaticDetector(nil)})
	require.True(t, e.Submit("cam1", FramePayload{Raw: []byte("not an image")}))
	require.True(t, e.Submit("cam1", testFrame()))
	// Only the good frame produces a result
	pollWait(t, e, "cam1")
	time.Sleep(50 * time.Millisecond)
	_, ok := e.Poll("cam1")
	require.False(t, ok)
}
