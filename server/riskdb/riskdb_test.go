package riskdb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/pkg/nn"
	"github.com/crowdcam/crowdcam/server/risk"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, retention RetentionPolicy) *RiskDB {
	db, err := Open(logs.NewTestingLog(t), t.TempDir(), retention)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func testResult(streamID string, at time.Time, level risk.Level) *risk.RiskResult {
	return &risk.RiskResult{
		StreamID:        streamID,
		Level:           level,
		RiskScore:       0.8,
		CalibratedScore: 0.9,
		PeopleCount:     17,
		Density:         0.5,
		MotionScore:     0.2,
		Boxes: []nn.Detection{
			{Box: nn.MakeRect(10, 10, 60, 120), Confidence: 0.9, Source: nn.SourceBody},
		},
		Timestamp: at,
	}
}

func TestAnalysisRoundTrip(t *testing.T) {
	db := openTestDB(t, DefaultRetentionPolicy())
	now := time.Now()

	require.NoError(t, db.AddAnalysis(testResult("cam1", now.Add(-time.Minute), risk.LevelHighRisk)))
	require.NoError(t, db.AddAnalysis(testResult("cam1", now, risk.LevelCrowded)))
	require.NoError(t, db.AddAnalysis(testResult("cam2", now, risk.LevelNormal)))

	results, err := db.RecentAnalysis("cam1", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Newest first
	require.Equal(t, "CROWDED", results[0].Level)
	require.Equal(t, "HIGH_RISK", results[1].Level)
	require.Equal(t, 17, results[0].PeopleCount)
	require.NotEmpty(t, results[0].Boxes)

	all, err := db.RecentAnalysis("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestAlertRoundTrip(t *testing.T) {
	db := openTestDB(t, DefaultRetentionPolicy())
	require.NoError(t, db.AddAlert(&risk.AlertEvent{
		StreamID:    "cam1",
		Severity:    risk.LevelStampedeImminent,
		Message:     "people_count 23 exceeds stampede threshold",
		RiskScore:   0.95,
		PeopleCount: 23,
		Timestamp:   time.Now(),
	}))
	alerts, err := db.RecentAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "STAMPEDE_IMMINENT", alerts[0].Severity)
}

func TestSampleWriteAndRetention(t *testing.T) {
	retention := DefaultRetentionPolicy()
	retention.MaxSamples = 2
	retention.SampleMaxAge = 0
	db := openTestDB(t, retention)

	img := cimg.NewImage(64, 48, cimg.PixelFormatRGB)
	now := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, db.AddSample(img, testResult("cam1", now.Add(time.Duration(i)*time.Second), risk.LevelHighRisk)))
	}
	n, err := db.NumSamples()
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	entries, err := os.ReadDir(filepath.Join(db.root, "samples"))
	require.NoError(t, err)
	require.Len(t, entries, 4)

	// Retention keeps only the 2 newest samples, and deletes the images of the rest
	require.NoError(t, db.Prune(now.Add(time.Minute)))
	n, err = db.NumSamples()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	entries, err = os.ReadDir(filepath.Join(db.root, "samples"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestAgePrune(t *testing.T) {
	retention := RetentionPolicy{MaxAge: time.Hour}
	db := openTestDB(t, retention)
	now := time.Now()

	require.NoError(t, db.AddAnalysis(testResult("cam1", now.Add(-2*time.Hour), risk.LevelNormal)))
	require.NoError(t, db.AddAnalysis(testResult("cam1", now, risk.LevelNormal)))
	require.NoError(t, db.Prune(now))

	results, err := db.RecentAnalysis("cam1", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
