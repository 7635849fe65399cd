package engine

import (
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/server/risk"
	"github.com/stretchr/testify/require"
)

func frameFilled(width, height int, value byte) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = value
	}
	return img
}

func TestFallbackIsDeterministic(t *testing.T) {
	th := risk.DefaultThresholds()
	at := time.Now()
	a := fallbackAnalyze(frameFilled(640, 480, 100), "cam1", th, at)
	b := fallbackAnalyze(frameFilled(640, 480, 100), "cam1", th, at)
	require.Equal(t, a, b)
}

func TestFallbackContractShape(t *testing.T) {
	th := risk.DefaultThresholds()
	res := fallbackAnalyze(frameFilled(320, 240, 128), "cam1", th, time.Now())
	require.True(t, res.Fallback)
	require.Equal(t, "cam1", res.StreamID)
	require.GreaterOrEqual(t, res.PeopleCount, 1)
	require.LessOrEqual(t, res.PeopleCount, 25)
	require.GreaterOrEqual(t, res.RiskScore, float32(0))
	require.LessOrEqual(t, res.RiskScore, float32(1))
}

func TestFallbackTracksImageStatistics(t *testing.T) {
	th := risk.DefaultThresholds()
	at := time.Now()

	// Darker frames read as busier
	dark := fallbackAnalyze(frameFilled(640, 480, 10), "cam", th, at)
	bright := fallbackAnalyze(frameFilled(640, 480, 250), "cam", th, at)
	require.GreaterOrEqual(t, dark.PeopleCount, bright.PeopleCount)

	// Larger frames read as busier
	big := fallbackAnalyze(frameFilled(800, 600, 100), "cam", th, at)
	small := fallbackAnalyze(frameFilled(160, 120, 100), "cam", th, at)
	require.GreaterOrEqual(t, big.PeopleCount, small.PeopleCount)
}

func TestFallbackNilImage(t *testing.T) {
	res := fallbackAnalyze(nil, "cam1", risk.DefaultThresholds(), time.Now())
	require.True(t, res.Fallback)
	require.Equal(t, 1, res.PeopleCount)
}

func TestMeanBrightness(t *testing.T) {
	require.InDelta(t, 128, float64(meanBrightness(frameFilled(64, 64, 128))), 1)
	require.InDelta(t, 0, float64(meanBrightness(frameFilled(64, 64, 0))), 1)
}
