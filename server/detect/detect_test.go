package detect

import (
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestExtrapolateBody(t *testing.T) {
	// A 40x40 face at (100, 80) becomes an 80x160 body, shifted so the face
	// sits near the top center.
	body := ExtrapolateBody(nn.MakeRect(100, 80, 40, 40))
	require.Equal(t, nn.MakeRect(80, 70, 80, 160), body)

	// Body boxes from plausible face sizes must pass the person aspect filter
	require.GreaterOrEqual(t, body.AspectRatio(), float32(1.2))
}

func TestGrayPixels(t *testing.T) {
	img := cimg.NewImage(4, 2, cimg.PixelFormatRGB)
	// First pixel pure white, second pure black, rest mid gray
	for i := range img.Pixels {
		img.Pixels[i] = 128
	}
	img.Pixels[0], img.Pixels[1], img.Pixels[2] = 255, 255, 255
	img.Pixels[3], img.Pixels[4], img.Pixels[5] = 0, 0, 0

	gray := grayPixels(img)
	require.Len(t, gray, 8)
	require.EqualValues(t, 255, gray[0])
	require.EqualValues(t, 0, gray[1])
	require.EqualValues(t, 128, gray[2])
}

func TestStaticDetector(t *testing.T) {
	det := NewStaticDetector([]nn.Detection{
		{Box: nn.MakeRect(10, 10, 50, 100), Confidence: 0.9, Source: nn.SourceBody},
	})
	img := cimg.NewImage(100, 100, cimg.PixelFormatRGB)

	out, err := det.DetectPeople(img)
	require.NoError(t, err)
	require.Len(t, out, 1)

	det.SetError(nn.ErrDetectorUnavailable)
	_, err = det.DetectPeople(img)
	require.ErrorIs(t, err, nn.ErrDetectorUnavailable)
	require.Equal(t, 2, det.NumCalls())
}
