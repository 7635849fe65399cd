package decode

import (
	"encoding/base64"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T, width, height int) []byte {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = byte(i * 7)
	}
	b, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling444, 95, 0))
	require.NoError(t, err)
	return b
}

func TestBytes(t *testing.T) {
	img, err := Bytes(testJPEG(t, 64, 48))
	require.NoError(t, err)
	require.Equal(t, 64, img.Width)
	require.Equal(t, 48, img.Height)
	require.Equal(t, 3, img.NChan())

	_, err = Bytes(nil)
	require.ErrorIs(t, err, ErrBadImage)
	_, err = Bytes([]byte("definitely not an image"))
	require.ErrorIs(t, err, ErrBadImage)
}

func TestBase64(t *testing.T) {
	jpeg := testJPEG(t, 32, 32)
	enc := base64.StdEncoding.EncodeToString(jpeg)

	img, err := Base64(enc)
	require.NoError(t, err)
	require.Equal(t, 32, img.Width)

	img, err = Base64("data:image/jpeg;base64," + enc)
	require.NoError(t, err)
	require.Equal(t, 32, img.Width)

	_, err = Base64("data:image/jpeg;hex," + enc)
	require.ErrorIs(t, err, ErrBadImage)
	_, err = Base64("!!!not base64!!!")
	require.ErrorIs(t, err, ErrBadImage)
}

func TestRawPixels(t *testing.T) {
	rgb := make([]byte, 16*8*3)
	img, err := RawPixels(rgb, 16, 8, 3)
	require.NoError(t, err)
	require.Equal(t, 3, img.NChan())

	gray := make([]byte, 16*8)
	img, err = RawPixels(gray, 16, 8, 1)
	require.NoError(t, err)
	require.Equal(t, 3, img.NChan())

	_, err = RawPixels(rgb, 16, 9, 3)
	require.ErrorIs(t, err, ErrBadImage)
	_, err = RawPixels(rgb, 0, 8, 3)
	require.ErrorIs(t, err, ErrBadImage)
	_, err = RawPixels(make([]byte, 16*8*2), 16, 8, 2)
	require.ErrorIs(t, err, ErrBadImage)
}
