// Package decode turns the various image payloads that clients send us into
// RGB images ready for inference.
package decode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// ErrBadImage is wrapped by every decode failure, so callers can map any
// malformed payload to a 400 without inspecting the details.
var ErrBadImage = errors.New("bad image")

// Decode compressed image bytes (JPEG, PNG, etc) into an RGB image.
func Bytes(raw []byte) (*cimg.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadImage)
	}
	img, err := cimg.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return img.ToRGB(), nil
}

// Decode a base64 string, with or without a data URI prefix
// (eg "data:image/jpeg;base64,..."), into an RGB image.
func Base64(enc string) (*cimg.Image, error) {
	enc = strings.TrimSpace(enc)
	if comma := strings.IndexByte(enc, ','); comma != -1 && strings.HasPrefix(enc, "data:") {
		header := enc[:comma]
		if !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: data URI is not base64 encoded", ErrBadImage)
		}
		enc = enc[comma+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrBadImage, err)
	}
	return Bytes(raw)
}

// Wrap a raw pixel buffer as an RGB image. 3 channel buffers are wrapped
// without copying. 1 channel (gray) and 4 channel (RGBA) buffers are
// converted to RGB.
func RawPixels(pixels []byte, width, height, nchan int) (*cimg.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %vx%v", ErrBadImage, width, height)
	}
	if len(pixels) != width*height*nchan {
		return nil, fmt.Errorf("%w: buffer size %v does not match %vx%vx%v", ErrBadImage, len(pixels), width, height, nchan)
	}
	var format cimg.PixelFormat
	switch nchan {
	case 1:
		format = cimg.PixelFormatGRAY
	case 3:
		format = cimg.PixelFormatRGB
	case 4:
		format = cimg.PixelFormatRGBA
	default:
		return nil, fmt.Errorf("%w: unsupported channel count %v", ErrBadImage, nchan)
	}
	return cimg.WrapImage(width, height, format, pixels).ToRGB(), nil
}
