// Package motion scores frame-to-frame motion per stream. The score is a
// cheap proxy for crowd agitation: a dense crowd that starts surging shows a
// large mean absolute difference between consecutive frames.
package motion

import (
	"sync"

	"github.com/bmharper/cimg/v2"
)

// Frames are downsampled so their longest side is at most this before
// differencing, which makes the score resolution independent and keeps the
// cost trivial.
const analysisWidth = 160

// Mean absolute pixel difference that saturates the score at 1.0
const diffNormalizer = 25.0

type streamState struct {
	prevGray   []uint8
	prevWidth  int
	prevHeight int
}

// Scorer holds the previous downsampled frame of every active stream.
type Scorer struct {
	lock    sync.Mutex
	streams map[string]*streamState
}

func NewScorer() *Scorer {
	return &Scorer{
		streams: map[string]*streamState{},
	}
}

// Score returns the motion score of img relative to the previous frame seen
// on this stream, in [0,1]. The first frame of a stream scores zero. If the
// stream changes resolution mid-flight we reset and score zero once.
func (s *Scorer) Score(streamID string, img *cimg.Image) float32 {
	gray, width, height := downsampleGray(img)

	s.lock.Lock()
	defer s.lock.Unlock()
	state := s.streams[streamID]
	if state == nil {
		state = &streamState{}
		s.streams[streamID] = state
	}
	prev := state.prevGray
	sameShape := state.prevWidth == width && state.prevHeight == height
	state.prevGray = gray
	state.prevWidth = width
	state.prevHeight = height

	if prev == nil || !sameShape {
		return 0
	}
	var sum int64
	for i := range gray {
		d := int(gray[i]) - int(prev[i])
		if d < 0 {
			d = -d
		}
		sum += int64(d)
	}
	score := float32(sum) / (float32(len(gray)) * diffNormalizer)
	if score > 1 {
		score = 1
	}
	return score
}

// Forget the stream's previous frame
func (s *Scorer) CloseStream(streamID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.streams, streamID)
}

func (s *Scorer) NumStreams() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.streams)
}

func downsampleGray(img *cimg.Image) ([]uint8, int, int) {
	width := img.Width
	height := img.Height
	// Bound the longest side, so portrait frames shrink too
	if longest := max(width, height); longest > analysisWidth {
		width = width * analysisWidth / longest
		height = height * analysisWidth / longest
		if width < 1 {
			width = 1
		}
		if height < 1 {
			height = 1
		}
		img = cimg.ResizeNew(img, width, height, nil)
	}
	gray := make([]uint8, width*height)
	nchan := img.NChan()
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride:]
		out := gray[y*width:]
		for x := 0; x < width; x++ {
			p := x * nchan
			r := int(row[p])
			g := int(row[p+1])
			b := int(row[p+2])
			out[x] = uint8((19595*r + 38470*g + 7471*b) >> 16)
		}
	}
	return gray, width, height
}
