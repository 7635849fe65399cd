// Package detect implements person detectors behind the nn.PersonDetector
// interface. The primary implementation is a face detector whose hits are
// extrapolated to full body boxes, which works surprisingly well on dense
// crowds where bodies occlude each other but faces remain visible.
package detect

import (
	"fmt"
	"os"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/pkg/nn"
	pigo "github.com/esimov/pigo/core"
)

// FaceDetectorOptions controls the cascade scan.
type FaceDetectorOptions struct {
	MinFaceSize  int     // Smallest face diameter in pixels
	MaxFaceSize  int     // Largest face diameter in pixels
	ShiftFactor  float64 // Window shift as a fraction of window size
	ScaleFactor  float64 // Window growth per scale step
	MinQuality   float32 // Discard cascade hits below this quality
	ClusterIoU   float64 // Cluster raw cascade hits with at least this overlap
	QualityScale float32 // Cascade quality that maps to confidence 1.0
}

func DefaultFaceDetectorOptions() FaceDetectorOptions {
	return FaceDetectorOptions{
		MinFaceSize:  20,
		MaxFaceSize:  1000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		MinQuality:   5.0,
		ClusterIoU:   0.2,
		QualityScale: 40.0,
	}
}

// FaceDetector runs a pixel intensity comparison cascade over the grayscale
// frame and extrapolates each face hit to a body box.
type FaceDetector struct {
	classifier *pigo.Pigo
	options    FaceDetectorOptions

	// The cascade is not documented as re-entrant, so serialize scans
	runLock sync.Mutex
}

// Load a face cascade from a binary cascade file.
func NewFaceDetector(cascadeFilename string, options FaceDetectorOptions) (*FaceDetector, error) {
	cascade, err := os.ReadFile(cascadeFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade %v: %w", cascadeFilename, err)
	}
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade %v: %w", cascadeFilename, err)
	}
	return &FaceDetector{
		classifier: classifier,
		options:    options,
	}, nil
}

func (d *FaceDetector) Close() {
}

func (d *FaceDetector) DetectPeople(img *cimg.Image) ([]nn.Detection, error) {
	if img == nil || img.Width == 0 || img.Height == 0 {
		return nil, nn.ErrDetectorUnavailable
	}
	gray := grayPixels(img)

	maxSize := d.options.MaxFaceSize
	if smaller := min(img.Width, img.Height); maxSize > smaller {
		maxSize = smaller
	}
	params := pigo.CascadeParams{
		MinSize:     d.options.MinFaceSize,
		MaxSize:     maxSize,
		ShiftFactor: d.options.ShiftFactor,
		ScaleFactor: d.options.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: gray,
			Rows:   img.Height,
			Cols:   img.Width,
			Dim:    img.Width,
		},
	}

	d.runLock.Lock()
	faces := d.classifier.RunCascade(params, 0)
	faces = d.classifier.ClusterDetections(faces, d.options.ClusterIoU)
	d.runLock.Unlock()

	detections := make([]nn.Detection, 0, len(faces))
	for _, face := range faces {
		if face.Q < d.options.MinQuality {
			continue
		}
		faceBox := nn.MakeRect(face.Col-face.Scale/2, face.Row-face.Scale/2, face.Scale, face.Scale)
		confidence := face.Q / d.options.QualityScale
		if confidence > 1 {
			confidence = 1
		}
		detections = append(detections, nn.Detection{
			Box:        ExtrapolateBody(faceBox),
			Confidence: confidence,
			Source:     nn.SourceFace,
		})
	}
	return detections, nil
}

// ExtrapolateBody estimates a full body box from a face box: the body is
// twice as wide as the face and four times as tall, with the face centered
// horizontally and sitting a quarter of a face height below the top.
func ExtrapolateBody(face nn.Rect) nn.Rect {
	return nn.Rect{
		X:      face.X - face.Width/2,
		Y:      face.Y - face.Height/4,
		Width:  face.Width * 2,
		Height: face.Height * 4,
	}
}

// Luma of every pixel, row major. pigo wants a flat 8-bit grayscale buffer.
func grayPixels(img *cimg.Image) []uint8 {
	gray := make([]uint8, img.Width*img.Height)
	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Stride:]
		out := gray[y*img.Width:]
		for x := 0; x < img.Width; x++ {
			p := x * nchan
			r := int(row[p])
			g := int(row[p+1])
			b := int(row[p+2])
			out[x] = uint8((19595*r + 38470*g + 7471*b) >> 16)
		}
	}
	return gray
}
