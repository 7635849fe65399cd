package detect

import (
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/pkg/nn"
)

// StaticDetector returns a fixed detection set on every frame. We use it in
// tests and in the dry-run mode of the CLI, where we want the whole pipeline
// to run without a cascade file on disk.
type StaticDetector struct {
	lock       sync.Mutex
	detections []nn.Detection
	err        error
	nCalls     int
}

func NewStaticDetector(detections []nn.Detection) *StaticDetector {
	return &StaticDetector{detections: detections}
}

func (d *StaticDetector) Close() {
}

func (d *StaticDetector) DetectPeople(img *cimg.Image) ([]nn.Detection, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.nCalls++
	if d.err != nil {
		return nil, d.err
	}
	out := make([]nn.Detection, len(d.detections))
	copy(out, d.detections)
	return out, nil
}

// Make every subsequent DetectPeople call fail with err (nil restores success)
func (d *StaticDetector) SetError(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.err = err
}

func (d *StaticDetector) SetDetections(detections []nn.Detection) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.detections = detections
}

func (d *StaticDetector) NumCalls() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.nCalls
}
