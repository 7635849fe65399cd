package engine

import (
	"context"
	"hash/fnv"

	"github.com/crowdcam/crowdcam/server/risk"
)

// Pool partitions streams across N engine instances by hashing the stream ID,
// so a given stream is always serviced by the same engine. That preserves the
// single-writer property on per-stream state (calibration baseline, previous
// motion frame, result queue) without any cross-engine locking.
type Pool struct {
	engines []*Engine
}

func NewPool(n int, newEngine func(i int) *Engine) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{}
	for i := 0; i < n; i++ {
		p.engines = append(p.engines, newEngine(i))
	}
	return p
}

func (p *Pool) engineFor(streamID string) *Engine {
	h := fnv.New32a()
	h.Write([]byte(streamID))
	return p.engines[h.Sum32()%uint32(len(p.engines))]
}

func (p *Pool) Submit(streamID string, payload FramePayload) bool {
	return p.engineFor(streamID).Submit(streamID, payload)
}

func (p *Pool) Poll(streamID string) (*risk.RiskResult, bool) {
	return p.engineFor(streamID).Poll(streamID)
}

func (p *Pool) Recent(streamID string, limit int) []*risk.RiskResult {
	return p.engineFor(streamID).Recent(streamID, limit)
}

func (p *Pool) AddWatcher(streamID string) chan *risk.RiskResult {
	return p.engineFor(streamID).AddWatcher(streamID)
}

func (p *Pool) RemoveWatcher(streamID string, ch chan *risk.RiskResult) {
	p.engineFor(streamID).RemoveWatcher(streamID, ch)
}

func (p *Pool) CloseStream(streamID string) {
	p.engineFor(streamID).CloseStream(streamID)
}

func (p *Pool) AnalyzeImage(ctx context.Context, payload FramePayload) *risk.RiskResult {
	return p.engineFor(payload.StreamID).AnalyzeImage(ctx, payload)
}

func (p *Pool) Close() {
	for _, e := range p.engines {
		e.Close()
	}
}
