package engine

import (
	"github.com/crowdcam/crowdcam/server/risk"
)

// SYNC-RESULT-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

// Register to receive every result for a specific stream, independently of
// the Poll queue. Used by websocket sessions.
func (e *Engine) AddWatcher(streamID string) chan *risk.RiskResult {
	e.watchersLock.Lock()
	defer e.watchersLock.Unlock()
	ch := make(chan *risk.RiskResult, WatcherChannelSize)
	e.watchers[streamID] = append(e.watchers[streamID], ch)
	return ch
}

// Unregister from a stream's results
func (e *Engine) RemoveWatcher(streamID string, ch chan *risk.RiskResult) {
	e.watchersLock.Lock()
	defer e.watchersLock.Unlock()
	for i, w := range e.watchers[streamID] {
		if w == ch {
			last := len(e.watchers[streamID]) - 1
			e.watchers[streamID][i] = e.watchers[streamID][last]
			e.watchers[streamID] = e.watchers[streamID][:last]
			if len(e.watchers[streamID]) == 0 {
				delete(e.watchers, streamID)
			}
			return
		}
	}
	e.log.Warnf("Engine.RemoveWatcher failed to find channel for stream %v", streamID)
}

func (e *Engine) sendToWatchers(res *risk.RiskResult) {
	e.watchersLock.RLock()
	for _, ch := range e.watchers[res.StreamID] {
		// SYNC-RESULT-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			// Safeguard against a stalled consumer: drop rather than block the worker
			e.log.Warnf("Result watcher on stream %v is falling behind. I am going to drop results.", res.StreamID)
		} else {
			ch <- res
		}
	}
	e.watchersLock.RUnlock()
}
