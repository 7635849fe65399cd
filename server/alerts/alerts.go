// Package alerts distributes alert events to interested consumers: in-process
// watchers (eg websocket sessions), the database, and an optional webhook.
package alerts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/crowdcam/crowdcam/server/risk"
	"github.com/cyclopcam/logs"
)

// SYNC-ALERT-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 20

// Broker fans alert events out to watchers and to the webhook notifier.
type Broker struct {
	log     logs.Log
	webhook *webhookNotifier

	watchersLock sync.RWMutex
	watchers     []chan *risk.AlertEvent
}

func NewBroker(log logs.Log, webhookURL string) *Broker {
	b := &Broker{
		log: log,
	}
	if webhookURL != "" {
		b.webhook = newWebhookNotifier(log, webhookURL)
	}
	return b
}

// Register to receive all alert events. The returned channel is buffered;
// a watcher that falls behind has events dropped, never blocks the pipeline.
func (b *Broker) AddWatcher() chan *risk.AlertEvent {
	b.watchersLock.Lock()
	defer b.watchersLock.Unlock()
	ch := make(chan *risk.AlertEvent, WatcherChannelSize)
	b.watchers = append(b.watchers, ch)
	return ch
}

func (b *Broker) RemoveWatcher(ch chan *risk.AlertEvent) {
	b.watchersLock.Lock()
	defer b.watchersLock.Unlock()
	for i, w := range b.watchers {
		if w == ch {
			b.watchers[i] = b.watchers[len(b.watchers)-1]
			b.watchers = b.watchers[:len(b.watchers)-1]
			return
		}
	}
	b.log.Warnf("Broker.RemoveWatcher failed to find channel")
}

// Send delivers the event to every watcher and the webhook. Never blocks.
func (b *Broker) Send(ev *risk.AlertEvent) {
	b.watchersLock.RLock()
	for _, ch := range b.watchers {
		// SYNC-ALERT-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			b.log.Warnf("Alert watcher is falling behind. I am going to drop alerts.")
		} else {
			ch <- ev
		}
	}
	b.watchersLock.RUnlock()
	if b.webhook != nil {
		b.webhook.send(ev)
	}
}

func (b *Broker) NumWatchers() int {
	b.watchersLock.RLock()
	defer b.watchersLock.RUnlock()
	return len(b.watchers)
}

// webhookNotifier POSTs alert events as JSON to a configured URL.
// Deliveries run on their own goroutine so a slow endpoint can't stall the
// analysis pipeline, and delivery errors are throttled to one log line per
// interval so a dead endpoint doesn't flood the log.
type webhookNotifier struct {
	log    logs.Log
	url    string
	client *http.Client
	queue  chan *risk.AlertEvent

	lastErrLock sync.Mutex
	lastErrAt   time.Time
}

func newWebhookNotifier(log logs.Log, url string) *webhookNotifier {
	n := &webhookNotifier{
		log:    log,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan *risk.AlertEvent, WatcherChannelSize),
	}
	go n.run()
	return n
}

func (n *webhookNotifier) send(ev *risk.AlertEvent) {
	if len(n.queue) >= cap(n.queue)*9/10 {
		n.throttledError("Webhook queue is full. I am going to drop alerts.")
		return
	}
	n.queue <- ev
}

func (n *webhookNotifier) run() {
	for ev := range n.queue {
		body, _ := json.Marshal(ev)
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			n.throttledError("Webhook delivery to %v failed: %v", n.url, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.throttledError("Webhook delivery to %v failed: status %v", n.url, resp.StatusCode)
		}
	}
}

func (n *webhookNotifier) throttledError(format string, args ...any) {
	n.lastErrLock.Lock()
	defer n.lastErrLock.Unlock()
	now := time.Now()
	if now.Sub(n.lastErrAt) > 15*time.Second {
		n.lastErrAt = now
		n.log.Errorf(format, args...)
	}
}
