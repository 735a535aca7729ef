// Package gateway fans station events out to subscribers. The ingest loop
// hands events to a bounded queue and moves on; a single dispatch goroutine
// drains the queue to every configured transport, which keeps per-callsign
// ordering intact while never blocking packet processing.
package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"resqlink/tracker-server/internal/model"
	"resqlink/tracker-server/internal/observability"
)

// Event names on the wire. Subscribers bind to these.
const (
	EventNewData    = "new-data"
	EventDelete     = "delete-station"
	EventFeedStatus = "connection-status"
)

// Transport delivers one serialized event to an external subscriber system.
type Transport interface {
	Publish(event string, payload []byte) error
	Close() error
}

type queuedEvent struct {
	name    string
	payload []byte
}

// Gateway is the one-way broadcast surface of the tracker core.
type Gateway struct {
	transports []Transport
	queue      chan queuedEvent
	logger     *slog.Logger

	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a gateway dispatching to the given transports. Start must be
// called before events flow.
func New(logger *slog.Logger, transports ...Transport) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		transports: transports,
		queue:      make(chan queuedEvent, 256),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start launches the dispatch loop. Calling it more than once is a no-op.
func (g *Gateway) Start() {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	go g.run()
}

func (g *Gateway) run() {
	for ev := range g.queue {
		for _, t := range g.transports {
			if err := t.Publish(ev.name, ev.payload); err != nil {
				g.logger.Warn("broadcast transport publish failed", "event", ev.name, "error", err)
			}
		}
	}
	close(g.done)
}

// Close stops intake, lets the dispatch loop drain already-queued events, and
// closes all transports. Safe on a gateway that was never started.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		if g.started.Load() {
			close(g.queue)
			<-g.done
		}
		for _, t := range g.transports {
			if err := t.Close(); err != nil {
				g.logger.Warn("broadcast transport close failed", "error", err)
			}
		}
	})
	return nil
}

// PublishUpsert broadcasts a station snapshot.
func (g *Gateway) PublishUpsert(snapshot model.Snapshot) {
	g.enqueue(EventNewData, snapshot)
}

// PublishDeletion broadcasts a station removal.
func (g *Gateway) PublishDeletion(notice model.DeletionNotice) {
	g.enqueue(EventDelete, notice)
}

// PublishFeedStatus broadcasts upstream feed connectivity changes.
func (g *Gateway) PublishFeedStatus(status string) {
	g.enqueue(EventFeedStatus, model.FeedStatus{Status: status})
}

func (g *Gateway) enqueue(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("broadcast payload marshal failed", "event", event, "error", err)
		return
	}

	select {
	case g.queue <- queuedEvent{name: event, payload: data}:
		observability.BroadcastsPublished.WithLabelValues(event).Inc()
	default:
		// A stalled transport must not stall ingest; shed instead.
		observability.BroadcastsDropped.Inc()
		g.logger.Warn("broadcast queue full, event dropped", "event", event)
	}
}
