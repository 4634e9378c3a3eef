package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageWatcher  Stage = "watcher"
	StageDelivery Stage = "delivery"
	StageSync     Stage = "sync"
)

type EventType string

const (
	EventTypeFetched        EventType = "fetched"
	EventTypeProcessed      EventType = "processed"
	EventTypeSkipped        EventType = "skipped"
	EventTypeAnomaly        EventType = "anomaly"
	EventTypeDelivered      EventType = "delivered"
	EventTypeDeliveryFailed EventType = "delivery_failed"
	EventTypeMarkerAdvanced EventType = "marker_advanced"
	EventTypeReconnect      EventType = "reconnect"
	EventTypeSynced         EventType = "synced"
	EventTypeError          EventType = "error"
)

type Event struct {
	Stage   Stage
	Type    EventType
	Mailbox string
	UID     uint32
	Err     error
	Detail  string
}

type Summary struct {
	Fetched         int
	Processed       int
	Skipped         int
	Anomalies       int
	Delivered       int
	DeliveryFailed  int
	MarkersAdvanced int
	Reconnects      int
	Syncs           int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"processed", s.Processed,
		"skipped", s.Skipped,
		"anomalies", s.Anomalies,
		"delivered", s.Delivered,
		"deliveryFailed", s.DeliveryFailed,
		"markersAdvanced", s.MarkersAdvanced,
		"reconnects", s.Reconnects,
		"syncs", s.Syncs,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply counts one event.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeProcessed:
		c.summary.Processed++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeAnomaly:
		c.summary.Anomalies++
	case EventTypeDelivered:
		c.summary.Delivered++
	case EventTypeDeliveryFailed:
		c.summary.DeliveryFailed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeMarkerAdvanced:
		c.summary.MarkersAdvanced++
	case EventTypeReconnect:
		c.summary.Reconnects++
	case EventTypeSynced:
		c.summary.Syncs++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter counts events and logs a summary every interval and once at the end.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger, interval time.Duration) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		interval:  interval,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.log(slog.LevelInfo, "stats summary", "final", true)
			return ctx.Err()
		case <-tick:
			r.log(slog.LevelInfo, "stats summary")
		case evt, ok := <-events:
			if !ok {
				r.log(slog.LevelInfo, "stats summary", "final", true)
				return nil
			}
			r.collector.Apply(evt)
		}
	}
}

func (r *Reporter) log(level slog.Level, msg string, extra ...any) {
	if r.logger == nil {
		return
	}
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "uptime", time.Since(r.started).Round(time.Second))
	r.logger.Log(context.Background(), level, msg, append(attrs, extra...)...)
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
