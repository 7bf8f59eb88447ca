// Package metrics is the optional influxdb-client-go/v2 point writer for
// bridge traffic samples. The teacher declares this dependency in go.mod
// but never imports it; this is its first real use in the module,
// grounded on the same "one goroutine draining a bounded channel,
// dropping samples under backpressure rather than blocking the hot path"
// shape as pcx/events.Hub.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"proxychains/pcx/common/logx"
	"proxychains/pcx/model"
	"proxychains/pcx/proxycfg"
)

var log = logx.New(logx.WithPrefix("metrics"))

const sampleBuffer = 256

// Sink is what pcx/worker depends on indirectly: when the control plane is
// enabled, pcx/app wraps the Hub and a Sink in one events.Publisher that
// hands every BridgeEvent to both, so a disabled control plane never needs
// to know metrics exist.
type Sink interface {
	Observe(ev model.BridgeEvent)
	Close()
}

type NoopSink struct{}

func (NoopSink) Observe(model.BridgeEvent) {}
func (NoopSink) Close()                    {}

// InfluxSink batches BridgeEvents into line-protocol points and writes
// them through the client's own non-blocking WriteAPI, which does its own
// internal batching/retry. This package only owns turning a BridgeEvent
// into a Point and keeping that translation off the worker's hot path.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPI

	in   chan model.BridgeEvent
	done chan struct{}
}

// NewInfluxSink connects to cfg.URL and returns nil, nil if cfg is not
// Enabled() — callers should fall back to NoopSink in that case.
func NewInfluxSink(cfg proxycfg.InfluxConfig) (*InfluxSink, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	wapi := client.WriteAPI(cfg.Org, cfg.Bucket)

	s := &InfluxSink{
		client: client,
		write:  wapi,
		in:     make(chan model.BridgeEvent, sampleBuffer),
		done:   make(chan struct{}),
	}
	go s.run()

	errs := wapi.Errors()
	go func() {
		for err := range errs {
			log.Warnf("influx write error: %v", err)
		}
	}()

	return s, nil
}

func (s *InfluxSink) run() {
	for {
		select {
		case ev := <-s.in:
			s.write.WritePoint(toPoint(ev))
		case <-s.done:
			return
		}
	}
}

// Observe never blocks the worker: a full buffer silently drops the
// sample rather than stalling a byte pump.
func (s *InfluxSink) Observe(ev model.BridgeEvent) {
	select {
	case s.in <- ev:
	default:
		log.Debugf("metrics: dropping sample for fd=%d, buffer full", ev.FD)
	}
}

func (s *InfluxSink) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.write.Flush()
	s.client.Close()
}

func toPoint(ev model.BridgeEvent) *write.Point {
	tags := map[string]string{
		"kind":   string(ev.Kind),
		"target": ev.Target.String(),
	}
	fields := map[string]any{
		"fd":   ev.FD,
		"up":   ev.Up,
		"down": ev.Down,
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	return write.NewPoint("bridge_event", tags, fields, time.Now())
}
