// Package telemetry publishes readings and actuation decisions without ever
// blocking the control loop. Points go through a bounded queue; when it is
// full the point is dropped and counted.
package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/sweeney/zone-controller/internal/metrics"
	"github.com/sweeney/zone-controller/internal/mqtt"
)

// DefaultQueueSize is used when NewEmitter is given a non-positive size.
const DefaultQueueSize = 256

// Kind distinguishes the two sources of telemetry.
type Kind string

const (
	KindReading  Kind = "reading"
	KindDecision Kind = "decision"
)

// Point is one telemetry sample for one device.
type Point struct {
	Zone   string
	Device string
	Type   string
	Kind   Kind
	Time   time.Time
	// Value is the calibrated reading, or 1/0 for an on/off decision.
	Value     float64
	Target    *float64
	Unit      string
	Threshold float64
	Signal    string
}

// Payload is the JSON body published for a point.
type Payload struct {
	Time   string   `json:"time"`
	Value  float64  `json:"value"`
	Target *float64 `json:"target"`
	Data   Data     `json:"data"`
}

// Data carries the context needed to interpret value.
type Data struct {
	Kind      Kind    `json:"kind"`
	Unit      string  `json:"unit,omitempty"`
	Threshold float64 `json:"threshold"`
	Signal    string  `json:"signal,omitempty"`
}

// FormatPayload creates the JSON payload for a point.
func FormatPayload(p Point) ([]byte, error) {
	return json.Marshal(Payload{
		Time:   p.Time.UTC().Format(time.RFC3339),
		Value:  p.Value,
		Target: p.Target,
		Data: Data{
			Kind:      p.Kind,
			Unit:      p.Unit,
			Threshold: p.Threshold,
			Signal:    p.Signal,
		},
	})
}

// Emitter owns the queue and its publishing worker.
type Emitter struct {
	client  mqtt.Client
	home    string
	metrics *metrics.Metrics
	queue   chan Point

	mu       sync.Mutex
	dropping bool
}

// NewEmitter creates an emitter publishing through client. Call Run to start it.
func NewEmitter(client mqtt.Client, home string, size int, m *metrics.Metrics) *Emitter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Emitter{client: client, home: home, metrics: m, queue: make(chan Point, size)}
}

// Emit queues p and reports whether it was accepted. It never blocks.
func (e *Emitter) Emit(p Point) bool {
	select {
	case e.queue <- p:
		e.mu.Lock()
		e.dropping = false
		e.mu.Unlock()
		return true
	default:
		e.metrics.TelemetryDrop()
		e.mu.Lock()
		first := !e.dropping
		e.dropping = true
		e.mu.Unlock()
		if first {
			log.Printf("telemetry: queue full (%d), dropping points", cap(e.queue))
		}
		return false
	}
}

// Run publishes queued points until ctx is done, then flushes whatever is
// still queued and returns.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case p := <-e.queue:
			e.publish(p)
		case <-ctx.Done():
			for {
				select {
				case p := <-e.queue:
					e.publish(p)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) publish(p Point) {
	payload, err := FormatPayload(p)
	if err != nil {
		log.Printf("telemetry: format %s/%s: %v", p.Zone, p.Device, err)
		return
	}
	msg := mqtt.Message{
		Topic:    mqtt.TelemetryTopic(e.home, p.Zone, p.Device, p.Type),
		QoS:      1,
		Retained: true,
		Payload:  payload,
	}
	if err := e.client.Publish(msg); err != nil {
		log.Printf("telemetry: publish %s: %v", msg.Topic, err)
		return
	}
	e.metrics.TelemetrySend()
}
