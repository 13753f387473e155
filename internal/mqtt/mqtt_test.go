package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseEventTopic(t *testing.T) {
	tests := []struct {
		topic   string
		zone    string
		op      Operation
		wantErr bool
	}{
		{"homes/h1/zones/living/zoneUpdated", "living", OpZoneUpdated, false},
		{"homes/h1/zones/living/deviceUpdated", "living", OpDeviceUpdated, false},
		{"homes/h1/zones/k/deviceCreated", "k", OpDeviceCreated, false},
		{"homes/h1/zones/k/deviceRemoved", "k", OpDeviceRemoved, false},
		{"homes/h1/zones/k/deviceExploded", "", "", true},
		{"homes/h2/zones/k/zoneUpdated", "", "", true},
		{"homes/h1/zones//zoneUpdated", "", "", true},
		{"homes/h1/zones/k/devices/t/temperature", "", "", true},
		{"homes/h1/rooms/k/zoneUpdated", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			zone, op, err := ParseEventTopic("h1", tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.topic)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEventTopic(%q): %v", tt.topic, err)
			}
			if zone != tt.zone || op != tt.op {
				t.Errorf("got %q %q, want %q %q", zone, op, tt.zone, tt.op)
			}
		})
	}
}

func TestTopicBuilders(t *testing.T) {
	if got := EventFilter("h1"); got != "homes/h1/zones/+/+" {
		t.Errorf("EventFilter: got %q", got)
	}
	if got := EventTopic("h1", "z", OpZoneUpdated); got != "homes/h1/zones/z/zoneUpdated" {
		t.Errorf("EventTopic: got %q", got)
	}
	if got := TelemetryTopic("h1", "z", "d", "temperature"); got != "homes/h1/zones/z/devices/d/temperature" {
		t.Errorf("TelemetryTopic: got %q", got)
	}
	if got := SystemTopic("h1"); got != "homes/h1/controller/system" {
		t.Errorf("SystemTopic: got %q", got)
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"homes/h1/zones/+/+", "homes/h1/zones/z/zoneUpdated", true},
		{"homes/h1/zones/+/+", "homes/h1/zones/z/devices/d/t", false},
		{"homes/h1/zones/+/+", "homes/h1/zones/z", false},
		{"homes/#", "homes/h1/zones/z/devices/d/t", true},
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
	}
	for _, tt := range tests {
		if got := TopicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	}
	got, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	want := `{"system":{"timestamp":"2026-01-30T12:00:00Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(got) != want {
		t.Errorf("got %s\nwant %s", got, want)
	}
}

func TestFormatSystemPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	event := SystemEvent{
		Timestamp: time.Date(2026, 1, 30, 7, 0, 0, 0, loc),
		Event:     "STARTUP",
		Zones:     []string{"living", "kitchen"},
	}
	got, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	var p SystemPayload
	if err := json.Unmarshal(got, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.System.Timestamp != "2026-01-30T12:00:00Z" {
		t.Errorf("timestamp: got %s", p.System.Timestamp)
	}
	if len(p.System.Zones) != 2 {
		t.Errorf("zones: got %v", p.System.Zones)
	}
	if p.System.Reason != "" {
		t.Errorf("reason should be omitted, got %q", p.System.Reason)
	}
}

func TestSystemMessage(t *testing.T) {
	msg, err := SystemMessage("h1", SystemEvent{Event: "OFFLINE"})
	if err != nil {
		t.Fatalf("SystemMessage: %v", err)
	}
	if msg.Topic != "homes/h1/controller/system" || msg.QoS != 1 || !msg.Retained {
		t.Errorf("unexpected message envelope: %+v", msg)
	}
}

func TestFakeClientPublish(t *testing.T) {
	f := NewFakeClient()
	payload := []byte("x")
	if err := f.Publish(Message{Topic: "a", QoS: 1, Retained: true, Payload: payload}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	payload[0] = 'y'

	got := f.Published()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if string(got[0].Payload) != "x" {
		t.Errorf("payload must be copied, got %q", got[0].Payload)
	}
	if !got[0].Retained || got[0].QoS != 1 {
		t.Errorf("envelope not preserved: %+v", got[0])
	}
	if len(f.PublishedTo("a")) != 1 || len(f.PublishedTo("b")) != 0 {
		t.Error("PublishedTo filtered incorrectly")
	}
}

func TestFakeClientPublishError(t *testing.T) {
	f := NewFakeClient()
	f.SetPublishError(errors.New("broker down"))
	if err := f.Publish(Message{Topic: "a"}); err == nil {
		t.Fatal("expected error")
	}
	if len(f.Published()) != 0 {
		t.Error("failed publish must not be recorded")
	}
	f.Reset()
	if err := f.Publish(Message{Topic: "a"}); err != nil {
		t.Errorf("publish after reset: %v", err)
	}
}

func TestFakeClientDeliver(t *testing.T) {
	f := NewFakeClient()
	var gotTopic string
	var gotPayload []byte
	f.Subscribe(EventFilter("h1"), 1, func(topic string, payload []byte) {
		gotTopic, gotPayload = topic, payload
	})

	if n := f.Deliver("homes/h1/zones/z/zoneUpdated", []byte(`{}`)); n != 1 {
		t.Fatalf("Deliver: %d handlers, want 1", n)
	}
	if gotTopic != "homes/h1/zones/z/zoneUpdated" || string(gotPayload) != "{}" {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
	if n := f.Deliver("homes/h2/zones/z/zoneUpdated", nil); n != 0 {
		t.Errorf("Deliver to other home: %d handlers, want 0", n)
	}
}

func TestFakeClientConnectionAndClose(t *testing.T) {
	f := NewFakeClient()
	if !f.IsConnected() {
		t.Error("new fake client should be connected")
	}
	f.SetConnected(false)
	if f.IsConnected() {
		t.Error("expected disconnected")
	}
	f.Close()
	if !f.Closed() {
		t.Error("expected Closed")
	}
}
