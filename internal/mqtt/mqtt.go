// Package mqtt provides MQTT publishing and subscription with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"
)

// Message is one MQTT message.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Handler receives messages for a subscription.
type Handler func(topic string, payload []byte)

// Client publishes to and subscribes on a broker.
type Client interface {
	// Publish sends a message. Failures must not crash the caller.
	Publish(msg Message) error

	// Subscribe registers h for every topic matching filter. Subscriptions
	// survive reconnects.
	Subscribe(filter string, qos byte, h Handler) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a controller lifecycle event (startup, shutdown, reconnect).
type SystemEvent struct {
	Timestamp time.Time
	Event     string // e.g. "STARTUP", "SHUTDOWN", "OFFLINE"
	Reason    string // e.g. "SIGTERM" (shutdown only)
	Zones     []string
}

// SystemPayload is the JSON envelope for system events.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string   `json:"timestamp"`
	Event     string   `json:"event"`
	Reason    string   `json:"reason,omitempty"`
	Zones     []string `json:"zones,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
			Zones:     event.Zones,
		},
	})
}

// SystemMessage builds the retained QoS 1 message for a system event.
func SystemMessage(home string, event SystemEvent) (Message, error) {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: SystemTopic(home), QoS: 1, Retained: true, Payload: payload}, nil
}
