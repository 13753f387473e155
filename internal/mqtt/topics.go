package mqtt

import (
	"fmt"
	"strings"
)

// Operation is the last segment of a zone event topic.
type Operation string

const (
	OpZoneUpdated   Operation = "zoneUpdated"
	OpDeviceUpdated Operation = "deviceUpdated"
	OpDeviceCreated Operation = "deviceCreated"
	OpDeviceRemoved Operation = "deviceRemoved"
)

// Valid reports whether op is one of the known event operations.
func (op Operation) Valid() bool {
	switch op {
	case OpZoneUpdated, OpDeviceUpdated, OpDeviceCreated, OpDeviceRemoved:
		return true
	}
	return false
}

// EventFilter is the subscription filter for every zone event of a home.
func EventFilter(home string) string {
	return "homes/" + home + "/zones/+/+"
}

// EventTopic is the topic the authority publishes op for a zone on.
func EventTopic(home, zoneID string, op Operation) string {
	return "homes/" + home + "/zones/" + zoneID + "/" + string(op)
}

// ParseEventTopic splits homes/{home}/zones/{zoneId}/{operation}.
// Topics for another home, telemetry topics and unknown operations are errors.
func ParseEventTopic(home, topic string) (zoneID string, op Operation, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "homes" || parts[2] != "zones" {
		return "", "", fmt.Errorf("not a zone event topic: %q", topic)
	}
	if parts[1] != home {
		return "", "", fmt.Errorf("event for home %q, want %q", parts[1], home)
	}
	if parts[3] == "" {
		return "", "", fmt.Errorf("empty zone id in %q", topic)
	}
	op = Operation(parts[4])
	if !op.Valid() {
		return "", "", fmt.Errorf("unknown operation %q", parts[4])
	}
	return parts[3], op, nil
}

// TelemetryTopic is where readings and decisions of one device are published.
func TelemetryTopic(home, zoneID, deviceID, deviceType string) string {
	return "homes/" + home + "/zones/" + zoneID + "/devices/" + deviceID + "/" + deviceType
}

// SystemTopic carries controller lifecycle events and the last will.
func SystemTopic(home string) string {
	return "homes/" + home + "/controller/system"
}

// TopicMatches reports whether topic matches an MQTT filter with + and # wildcards.
func TopicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
