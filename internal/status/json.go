package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	Zones         []ZoneJSON `json:"zones"`
	Config        ConfigJSON `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ZoneJSON is the JSON representation of a zone's last pass.
type ZoneJSON struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Version   uint64       `json:"version"`
	SyncState string       `json:"sync_state"`
	Mode      string       `json:"mode,omitempty"`
	LastPass  string       `json:"last_pass,omitempty"`
	Devices   []DeviceJSON `json:"devices"`
}

// DeviceJSON is the JSON representation of one device.
type DeviceJSON struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Type      string   `json:"type"`
	Direction string   `json:"direction"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit,omitempty"`
	Target    *float64 `json:"target"`
	Signal    string   `json:"signal,omitempty"`
	Decision  string   `json:"decision,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Home      string `json:"home"`
	Timezone  string `json:"timezone"`
	Broker    string `json:"broker"`
	Remote    string `json:"remote,omitempty"`
	HTTPAddr  string `json:"http_addr"`
	PollMs    int64  `json:"poll_ms"`
	RefreshMs int64  `json:"refresh_ms"`
}

// BuildZone converts a zone status to its JSON form.
func BuildZone(z ZoneStatus) ZoneJSON {
	zj := ZoneJSON{
		ID:        z.ID,
		Name:      z.Name,
		Version:   z.Version,
		SyncState: z.SyncState,
		Mode:      z.Mode,
		Devices:   make([]DeviceJSON, 0, len(z.Devices)),
	}
	if !z.LastPass.IsZero() {
		zj.LastPass = z.LastPass.UTC().Format(time.RFC3339)
	}
	for _, d := range z.Devices {
		dj := DeviceJSON{
			ID:        d.ID,
			Name:      d.Name,
			Type:      d.Type,
			Direction: string(d.Direction),
			Target:    d.Target,
			Signal:    string(d.Signal),
			Decision:  d.Decision,
			Error:     d.Error,
		}
		if d.Current != nil {
			v := d.Current.Value
			dj.Value = &v
			dj.Unit = d.Current.Unit
		}
		zj.Devices = append(zj.Devices, dj)
	}
	return zj
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Zones:         make([]ZoneJSON, 0, len(snap.Zones)),
		Config: ConfigJSON{
			Home:      snap.Config.Home,
			Timezone:  snap.Config.Timezone,
			Broker:    snap.Config.Broker,
			Remote:    snap.Config.Remote,
			HTTPAddr:  snap.Config.HTTPAddr,
			PollMs:    snap.Config.PollMs,
			RefreshMs: snap.Config.RefreshMs,
		},
	}
	for _, z := range snap.Zones {
		inner.Zones = append(inner.Zones, BuildZone(z))
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatZoneJSON returns the JSON status of a single zone.
func FormatZoneJSON(z ZoneStatus) []byte {
	data, _ := json.MarshalIndent(BuildZone(z), "", "  ")
	return data
}
