package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/zone-controller/internal/metrics"
	"github.com/sweeney/zone-controller/internal/model"
	"github.com/sweeney/zone-controller/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		Home:      "h1",
		Timezone:  "Europe/London",
		Broker:    "tcp://192.168.1.200:1883",
		Remote:    "https://remote.example",
		HTTPAddr:  ":8080",
		PollMs:    30000,
		RefreshMs: 900000,
	}
	tr := status.NewTracker(start, cfg)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Pass("living", "reset", 10*time.Millisecond)

	srv := New(":0", tr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func livingStatus() status.ZoneStatus {
	target := 21.0
	return status.ZoneStatus{
		ID:        "living",
		Name:      "Living room",
		Version:   3,
		SyncState: "CONSISTENT",
		Mode:      "incremental",
		LastPass:  time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC),
		Devices: []status.DeviceStatus{
			{ID: "temp", Type: "temperature", Direction: model.DirectionInput,
				Current: &model.Reading{Value: 19.5, Unit: "C"}, Target: &target, Signal: model.SignalIncrease},
			{ID: "heater", Type: "on-off", Direction: model.DirectionOutput,
				Signal: model.SignalIndeterminate, Decision: "ON"},
			{ID: "probe", Type: "temperature", Direction: model.DirectionInput,
				Signal: model.SignalIndeterminate, Error: "read ds18x20 28-2: crc mismatch"},
		},
	}
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.UpdateZone(livingStatus())
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Config.Home != "h1" {
		t.Errorf("Config.Home: got %q, want h1", sj.Status.Config.Home)
	}
	if len(sj.Status.Zones) != 1 {
		t.Fatalf("zones: got %d, want 1", len(sj.Status.Zones))
	}
	z := sj.Status.Zones[0]
	if z.Version != 3 || z.SyncState != "CONSISTENT" {
		t.Errorf("zone: got version=%d state=%s", z.Version, z.SyncState)
	}
	if len(z.Devices) != 3 {
		t.Fatalf("devices: got %d, want 3", len(z.Devices))
	}
	if z.Devices[0].Value == nil || *z.Devices[0].Value != 19.5 {
		t.Errorf("temp value: got %v, want 19.5", z.Devices[0].Value)
	}
	if z.Devices[1].Decision != "ON" {
		t.Errorf("heater decision: got %q, want ON", z.Devices[1].Decision)
	}
}

func TestJSONNoZones(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	json.NewDecoder(resp.Body).Decode(&sj)
	if sj.Status.Zones == nil || len(sj.Status.Zones) != 0 {
		t.Errorf("zones: got %v, want empty list", sj.Status.Zones)
	}
	if sj.Status.MQTT.Connected {
		t.Error("expected MQTT disconnected initially")
	}
}

func TestZoneEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.UpdateZone(livingStatus())

	tests := []struct {
		path string
		code int
	}{
		{"/zones/living", 200},
		{"/zones/garage", 404},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Fatalf("status: got %d, want %d", resp.StatusCode, tt.code)
			}
			if tt.code != 200 {
				return
			}
			var zj status.ZoneJSON
			if err := json.NewDecoder(resp.Body).Decode(&zj); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if zj.ID != "living" || zj.Mode != "incremental" {
				t.Errorf("zone: got id=%s mode=%s", zj.ID, zj.Mode)
			}
		})
	}
}

func TestHTMLEndpoints(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.UpdateZone(livingStatus())

	for _, path := range []string{"/", "/index.html"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			if err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != 200 {
				t.Errorf("status: got %d, want 200", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type: got %q, want text/html", ct)
			}
			body, _ := io.ReadAll(resp.Body)
			for _, want := range []string{"Living room", "19.50C", "21.00", "crc mismatch", `class="on"`} {
				if !strings.Contains(string(body), want) {
					t.Errorf("body missing %q", want)
				}
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "zonectl_passes_total") {
		t.Errorf("metrics body missing zonectl_passes_total:\n%s", body)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/index.json", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.UpdateZone(livingStatus())

	z := livingStatus()
	z.Version = 4
	z.Devices[1].Decision = "OFF"
	tr.UpdateZone(z)
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/zones/living")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var zj status.ZoneJSON
	json.NewDecoder(resp.Body).Decode(&zj)
	if zj.Version != 4 {
		t.Errorf("version: got %d, want 4", zj.Version)
	}
	if zj.Devices[1].Decision != "OFF" {
		t.Errorf("decision: got %q, want OFF", zj.Devices[1].Decision)
	}
}
