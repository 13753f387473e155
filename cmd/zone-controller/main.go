// Command zone-controller reads zone sensors, resolves schedule targets and
// drives GPIO actuators, keeping its configuration in sync over MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sweeney/zone-controller/internal/actuator"
	"github.com/sweeney/zone-controller/internal/config"
	"github.com/sweeney/zone-controller/internal/configsync"
	"github.com/sweeney/zone-controller/internal/control"
	"github.com/sweeney/zone-controller/internal/gpio"
	"github.com/sweeney/zone-controller/internal/logic"
	"github.com/sweeney/zone-controller/internal/metrics"
	"github.com/sweeney/zone-controller/internal/mqtt"
	"github.com/sweeney/zone-controller/internal/persist"
	"github.com/sweeney/zone-controller/internal/remote"
	"github.com/sweeney/zone-controller/internal/sensor"
	"github.com/sweeney/zone-controller/internal/status"
	"github.com/sweeney/zone-controller/internal/store"
	"github.com/sweeney/zone-controller/internal/telemetry"
	"github.com/sweeney/zone-controller/internal/web"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "zone-controller",
		Short:         "Zone-based environmental control loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ZONECTL_CONFIG"), "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the control loop until SIGINT, SIGTERM, SIGUSR1 or SIGUSR2",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	})

	var refresh bool
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Print the resolved targets of every zone and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printState(cmd.Context(), cmd.OutOrStdout(), cfg, refresh, time.Now())
		},
	}
	stateCmd.Flags().BoolVar(&refresh, "refresh", false, "fetch zones from the remote authority first")
	root.AddCommand(stateCmd)

	return root
}

func run(cfg config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Snapshot persistence is optional: without it the controller still
	// runs, it just starts cold.
	snaps := openSnapshots(cfg.Snapshot)
	if snaps != nil {
		defer snaps.Close()
	}

	st, err := buildStore(context.Background(), cfg, snaps)
	if err != nil {
		return err
	}

	// Hardware
	opener := gpio.NewRealOpener(cfg.GPIOChip)
	defer opener.Close()
	binder := actuator.NewBinder(opener, cfg.GPIOChip)
	defer binder.Close()

	sensors := sensor.NewRegistry()
	sensors.Register(sensor.KindDS18x20, sensor.NewW1Driver(cfg.W1Root))
	sensors.Register(sensor.KindGPIOIn, sensor.NewGPIOInDriver())

	tracker := status.NewTracker(time.Now(), status.Config{
		Home:      cfg.Home,
		Timezone:  cfg.Timezone,
		Broker:    cfg.Broker,
		Remote:    cfg.Remote.URL,
		HTTPAddr:  cfg.HTTP,
		PollMs:    cfg.Poll.Milliseconds(),
		RefreshMs: cfg.Refresh.Milliseconds(),
	})

	// MQTT
	will, err := mqtt.SystemMessage(cfg.Home, mqtt.SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "connection lost"})
	if err != nil {
		return fmt.Errorf("build will: %w", err)
	}
	client := mqtt.NewRealClient(mqtt.Options{
		Broker:    cfg.Broker,
		Will:      &will,
		OnConnect: func() { tracker.SetMQTTConnected(true) },
	})
	defer client.Close()

	// Sync engine
	syncCfg := configsync.Config{
		Home:    cfg.Home,
		Store:   st,
		Binder:  binder,
		Metrics: m,
		Timeout: cfg.Remote.Timeout,
		OnState: func(id string, state store.SyncState) { tracker.SetSyncState(id, state.String()) },
	}
	if cfg.Remote.URL != "" {
		rc, err := remote.NewClient(cfg.Remote.URL, cfg.Home, cfg.Remote.APIKey, cfg.Remote.Timeout)
		if err != nil {
			return fmt.Errorf("init remote: %w", err)
		}
		syncCfg.Source = rc
	}
	if snaps != nil {
		syncCfg.Saver = snaps
	}
	engine := configsync.New(syncCfg)

	// Telemetry
	emitter := telemetry.NewEmitter(client, cfg.Home, telemetry.DefaultQueueSize, m)
	telCtx, stopTelemetry := context.WithCancel(context.Background())
	telDone := make(chan struct{})
	go func() {
		emitter.Run(telCtx)
		close(telDone)
	}()
	defer func() {
		stopTelemetry()
		<-telDone
	}()

	loop := control.New(control.Config{
		Store:        st,
		Sensors:      sensors,
		Actuators:    binder,
		Sync:         engine,
		Telemetry:    emitter,
		Metrics:      m,
		Tracker:      tracker,
		Location:     loc,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	engine.SetTrigger(loop.Trigger)

	if err := client.Subscribe(mqtt.EventFilter(cfg.Home), 1, engine.Handler()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Start HTTP status server
	if cfg.HTTP != "" {
		srv := web.New(cfg.HTTP, tracker, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP)
	}

	publishSystem(client, cfg.Home, mqtt.SystemEvent{Timestamp: time.Now(), Event: "STARTUP", Zones: st.ZoneIDs()})

	log.Printf("started: home=%s zones=%v broker=%s poll=%v refresh=%v tz=%s",
		cfg.Home, st.ZoneIDs(), cfg.Broker, cfg.Poll, cfg.Refresh, loc)

	ticker := time.NewTicker(cfg.Poll)
	defer ticker.Stop()
	var refreshTick <-chan time.Time
	if cfg.Refresh > 0 && engine.HasRemote() {
		t := time.NewTicker(cfg.Refresh)
		defer t.Stop()
		refreshTick = t.C
	}
	var heartbeat <-chan time.Time
	if cfg.Heartbeat > 0 {
		t := time.NewTicker(cfg.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals...)

	return runLoop(daemon{
		loop:    loop,
		client:  client,
		conn:    client,
		tracker: tracker,
		store:   st,
		home:    cfg.Home,
	}, time.Now, ticker.C, refreshTick, heartbeat, sigCh)
}

// shutdownSignals all turn every actuator off before the process exits.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGUSR1:
		return "SIGUSR1"
	case syscall.SIGUSR2:
		return "SIGUSR2"
	}
	return "UNKNOWN"
}

// daemon bundles what runLoop drives.
type daemon struct {
	loop    *control.Loop
	client  mqtt.Client
	conn    mqtt.ConnectionStatus
	tracker *status.Tracker
	store   *store.Store
	home    string
}

// runLoop runs the control loop until a signal arrives, then turns every
// actuator off and announces the shutdown.
func runLoop(d daemon, now func() time.Time, tick, refreshTick, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	passTick := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- d.loop.Run(ctx, passTick, refreshTick) }()

	stop := func(event mqtt.SystemEvent) {
		cancel()
		<-done
		d.loop.Shutdown()
		d.updateConn()
		publishSystem(d.client, d.home, event)
	}

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			stop(mqtt.SystemEvent{Timestamp: now(), Event: "SHUTDOWN", Reason: signalName(s), Zones: d.store.ZoneIDs()})
			return nil

		case t := <-tick:
			d.updateConn()
			passTick <- t

		case <-heartbeat:
			d.updateConn()
			zones := d.store.ZoneIDs()
			buffered := 0
			if b, ok := d.client.(interface{ Buffered() int }); ok {
				buffered = b.Buffered()
			}
			log.Printf("heartbeat: zones=%v mqtt=%v buffered=%d", zones, d.conn != nil && d.conn.IsConnected(), buffered)
			publishSystem(d.client, d.home, mqtt.SystemEvent{Timestamp: now(), Event: "HEARTBEAT", Zones: zones})
		}
	}
}

func (d daemon) updateConn() {
	if d.tracker != nil && d.conn != nil {
		d.tracker.SetMQTTConnected(d.conn.IsConnected())
	}
}

func publishSystem(client mqtt.Client, home string, event mqtt.SystemEvent) {
	msg, err := mqtt.SystemMessage(home, event)
	if err != nil {
		log.Printf("failed to format %s event: %v", event.Event, err)
		return
	}
	if err := client.Publish(msg); err != nil {
		log.Printf("failed to publish %s event: %v", event.Event, err)
		return
	}
	log.Printf("published %s event", event.Event)
}

func openSnapshots(path string) *persist.Store {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("snapshot: %v, running without persistence", err)
		return nil
	}
	snaps, err := persist.Open(path)
	if err != nil {
		log.Printf("snapshot: %v, running without persistence", err)
		return nil
	}
	return snaps
}

// buildStore registers every managed zone and seeds it, first from the
// persisted snapshot and then from static configuration. Without a remote
// authority the static definitions are authoritative and replace the seed.
func buildStore(ctx context.Context, cfg config.Config, snaps *persist.Store) (*store.Store, error) {
	st := store.New(time.Now)
	for _, id := range cfg.ManagedZones() {
		st.Register(id)
	}

	if snaps != nil {
		managed := make(map[string]bool)
		for _, id := range cfg.ManagedZones() {
			managed[id] = true
		}
		saved, err := snaps.LoadAll(ctx)
		if err != nil {
			log.Printf("snapshot: load: %v", err)
		}
		for _, s := range saved {
			if !managed[s.Zone.ID] {
				log.Printf("snapshot: dropping zone %s (no longer configured)", s.Zone.ID)
				if err := snaps.Delete(ctx, s.Zone.ID); err != nil {
					log.Printf("snapshot: %v", err)
				}
				continue
			}
			if _, err := st.Seed(s.Zone); err != nil {
				log.Printf("snapshot: zone %s: %v", s.Zone.ID, err)
				continue
			}
			log.Printf("snapshot: seeded zone %s (saved %s)", s.Zone.ID, s.SavedAt.Format(time.RFC3339))
		}
	}

	for _, z := range cfg.Zones {
		if cfg.Remote.URL == "" {
			if _, err := st.Replace(z); err != nil {
				return nil, fmt.Errorf("static zone %s: %w", z.ID, err)
			}
			continue
		}
		if _, err := st.Seed(z); err != nil {
			return nil, fmt.Errorf("static zone %s: %w", z.ID, err)
		}
	}
	return st, nil
}

// printState writes the targets each zone resolves to at now.
func printState(ctx context.Context, w io.Writer, cfg config.Config, refresh bool, now time.Time) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	snaps := openSnapshots(cfg.Snapshot)
	if snaps != nil {
		defer snaps.Close()
	}
	st, err := buildStore(ctx, cfg, snaps)
	if err != nil {
		return err
	}

	if refresh && cfg.Remote.URL != "" {
		rc, err := remote.NewClient(cfg.Remote.URL, cfg.Home, cfg.Remote.APIKey, cfg.Remote.Timeout)
		if err != nil {
			return fmt.Errorf("init remote: %w", err)
		}
		engine := configsync.New(configsync.Config{Home: cfg.Home, Store: st, Source: rc, Timeout: cfg.Remote.Timeout})
		if err := engine.RefreshAll(ctx); err != nil {
			log.Printf("refresh: %v", err)
		}
	}

	return writeState(w, st, now.In(loc))
}

func writeState(w io.Writer, st *store.Store, now time.Time) error {
	infos := st.Infos()
	if len(infos) == 0 {
		return errors.New("no zones configured")
	}
	for _, info := range infos {
		id := info.ID
		z, _, ok := st.Snapshot(id)
		if !info.HasConfig || !ok {
			fmt.Fprintf(w, "%s: no configuration (%s)\n", id, info.State)
			continue
		}
		targets := logic.ResolveTargets(z, now)
		fmt.Fprintf(w, "%s: version %d, %s, %d devices\n", id, info.Version, info.State, len(z.Devices))
		devices := make([]string, 0, len(targets))
		for dev := range targets {
			devices = append(devices, dev)
		}
		sort.Strings(devices)
		for _, dev := range devices {
			fmt.Fprintf(w, "  %s -> %g\n", dev, targets[dev])
		}
		if len(targets) == 0 {
			fmt.Fprintln(w, "  no active targets")
		}
	}
	return nil
}
