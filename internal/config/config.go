// Package config loads the controller configuration from a YAML file and
// ZONECTL_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/zone-controller/internal/model"
)

// Defaults.
const (
	DefaultBroker       = "tcp://localhost:1883"
	DefaultPoll         = 30 * time.Second
	DefaultRefresh      = 15 * time.Minute
	DefaultHeartbeat    = 15 * time.Minute
	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 2 * time.Second
	DefaultSnapshot     = "/var/lib/zone-controller/snapshot.db"
	DefaultHTTP         = ":8080"
	DefaultW1Root       = "/sys/bus/w1/devices"
)

// Remote is the upstream configuration authority.
type Remote struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the full controller configuration.
type Config struct {
	Home     string `yaml:"home"`
	Timezone string `yaml:"timezone"`
	Broker   string `yaml:"broker"`
	Remote   Remote `yaml:"remote"`

	Poll         time.Duration `yaml:"poll"`
	Refresh      time.Duration `yaml:"refresh"`   // 0 disables periodic refresh
	Heartbeat    time.Duration `yaml:"heartbeat"` // 0 disables heartbeat events
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Snapshot string `yaml:"snapshot"`
	HTTP     string `yaml:"http"`
	GPIOChip string `yaml:"gpio_chip"`
	W1Root   string `yaml:"w1_root"`

	// ZoneIDs lists zones fetched from the remote authority.
	ZoneIDs []string `yaml:"zone_ids"`
	// Zones are static definitions, used as the boot seed or on their own
	// when no remote is configured.
	Zones []model.Zone `yaml:"zones"`
}

func defaults() Config {
	return Config{
		Broker:       DefaultBroker,
		Poll:         DefaultPoll,
		Refresh:      DefaultRefresh,
		Heartbeat:    DefaultHeartbeat,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		Snapshot:     DefaultSnapshot,
		HTTP:         DefaultHTTP,
		W1Root:       DefaultW1Root,
	}
}

// Load reads path (if non-empty), applies environment overrides and validates
// the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Home = getenvDefault("ZONECTL_HOME", c.Home)
	c.Timezone = getenvDefault("ZONECTL_TIMEZONE", c.Timezone)
	c.Broker = getenvDefault("ZONECTL_BROKER", c.Broker)
	c.Remote.URL = getenvDefault("ZONECTL_REMOTE_URL", c.Remote.URL)
	c.Remote.APIKey = getenvDefault("ZONECTL_API_KEY", c.Remote.APIKey)
	c.Snapshot = getenvDefault("ZONECTL_SNAPSHOT", c.Snapshot)
	c.HTTP = getenvDefault("ZONECTL_HTTP", c.HTTP)
	c.GPIOChip = getenvDefault("ZONECTL_GPIO_CHIP", c.GPIOChip)
	c.W1Root = getenvDefault("ZONECTL_W1_ROOT", c.W1Root)
	if ids := splitCSV(os.Getenv("ZONECTL_ZONES")); len(ids) > 0 {
		c.ZoneIDs = ids
	}

	var errs []error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"ZONECTL_POLL", &c.Poll},
		{"ZONECTL_REFRESH", &c.Refresh},
		{"ZONECTL_HEARTBEAT", &c.Heartbeat},
		{"ZONECTL_READ_TIMEOUT", &c.ReadTimeout},
		{"ZONECTL_WRITE_TIMEOUT", &c.WriteTimeout},
	} {
		v, err := getenvDuration(d.key, *d.dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}
	return errors.Join(errs...)
}

// Validate checks the fields the daemon cannot run without.
func (c Config) Validate() error {
	if c.Home == "" {
		return errors.New("config: home is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Poll <= 0 {
		return fmt.Errorf("config: poll must be positive, got %v", c.Poll)
	}
	if c.Remote.URL == "" && len(c.Zones) == 0 {
		return errors.New("config: no remote url and no static zones")
	}
	for _, z := range c.Zones {
		if err := z.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Location returns the timezone schedules are evaluated in.
// An empty timezone means the host's local time.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ManagedZones returns every zone id the controller is responsible for:
// remote zone ids plus static zone ids, deduplicated and sorted.
func (c Config) ManagedZones() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range c.ZoneIDs {
		add(id)
	}
	for _, z := range c.Zones {
		add(z.ID)
	}
	sort.Strings(ids)
	return ids
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
