package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Sampling interval bounds applied to whatever callers request.
const (
	MinSampleInterval = 5 * time.Second
	MaxSampleInterval = 120 * time.Second
)

// Config holds all environment-driven settings.
type Config struct {
	HTTPPort     string
	DBPath       string
	ConfigPath   string
	CollectorURL string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	GPSDAddr     string
	GeolocateURL string

	Strategy          string
	SampleIntervalSec int
	FixTimeoutSec     int

	UploadTimeoutSec    int
	BatchLimit          int
	RetryIntervalSec    int
	RetryMaxIntervalSec int
	RetentionHours      int
	SweepIntervalMin    int

	EnableWatcher bool
	Environment   string
}

// FileConfig is the subset of settings accepted from the optional YAML
// file. File values override environment values; the watcher re-reads the
// file at runtime for the hot-reloadable fields.
type FileConfig struct {
	Strategy          string `yaml:"strategy"`
	SampleIntervalSec int    `yaml:"sample_interval_sec"`
	CollectorURL      string `yaml:"collector_url"`
	MQTTBroker        string `yaml:"mqtt_broker"`
	MQTTTopic         string `yaml:"mqtt_topic"`
	GPSDAddr          string `yaml:"gpsd_addr"`
	GeolocateURL      string `yaml:"geolocate_url"`
}

// Load reads configuration from environment and optional .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:     getenv("PORT", "8090"),
		DBPath:       getenv("DB_PATH", "./fieldtracker.db"),
		ConfigPath:   getenv("FIELDTRACKER_CONFIG", ""),
		CollectorURL: getenv("COLLECTOR_URL", "http://localhost:9000/api/positions"),

		MQTTBroker:   getenv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopic:    getenv("MQTT_TOPIC", "tracker/+/fixes"),
		MQTTClientID: getenv("MQTT_CLIENT_ID", fmt.Sprintf("fieldtracker-%d", os.Getpid())),
		GPSDAddr:     getenv("GPSD_ADDR", "localhost:2947"),
		GeolocateURL: getenv("GEOLOCATE_URL", ""),

		Strategy:          getenv("PROVIDER_STRATEGY", "auto"),
		SampleIntervalSec: clampInt(getenvInt("SAMPLE_INTERVAL_SEC", 15), 5, 120),
		FixTimeoutSec:     clampInt(getenvInt("FIX_TIMEOUT_SEC", 20), 1, 120),

		UploadTimeoutSec:    clampInt(getenvInt("UPLOAD_TIMEOUT_SEC", 10), 1, 60),
		BatchLimit:          clampInt(getenvInt("BATCH_LIMIT", 50), 1, 500),
		RetryIntervalSec:    clampInt(getenvInt("RETRY_INTERVAL_SEC", 15), 1, 600),
		RetryMaxIntervalSec: clampInt(getenvInt("RETRY_MAX_INTERVAL_SEC", 300), 1, 3600),
		RetentionHours:      clampInt(getenvInt("RETENTION_HOURS", 72), 1, 24*30),
		SweepIntervalMin:    clampInt(getenvInt("SWEEP_INTERVAL_MIN", 30), 1, 24*60),

		EnableWatcher: getenvBool("ENABLE_CONFIG_WATCHER", true),
		Environment:   getenv("ENVIRONMENT", "local"),
	}

	if cfg.ConfigPath != "" {
		fc, err := LoadFile(cfg.ConfigPath)
		if err != nil {
			log.Printf("config file %s: %v (ignored)", cfg.ConfigPath, err)
		} else {
			cfg.applyFile(fc)
		}
	}
	if cfg.RetryMaxIntervalSec < cfg.RetryIntervalSec {
		cfg.RetryMaxIntervalSec = cfg.RetryIntervalSec
	}

	log.Printf("config: db=%s collector=%s strategy=%s interval=%ds env=%s",
		cfg.DBPath, cfg.CollectorURL, cfg.Strategy, cfg.SampleIntervalSec, cfg.Environment)
	return cfg
}

// LoadFile parses the YAML config file.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func (c *Config) applyFile(fc FileConfig) {
	if fc.Strategy != "" {
		c.Strategy = fc.Strategy
	}
	if fc.SampleIntervalSec != 0 {
		c.SampleIntervalSec = clampInt(fc.SampleIntervalSec, 5, 120)
	}
	if fc.CollectorURL != "" {
		c.CollectorURL = fc.CollectorURL
	}
	if fc.MQTTBroker != "" {
		c.MQTTBroker = fc.MQTTBroker
	}
	if fc.MQTTTopic != "" {
		c.MQTTTopic = fc.MQTTTopic
	}
	if fc.GPSDAddr != "" {
		c.GPSDAddr = fc.GPSDAddr
	}
	if fc.GeolocateURL != "" {
		c.GeolocateURL = fc.GeolocateURL
	}
}

// SampleInterval returns the clamped continuous sampling interval.
func (c Config) SampleInterval() time.Duration {
	return ClampInterval(time.Duration(c.SampleIntervalSec) * time.Second)
}

func (c Config) UploadTimeout() time.Duration { return time.Duration(c.UploadTimeoutSec) * time.Second }
func (c Config) FixTimeout() time.Duration    { return time.Duration(c.FixTimeoutSec) * time.Second }
func (c Config) RetryInterval() time.Duration { return time.Duration(c.RetryIntervalSec) * time.Second }
func (c Config) RetryMaxInterval() time.Duration {
	return time.Duration(c.RetryMaxIntervalSec) * time.Second
}
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMin) * time.Minute
}

// ClampInterval bounds a sampling interval to the supported range.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinSampleInterval {
		return MinSampleInterval
	}
	if d > MaxSampleInterval {
		return MaxSampleInterval
	}
	return d
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns a UTC timestamp, the single clock used for persisted rows.
func Now() time.Time {
	return time.Now().UTC()
}
