package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/missilemap/missilemap-go/internal/fusion"
	"github.com/missilemap/missilemap-go/internal/gps"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	Sensors SensorsConfig `yaml:"sensors" json:"sensors"`
	GPS     GPSConfig     `yaml:"gps" json:"gps"`
	Remote  RemoteConfig  `yaml:"remote" json:"remote"`
	Fusion  FusionConfig  `yaml:"fusion" json:"fusion"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SensorsConfig struct {
	Type     string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyIMU
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type GPSConfig struct {
	Type     string    `yaml:"type" json:"type"` // "nmea", "demo" or "disabled"
	PortPath string    `yaml:"port_path" json:"portPath"`
	BaudRate int       `yaml:"baud_rate" json:"baudRate"`
	PollHz   int       `yaml:"poll_hz" json:"pollHz"`
	Home     gps.Point `yaml:"home" json:"home"` // demo centre and initial camera target
}

type RemoteConfig struct {
	Type      string `yaml:"type" json:"type"` // "http", "demo" or "disabled"
	BaseURL   string `yaml:"base_url" json:"baseUrl"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"`
}

type FusionConfig struct {
	Alpha             float64 `yaml:"alpha" json:"alpha"`
	RefreshIntervalMs int64   `yaml:"refresh_interval_ms" json:"refreshIntervalMs"`
	PollIntervalMs    int64   `yaml:"poll_interval_ms" json:"pollIntervalMs"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between track rows
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sensors: SensorsConfig{
			Type:     "demo",
			PortPath: "/dev/ttyIMU",
			BaudRate: 115200,
		},
		GPS: GPSConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
			PollHz:   10,
			Home:     gps.Point{Latitude: 34.0, Longitude: 47.0},
		},
		Remote: RemoteConfig{
			Type:      "http",
			BaseURL:   "http://localhost:8000",
			TimeoutMs: 10000,
		},
		Fusion: FusionConfig{
			Alpha:             0.9,
			RefreshIntervalMs: 100,
			PollIntervalMs:    3000,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/missilemap",
			Interval: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// FusionSettings converts the fusion section for fusion.New.
func (c *Config) FusionSettings() fusion.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fusion.Config{
		Alpha:             c.Fusion.Alpha,
		RefreshIntervalMs: c.Fusion.RefreshIntervalMs,
		PollInterval:      time.Duration(c.Fusion.PollIntervalMs) * time.Millisecond,
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	envString("SENSOR_TYPE", &c.Sensors.Type)
	envString("SENSOR_PORT", &c.Sensors.PortPath)
	envInt("SENSOR_BAUD", &c.Sensors.BaudRate)
	envString("GPS_TYPE", &c.GPS.Type)
	envString("GPS_PORT", &c.GPS.PortPath)
	envInt("GPS_BAUD", &c.GPS.BaudRate)
	envString("REMOTE_TYPE", &c.Remote.Type)
	envString("REMOTE_URL", &c.Remote.BaseURL)
	if v := os.Getenv("FUSION_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Fusion.Alpha = f
		}
	}
	envInt64("REFRESH_INTERVAL_MS", &c.Fusion.RefreshIntervalMs)
	envInt64("POLL_INTERVAL_MS", &c.Fusion.PollIntervalMs)
	envString("LISTEN_ADDR", &c.Server.ListenAddr)
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	envString("LOG_PATH", &c.Logging.Path)
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config: no path to save to")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
