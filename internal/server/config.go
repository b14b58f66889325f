package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/geowatch/internal/gps"
	"github.com/shaunagostinho/geowatch/internal/logger"
	"github.com/shaunagostinho/geowatch/internal/permission"
)

const defaultConfigPath = "/etc/geowatch/config.yaml"

var validate = validator.New()

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	// Sensor source
	GPS GPSConfig `yaml:"gps" json:"gps"`

	// Location API behaviour
	Location LocationConfig `yaml:"location" json:"location"`

	// Permission answered to clients
	Permission permission.Config `yaml:"permission" json:"permission"`

	// Logging
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type GPSConfig struct {
	Type     string            `yaml:"type" json:"type" validate:"oneof=nmea demo"` // "nmea" or "demo"
	PortPath string            `yaml:"port_path" json:"portPath"`                   // e.g. /dev/ttyGPS
	BaudRate int               `yaml:"baud_rate" json:"baudRate" validate:"gte=0"`
	Service  gps.ServiceConfig `yaml:"service" json:"service"`
}

type LocationConfig struct {
	NativeOneShot bool `yaml:"native_one_shot" json:"nativeOneShot"` // Use the receiver's own one-shot fix
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" validate:"required"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
			Service: gps.ServiceConfig{
				PollHz: 10,
				UERE:   5,
			},
		},
		Location: LocationConfig{
			NativeOneShot: true,
		},
		Permission: permission.Config{
			Status:    "undetermined",
			AutoGrant: true,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found. The result is
// validated; an invalid config is an error.
func LoadConfig(path string, log *zap.Logger) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("error parsing config, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded config", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info("loading .env", zap.String("path", path))
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
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_TYPE, GPS_PORT, GPS_BAUD, GPS_POLL_HZ, LISTEN_ADDR,
// PERMISSION_STATUS, PERMISSION_AUTO_GRANT, NATIVE_ONE_SHOT, LOG_LEVEL,
// LOG_FORMAT, LOG_FILE
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("GPS_POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.Service.PollHz = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PERMISSION_STATUS"); v != "" {
		c.Permission.Status = v
	}
	if v := os.Getenv("PERMISSION_AUTO_GRANT"); v != "" {
		c.Permission.AutoGrant = truthy(v)
	}
	if v := os.Getenv("NATIVE_ONE_SHOT"); v != "" {
		c.Location.NativeOneShot = truthy(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Validate checks the config against its field constraints.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// PermissionConfig returns a copy of the permission section.
func (c *Config) PermissionConfig() permission.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Permission
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = defaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// Reload re-reads the YAML file into the config. Fields missing from the
// file keep their current values.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	next := c.snapshotLocked()
	if err := yaml.Unmarshal(data, next); err != nil {
		return fmt.Errorf("config: parse %s: %w", c.path, err)
	}
	if err := validate.Struct(next); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.GPS, c.Location, c.Permission, c.Logging, c.Server = next.GPS, next.Location, next.Permission, next.Logging, next.Server
	return nil
}

// snapshotLocked copies the exported sections without the mutex.
func (c *Config) snapshotLocked() *Config {
	return &Config{
		GPS:        c.GPS,
		Location:   c.Location,
		Permission: c.Permission,
		Logging:    c.Logging,
		Server:     c.Server,
		path:       c.path,
	}
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.snapshotLocked())
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. The merged result must validate.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c.snapshotLocked())
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into a candidate config
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := c.snapshotLocked()
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := validate.Struct(next); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.GPS, c.Location, c.Permission, c.Logging, c.Server = next.GPS, next.Location, next.Permission, next.Logging, next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
