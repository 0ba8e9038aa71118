// Package config provides configuration management for rollcall.
// It loads configuration from YAML or TOML files on top of sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Gallery sources.
const (
	SourceCache    = "cache"
	SourceImages   = "images"
	SourcePostgres = "postgres"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvDatabaseDSN = "ROLLCALL_DATABASE_DSN"
	EnvThreshold   = "ROLLCALL_THRESHOLD"
)

// Config holds all rollcall configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera" toml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition" toml:"recognition"`
	Gallery     GalleryConfig     `yaml:"gallery" toml:"gallery"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// CameraConfig holds camera settings.
type CameraConfig struct {
	Device         string `yaml:"device" toml:"device"`
	Width          int    `yaml:"width" toml:"width"`
	Height         int    `yaml:"height" toml:"height"`
	FPS            int    `yaml:"fps" toml:"fps"`
	MaxFailedReads int    `yaml:"max_failed_reads" toml:"max_failed_reads"`
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	ModelPath string `yaml:"model_path" toml:"model_path"`
	// Threshold is the largest mean template distance still accepted as a match.
	Threshold float64 `yaml:"threshold" toml:"threshold"`
	// Scale shrinks frames before detection; regions are mapped back afterwards.
	Scale float64 `yaml:"scale" toml:"scale"`
	CNN   bool    `yaml:"cnn" toml:"cnn"`
}

// GalleryConfig describes where enrolled templates come from.
type GalleryConfig struct {
	ImagesDir         string `yaml:"images_dir" toml:"images_dir"`
	CacheFile         string `yaml:"cache_file" toml:"cache_file"`
	EncryptionEnabled bool   `yaml:"encryption_enabled" toml:"encryption_enabled"`
	Source            string `yaml:"source" toml:"source"`
}

// DatabaseConfig holds attendance database settings.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	Path         string `yaml:"path" toml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// ServerConfig holds the optional HTTP surface settings.
type ServerConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/rollcall")
	return &Config{
		Camera: CameraConfig{
			Device:         "/dev/video0",
			Width:          640,
			Height:         480,
			FPS:            30,
			MaxFailedReads: 30,
		},
		Recognition: RecognitionConfig{
			ModelPath: filepath.Join(dataDir, "models"),
			Threshold: 0.45,
			Scale:     0.25,
		},
		Gallery: GalleryConfig{
			ImagesDir:         filepath.Join(dataDir, "images"),
			CacheFile:         filepath.Join(dataDir, "gallery.enc"),
			EncryptionEnabled: true,
			Source:            SourceCache,
		},
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			Path:         filepath.Join(dataDir, "attendance.db"),
			MaxOpenConns: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   filepath.Join(dataDir, "rollcall.log"),
		},
	}
}

// Load loads configuration from the specified file. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, config)
	} else {
		err = yaml.Unmarshal(data, config)
	}
	if err != nil {
		return config, fmt.Errorf("parse %s: %w", path, err)
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/rollcall/rollcall.yaml"); err == nil {
		return Load("/etc/rollcall/rollcall.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/rollcall/rollcall.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ApplyEnv overlays environment overrides onto the configuration.
func (c *Config) ApplyEnv() error {
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
	if raw := strings.TrimSpace(os.Getenv(EnvThreshold)); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvThreshold, err)
		}
		c.Recognition.Threshold = threshold
	}
	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}
	if c.Camera.MaxFailedReads <= 0 {
		return fmt.Errorf("max_failed_reads must be positive, got %d", c.Camera.MaxFailedReads)
	}

	if c.Recognition.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative, got %f", c.Recognition.Threshold)
	}
	if c.Recognition.Scale <= 0 || c.Recognition.Scale > 1 {
		return fmt.Errorf("scale must be in (0, 1], got %f", c.Recognition.Scale)
	}

	switch c.Gallery.Source {
	case SourceCache, SourceImages, SourcePostgres:
	default:
		return fmt.Errorf("invalid gallery source: %s (must be cache, images, or postgres)", c.Gallery.Source)
	}
	if c.Gallery.Source == SourcePostgres && c.Database.Driver != DriverPostgres {
		return fmt.Errorf("gallery source postgres requires database driver postgres, got %s", c.Database.Driver)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" && c.Database.DSN == "" {
			return fmt.Errorf("sqlite database requires path or dsn")
		}
	case DriverPostgres, DriverMySQL:
		if c.Database.DSN == "" {
			return fmt.Errorf("%s database requires dsn", c.Database.Driver)
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite, postgres, or mysql)", c.Database.Driver)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.Device = ExpandPath(c.Camera.Device)
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Gallery.ImagesDir = ExpandPath(c.Gallery.ImagesDir)
	c.Gallery.CacheFile = ExpandPath(c.Gallery.CacheFile)
	c.Database.Path = ExpandPath(c.Database.Path)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates directories for the cache, database and log file.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Gallery.CacheFile)}
	if c.Database.Driver == DriverSQLite && c.Database.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the lock file guarding the configured camera device.
func (c *Config) LockPath() string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimPrefix(c.Camera.Device, "/"))
	return filepath.Join(filepath.Dir(c.Gallery.CacheFile), "camera-"+name+".lock")
}
