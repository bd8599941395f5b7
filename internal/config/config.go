package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultCameraProtocol = "rtsps"
	defaultCameraPort     = 322
	defaultCameraPath     = "/streaming/live/1"
	defaultCameraUser     = "bblp"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Fleet   FleetConfig   `yaml:"fleet"`
	Slicer  SlicerConfig  `yaml:"slicer"`
	Archive ArchiveConfig `yaml:"archive"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	JobsDir string `yaml:"jobs_dir"`
}

type FleetConfig struct {
	PollInterval     time.Duration   `yaml:"poll_interval"`
	DispatchInterval time.Duration   `yaml:"dispatch_interval"`
	ConnectOnStart   bool            `yaml:"connect_on_start"`
	Printers         []PrinterConfig `yaml:"printers"`
}

type PrinterConfig struct {
	ID         string       `yaml:"id"`
	Name       string       `yaml:"name"`
	Host       string       `yaml:"host"`
	Serial     string       `yaml:"serial"`
	AccessCode string       `yaml:"access_code"`
	Camera     CameraConfig `yaml:"camera"`
}

type CameraConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Protocol string `yaml:"protocol"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
	User     string `yaml:"user"`
	URL      string `yaml:"url"`
}

type SlicerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Paths       []string      `yaml:"paths"`
	CommandArgs []string      `yaml:"command_args"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Days    int    `yaml:"days"`
}

// Auth is optional: with an empty password hash the API is open, matching a
// farm running on a trusted LAN.
type AuthConfig struct {
	PasswordHash string `yaml:"password_hash"`
	TokenSecret  string `yaml:"token_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			JobsDir: "./data/jobs",
		},
		Fleet: FleetConfig{
			PollInterval:     2 * time.Second,
			DispatchInterval: 3 * time.Second,
			ConnectOnStart:   true,
		},
		Slicer: SlicerConfig{
			Enabled: false,
			MaxWait: 10 * time.Minute,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    "./data/archives",
			Days:    30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyPrinterDefaults()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLEETD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("FLEETD_JOBS_DIR"); v != "" {
		c.Storage.JobsDir = v
	}
	if v := os.Getenv("FLEETD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLEETD_PASSWORD_HASH"); v != "" {
		c.Auth.PasswordHash = v
	}
	if v := os.Getenv("FLEETD_TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
}

func (c *Config) applyPrinterDefaults() {
	for i := range c.Fleet.Printers {
		p := &c.Fleet.Printers[i]
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Camera.Protocol == "" {
			p.Camera.Protocol = defaultCameraProtocol
		}
		if p.Camera.Port == 0 {
			p.Camera.Port = defaultCameraPort
		}
		if p.Camera.Path == "" {
			p.Camera.Path = defaultCameraPath
		}
		if p.Camera.User == "" {
			p.Camera.User = defaultCameraUser
		}
	}
}

func (c *CameraConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Storage.JobsDir == "" {
		return fmt.Errorf("storage jobs_dir is required")
	}

	if c.Fleet.PollInterval <= 0 {
		return fmt.Errorf("fleet poll_interval must be positive")
	}

	if c.Fleet.DispatchInterval <= 0 {
		return fmt.Errorf("fleet dispatch_interval must be positive")
	}

	seen := make(map[string]bool)
	for _, p := range c.Fleet.Printers {
		if p.ID == "" {
			return fmt.Errorf("printer id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate printer id: %s", p.ID)
		}
		seen[p.ID] = true
		if p.Host == "" {
			return fmt.Errorf("printer %s: host is required", p.ID)
		}
		if p.Serial == "" {
			return fmt.Errorf("printer %s: serial is required", p.ID)
		}
		if p.AccessCode == "" {
			return fmt.Errorf("printer %s: access_code is required", p.ID)
		}
	}

	if c.Archive.Enabled && c.Archive.Days < 1 {
		return fmt.Errorf("archive days must be at least 1")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	return nil
}
