// Package config provides configuration loading for the Spotwise streaming server.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Model backends.
const (
	BackendONNX        = "onnx"
	BackendUltralytics = "ultralytics"
	BackendNone        = "none"
)

// Config holds every recognized option of the server.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Stream StreamConfig `yaml:"stream"`
	Model  ModelConfig  `yaml:"model"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`

	// Video is an optional source used by "start" commands that carry no video_path.
	Video string `yaml:"video"`
}

// ServerConfig holds the listener options.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

// StreamConfig holds the per-stream pacing and encoding options.
type StreamConfig struct {
	TargetFPS    float64       `yaml:"target_fps"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ModelConfig selects and configures the detection model backend.
type ModelConfig struct {
	Backend      string  `yaml:"backend"`
	Path         string  `yaml:"path"`
	InputSize    int     `yaml:"input_size"`
	NMSThreshold float64 `yaml:"nms_threshold"`
	Python       string  `yaml:"python"`
	Script       string  `yaml:"script"`
}

// StoreConfig holds the camera catalog location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logger options.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a Config populated with the default values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8765,
		},
		Stream: StreamConfig{
			TargetFPS:    30,
			JPEGQuality:  80,
			SendBuffer:   8,
			WriteTimeout: 5 * time.Second,
		},
		Model: ModelConfig{
			Backend:      BackendONNX,
			Path:         "yolov8n.onnx",
			InputSize:    640,
			NMSThreshold: 0.45,
			Python:       "python3",
			Script:       "scripts/ultralytics_service.py",
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// Validate checks that the configuration can be used to start the server.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Stream.TargetFPS <= 0 {
		return errors.Errorf("stream.target_fps must be positive, got %v", c.Stream.TargetFPS)
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return errors.Errorf("stream.jpeg_quality must be in [1, 100], got %d", c.Stream.JPEGQuality)
	}
	if c.Stream.SendBuffer < 1 {
		return errors.Errorf("stream.send_buffer must be at least 1, got %d", c.Stream.SendBuffer)
	}

	switch c.Model.Backend {
	case BackendONNX:
		if c.Model.Path == "" {
			return errors.New("model.path is required for the onnx backend")
		}
		if c.Model.InputSize <= 0 {
			return errors.Errorf("model.input_size must be positive, got %d", c.Model.InputSize)
		}
	case BackendUltralytics:
		if c.Model.Script == "" {
			return errors.New("model.script is required for the ultralytics backend")
		}
	case BackendNone:
	default:
		return errors.Errorf("unknown model.backend %q", c.Model.Backend)
	}

	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func defaultStorePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "spotwise.db"
	}
	return filepath.Join(homeDir, ".spotwise", "spotwise.db")
}
