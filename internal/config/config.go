// Package config loads and validates the process configuration. The Config
// struct is immutable after Load: components receive values, never the
// ability to change them.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied for fields omitted from the config file.
const (
	DefaultMotorPort = "/dev/ttyUSB0"
	DefaultMotorBaud = 115200
	DefaultLidarPort = "auto"
	DefaultLidarBaud = 115200

	DefaultCameraInterface = "auto"
	DefaultCameraWidth     = 1280
	DefaultCameraHeight    = 720
	DefaultCameraFPS       = 15

	DefaultListenAddr = ":8080"

	DefaultObstacleThresholdMM = 1000.0
	DefaultSafetyMM            = 500.0
	DefaultFrontClearMM        = 2000.0
)

// maxFileSize guards against reading a mistaken path (a device node, a log).
const maxFileSize = 1 << 20

// MotorConfig selects the drive microcontroller link.
type MotorConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// LidarConfig selects the range sensor link. Port "auto" enables
// vendor-based discovery.
type LidarConfig struct {
	Port                string  `yaml:"port"`
	Baud                int     `yaml:"baud"`
	ObstacleThresholdMM float64 `yaml:"obstacle_threshold_mm"`
}

// CameraConfig selects the camera backend and capture geometry.
type CameraConfig struct {
	Interface string `yaml:"interface"` // usb, csi, or auto
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FPS       int    `yaml:"fps"`
}

// NavConfig tunes the obstacle avoidance clearances.
type NavConfig struct {
	SafetyMM     float64 `yaml:"safety_mm"`
	FrontClearMM float64 `yaml:"front_clear_mm"`
}

// Config is the root process configuration.
type Config struct {
	Simulation bool         `yaml:"simulation"`
	ListenAddr string       `yaml:"listen_addr"`
	Motor      MotorConfig  `yaml:"motor"`
	Lidar      LidarConfig  `yaml:"lidar"`
	Camera     CameraConfig `yaml:"camera"`
	Nav        NavConfig    `yaml:"nav"`
}

// Default returns a Config filled with the stock values.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		Motor:      MotorConfig{Port: DefaultMotorPort, Baud: DefaultMotorBaud},
		Lidar: LidarConfig{
			Port:                DefaultLidarPort,
			Baud:                DefaultLidarBaud,
			ObstacleThresholdMM: DefaultObstacleThresholdMM,
		},
		Camera: CameraConfig{
			Interface: DefaultCameraInterface,
			Width:     DefaultCameraWidth,
			Height:    DefaultCameraHeight,
			FPS:       DefaultCameraFPS,
		},
		Nav: NavConfig{
			SafetyMM:     DefaultSafetyMM,
			FrontClearMM: DefaultFrontClearMM,
		},
	}
}

// Load reads a yaml config file over the defaults and validates the result.
// Fields omitted from the file keep their default values, so partial configs
// are safe. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every field that has a constraint and names the offender.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Motor.Port == "" {
		return fmt.Errorf("motor.port must not be empty")
	}
	if c.Motor.Baud <= 0 {
		return fmt.Errorf("motor.baud must be positive, got %d", c.Motor.Baud)
	}
	if c.Lidar.Port == "" {
		return fmt.Errorf("lidar.port must not be empty (use \"auto\" for discovery)")
	}
	if c.Lidar.Baud <= 0 {
		return fmt.Errorf("lidar.baud must be positive, got %d", c.Lidar.Baud)
	}
	if c.Lidar.ObstacleThresholdMM <= 0 {
		return fmt.Errorf("lidar.obstacle_threshold_mm must be positive, got %g", c.Lidar.ObstacleThresholdMM)
	}
	switch c.Camera.Interface {
	case "usb", "csi", "auto":
	default:
		return fmt.Errorf("camera.interface must be usb, csi, or auto, got %q", c.Camera.Interface)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera resolution must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("camera.fps must be positive, got %d", c.Camera.FPS)
	}
	if c.Nav.SafetyMM <= 0 {
		return fmt.Errorf("nav.safety_mm must be positive, got %g", c.Nav.SafetyMM)
	}
	if c.Nav.FrontClearMM < c.Nav.SafetyMM {
		return fmt.Errorf("nav.front_clear_mm (%g) must not be below nav.safety_mm (%g)",
			c.Nav.FrontClearMM, c.Nav.SafetyMM)
	}
	return nil
}
