package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultServerURL         = "ws://127.0.0.1:8000/ws/device/{device_id}"
	DefaultTelemetrySec      = 1.0
	MinTelemetrySec          = 0.1
	DefaultVideoWidth        = 640
	DefaultVideoHeight       = 480
	DefaultVideoFPS          = 30
	DefaultPWMChip           = 2
	DefaultRudderChannel     = 3
	DefaultThrustChannel     = 2
	DefaultPWMFrequencyHz    = 50
	DefaultReconnectBaseSec  = 1.0
	DefaultReconnectMaxSec   = 60.0
	DefaultReadTimeoutSec    = 90.0
	DefaultSensorBudgetMilli = 250
)

// Config is the top-level YAML document.
type Config struct {
	Device *DeviceConfig `yaml:"device,omitempty"`
}

// DeviceConfig holds settings for the boat device process.
type DeviceConfig struct {
	ID                   string   `yaml:"id"`
	ServerURL            string   `yaml:"server_url"`
	TelemetryIntervalSec float64  `yaml:"telemetry_interval_sec"`
	STUNServers          []string `yaml:"stun_servers"`
	FlightLogPath        string   `yaml:"flight_log"`
	LogLevel             string   `yaml:"log_level"`

	ReconnectBaseSec float64 `yaml:"reconnect_base_sec"`
	ReconnectMaxSec  float64 `yaml:"reconnect_max_sec"`
	ReadTimeoutSec   float64 `yaml:"read_timeout_sec"`
	SensorBudgetMs   int     `yaml:"sensor_budget_ms"`

	Video VideoConfig `yaml:"video"`
	Motor MotorConfig `yaml:"motor"`
}

// VideoConfig describes the outbound media track.
type VideoConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

// MotorConfig selects the hardware PWM chip and channels.
type MotorConfig struct {
	Chip          int `yaml:"chip"`
	RudderChannel int `yaml:"rudder_channel"`
	ThrustChannel int `yaml:"thrust_channel"`
	FrequencyHz   int `yaml:"frequency_hz"`
}

// Load reads and parses a YAML config file, applies defaults and
// environment overrides.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Device == nil {
		return fmt.Errorf("config must contain a device section")
	}
	if cfg.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if cfg.Device.ServerURL == "" {
		return fmt.Errorf("device.server_url is required")
	}
	if !strings.HasPrefix(cfg.Device.ServerURL, "ws://") && !strings.HasPrefix(cfg.Device.ServerURL, "wss://") {
		return fmt.Errorf("device.server_url must be a ws:// or wss:// URL")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Device == nil {
		return
	}
	d := cfg.Device
	if d.ServerURL == "" {
		d.ServerURL = DefaultServerURL
	}
	if d.TelemetryIntervalSec == 0 {
		d.TelemetryIntervalSec = DefaultTelemetrySec
	}
	if d.TelemetryIntervalSec < MinTelemetrySec {
		d.TelemetryIntervalSec = MinTelemetrySec
	}
	if d.ReconnectBaseSec == 0 {
		d.ReconnectBaseSec = DefaultReconnectBaseSec
	}
	if d.ReconnectMaxSec == 0 {
		d.ReconnectMaxSec = DefaultReconnectMaxSec
	}
	if d.ReadTimeoutSec == 0 {
		d.ReadTimeoutSec = DefaultReadTimeoutSec
	}
	if d.SensorBudgetMs == 0 {
		d.SensorBudgetMs = DefaultSensorBudgetMilli
	}
	if d.Video.Width == 0 {
		d.Video.Width = DefaultVideoWidth
	}
	if d.Video.Height == 0 {
		d.Video.Height = DefaultVideoHeight
	}
	if d.Video.FPS == 0 {
		d.Video.FPS = DefaultVideoFPS
	}
	if d.Motor.Chip == 0 {
		d.Motor.Chip = DefaultPWMChip
	}
	if d.Motor.RudderChannel == 0 {
		d.Motor.RudderChannel = DefaultRudderChannel
	}
	if d.Motor.ThrustChannel == 0 {
		d.Motor.ThrustChannel = DefaultThrustChannel
	}
	if d.Motor.FrequencyHz == 0 {
		d.Motor.FrequencyHz = DefaultPWMFrequencyHz
	}
}

// ApplyEnv overlays environment variables on top of the file config.
// Environment values win over file values.
func ApplyEnv(cfg *Config) error {
	if cfg.Device == nil {
		cfg.Device = &DeviceConfig{}
		ApplyDefaults(cfg)
	}
	d := cfg.Device
	if v := os.Getenv("WS_SERVER_URL"); v != "" {
		d.ServerURL = v
	}
	if v := os.Getenv("DEVICE_ID"); v != "" {
		d.ID = v
	}
	if v := os.Getenv("TELEMETRY_INTERVAL"); v != "" {
		sec, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TELEMETRY_INTERVAL: %w", err)
		}
		if sec < MinTelemetrySec {
			sec = MinTelemetrySec
		}
		d.TelemetryIntervalSec = sec
	}
	return nil
}

// TelemetryInterval returns the telemetry period as a duration.
func (d *DeviceConfig) TelemetryInterval() time.Duration {
	return time.Duration(d.TelemetryIntervalSec * float64(time.Second))
}

// ReconnectBase returns the initial reconnect delay.
func (d *DeviceConfig) ReconnectBase() time.Duration {
	return time.Duration(d.ReconnectBaseSec * float64(time.Second))
}

// ReconnectMax returns the reconnect delay cap.
func (d *DeviceConfig) ReconnectMax() time.Duration {
	return time.Duration(d.ReconnectMaxSec * float64(time.Second))
}

// ReadTimeout returns the control-channel read deadline.
func (d *DeviceConfig) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutSec * float64(time.Second))
}

// SensorBudget returns the per-sample sensor read budget.
func (d *DeviceConfig) SensorBudget() time.Duration {
	return time.Duration(d.SensorBudgetMs) * time.Millisecond
}
