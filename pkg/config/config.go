package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverV4L2 = "v4l2"
	DriverSim  = "sim"

	GPIOPeriph = "periph"
	GPIOSim    = "sim"

	PolicySplit  = "split"
	PolicyMirror = "mirror"
)

// Config represents the complete rig configuration
type Config struct {
	LogLevel         string `yaml:"log_level"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`

	Camera    CameraConfig    `yaml:"camera"`
	Params    ParamsConfig    `yaml:"params"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Recording RecordingConfig `yaml:"recording"`
	Preview   PreviewConfig   `yaml:"preview"`
}

// CameraConfig selects the driver and the sensor geometry.
type CameraConfig struct {
	Driver string `yaml:"driver"` // v4l2, sim
	// Devices lists the v4l2 device paths; they double as camera serials.
	Devices []string `yaml:"devices"`
	// SimCount is the number of synthetic cameras when driver is sim.
	SimCount int `yaml:"sim_count"`
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
}

// ParamsConfig holds the initial ParameterSet.
type ParamsConfig struct {
	Shutter      float64 `yaml:"shutter"` // ms
	Framerate    float64 `yaml:"framerate"`
	Gain         float64 `yaml:"gain"` // dB
	BitsPerPixel int     `yaml:"bits_per_pixel"`
	Exposure     float64 `yaml:"exposure"`
	Brightness   float64 `yaml:"brightness"`
	Gamma        float64 `yaml:"gamma"`
}

type PipelineConfig struct {
	Producers     int `yaml:"producers"`
	Consumers     int `yaml:"consumers"`
	LaneCapacity  int `yaml:"lane_capacity"`
	PushTimeoutMs int `yaml:"push_timeout_ms"`
	GrabTimeoutMs int `yaml:"grab_timeout_ms"`
}

type SyncConfig struct {
	MasterSerial     string `yaml:"master_serial"`
	TriggerTimeoutMs int    `yaml:"trigger_timeout_ms"`
	GPIO             string `yaml:"gpio"` // periph, sim
	TriggerPin       string `yaml:"trigger_pin"`
	StrobePin        string `yaml:"strobe_pin"`
	// PulseUs is how long the trigger line is held high.
	PulseUs int `yaml:"pulse_us"`
}

type StorageConfig struct {
	Paths  [2]string `yaml:"paths"`
	Policy string    `yaml:"policy"` // split, mirror
	// MinFree is a humanized size ("2 GB") required on every path before recording.
	MinFree          string `yaml:"min_free"`
	MaxWriteFailures int    `yaml:"max_write_failures"`
	NTPServer        string `yaml:"ntp_server"`
}

type RecordingConfig struct {
	OneshotSamples int `yaml:"oneshot_samples"`
	// IntervalMs > 0 enables a periodic oneshot capture.
	IntervalMs int `yaml:"interval_ms"`
}

type PreviewConfig struct {
	Camera      int `yaml:"camera"`
	Width       int `yaml:"width"`
	JPEGQuality int `yaml:"jpeg_quality"`
}

// Default returns a configuration for a four camera simulated rig.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		ShutdownTimeoutS: 5,
		Camera: CameraConfig{
			Driver:   DriverSim,
			SimCount: 4,
			Width:    640,
			Height:   480,
		},
		Params: ParamsConfig{
			Shutter:      10,
			Framerate:    30,
			Gain:         0,
			BitsPerPixel: 8,
			Gamma:        1,
		},
		Pipeline: PipelineConfig{
			Producers:     1,
			Consumers:     2,
			LaneCapacity:  100,
			PushTimeoutMs: 50,
			GrabTimeoutMs: 500,
		},
		Sync: SyncConfig{
			TriggerTimeoutMs: 200,
			GPIO:             GPIOSim,
			PulseUs:          100,
		},
		Storage: StorageConfig{
			Policy:           PolicySplit,
			MinFree:          "1 GB",
			MaxWriteFailures: 5,
		},
		Recording: RecordingConfig{
			OneshotSamples: 10,
		},
		Preview: PreviewConfig{
			Width:       320,
			JPEGQuality: 80,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

func (p PipelineConfig) PushTimeout() time.Duration {
	return time.Duration(p.PushTimeoutMs) * time.Millisecond
}

func (p PipelineConfig) GrabTimeout() time.Duration {
	return time.Duration(p.GrabTimeoutMs) * time.Millisecond
}

func (s SyncConfig) TriggerTimeout() time.Duration {
	return time.Duration(s.TriggerTimeoutMs) * time.Millisecond
}

func (s SyncConfig) Pulse() time.Duration {
	return time.Duration(s.PulseUs) * time.Microsecond
}
