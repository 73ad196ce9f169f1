package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Validate checks the configuration and fills in defaults for optional fields
func Validate(cfg *Config) error {
	switch cfg.Camera.Driver {
	case DriverSim:
		if cfg.Camera.SimCount <= 0 {
			return fmt.Errorf("camera.sim_count must be > 0")
		}
	case DriverV4L2:
		if len(cfg.Camera.Devices) == 0 {
			return fmt.Errorf("camera.devices is required for the v4l2 driver")
		}
	default:
		return fmt.Errorf("camera.driver '%s' unknown (must be 'v4l2' or 'sim')", cfg.Camera.Driver)
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return fmt.Errorf("camera resolution %dx%d is invalid", cfg.Camera.Width, cfg.Camera.Height)
	}

	if err := ValidateParams(cfg.Params); err != nil {
		return fmt.Errorf("params: %w", err)
	}

	if cfg.Pipeline.Producers <= 0 {
		cfg.Pipeline.Producers = 1
	}
	if cfg.Pipeline.Consumers <= 0 {
		cfg.Pipeline.Consumers = 2
	}
	if cfg.Pipeline.LaneCapacity <= 0 {
		cfg.Pipeline.LaneCapacity = 100
	}
	if cfg.Pipeline.PushTimeoutMs <= 0 {
		cfg.Pipeline.PushTimeoutMs = 50
	}
	if cfg.Pipeline.GrabTimeoutMs <= 0 {
		cfg.Pipeline.GrabTimeoutMs = 500
	}

	switch cfg.Sync.GPIO {
	case GPIOSim:
	case GPIOPeriph:
		if cfg.Sync.TriggerPin == "" || cfg.Sync.StrobePin == "" {
			return fmt.Errorf("sync.trigger_pin and sync.strobe_pin are required for periph gpio")
		}
	default:
		return fmt.Errorf("sync.gpio '%s' unknown (must be 'periph' or 'sim')", cfg.Sync.GPIO)
	}
	if cfg.Sync.TriggerTimeoutMs <= 0 {
		cfg.Sync.TriggerTimeoutMs = 200
	}

	switch cfg.Storage.Policy {
	case "":
		cfg.Storage.Policy = PolicySplit
	case PolicySplit, PolicyMirror:
	default:
		return fmt.Errorf("storage.policy '%s' unknown (must be 'split' or 'mirror')", cfg.Storage.Policy)
	}
	if cfg.Storage.MinFree != "" {
		if _, err := humanize.ParseBytes(cfg.Storage.MinFree); err != nil {
			return fmt.Errorf("storage.min_free: %w", err)
		}
	}
	if cfg.Storage.MaxWriteFailures <= 0 {
		cfg.Storage.MaxWriteFailures = 5
	}

	if cfg.Recording.OneshotSamples <= 0 {
		return fmt.Errorf("recording.oneshot_samples must be > 0")
	}
	if cfg.Preview.JPEGQuality <= 0 || cfg.Preview.JPEGQuality > 100 {
		cfg.Preview.JPEGQuality = 80
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	return nil
}

// ValidateParams rejects parameter sets no sensor could apply.
func ValidateParams(p ParamsConfig) error {
	if p.Framerate <= 0 {
		return fmt.Errorf("framerate must be > 0")
	}
	if p.Shutter < 0 {
		return fmt.Errorf("shutter must be >= 0")
	}
	switch p.BitsPerPixel {
	case 8, 12, 16, 24:
	default:
		return fmt.Errorf("bits_per_pixel %d unsupported (8, 12, 16 or 24)", p.BitsPerPixel)
	}

	return nil
}

// MinFreeBytes returns the parsed free space requirement, 0 when unset.
func (s StorageConfig) MinFreeBytes() uint64 {
	if s.MinFree == "" {
		return 0
	}
	n, err := humanize.ParseBytes(s.MinFree)
	if err != nil {
		return 0
	}
	return n
}
