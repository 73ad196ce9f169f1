package camera

import (
	"fmt"
	"strings"
)

// ParamMask marks the fields of a ParameterSet that must be pushed to hardware.
type ParamMask uint8

const (
	ParamShutter ParamMask = 1 << iota
	ParamFramerate
	ParamGain
	ParamBits
	ParamExposure
	ParamBrightness
	ParamGamma

	ParamAll = ParamShutter | ParamFramerate | ParamGain | ParamBits |
		ParamExposure | ParamBrightness | ParamGamma
)

var paramNames = []string{"shutter", "framerate", "gain", "bits", "exposure", "brightness", "gamma"}

func (m ParamMask) Has(f ParamMask) bool {
	return m&f != 0
}

func (m ParamMask) String() string {
	if m == 0 {
		return "none"
	}
	var names []string
	for i, n := range paramNames {
		if m&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

// ParameterSet is the live exposure configuration of one sensor.
type ParameterSet struct {
	Shutter      float64 `json:"shutter"` // ms
	Framerate    float64 `json:"framerate"`
	Gain         float64 `json:"gain"` // dB
	BitsPerPixel int     `json:"bitsPerPixel"`
	Exposure     float64 `json:"exposure"`
	Brightness   float64 `json:"brightness"`
	Gamma        float64 `json:"gamma"`

	Dirty ParamMask `json:"-"`
}

// FrameSize is the byte size of one raw frame at this bit depth.
func (p ParameterSet) FrameSize(width, height int) int {
	return width * height * p.BitsPerPixel / 8
}

// Diff returns the fields of p that differ from old.
func (p ParameterSet) Diff(old ParameterSet) ParamMask {
	var m ParamMask
	if p.Shutter != old.Shutter {
		m |= ParamShutter
	}
	if p.Framerate != old.Framerate {
		m |= ParamFramerate
	}
	if p.Gain != old.Gain {
		m |= ParamGain
	}
	if p.BitsPerPixel != old.BitsPerPixel {
		m |= ParamBits
	}
	if p.Exposure != old.Exposure {
		m |= ParamExposure
	}
	if p.Brightness != old.Brightness {
		m |= ParamBrightness
	}
	if p.Gamma != old.Gamma {
		m |= ParamGamma
	}
	return m
}

// WithCore returns a copy of p with the four fields the control surface exposes replaced.
func (p ParameterSet) WithCore(shutter, framerate, gain float64, bpp int) ParameterSet {
	p.Shutter = shutter
	p.Framerate = framerate
	p.Gain = gain
	p.BitsPerPixel = bpp
	p.Dirty = 0
	return p
}

func (p ParameterSet) Validate() error {
	if p.Framerate <= 0 {
		return fmt.Errorf("framerate %.2f must be > 0", p.Framerate)
	}
	if p.Shutter < 0 {
		return fmt.Errorf("shutter %.2f must be >= 0", p.Shutter)
	}
	switch p.BitsPerPixel {
	case 8, 12, 16, 24:
	default:
		return fmt.Errorf("bits per pixel %d unsupported", p.BitsPerPixel)
	}
	return nil
}

func (p ParameterSet) String() string {
	return fmt.Sprintf("shutter=%.2fms fps=%.2f gain=%.2fdB bpp=%d", p.Shutter, p.Framerate, p.Gain, p.BitsPerPixel)
}
