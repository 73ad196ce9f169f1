package gpio

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var errTriggerLine = errors.New("trigger line unavailable")

// PeriphLines drives the trigger and samples the strobe through periph.io.
type PeriphLines struct {
	trigger gpio.PinIO
	strobe  gpio.PinIO
	edges   bool
	master  string
	pulse   time.Duration
}

// NewPeriphLines initializes the host drivers and claims both pins by name
// (e.g. "GPIO17").
func NewPeriphLines(triggerPin, strobePin, masterSerial string, pulse time.Duration) (*PeriphLines, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	trigger := gpioreg.ByName(triggerPin)
	if trigger == nil {
		return nil, fmt.Errorf("trigger pin %s not found", triggerPin)
	}
	strobe := gpioreg.ByName(strobePin)
	if strobe == nil {
		return nil, fmt.Errorf("strobe pin %s not found", strobePin)
	}
	if err := trigger.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("trigger pin %s: %w", triggerPin, err)
	}
	edges := true
	if err := strobe.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		logger.Warnf("strobe pin %s: no edge detection, sampling level: %s", strobePin, err)
		edges = false
		if err = strobe.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("strobe pin %s: %w", strobePin, err)
		}
	}
	if pulse <= 0 {
		pulse = 100 * time.Microsecond
	}
	logger.Infof("gpio: trigger=%s strobe=%s master=%s", triggerPin, strobePin, masterSerial)

	return &PeriphLines{
		trigger: trigger,
		strobe:  strobe,
		edges:   edges,
		master:  masterSerial,
		pulse:   pulse,
	}, nil
}

func (p *PeriphLines) AssertTrigger() error {
	if err := p.trigger.Out(gpio.High); err != nil {
		return fmt.Errorf("%w: %s", errTriggerLine, err)
	}
	time.Sleep(p.pulse)
	if err := p.trigger.Out(gpio.Low); err != nil {
		return fmt.Errorf("%w: %s", errTriggerLine, err)
	}
	return nil
}

func (p *PeriphLines) StrobeState() (bool, error) {
	if p.edges && p.strobe.WaitForEdge(0) {
		return true, nil
	}
	return p.strobe.Read() == gpio.High, nil
}

func (p *PeriphLines) IsMaster(serial string) bool {
	return p.master != "" && serial == p.master
}

func (p *PeriphLines) Close() error {
	return p.trigger.Out(gpio.Low)
}
