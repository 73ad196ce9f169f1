// Package trigger keeps the rig's sensors phase-locked to a common shutter
// instant.
//
// The master loop pulses the trigger line once per frame interval and numbers
// each pulse. Slave producers block in WaitInstant until an instant newer than
// the one they last consumed exists, so no slave exposes a frame for instant k
// before the master asserted k. A wait that outlives its timeout is a dropped
// frame; the missed instant is never captured retroactively. Skipped instants
// are counted as drift and reported, not corrected. After every pulse the
// master's strobe line is sampled; a pulse the master did not answer is a
// strobe miss.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/gpio"
	"rig-shutter/pkg/utils"
)

var (
	ErrTriggerTimeout = errors.New("trigger timeout")
	ErrDisarmed       = errors.New("synchronization disarmed")
	ErrState          = errors.New("invalid synchronization state")
)

type State int32

const (
	Unarmed State = iota
	Armed
	Active
	Disarmed
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "unarmed"
	case Armed:
		return "armed"
	case Active:
		return "active"
	case Disarmed:
		return "disarmed"
	default:
		return "unknown"
	}
}

type slaveCounters struct {
	timeouts atomic.Uint64
	drift    atomic.Uint64
}

type Controller struct {
	lines  gpio.Lines
	logger *zap.SugaredLogger

	state    atomic.Int32
	interval atomic.Int64

	mu        sync.Mutex
	instant   uint64
	instantAt time.Time
	tick      chan struct{}
	stopped   bool
	slaves    []*slaveCounters

	asserted     atomic.Uint64
	assertErrors atomic.Uint64
	strobeMisses atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(lines gpio.Lines, interval time.Duration) *Controller {
	c := &Controller{
		lines:  lines,
		logger: utils.GetLogger().Named("trigger"),
		tick:   make(chan struct{}),
	}
	c.interval.Store(int64(interval))
	return c
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// ArmSlaves puts every slave into wait-for-trigger mode. A slave that fails
// to arm is reported and keeps its place in the rig; its waits will time out.
func (c *Controller) ArmSlaves(slaves []*camera.Binding) error {
	if s := c.State(); s != Unarmed && s != Armed {
		return fmt.Errorf("%w: arm in %s", ErrState, s)
	}

	maxIndex := -1
	for _, b := range slaves {
		if b.Index > maxIndex {
			maxIndex = b.Index
		}
	}
	counters := make([]*slaveCounters, maxIndex+1)
	for _, b := range slaves {
		counters[b.Index] = &slaveCounters{}
		if err := b.ArmTrigger(); err != nil {
			c.logger.Warnf("camera %d (%s): arm trigger: %s", b.Index, b.Serial, err)
			continue
		}
		c.logger.Debugf("camera %d (%s): armed", b.Index, b.Serial)
	}

	c.mu.Lock()
	c.slaves = counters
	c.mu.Unlock()
	c.state.Store(int32(Armed))
	c.logger.Infof("%d slaves armed", len(slaves))

	return nil
}

// Start launches the master trigger loop.
func (c *Controller) Start(ctx context.Context) error {
	if s := c.State(); s != Armed {
		return fmt.Errorf("%w: start in %s", ErrState, s)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state.Store(int32(Active))

	c.wg.Add(1)
	go c.loop(loopCtx)
	c.logger.Infof("master trigger loop started, interval %s", time.Duration(c.interval.Load()))

	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	interval := time.Duration(c.interval.Load())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.lines.AssertTrigger(); err != nil {
			if c.assertErrors.Add(1) == 1 {
				c.logger.Warnf("assert trigger: %s", err)
			}
			continue
		}
		c.asserted.Add(1)
		c.checkStrobe()

		c.mu.Lock()
		c.instant++
		c.instantAt = time.Now()
		close(c.tick)
		c.tick = make(chan struct{})
		c.mu.Unlock()

		if next := time.Duration(c.interval.Load()); next != interval {
			interval = next
			ticker.Reset(interval)
			c.logger.Infof("trigger interval changed to %s", interval)
		}
	}
}

// checkStrobe counts a miss when the master did not raise its strobe for the
// pulse just asserted.
func (c *Controller) checkStrobe() {
	high, err := c.lines.StrobeState()
	if err == nil && high {
		return
	}
	if n := c.strobeMisses.Add(1); n == 1 {
		if err != nil {
			c.logger.Warnf("read strobe: %s", err)
		} else {
			c.logger.Warn("master strobe missing after trigger")
		}
	}
}

// SetInterval changes the trigger period from the next tick on.
func (c *Controller) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval.Store(int64(d))
	}
}

func (c *Controller) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// Current returns the latest asserted instant and when it was asserted.
func (c *Controller) Current() (uint64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instant, c.instantAt
}

// WaitInstant blocks camera cam until an instant newer than last has been
// asserted and returns it.
func (c *Controller) WaitInstant(cam int, last uint64, timeout time.Duration) (uint64, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.instant > last {
			got := c.instant
			counters := c.counters(cam)
			c.mu.Unlock()
			if counters != nil && last > 0 && got-last > 1 {
				counters.drift.Add(got - last - 1)
			}
			return got, nil
		}
		if c.stopped {
			c.mu.Unlock()
			return 0, ErrDisarmed
		}
		tick := c.tick
		c.mu.Unlock()

		select {
		case <-tick:
		case <-timer.C:
			if counters := c.slaveCounters(cam); counters != nil {
				counters.timeouts.Add(1)
			}
			return 0, ErrTriggerTimeout
		}
	}
}

func (c *Controller) counters(cam int) *slaveCounters {
	if cam < 0 || cam >= len(c.slaves) {
		return nil
	}
	return c.slaves[cam]
}

func (c *Controller) slaveCounters(cam int) *slaveCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters(cam)
}

// Stop ends the master loop and wakes every waiting slave.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.tick)
	}
	c.mu.Unlock()

	if c.State() != Disarmed {
		c.state.Store(int32(Disarmed))
		c.logger.Infof("disarmed after %d triggers", c.asserted.Load())
	}
}

type SlaveStats struct {
	Camera   int    `json:"camera"`
	Timeouts uint64 `json:"timeouts"`
	Drift    uint64 `json:"drift"`
}

type Stats struct {
	State        string       `json:"state"`
	Instant      uint64       `json:"instant"`
	Asserted     uint64       `json:"asserted"`
	AssertErrors uint64       `json:"assertErrors"`
	StrobeMisses uint64       `json:"strobeMisses"`
	Interval     string       `json:"interval"`
	Slaves       []SlaveStats `json:"slaves"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	instant := c.instant
	slaves := make([]SlaveStats, 0, len(c.slaves))
	for i, s := range c.slaves {
		if s == nil {
			continue
		}
		slaves = append(slaves, SlaveStats{
			Camera:   i,
			Timeouts: s.timeouts.Load(),
			Drift:    s.drift.Load(),
		})
	}
	c.mu.Unlock()

	return Stats{
		State:        c.State().String(),
		Instant:      instant,
		Asserted:     c.asserted.Load(),
		AssertErrors: c.assertErrors.Load(),
		StrobeMisses: c.strobeMisses.Load(),
		Interval:     c.Interval().String(),
		Slaves:       slaves,
	}
}
