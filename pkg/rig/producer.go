package rig

import (
	"errors"
	"fmt"
	"time"

	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/framebuf"
	"rig-shutter/pkg/trigger"
)

const grabErrorBackoff = 10 * time.Millisecond

// produce serves the cameras bound to producer slot until the rig stops, then
// releases them.
func (c *Controller) produce(slot int, cams []*cameraState) {
	defer c.producerWG.Done()
	defer func() {
		for _, cs := range cams {
			cs.binding.Release()
		}
		logger.Debugf("producer %d stopped", slot)
	}()

	if !c.waitChan(c.lanesReady) {
		return
	}
	logger.Debugf("producer %d serving %d cameras", slot, len(cams))

	for c.running() {
		for _, cs := range cams {
			if !c.running() {
				return
			}
			c.produceOne(cs)
		}
	}
}

// waitActive holds a slave back until the master trigger loop runs. It gives
// up after one trigger timeout so a producer slot shared with the master keeps
// serving it.
func (c *Controller) waitActive() bool {
	select {
	case <-c.active:
		return true
	default:
	}
	timer := time.NewTimer(c.cfg.Sync.TriggerTimeout())
	defer timer.Stop()
	select {
	case <-c.active:
		return true
	case <-timer.C:
		return false
	case <-c.ctx.Done():
		return false
	}
}

// produceOne runs one iteration for cs: parameter update, trigger wait, grab
// and push. Every failure is a counted drop.
func (c *Controller) produceOne(cs *cameraState) {
	b := cs.binding
	c.applyPending(cs)

	var instant uint64
	if b.IsMaster() {
		instant, _ = c.sync.Current()
	} else {
		if !c.waitActive() {
			return
		}
		got, err := c.sync.WaitInstant(b.Index, cs.lastInstant, c.cfg.Sync.TriggerTimeout())
		if err != nil {
			if errors.Is(err, trigger.ErrTriggerTimeout) {
				cs.triggerDrops.Add(1)
			}
			return
		}
		cs.lastInstant = got
		instant = got
	}

	p := b.Params()
	w, h := b.Resolution()
	size := p.FrameSize(w, h)
	buf, err := c.arena.Acquire(size, c.pushTimeout())
	if err != nil {
		cs.arenaDrops.Add(1)
		return
	}
	n, err := b.Grab(buf.Data(), c.cfg.Pipeline.GrabTimeout())
	if err != nil {
		buf.Release()
		if errors.Is(err, camera.ErrGrabTimeout) {
			cs.grabTimeouts.Add(1)
			return
		}
		if errors.Is(err, camera.ErrFrameSize) {
			cs.sizeDrop(err)
			return
		}
		if cs.grabErrors.Add(1) == 1 {
			logger.Warnf("camera %d (%s): grab: %s", b.Index, b.Serial, err)
		}
		time.Sleep(grabErrorBackoff)
		return
	}
	if n != size {
		buf.Release()
		cs.sizeDrop(fmt.Errorf("%w: got %d bytes, want %d", camera.ErrFrameSize, n, size))
		return
	}
	buf.SetLen(n)

	d := &framebuf.Descriptor{
		FrameNumber:  cs.nextFrame,
		FrameSize:    size,
		BitsPerPixel: p.BitsPerPixel,
		CameraIndex:  b.Index,
		CameraSerial: b.Serial,
		Instant:      instant,
		Timestamp:    time.Now(),
		Buffer:       buf,
	}
	cs.nextFrame++

	lane := c.lanes[b.Index%len(c.lanes)]
	if err = lane.Push(d, c.pushTimeout()); err != nil {
		d.Release()
		if errors.Is(err, framebuf.ErrLaneFull) {
			cs.laneDrops.Add(1)
		}
		return
	}
	cs.produced.Add(1)
}

// sizeDrop counts a frame whose length does not match the applied parameters.
func (cs *cameraState) sizeDrop(err error) {
	if cs.sizeDrops.Add(1) == 1 {
		b := cs.binding
		logger.Warnf("camera %d (%s): %s", b.Index, b.Serial, err)
	}
}
