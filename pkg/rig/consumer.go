package rig

import (
	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/framebuf"
	"rig-shutter/pkg/isp"
)

// consume drains lane until it is closed and empty. Every popped descriptor is
// released exactly once here.
func (c *Controller) consume(worker int, lane *framebuf.Lane) {
	defer c.consumerWG.Done()
	defer logger.Debugf("consumer %d stopped", worker)

	for {
		d, ok := lane.Pop()
		if !ok {
			return
		}
		if c.running() {
			c.handle(worker, d)
		}
		d.Release()
	}
}

func (c *Controller) handle(worker int, d *framebuf.Descriptor) {
	if d.CameraIndex < 0 || d.CameraIndex >= len(c.cams) {
		return
	}
	if c.observe != nil {
		c.observe(worker, d)
	}
	cs := c.cams[d.CameraIndex]
	f := formatOf(cs.binding, d)

	if int64(d.CameraIndex) == c.previewIndex.Load() {
		img, err := c.proc.Process(d, f)
		if err != nil {
			if cs.ispErrors.Add(1) == 1 {
				logger.Warnf("camera %d: develop preview: %s", d.CameraIndex, err)
			}
		} else {
			c.mailbox.Publish(d.CameraIndex, img)
		}
	}

	if s := c.fsm.current(); s == StateRecording || s == StateOneshot {
		c.writeGuard.RLock()
		if sess := c.session; sess != nil {
			c.record(sess, d, f)
		}
		c.writeGuard.RUnlock()
	}
}

// formatOf is the layout d was captured with.
func formatOf(b *camera.Binding, d *framebuf.Descriptor) isp.Format {
	w, h := b.Resolution()
	return isp.Format{Width: w, Height: h, BitsPerPixel: d.BitsPerPixel}
}
