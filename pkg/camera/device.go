package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// V4L2Driver drives UVC/CSI sensors through go4vl. Device paths double as
// serials.
type V4L2Driver struct {
	ctx    context.Context
	width  int
	height int

	lock    sync.Mutex
	devices map[string]*v4l2Camera
	order   []string
}

type v4l2Camera struct {
	lock   sync.Mutex
	path   string
	dev    *device.Device
	cancel context.CancelFunc
	frames <-chan []byte
	params ParameterSet
}

func NewV4L2Driver(ctx context.Context, paths []string, width, height int) *V4L2Driver {
	d := &V4L2Driver{
		ctx:     ctx,
		width:   width,
		height:  height,
		devices: make(map[string]*v4l2Camera),
		order:   append([]string(nil), paths...),
	}
	for _, p := range paths {
		d.devices[p] = &v4l2Camera{path: p}
	}
	return d
}

func (d *V4L2Driver) Enumerate() ([]string, error) {
	return append([]string(nil), d.order...), nil
}

func (d *V4L2Driver) get(serial string) (*v4l2Camera, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	c, ok := d.devices[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, serial)
	}
	return c, nil
}

func (d *V4L2Driver) Resolution(string) (int, int) {
	return d.width, d.height
}

// Open only validates the serial; the stream is opened on the first Configure
// because the pixel format depends on the bit depth.
func (d *V4L2Driver) Open(serial string) error {
	_, err := d.get(serial)
	return err
}

func (d *V4L2Driver) Configure(serial string, p ParameterSet) error {
	c, err := d.get(serial)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	prev := c.params
	if c.dev == nil || p.Dirty.Has(ParamBits) {
		c.stop()
		if err := c.start(d.ctx, d.width, d.height, p); err != nil {
			if prev.BitsPerPixel != 0 {
				if e2 := c.start(d.ctx, d.width, d.height, prev); e2 != nil {
					logger.Errorf("v4l2 %s: restore previous format: %s", c.path, e2)
				}
			}
			return err
		}
		// a reopened device has lost every control
		p.Dirty = ParamAll
	} else if p.Dirty.Has(ParamFramerate) {
		if err := c.dev.SetFrameRate(uint32(p.Framerate)); err != nil {
			return fmt.Errorf("set framerate: %w", err)
		}
	}

	applied := make([]ctrlSetting, 0)
	for _, s := range controlValues(p) {
		if err := c.dev.SetControlValue(s.id, s.value); err != nil {
			c.rollback(applied, prev)
			return fmt.Errorf("set ctrl(%d) to %d: %w", s.id, s.value, err)
		}
		applied = append(applied, s)
	}
	c.params = p

	return nil
}

// rollback restores the controls touched by a failed Configure.
func (c *v4l2Camera) rollback(applied []ctrlSetting, prev ParameterSet) {
	prev.Dirty = ParamAll
	old := make(map[v4l2.CtrlID]v4l2.CtrlValue)
	for _, s := range controlValues(prev) {
		old[s.id] = s.value
	}
	for _, s := range applied {
		v, ok := old[s.id]
		if !ok {
			continue
		}
		if err := c.dev.SetControlValue(s.id, v); err != nil {
			logger.Warnf("v4l2 %s: rollback ctrl(%d): %s", c.path, s.id, err)
		}
	}
	if prev.Framerate > 0 && prev.Framerate != c.params.Framerate {
		_ = c.dev.SetFrameRate(uint32(prev.Framerate))
	}
}

func (c *v4l2Camera) start(ctx context.Context, width, height int, p ParameterSet) error {
	pf, err := pixelFormat(p.BitsPerPixel)
	if err != nil {
		return err
	}
	dev, err := device.Open(
		c.path,
		device.WithBufferSize(2),
		device.WithFPS(uint32(p.Framerate)),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: pf,
			Width:       uint32(width),
			Height:      uint32(height),
			Field:       v4l2.FieldNone,
		}),
	)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.path, err)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	if err := dev.Start(streamCtx); err != nil {
		cancel()
		_ = dev.Close()
		return fmt.Errorf("start %s: %w", c.path, err)
	}
	c.dev = dev
	c.cancel = cancel
	c.frames = dev.GetOutput()
	logger.Infof("v4l2 %s: streaming %dx%d at %d bpp", c.path, width, height, p.BitsPerPixel)

	return nil
}

// streamStopTimeout bounds the wait for the go4vl stream loop to exit.
const streamStopTimeout = time.Second

func (c *v4l2Camera) stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		if !waitClosed(c.frames, streamStopTimeout) {
			logger.Warnf("v4l2 %s: stream loop still running after %s", c.path, streamStopTimeout)
		}
	}
	if c.dev != nil {
		if err := c.dev.Close(); err != nil {
			logger.Warnf("v4l2 %s: close: %s", c.path, err)
		}
		c.dev = nil
		c.frames = nil
	}
}

// waitClosed drains frames until the stream loop closes it on exit.
func waitClosed(frames <-chan []byte, timeout time.Duration) bool {
	if frames == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

// ArmTrigger flushes queued frames so the next Grab returns a frame exposed
// after arming. UVC devices have no external trigger input.
func (d *V4L2Driver) ArmTrigger(serial string) error {
	c, err := d.get(serial)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.frames == nil {
		return ErrNotOpen
	}
	for {
		select {
		case <-c.frames:
		default:
			return nil
		}
	}
}

func (d *V4L2Driver) Grab(serial string, dst []byte, timeout time.Duration) (int, error) {
	c, err := d.get(serial)
	if err != nil {
		return 0, err
	}
	c.lock.Lock()
	frames := c.frames
	c.lock.Unlock()
	if frames == nil {
		return 0, ErrNotOpen
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f, ok := <-frames:
		if !ok {
			return 0, errors.New("stream closed")
		}
		if len(f) > len(dst) {
			return 0, fmt.Errorf("%w: %d byte frame, buffer %d", ErrFrameSize, len(f), len(dst))
		}
		return copy(dst, f), nil
	case <-timer.C:
		return 0, ErrGrabTimeout
	}
}

func (d *V4L2Driver) Release(serial string) error {
	c, err := d.get(serial)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.stop()
	return nil
}
