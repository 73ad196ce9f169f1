package camera

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SimDriver synthesizes frames for rigs without hardware and for tests.
// Each frame starts with its per-camera sequence number (little endian uint64)
// followed by the low byte of that number.
type SimDriver struct {
	width  int
	height int
	// Paced makes Grab wait one frame interval like a real sensor.
	Paced bool

	lock    sync.Mutex
	cameras map[string]*simCamera
	order   []string
}

type simCamera struct {
	open     bool
	armed    bool
	params   ParameterSet
	seq      uint64
	last     time.Time
	releases int
	configs  int

	failConfigure int
	timeoutEvery  int
	grabs         int
	onGrab        func(serial string)
}

func NewSimDriver(count, width, height int) *SimDriver {
	d := &SimDriver{
		width:   width,
		height:  height,
		cameras: make(map[string]*simCamera),
	}
	for i := 0; i < count; i++ {
		serial := fmt.Sprintf("SIM%05d", 17000+i)
		d.cameras[serial] = &simCamera{}
		d.order = append(d.order, serial)
	}
	return d
}

func (d *SimDriver) camera(serial string) (*simCamera, error) {
	c, ok := d.cameras[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, serial)
	}
	return c, nil
}

func (d *SimDriver) Enumerate() ([]string, error) {
	return append([]string(nil), d.order...), nil
}

func (d *SimDriver) Resolution(string) (int, int) {
	return d.width, d.height
}

func (d *SimDriver) Open(serial string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	c, err := d.camera(serial)
	if err != nil {
		return err
	}
	c.open = true
	return nil
}

func (d *SimDriver) Configure(serial string, p ParameterSet) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	c, err := d.camera(serial)
	if err != nil {
		return err
	}
	if !c.open {
		return ErrNotOpen
	}
	c.configs++
	if c.failConfigure > 0 {
		c.failConfigure--
		return errors.New("sensor rejected parameters")
	}
	c.params = p
	return nil
}

func (d *SimDriver) ArmTrigger(serial string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	c, err := d.camera(serial)
	if err != nil {
		return err
	}
	c.armed = true
	return nil
}

func (d *SimDriver) Grab(serial string, dst []byte, timeout time.Duration) (int, error) {
	d.lock.Lock()
	c, err := d.camera(serial)
	if err != nil {
		d.lock.Unlock()
		return 0, err
	}
	if !c.open {
		d.lock.Unlock()
		return 0, ErrNotOpen
	}
	c.grabs++
	if c.timeoutEvery > 0 && c.grabs%c.timeoutEvery == 0 {
		d.lock.Unlock()
		return 0, ErrGrabTimeout
	}
	var wait time.Duration
	if d.Paced && c.params.Framerate > 0 && !c.last.IsZero() {
		wait = time.Until(c.last.Add(time.Duration(float64(time.Second) / c.params.Framerate)))
	}
	if wait > timeout {
		d.lock.Unlock()
		time.Sleep(timeout)
		return 0, ErrGrabTimeout
	}
	size := c.params.FrameSize(d.width, d.height)
	if size > len(dst) {
		d.lock.Unlock()
		return 0, fmt.Errorf("buffer of %d bytes too small for %d byte frame", len(dst), size)
	}
	seq := c.seq
	c.seq++
	hook := c.onGrab
	d.lock.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	if hook != nil {
		hook(serial)
	}
	fillFrame(dst[:size], seq)

	d.lock.Lock()
	c.last = time.Now()
	d.lock.Unlock()

	return size, nil
}

func fillFrame(dst []byte, seq uint64) {
	var head [8]byte
	binary.LittleEndian.PutUint64(head[:], seq)
	n := copy(dst, head[:])
	for i := n; i < len(dst); i++ {
		dst[i] = byte(seq)
	}
}

// FrameSeq decodes the sequence number stamped by SimDriver.
func FrameSeq(frame []byte) uint64 {
	if len(frame) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(frame)
}

func (d *SimDriver) Release(serial string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	c, err := d.camera(serial)
	if err != nil {
		return err
	}
	c.releases++
	c.open = false
	return nil
}

// FailConfigure makes the next n Configure calls for serial fail.
func (d *SimDriver) FailConfigure(serial string, n int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if c, err := d.camera(serial); err == nil {
		c.failConfigure = n
	}
}

// TimeoutEvery makes every k-th Grab for serial time out.
func (d *SimDriver) TimeoutEvery(serial string, k int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if c, err := d.camera(serial); err == nil {
		c.timeoutEvery = k
	}
}

// OnGrab installs a hook run before a frame is produced.
func (d *SimDriver) OnGrab(serial string, f func(serial string)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if c, err := d.camera(serial); err == nil {
		c.onGrab = f
	}
}

func (d *SimDriver) Releases(serial string) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	if c, err := d.camera(serial); err == nil {
		return c.releases
	}
	return 0
}

func (d *SimDriver) Armed(serial string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if c, err := d.camera(serial); err == nil {
		return c.armed
	}
	return false
}

func (d *SimDriver) AppliedParams(serial string) ParameterSet {
	d.lock.Lock()
	defer d.lock.Unlock()
	if c, err := d.camera(serial); err == nil {
		return c.params
	}
	return ParameterSet{}
}
