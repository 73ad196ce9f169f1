package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type Role int

const (
	RoleSlave Role = iota
	RoleMaster
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// Binding owns the driver handle of one physical camera. It is the only
// component that talks to that device.
type Binding struct {
	Index  int
	Serial string

	role   Role
	driver Driver
	width  int
	height int

	mu         sync.Mutex
	params     ParameterSet
	configured bool

	released    atomic.Bool
	releaseOnce sync.Once
}

// NewBinding opens the device and binds it to rig index.
func NewBinding(d Driver, index int, serial string, role Role) (*Binding, error) {
	if err := d.Open(serial); err != nil {
		return nil, fmt.Errorf("open camera %s: %w", serial, err)
	}
	w, h := d.Resolution(serial)

	return &Binding{
		Index:  index,
		Serial: serial,
		role:   role,
		driver: d,
		width:  w,
		height: h,
	}, nil
}

func (b *Binding) Role() Role {
	return b.role
}

func (b *Binding) IsMaster() bool {
	return b.role == RoleMaster
}

func (b *Binding) Resolution() (width, height int) {
	return b.width, b.height
}

// Params returns the last parameter set accepted by the hardware.
func (b *Binding) Params() ParameterSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params
}

// FrameSize is derived from the applied parameters.
func (b *Binding) FrameSize() int {
	return b.Params().FrameSize(b.width, b.height)
}

// Configure pushes the fields of p that differ from the applied set. On
// failure the previously applied set is kept.
func (b *Binding) Configure(p ParameterSet) bool {
	if err := p.Validate(); err != nil {
		logger.Warnf("camera %d (%s): reject params: %s", b.Index, b.Serial, err)
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p.Dirty = p.Diff(b.params)
	if !b.configured {
		p.Dirty = ParamAll
	}
	if p.Dirty == 0 {
		return true
	}
	if err := b.driver.Configure(b.Serial, p); err != nil {
		logger.Warnf("camera %d (%s): configure %s: %s", b.Index, b.Serial, p.Dirty, err)
		return false
	}
	logger.Debugf("camera %d (%s): applied %s [%s]", b.Index, b.Serial, p, p.Dirty)
	p.Dirty = 0
	b.params = p
	b.configured = true

	return true
}

func (b *Binding) ArmTrigger() error {
	return b.driver.ArmTrigger(b.Serial)
}

func (b *Binding) Grab(dst []byte, timeout time.Duration) (int, error) {
	return b.driver.Grab(b.Serial, dst, timeout)
}

// Release hands the device back to the driver. Only the first call reaches it.
func (b *Binding) Release() {
	b.releaseOnce.Do(func() {
		b.released.Store(true)
		if err := b.driver.Release(b.Serial); err != nil {
			logger.Warnf("camera %d (%s): release: %s", b.Index, b.Serial, err)
		}
	})
}

// Configured reports whether the hardware ever accepted a parameter set.
func (b *Binding) Configured() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configured
}

func (b *Binding) Released() bool {
	return b.released.Load()
}
