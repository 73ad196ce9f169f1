package camera

import (
	"errors"
	"time"
)

var (
	ErrGrabTimeout   = errors.New("grab timeout")
	ErrUnknownCamera = errors.New("unknown camera")
	ErrNotOpen       = errors.New("camera not open")
	ErrFrameSize     = errors.New("unexpected frame size")
	StartedErr       = errors.New("already started")
)

// Driver is the per-device primitive layer of the camera vendor SDK.
// Every call is confined to the device named by serial.
type Driver interface {
	// Enumerate lists the serials of every attached camera in a stable order.
	Enumerate() ([]string, error)
	Open(serial string) error
	// Configure applies p to the device. Either every dirty field is applied or
	// the device keeps its previous parameters and an error is returned.
	Configure(serial string, p ParameterSet) error
	// ArmTrigger switches the device into wait-for-trigger mode.
	ArmTrigger(serial string) error
	// Grab copies the next frame into dst and returns its size. It returns
	// ErrGrabTimeout when no frame arrives within timeout.
	Grab(serial string, dst []byte, timeout time.Duration) (int, error)
	Release(serial string) error
	Resolution(serial string) (width, height int)
}
