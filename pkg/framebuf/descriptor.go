package framebuf

import "time"

// Descriptor is the unit handed from a producer to a consumer.
type Descriptor struct {
	// FrameNumber starts at 0 per camera and grows by one per successful grab.
	FrameNumber uint64
	// FrameSize and BitsPerPixel come from the parameters applied when the
	// frame was grabbed.
	FrameSize    int
	BitsPerPixel int
	CameraIndex  int
	CameraSerial string
	// Instant is the trigger instant the frame was exposed at.
	Instant   uint64
	Timestamp time.Time

	Buffer *Buffer
}

// Bytes returns the frame payload.
func (d *Descriptor) Bytes() []byte {
	if d.Buffer == nil {
		return nil
	}
	return d.Buffer.Bytes()
}

// Release gives the buffer back to its arena.
func (d *Descriptor) Release() {
	if d.Buffer != nil {
		d.Buffer.Release()
	}
}
