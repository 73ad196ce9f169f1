// Package preview forwards the selected camera's developed frames to the
// operator's view.
//
// The mailbox holds only the latest frame: a publish overwrites a frame nobody
// read yet and counts it as dropped. Readers block until a frame newer than the
// one they already have arrives, so a slow view never stalls the pipeline.
package preview

import (
	"bytes"
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	imgutil "rig-shutter/pkg/utils/image"
)

// View is the external preview surface.
type View interface {
	Show(camera int, img image.Image)
}

type Frame struct {
	Seq    uint64
	Camera int
	At     time.Time
	Image  image.Image
}

type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  Frame
	read   bool
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewMailbox() *Mailbox {
	m := &Mailbox{read: true}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish stores img as the latest frame of camera. img must not be modified
// afterwards.
func (m *Mailbox) Publish(camera int, img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if !m.read {
		m.dropped.Add(1)
	}
	m.frame = Frame{
		Seq:    m.frame.Seq + 1,
		Camera: camera,
		At:     time.Now(),
		Image:  img,
	}
	m.read = false
	m.published.Add(1)
	m.cond.Broadcast()
}

// Next blocks until a frame with Seq > after is available. It returns false
// once the mailbox is closed.
func (m *Mailbox) Next(after uint64) (Frame, bool) {
	return m.NextContext(context.Background(), after)
}

// NextContext is Next that also gives up when ctx is done.
func (m *Mailbox) NextContext(ctx context.Context, after uint64) (Frame, bool) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.frame.Seq <= after && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if m.closed || ctx.Err() != nil {
		return Frame{}, false
	}
	m.read = true
	return m.frame, true
}

// Latest returns the current frame without waiting.
func (m *Mailbox) Latest() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame, m.frame.Seq > 0
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func (m *Mailbox) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
	}
}

// Pump feeds view from the mailbox until ctx is done or the mailbox closes.
func Pump(ctx context.Context, m *Mailbox, view View) {
	var seq uint64
	for {
		f, ok := m.NextContext(ctx, seq)
		if !ok {
			return
		}
		seq = f.Seq
		view.Show(f.Camera, f.Image)
	}
}

// JPEG encodes a preview frame.
func JPEG(f Frame, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imgutil.EncodeJPEG(f.Image, &buf, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
