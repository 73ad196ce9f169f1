package framebuf

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultCapacity = 100

var (
	ErrLaneFull   = errors.New("lane full")
	ErrLaneClosed = errors.New("lane closed")
)

// Lane is a bounded multi-producer multi-consumer queue of descriptors.
type Lane struct {
	id int
	ch chan *Descriptor

	done      chan struct{}
	closeOnce sync.Once

	pushed    atomic.Uint64
	popped    atomic.Uint64
	dropped   atomic.Uint64
	highWater atomic.Int64
}

func NewLane(id, capacity int) *Lane {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Lane{
		id:   id,
		ch:   make(chan *Descriptor, capacity),
		done: make(chan struct{}),
	}
}

func (l *Lane) ID() int {
	return l.id
}

// Push enqueues d, blocking at most timeout while the lane is full. A
// non-positive timeout blocks until there is room or the lane closes. On
// error the caller still owns d.
func (l *Lane) Push(d *Descriptor, timeout time.Duration) error {
	select {
	case <-l.done:
		return ErrLaneClosed
	default:
	}

	select {
	case l.ch <- d:
		l.pushed.Add(1)
		l.observe()
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case l.ch <- d:
		l.pushed.Add(1)
		l.observe()
		return nil
	case <-l.done:
		return ErrLaneClosed
	case <-expired:
		l.dropped.Add(1)
		return ErrLaneFull
	}
}

func (l *Lane) observe() {
	n := int64(len(l.ch))
	for {
		hw := l.highWater.Load()
		if n <= hw || l.highWater.CompareAndSwap(hw, n) {
			return
		}
	}
}

// Pop returns the next descriptor. After Close it keeps returning queued
// descriptors and reports false once the lane is empty.
func (l *Lane) Pop() (*Descriptor, bool) {
	select {
	case d := <-l.ch:
		l.popped.Add(1)
		return d, true
	case <-l.done:
		select {
		case d := <-l.ch:
			l.popped.Add(1)
			return d, true
		default:
			return nil, false
		}
	}
}

// Close wakes every blocked Push and Pop. It is safe to call more than once.
func (l *Lane) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

func (l *Lane) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Drain releases every descriptor still queued. Call it after the consumers
// of a closed lane have exited.
func (l *Lane) Drain() int {
	n := 0
	for {
		select {
		case d := <-l.ch:
			d.Release()
			n++
		default:
			return n
		}
	}
}

func (l *Lane) Len() int {
	return len(l.ch)
}

func (l *Lane) Cap() int {
	return cap(l.ch)
}

type LaneStats struct {
	ID        int    `json:"id"`
	Len       int    `json:"len"`
	Cap       int    `json:"cap"`
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Dropped   uint64 `json:"dropped"`
	HighWater int64  `json:"highWater"`
}

func (l *Lane) Stats() LaneStats {
	return LaneStats{
		ID:        l.id,
		Len:       len(l.ch),
		Cap:       cap(l.ch),
		Pushed:    l.pushed.Load(),
		Popped:    l.popped.Load(),
		Dropped:   l.dropped.Load(),
		HighWater: l.highWater.Load(),
	}
}
