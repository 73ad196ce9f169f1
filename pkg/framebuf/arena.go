package framebuf

import (
	"errors"
	"sync/atomic"
	"time"
)

var ErrArenaExhausted = errors.New("frame arena exhausted")

// Buffer is one reusable frame slot of an Arena.
type Buffer struct {
	arena    *Arena
	slot     int
	data     []byte
	n        int
	released atomic.Bool
}

func (b *Buffer) Slot() int {
	return b.slot
}

// Data returns the whole writable region, at least size bytes long.
func (b *Buffer) Data() []byte {
	return b.data
}

// SetLen records how many bytes of Data hold the frame.
func (b *Buffer) SetLen(n int) {
	if n > len(b.data) {
		n = len(b.data)
	}
	b.n = n
}

func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Release returns the buffer to the arena. It reports false, and counts the
// event, when the buffer was already released.
func (b *Buffer) Release() bool {
	if !b.released.CompareAndSwap(false, true) {
		b.arena.doubleReleases.Add(1)
		return false
	}
	b.n = 0
	b.arena.free <- b
	return true
}

// Arena is a fixed pool of frame buffers. Buffers grow to the largest frame
// size requested and are never freed while the arena lives.
type Arena struct {
	slots int
	free  chan *Buffer

	exhausted      atomic.Uint64
	doubleReleases atomic.Uint64
}

func NewArena(slots int) *Arena {
	if slots <= 0 {
		slots = 1
	}
	a := &Arena{
		slots: slots,
		free:  make(chan *Buffer, slots),
	}
	for i := 0; i < slots; i++ {
		b := &Buffer{arena: a, slot: i}
		b.released.Store(true)
		a.free <- b
	}
	return a
}

// Acquire takes a free buffer able to hold size bytes, waiting up to timeout.
func (a *Arena) Acquire(size int, timeout time.Duration) (*Buffer, error) {
	var b *Buffer
	select {
	case b = <-a.free:
	default:
		timer := time.NewTimer(timeout)
		select {
		case b = <-a.free:
			timer.Stop()
		case <-timer.C:
			a.exhausted.Add(1)
			return nil, ErrArenaExhausted
		}
	}
	if cap(b.data) < size {
		b.data = make([]byte, size)
	}
	b.data = b.data[:size]
	b.n = 0
	b.released.Store(false)
	return b, nil
}

func (a *Arena) Slots() int {
	return a.slots
}

func (a *Arena) Available() int {
	return len(a.free)
}

type ArenaStats struct {
	Slots          int    `json:"slots"`
	Available      int    `json:"available"`
	Exhausted      uint64 `json:"exhausted"`
	DoubleReleases uint64 `json:"doubleReleases"`
}

func (a *Arena) Stats() ArenaStats {
	return ArenaStats{
		Slots:          a.slots,
		Available:      len(a.free),
		Exhausted:      a.exhausted.Load(),
		DoubleReleases: a.doubleReleases.Load(),
	}
}
