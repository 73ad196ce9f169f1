package framebuf

import (
	"errors"
	"testing"
	"time"
)

func TestArenaReuse(t *testing.T) {
	a := NewArena(2)
	b1, err := a.Acquire(16, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := a.Acquire(32, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(b1.Data()) != 16 || len(b2.Data()) != 32 {
		t.Fatalf("sizes %d/%d", len(b1.Data()), len(b2.Data()))
	}
	if _, err = a.Acquire(8, 5*time.Millisecond); !errors.Is(err, ErrArenaExhausted) {
		t.Fatalf("err = %v, want ErrArenaExhausted", err)
	}

	copy(b1.Data(), "abcd")
	b1.SetLen(4)
	if string(b1.Bytes()) != "abcd" {
		t.Fatalf("Bytes() = %q", b1.Bytes())
	}
	if !b1.Release() {
		t.Fatal("first Release() = false")
	}
	if b1.Release() {
		t.Fatal("second Release() = true")
	}

	b3, err := a.Acquire(8, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if b3.Slot() != b1.Slot() || len(b3.Bytes()) != 0 {
		t.Fatalf("slot %d reused with %d stale bytes", b3.Slot(), len(b3.Bytes()))
	}

	st := a.Stats()
	if st.Exhausted != 1 || st.DoubleReleases != 1 || st.Available != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDescriptorRelease(t *testing.T) {
	a := NewArena(1)
	b, _ := a.Acquire(4, time.Millisecond)
	l := NewLane(0, 1)
	if err := l.Push(&Descriptor{Buffer: b}, 0); err != nil {
		t.Fatal(err)
	}
	l.Close()
	if n := l.Drain(); n != 1 {
		t.Fatalf("Drain() = %d", n)
	}
	if a.Available() != 1 {
		t.Fatal("drained buffer not returned to the arena")
	}
}
