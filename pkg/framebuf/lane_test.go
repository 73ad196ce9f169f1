package framebuf

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLanePushPop(t *testing.T) {
	l := NewLane(0, 4)
	for i := 0; i < 4; i++ {
		if err := l.Push(&Descriptor{FrameNumber: uint64(i)}, 10*time.Millisecond); err != nil {
			t.Fatalf("Push(%d) failed: %v", i, err)
		}
	}
	start := time.Now()
	if err := l.Push(&Descriptor{FrameNumber: 4}, 20*time.Millisecond); !errors.Is(err, ErrLaneFull) {
		t.Fatalf("Push() on full lane err = %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Push() returned before its timeout")
	}
	for i := 0; i < 4; i++ {
		d, ok := l.Pop()
		if !ok || d.FrameNumber != uint64(i) {
			t.Fatalf("Pop() = %v, %v", d, ok)
		}
	}
	st := l.Stats()
	if st.Pushed != 4 || st.Popped != 4 || st.Dropped != 1 || st.HighWater != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestLaneCloseWakesConsumers(t *testing.T) {
	l := NewLane(1, 2)
	if err := l.Push(&Descriptor{FrameNumber: 7}, 0); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, ok := l.Pop()
				if !ok {
					return
				}
				results <- true
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	l.Close()
	l.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumers did not exit after Close")
	}
	if len(results) != 1 {
		t.Fatalf("queued descriptor delivered %d times", len(results))
	}
	if err := l.Push(&Descriptor{}, time.Millisecond); !errors.Is(err, ErrLaneClosed) {
		t.Fatalf("Push() after Close err = %v", err)
	}
}

func TestLaneBoundedUnderLoad(t *testing.T) {
	const (
		capacity  = 8
		producers = 4
		perProd   = 500
	)
	l := NewLane(2, capacity)

	stop := make(chan struct{})
	var watch sync.WaitGroup
	watch.Add(1)
	violations := 0
	go func() {
		defer watch.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if l.Len() > capacity {
					violations++
				}
			}
		}
	}()

	var prod sync.WaitGroup
	for p := 0; p < producers; p++ {
		prod.Add(1)
		go func(p int) {
			defer prod.Done()
			for i := 0; i < perProd; i++ {
				_ = l.Push(&Descriptor{CameraIndex: p, FrameNumber: uint64(i)}, 0)
			}
		}(p)
	}

	seen := make(map[[2]uint64]int)
	var mu sync.Mutex
	var cons sync.WaitGroup
	for c := 0; c < 3; c++ {
		cons.Add(1)
		go func() {
			defer cons.Done()
			for {
				d, ok := l.Pop()
				if !ok {
					return
				}
				mu.Lock()
				seen[[2]uint64{uint64(d.CameraIndex), d.FrameNumber}]++
				mu.Unlock()
			}
		}()
	}

	prod.Wait()
	l.Close()
	cons.Wait()
	close(stop)
	watch.Wait()

	if violations > 0 {
		t.Fatalf("lane exceeded capacity %d times", violations)
	}
	if len(seen) != producers*perProd {
		t.Fatalf("delivered %d distinct descriptors, want %d", len(seen), producers*perProd)
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("descriptor %v delivered %d times", k, n)
		}
	}
}
