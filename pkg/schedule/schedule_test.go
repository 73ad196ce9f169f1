package schedule

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRecorder struct {
	mu      sync.Mutex
	calls   int
	accept  bool
	oneshot bool
}

func (f *fakeRecorder) StartRecording(oneshot bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.oneshot = oneshot
	return f.accept
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSchedulerFiresOneshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &fakeRecorder{accept: true}
	s := New(ctx, rec)

	s.Begin(10 * time.Millisecond)
	if s.Interval() != 10*time.Millisecond {
		t.Fatalf("Interval() = %s", s.Interval())
	}
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() < 3 || !rec.oneshot {
		t.Fatalf("calls = %d, oneshot = %t", rec.count(), rec.oneshot)
	}

	s.Stop()
	time.Sleep(20 * time.Millisecond)
	n := rec.count()
	time.Sleep(50 * time.Millisecond)
	if rec.count() != n {
		t.Fatal("scheduler kept firing after Stop")
	}
	if fired, _ := s.Counts(); fired < 3 {
		t.Fatalf("fired = %d", fired)
	}
}

func TestSchedulerCountsSkips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &fakeRecorder{}
	s := New(ctx, rec)
	s.Begin(5 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, skipped := s.Counts(); skipped >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("busy ticks were not counted")
}
