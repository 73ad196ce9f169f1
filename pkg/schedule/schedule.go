package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rig-shutter/pkg/utils"
)

// Recorder is the part of the rig the scheduler drives.
type Recorder interface {
	StartRecording(oneshot bool) bool
}

// Scheduler starts a oneshot recording every interval. A tick that finds the
// rig busy is skipped.
type Scheduler struct {
	t        *time.Ticker
	recorder Recorder
	lock     sync.Mutex
	interval time.Duration
	fired    int
	skipped  int
	logger   *zap.SugaredLogger
}

func New(ctx context.Context, recorder Recorder) *Scheduler {
	t := time.NewTicker(time.Second)
	t.Stop()

	s := &Scheduler{
		t:        t,
		recorder: recorder,
		logger:   utils.GetLogger().Named("schedule"),
	}
	s.startDeal(ctx)

	return s
}

// Begin (re)starts the schedule. A non-positive interval stops it.
func (s *Scheduler) Begin(interval time.Duration) {
	if interval <= 0 {
		s.Stop()
		return
	}
	s.lock.Lock()
	s.interval = interval
	s.lock.Unlock()
	s.t.Reset(interval)
	s.logger.Infof("scheduler: oneshot every %s", interval)
}

func (s *Scheduler) Stop() {
	s.logger.Info("scheduler: stopped")
	s.t.Stop()
	s.lock.Lock()
	s.interval = 0
	s.lock.Unlock()
}

// Interval returns the active interval, 0 when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.interval
}

// Counts returns how many ticks started a recording and how many were skipped.
func (s *Scheduler) Counts() (fired, skipped int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.fired, s.skipped
}

func (s *Scheduler) startDeal(ctx context.Context) {
	go func(s *Scheduler) {
		for {
			select {
			case start := <-s.t.C:
				s.lock.Lock()
				if s.interval == 0 {
					s.lock.Unlock()
					continue
				}
				s.lock.Unlock()

				s.logger.Debugf("scheduler: starting oneshot: %v", start)
				ok := s.recorder.StartRecording(true)

				s.lock.Lock()
				if ok {
					s.fired++
				} else {
					s.skipped++
				}
				s.lock.Unlock()
				if !ok {
					s.logger.Warn("scheduler: rig busy, tick skipped")
				}
			case <-ctx.Done():
				s.t.Stop()
				s.logger.Info("scheduler: stopped!")
				return
			}
		}
	}(s)
}
