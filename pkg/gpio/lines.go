// Package gpio exposes the strobe and trigger lines shared by the rig.
//
// The master camera's strobe output is wired to the trigger input of every
// slave. The rig only ever needs to pulse the trigger, sample the strobe and
// know which serial sits on the master connector.
package gpio

import (
	"sync"
	"time"
)

type Lines interface {
	// AssertTrigger emits one trigger pulse.
	AssertTrigger() error
	// StrobeState reports whether the master strobe rose since the previous
	// call, or is high now.
	StrobeState() (bool, error)
	// IsMaster reports whether serial is wired as the synchronization master.
	IsMaster(serial string) bool
	Close() error
}

// SimLines is an in-memory Lines that records every trigger instant. The
// simulated master answers each pulse with a strobe edge.
type SimLines struct {
	master string
	pulse  time.Duration

	mu       sync.Mutex
	strobe   bool
	edge     bool
	triggers []time.Time
	fail     int
	mute     int
}

func NewSimLines(masterSerial string, pulse time.Duration) *SimLines {
	return &SimLines{master: masterSerial, pulse: pulse}
}

func (s *SimLines) AssertTrigger() error {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return errTriggerLine
	}
	s.triggers = append(s.triggers, time.Now())
	if s.mute > 0 {
		s.mute--
	} else {
		s.strobe = true
		s.edge = true
	}
	s.mu.Unlock()

	if s.pulse > 0 {
		time.Sleep(s.pulse)
	}

	s.mu.Lock()
	s.strobe = false
	s.mu.Unlock()
	return nil
}

func (s *SimLines) StrobeState() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.edge || s.strobe
	s.edge = false
	return seen, nil
}

func (s *SimLines) IsMaster(serial string) bool {
	return s.master != "" && serial == s.master
}

func (s *SimLines) Close() error {
	return nil
}

// Triggers returns the time of every asserted trigger, oldest first.
func (s *SimLines) Triggers() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.triggers...)
}

// FailNext makes the next n AssertTrigger calls fail.
func (s *SimLines) FailNext(n int) {
	s.mu.Lock()
	s.fail = n
	s.mu.Unlock()
}

// MuteStrobe makes the master ignore the next n trigger pulses.
func (s *SimLines) MuteStrobe(n int) {
	s.mu.Lock()
	s.mute = n
	s.mu.Unlock()
}
