package rig

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"rig-shutter/pkg/framebuf"
	"rig-shutter/pkg/isp"
	"rig-shutter/pkg/storage"
)

type State int32

const (
	StateIdle State = iota
	StateRecording
	StateOneshot
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateOneshot:
		return "oneshot"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "recording":
		return StateRecording
	case "oneshot":
		return StateOneshot
	case "stopping":
		return StateStopping
	default:
		return StateIdle
	}
}

const (
	eventRecord  = "record"
	eventOneshot = "oneshot"
	eventStop    = "stop"
	eventFinish  = "finish"
)

// sessionFSM guards the recording lifecycle. Consumers read the atomic mirror
// of the state on every frame instead of the fsm itself.
type sessionFSM struct {
	f     *fsm.FSM
	state atomic.Int32

	idleMu sync.Mutex
	idle   chan struct{}
}

func newSessionFSM(c *Controller) *sessionFSM {
	s := &sessionFSM{idle: make(chan struct{})}
	close(s.idle)

	idle, rec, one, stopping := StateIdle.String(), StateRecording.String(), StateOneshot.String(), StateStopping.String()
	s.f = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventRecord, Src: []string{idle}, Dst: rec},
			{Name: eventOneshot, Src: []string{idle}, Dst: one},
			{Name: eventStop, Src: []string{rec, one}, Dst: stopping},
			{Name: eventFinish, Src: []string{stopping}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				st := parseState(e.Dst)
				s.enter(st)
				if st == StateStopping {
					// finish is fired from outside the callback
					go c.finishSession()
				}
			},
		},
	)
	return s
}

func (s *sessionFSM) enter(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	switch {
	case st == StateIdle && prev != StateIdle:
		close(s.idle)
	case st != StateIdle && prev == StateIdle:
		s.idle = make(chan struct{})
	}
}

func (s *sessionFSM) current() State {
	return State(s.state.Load())
}

func (s *sessionFSM) event(name string) error {
	if err := s.f.Event(context.Background(), name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, err)
	}
	return nil
}

func (s *sessionFSM) start(oneshot bool) error {
	if oneshot {
		return s.event(eventOneshot)
	}
	return s.event(eventRecord)
}

func (s *sessionFSM) stop() error {
	return s.event(eventStop)
}

func (s *sessionFSM) finish() error {
	return s.event(eventFinish)
}

func (s *sessionFSM) waitIdle(ctx context.Context) error {
	s.idleMu.Lock()
	ch := s.idle
	s.idleMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recorder is the per-camera part of a session. mu and cond guard the sample
// counter; no other camera ever takes them.
type recorder struct {
	index  int
	serial string
	role   string

	mu          sync.Mutex
	cond        *sync.Cond
	count       int
	target      int
	frames      []uint64
	stream      *storage.Stream
	failures    uint64
	consecutive int
	aborted     bool

	dropsAtStart uint64
}

type session struct {
	id      string
	oneshot bool
	target  int
	started time.Time
	roots   []string

	clockServer string
	clockOffset time.Duration

	recs   []*recorder
	failed atomic.Bool
}

func (c *Controller) openSession(oneshot bool, roots []string) (*session, error) {
	id := storage.NewSessionID()
	if err := storage.PrepareSession(roots, id); err != nil {
		return nil, fmt.Errorf("prepare session %s: %w", id, err)
	}
	sess := &session{
		id:      id,
		oneshot: oneshot,
		started: time.Now(),
		roots:   roots,
	}
	if oneshot {
		sess.target = c.target
	}
	if server := c.cfg.Storage.NTPServer; server != "" {
		off, err := storage.ClockOffset(server, 2*time.Second)
		if err != nil {
			logger.Warnf("session %s: clock offset from %s: %s", id, server, err)
		} else {
			sess.clockServer = server
			sess.clockOffset = off
		}
	}
	for _, cs := range c.cams {
		b := cs.binding
		rec := &recorder{
			index:        b.Index,
			serial:       b.Serial,
			role:         b.Role().String(),
			target:       sess.target,
			stream:       storage.NewStream(c.policy.SessionDirs(c.paths, id, b.Index), b.Index, b.Serial),
			dropsAtStart: cs.drops(),
		}
		rec.cond = sync.NewCond(&rec.mu)
		sess.recs = append(sess.recs, rec)
	}
	return sess, nil
}

// record writes d to its camera's stream. In a oneshot session only frames up
// to the target count are written.
func (c *Controller) record(sess *session, d *framebuf.Descriptor, f isp.Format) {
	rec := sess.recs[d.CameraIndex]
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.aborted || (sess.oneshot && rec.count >= rec.target) {
		return
	}
	if err := rec.stream.Write(d.Bytes(), f.Width, f.Height, f.BitsPerPixel); err != nil {
		rec.failures++
		rec.consecutive++
		if rec.failures == 1 {
			logger.Warnf("session %s camera %d: write frame %d: %s", sess.id, rec.index, d.FrameNumber, err)
		}
		if rec.consecutive >= max(c.cfg.Storage.MaxWriteFailures, 1) && sess.failed.CompareAndSwap(false, true) {
			reason := fmt.Sprintf("camera %d: %d consecutive write failures", rec.index, rec.consecutive)
			go c.stopSession(sess, reason)
		}
		return
	}
	rec.consecutive = 0
	rec.count++
	if sess.oneshot {
		rec.frames = append(rec.frames, d.FrameNumber)
		if rec.count == rec.target {
			rec.cond.Broadcast()
		}
	}
}

// watchOneshot stops sess once every camera reached its target.
func (c *Controller) watchOneshot(sess *session) {
	for _, rec := range sess.recs {
		rec.mu.Lock()
		for rec.count < rec.target && !rec.aborted {
			rec.cond.Wait()
		}
		aborted := rec.aborted
		rec.mu.Unlock()
		if aborted {
			return
		}
	}
	c.stopSession(sess, "oneshot complete")
}

// stopSession stops the rig's session only if it is still sess.
func (c *Controller) stopSession(sess *session, reason string) {
	c.writeGuard.RLock()
	same := c.session == sess
	c.writeGuard.RUnlock()
	if same {
		c.stopRecording(reason)
	}
}

// finishSession runs in stopping: it waits for in-flight writes, closes the
// streams, dumps the session info and returns the rig to idle.
func (c *Controller) finishSession() {
	c.writeGuard.Lock()
	sess := c.session
	c.session = nil
	c.writeGuard.Unlock()

	if sess != nil {
		info := sess.close(c)
		if err := storage.DumpInfo(sess.roots, info); err != nil {
			logger.Errorf("session %s: %s", sess.id, err)
		}
		c.infoMu.Lock()
		c.last = info
		c.infoMu.Unlock()
		logger.Infof("session %s stopped after %s", sess.id, info.StoppedAt.Sub(info.StartedAt).Round(time.Millisecond))
	}
	if err := c.fsm.finish(); err != nil {
		logger.Errorf("finish session: %s", err)
	}
}

func (sess *session) close(c *Controller) *storage.Info {
	info := &storage.Info{
		ID:          sess.id,
		StartedAt:   sess.started,
		StoppedAt:   time.Now(),
		Oneshot:     sess.oneshot,
		Target:      sess.target,
		Policy:      c.policy,
		Paths:       sess.roots,
		ClockServer: sess.clockServer,
		ClockOffset: sess.clockOffset,
	}
	for _, rec := range sess.recs {
		rec.mu.Lock()
		rec.aborted = true
		rec.cond.Broadcast()
		if err := rec.stream.Close(); err != nil {
			logger.Warnf("session %s camera %d: close stream: %s", sess.id, rec.index, err)
		}
		info.Cameras = append(info.Cameras, storage.CameraInfo{
			Index:          rec.index,
			Serial:         rec.serial,
			Role:           rec.role,
			Frames:         rec.stream.Frames(),
			FrameNumbers:   rec.frames,
			Drops:          c.cams[rec.index].drops() - rec.dropsAtStart,
			WriteFailures:  rec.failures,
			DroppedMirrors: rec.stream.DroppedMirrors(),
			Segments:       rec.stream.Segments(),
			Files:          rec.stream.Files(),
		})
		rec.mu.Unlock()
	}
	return info
}

// LastSession returns the info of the most recently finished session.
func (c *Controller) LastSession() *storage.Info {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.last
}

// SessionID returns the id of the active session, if any.
func (c *Controller) SessionID() string {
	c.writeGuard.RLock()
	defer c.writeGuard.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.id
}
