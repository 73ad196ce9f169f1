package rig

import (
	"sync"
	"sync/atomic"

	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/utils"
)

type paramOutcome int

const (
	// some cameras still have to apply the generation
	paramsPending paramOutcome = iota
	paramsCommitted
	// a camera rejected the generation; the committed set was staged again
	paramsRejected
	paramsRolledBack
	// a camera rejected the rollback too
	paramsDiverged
)

// paramState implements the staged parameter update. The control surface
// stages a set under a new generation; each producer notices the generation
// change between two grabs, configures its camera and checks itself off.
// Only a generation every camera accepted becomes the committed set. One that
// some camera rejected is followed by a rollback generation carrying the
// committed set.
type paramState struct {
	gen atomic.Uint64

	mu           sync.Mutex
	committed    camera.ParameterSet
	hasCommitted bool
	staged       camera.ParameterSet
	rollback     bool
	outstanding  int
	rejected     int
}

// latest returns the set every camera last accepted.
func (ps *paramState) latest() (camera.ParameterSet, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.committed, ps.hasCommitted
}

// set records a set applied synchronously by the control surface.
func (ps *paramState) set(p camera.ParameterSet) {
	ps.mu.Lock()
	ps.committed = p
	ps.hasCommitted = true
	ps.outstanding = 0
	ps.mu.Unlock()
}

func (ps *paramState) stage(p camera.ParameterSet, cameras int) uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.stageLocked(p, cameras, false)
}

func (ps *paramState) stageLocked(p camera.ParameterSet, cameras int, rollback bool) uint64 {
	ps.staged = p
	ps.rollback = rollback
	ps.outstanding = cameras
	ps.rejected = 0
	return ps.gen.Add(1)
}

// pending returns the staged set when its generation is newer than seen.
func (ps *paramState) pending(seen uint64) (camera.ParameterSet, uint64, bool) {
	if ps.gen.Load() == seen {
		return camera.ParameterSet{}, seen, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.staged, ps.gen.Load(), true
}

// done checks one camera off generation g. Once the last camera reported it
// settles the generation and returns the committed set.
func (ps *paramState) done(g uint64, ok bool, cameras int) (paramOutcome, camera.ParameterSet) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if g != ps.gen.Load() || ps.outstanding == 0 {
		return paramsPending, ps.committed
	}
	ps.outstanding--
	if !ok {
		ps.rejected++
	}
	switch {
	case ps.outstanding > 0:
		return paramsPending, ps.committed
	case ps.rejected > 0 && ps.rollback:
		return paramsDiverged, ps.committed
	case ps.rejected > 0:
		ps.stageLocked(ps.committed, cameras, true)
		return paramsRejected, ps.committed
	case ps.rollback:
		return paramsRolledBack, ps.committed
	}
	ps.committed = ps.staged
	ps.hasCommitted = true
	return paramsCommitted, ps.committed
}

func (ps *paramState) inFlight() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.outstanding > 0
}

func (ps *paramState) generation() uint64 {
	return ps.gen.Load()
}

// applyPending configures cs with the staged set if it has not seen it yet.
// Called by the producer serving cs, never during a grab.
func (c *Controller) applyPending(cs *cameraState) {
	p, g, ok := c.params.pending(cs.paramGen)
	if !ok {
		return
	}
	cs.paramGen = g
	accepted := cs.binding.Configure(p)
	if !accepted {
		cs.configFailure.Add(1)
	}

	switch out, committed := c.params.done(g, accepted, len(c.cams)); out {
	case paramsCommitted:
		c.sync.SetInterval(utils.FrameInterval(committed.Framerate))
		logger.Infof("params generation %d applied to every camera", g)
	case paramsRejected:
		logger.Warnf("params generation %d rejected, rolling back to %s", g, committed)
	case paramsRolledBack:
		logger.Infof("params generation %d: every camera back on %s", g, committed)
	case paramsDiverged:
		logger.Errorf("params generation %d: rollback to %s failed, cameras disagree", g, committed)
	}
}
