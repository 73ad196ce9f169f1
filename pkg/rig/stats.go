package rig

import (
	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/framebuf"
	"rig-shutter/pkg/preview"
	"rig-shutter/pkg/trigger"
)

type CameraStats struct {
	Index  int    `json:"index"`
	Serial string `json:"serial"`
	Role   string `json:"role"`

	Produced          uint64 `json:"produced"`
	GrabTimeouts      uint64 `json:"grabTimeouts"`
	GrabErrors        uint64 `json:"grabErrors"`
	TriggerDrops      uint64 `json:"triggerDrops"`
	ArenaDrops        uint64 `json:"arenaDrops"`
	LaneDrops         uint64 `json:"laneDrops"`
	SizeDrops         uint64 `json:"sizeDrops"`
	ConfigureFailures uint64 `json:"configureFailures"`
	ISPErrors         uint64 `json:"ispErrors"`

	Params camera.ParameterSet `json:"params"`
}

type Stats struct {
	State           string `json:"state"`
	Session         string `json:"session,omitempty"`
	PreviewCamera   int    `json:"previewCamera"`
	Producers       int    `json:"producers"`
	Consumers       int    `json:"consumers"`
	ParamGeneration uint64 `json:"paramGeneration"`
	ParamsPending   bool   `json:"paramsPending"`

	Cameras []CameraStats        `json:"cameras"`
	Lanes   []framebuf.LaneStats `json:"lanes"`
	Arena   framebuf.ArenaStats  `json:"arena"`
	Sync    trigger.Stats        `json:"sync"`
	Preview preview.Stats        `json:"preview"`
}

// Stats is a point in time snapshot of the pipeline counters.
func (c *Controller) Stats() Stats {
	c.ctlMu.Lock()
	st := Stats{
		Producers: c.producers,
		Consumers: c.consumers,
	}
	lanes := c.lanes
	arena := c.arena
	c.ctlMu.Unlock()

	st.State = c.State().String()
	st.Session = c.SessionID()
	st.PreviewCamera = c.PreviewCamera()
	st.ParamGeneration = c.params.generation()
	st.ParamsPending = c.params.inFlight()
	for _, l := range lanes {
		st.Lanes = append(st.Lanes, l.Stats())
	}
	if arena != nil {
		st.Arena = arena.Stats()
	}
	st.Sync = c.sync.Stats()
	st.Preview = c.mailbox.Stats()

	for _, cs := range c.cams {
		b := cs.binding
		st.Cameras = append(st.Cameras, CameraStats{
			Index:             b.Index,
			Serial:            b.Serial,
			Role:              b.Role().String(),
			Produced:          cs.produced.Load(),
			GrabTimeouts:      cs.grabTimeouts.Load(),
			GrabErrors:        cs.grabErrors.Load(),
			TriggerDrops:      cs.triggerDrops.Load(),
			ArenaDrops:        cs.arenaDrops.Load(),
			LaneDrops:         cs.laneDrops.Load(),
			SizeDrops:         cs.sizeDrops.Load(),
			ConfigureFailures: cs.configFailure.Load(),
			ISPErrors:         cs.ispErrors.Load(),
			Params:            b.Params(),
		})
	}
	return st
}
